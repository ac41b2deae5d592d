package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.OrderPlaced("kraken", "market", "buy")
		m.OrderTerminal("filled")
		m.PriceFallback("http")
		m.Opportunities(3)
		m.Notification("risk_alert", false)
	})
	assert.Nil(t, m.Registry())
}

func Test_MetricsHandlerExposesCounters(t *testing.T) {
	m := New()
	m.OrderPlaced("kraken", "market", "buy")
	m.Opportunities(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `simtrader_orders_placed_total{exchange="kraken",side="buy",type="market"} 1`)
	assert.Contains(t, string(body), "simtrader_arbitrage_opportunities 2")
}
