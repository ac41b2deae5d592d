package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_SyntheticWalk(t *testing.T) {
	tests := []struct {
		name       string
		volatility float64
		last       decimal.Decimal
		hasLast    bool
	}{
		{name: "seeded from base price", volatility: 0.01},
		{name: "walks from previous price", volatility: 0.01, last: decimal.NewFromInt(120000), hasLast: true},
		{name: "zero volatility keeps price", volatility: 0, last: decimal.NewFromInt(120000), hasLast: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSynthetic(tt.volatility, map[string]decimal.Decimal{"BTC": decimal.NewFromInt(100000)},
				func(string) (decimal.Decimal, bool) { return tt.last, tt.hasLast })

			quotes, err := s.Quotes(context.Background(), []string{"BTC"})
			require.NoError(t, err)

			prev := decimal.NewFromInt(100000)
			if tt.hasLast {
				prev = tt.last
			}
			delta := prev.Mul(decimal.NewFromFloat(tt.volatility))
			price := quotes["BTC"].Price
			assert.True(t, price.Sub(prev).Abs().LessThanOrEqual(delta), "price %s outside bound", price)
			assert.True(t, quotes["BTC"].Volume24h.IsPositive())
		})
	}
}

func Test_SyntheticUnknownSymbolUsesDefault(t *testing.T) {
	s := NewSynthetic(0, nil, nil)
	assert.True(t, DefaultBasePrice.Equal(s.BasePrice("NOPE")))
}

func Test_HTTPProviderQuotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/prices", r.URL.Path)
		assert.Equal(t, "BTC,ETH", r.URL.Query().Get("symbols"))
		assert.Equal(t, "key", r.Header.Get("X-API-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"BTC":{"price":"100000","change_24h":"0.02","volume_24h":"1234"},"ETH":{"price":"0"}}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, APIKey: "key", RateLimit: 100})
	quotes, err := p.Quotes(context.Background(), []string{"BTC", "ETH"})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.True(t, decimal.NewFromInt(100000).Equal(quotes["BTC"].Price))
	assert.True(t, decimal.NewFromInt(1234).Equal(quotes["BTC"].Volume24h))
}

func Test_HTTPProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusBadGateway, body: `{}`},
		{name: "no usable prices", status: http.StatusOK, body: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := NewHTTPProvider(HTTPConfig{BaseURL: srv.URL, RateLimit: 100})
			_, err := p.Quotes(context.Background(), []string{"BTC"})
			assert.Error(t, err)
		})
	}
}

func Test_StreamProviderReceivesTickers(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil || sub.Type != "subscribe" {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteJSON(map[string]string{"type": "ticker", "symbol": "BTC", "price": "101000", "volume_24h": "12"})
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	s := NewStreamProvider(StreamConfig{URL: url, ReconnectDelay: 10 * time.Millisecond}, []string{"BTC"}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		q, err := s.Quotes(ctx, []string{"BTC"})
		return err == nil && decimal.NewFromInt(101000).Equal(q["BTC"].Price)
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Connected())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
	assert.False(t, s.Connected())
}

func Test_StreamProviderNotConnected(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewStreamProvider(StreamConfig{URL: "ws://127.0.0.1:1"}, []string{"BTC"}, logger)
	_, err := s.Quotes(context.Background(), []string{"BTC"})
	assert.Error(t, err)
}
