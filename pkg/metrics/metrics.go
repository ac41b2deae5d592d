// Package metrics holds the engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry        *prometheus.Registry
	ordersPlaced    *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	ordersSettled   *prometheus.CounterVec
	priceFallbacks  *prometheus.CounterVec
	balanceSyncs    *prometheus.CounterVec
	riskAlerts      *prometheus.CounterVec
	opportunities   prometheus.Gauge
	accounts        prometheus.Gauge
	notifications   *prometheus.CounterVec
	algoChildOrders *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simtrader",
			Name:      "orders_placed_total",
			Help:      "Orders accepted for execution.",
		}, []string{"exchange", "type", "side"}),
		ordersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simtrader",
			Name:      "orders_rejected_before_creation_total",
			Help:      "Order requests refused synchronously, by error class.",
		}, []string{"reason"}),
		ordersSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simtrader",
			Name:      "orders_terminal_total",
			Help:      "Orders reaching a terminal status.",
		}, []string{"status"}),
		priceFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simtrader",
			Name:      "price_feed_fallbacks_total",
			Help:      "Price refreshes served by the synthetic generator.",
		}, []string{"source"}),
		balanceSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simtrader",
			Name:      "balance_syncs_total",
			Help:      "Account balance synchronisations by source.",
		}, []string{"source"}),
		riskAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simtrader",
			Name:      "risk_alerts_total",
			Help:      "Risk alerts raised by the post-trade monitor.",
		}, []string{"kind"}),
		opportunities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simtrader",
			Name:      "arbitrage_opportunities",
			Help:      "Opportunities found in the last scan cycle.",
		}),
		accounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simtrader",
			Name:      "connected_accounts",
			Help:      "Currently connected trading accounts.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simtrader",
			Name:      "notifications_total",
			Help:      "Dispatched notifications by kind and outcome.",
		}, []string{"kind", "outcome"}),
		algoChildOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simtrader",
			Name:      "algo_child_orders_total",
			Help:      "Child orders submitted by execution algorithms.",
		}, []string{"algorithm", "outcome"}),
	}

	m.registry.MustRegister(
		m.ordersPlaced, m.ordersRejected, m.ordersSettled, m.priceFallbacks, m.balanceSyncs,
		m.riskAlerts, m.opportunities, m.accounts, m.notifications, m.algoChildOrders,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) OrderPlaced(exchange, orderType, side string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(exchange, orderType, side).Inc()
}

func (m *Metrics) OrderRefused(reason string) {
	if m == nil {
		return
	}
	m.ordersRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) OrderTerminal(status string) {
	if m == nil {
		return
	}
	m.ordersSettled.WithLabelValues(status).Inc()
}

func (m *Metrics) PriceFallback(source string) {
	if m == nil {
		return
	}
	m.priceFallbacks.WithLabelValues(source).Inc()
}

func (m *Metrics) BalanceSync(source string) {
	if m == nil {
		return
	}
	m.balanceSyncs.WithLabelValues(source).Inc()
}

func (m *Metrics) RiskAlert(kind string) {
	if m == nil {
		return
	}
	m.riskAlerts.WithLabelValues(kind).Inc()
}

func (m *Metrics) Opportunities(n int) {
	if m == nil {
		return
	}
	m.opportunities.Set(float64(n))
}

func (m *Metrics) ConnectedAccounts(n int) {
	if m == nil {
		return
	}
	m.accounts.Set(float64(n))
}

func (m *Metrics) Notification(kind string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.notifications.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) AlgoChildOrder(algorithm string, ok bool) {
	if m == nil {
		return
	}
	outcome := "submitted"
	if !ok {
		outcome = "refused"
	}
	m.algoChildOrders.WithLabelValues(algorithm, outcome).Inc()
}
