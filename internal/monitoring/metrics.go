// Package monitoring exposes Prometheus metrics for the trading engine.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracketbot_orders_total",
			Help: "Total number of orders submitted to the exchange",
		},
		[]string{"symbol", "intent", "outcome"},
	)

	orderRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracketbot_order_retries_total",
			Help: "Total number of order submission retries",
		},
		[]string{"symbol", "intent"},
	)

	riskVetoesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracketbot_risk_vetoes_total",
			Help: "Total number of entries vetoed by the risk manager",
		},
		[]string{"code"},
	)

	positionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bracketbot_positions_closed_total",
			Help: "Total number of positions closed, by reason",
		},
		[]string{"symbol", "reason"},
	)

	criticalAlertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bracketbot_critical_alerts_total",
			Help: "Total number of critical operator alerts raised",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bracketbot_open_positions",
			Help: "Number of currently open positions",
		},
	)

	currentPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bracketbot_current_price",
			Help: "Last observed price per symbol",
		},
		[]string{"symbol"},
	)

	equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bracketbot_account_equity",
			Help: "Current account equity in the quote asset",
		},
	)

	drawdown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bracketbot_drawdown",
			Help: "Current equity drawdown from the high-water mark, as a fraction",
		},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bracketbot_cycle_duration_seconds",
			Help:    "Duration of evaluation cycles",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		ordersTotal,
		orderRetriesTotal,
		riskVetoesTotal,
		positionsClosedTotal,
		criticalAlertsTotal,
		openPositions,
		currentPrice,
		equity,
		drawdown,
		cycleDuration,
	)
}

// Handler returns the HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOrder records an order submission outcome.
func RecordOrder(symbol, intent, outcome string) {
	ordersTotal.WithLabelValues(symbol, intent, outcome).Inc()
}

// RecordOrderRetry records a retried order submission.
func RecordOrderRetry(symbol, intent string) {
	orderRetriesTotal.WithLabelValues(symbol, intent).Inc()
}

// RecordRiskVeto records an entry rejected by the risk manager.
func RecordRiskVeto(code string) {
	riskVetoesTotal.WithLabelValues(code).Inc()
}

// RecordPositionClosed records a settled position.
func RecordPositionClosed(symbol, reason string) {
	positionsClosedTotal.WithLabelValues(symbol, reason).Inc()
}

// RecordCriticalAlert records a critical operator alert.
func RecordCriticalAlert() {
	criticalAlertsTotal.Inc()
}

// SetOpenPositions updates the open position gauge.
func SetOpenPositions(n int) {
	openPositions.Set(float64(n))
}

// SetPrice updates the last observed price for a symbol.
func SetPrice(symbol string, price float64) {
	currentPrice.WithLabelValues(symbol).Set(price)
}

// SetEquity updates the account equity gauge.
func SetEquity(v float64) {
	equity.Set(v)
}

// SetDrawdown updates the drawdown gauge.
func SetDrawdown(v float64) {
	drawdown.Set(v)
}

// ObserveCycle records the duration of one evaluation cycle.
func ObserveCycle(d time.Duration) {
	cycleDuration.Observe(d.Seconds())
}
