// Package monitor exposes trader metrics in Prometheus format.
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_cycles_total",
			Help: "Trading cycles by type and final status",
		},
		[]string{"mode", "run_type", "status"},
	)

	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_total",
			Help: "Orders submitted by side, method and result",
		},
		[]string{"mode", "side", "method", "result"}, // result: ok|failed
	)

	skipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_skips_total",
			Help: "Deliberate no-trade decisions by reason",
		},
		[]string{"mode", "reason"},
	)

	gatewayRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_gateway_retries_total",
			Help: "Broker call retries by endpoint and class",
		},
		[]string{"mode", "path", "class"},
	)

	tokenIssues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_token_issue_total",
			Help: "Token issuance outcomes",
		},
		[]string{"mode", "reason"},
	)

	fxResolves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_fx_resolve_total",
			Help: "FX rate resolutions by source",
		},
		[]string{"source"}, // broker|external|none
	)

	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trader_cycle_duration_seconds",
			Help:    "Wall time of a trading cycle",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	lastHeartbeat = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trader_last_heartbeat_timestamp_seconds",
			Help: "Unix time of the last worker heartbeat",
		},
		[]string{"mode"},
	)

	workerRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_worker_restarts_total",
			Help: "Worker processes restarted by the supervisor",
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal, ordersTotal, skipsTotal, gatewayRetries)
	prometheus.MustRegister(tokenIssues, fxResolves, cycleDuration, lastHeartbeat, workerRestarts)
}

// ObserveCycle counts a finished cycle.
func ObserveCycle(mode, runType, status string, took time.Duration) {
	cyclesTotal.WithLabelValues(mode, runType, status).Inc()
	cycleDuration.WithLabelValues(mode).Observe(took.Seconds())
}

// ObserveOrder counts an order submission.
func ObserveOrder(mode, side, method string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	ordersTotal.WithLabelValues(mode, side, method, result).Inc()
}

// ObserveSkip counts a skip.
func ObserveSkip(mode, reason string) {
	skipsTotal.WithLabelValues(mode, reason).Inc()
}

// ObserveRetry counts a broker call retry.
func ObserveRetry(mode, path, class string) {
	gatewayRetries.WithLabelValues(mode, path, class).Inc()
}

// ObserveTokenIssue counts a token issuance outcome.
func ObserveTokenIssue(mode, reason string) {
	tokenIssues.WithLabelValues(mode, reason).Inc()
}

// ObserveFx counts an FX resolution.
func ObserveFx(source string) {
	if source == "" {
		source = "none"
	}
	fxResolves.WithLabelValues(source).Inc()
}

// Heartbeat records a worker heartbeat.
func Heartbeat(mode string, at time.Time) {
	lastHeartbeat.WithLabelValues(mode).Set(float64(at.Unix()))
}

// ObserveRestart counts a supervisor restart.
func ObserveRestart(mode string) {
	workerRestarts.WithLabelValues(mode).Inc()
}
