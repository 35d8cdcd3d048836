// Package metrics exposes Prometheus collectors for the decision pipeline.
//
// Collectors are registered with the default registry in init and served at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tp_cycles_total",
			Help: "Completed cycles by symbol and outcome",
		},
		[]string{"symbol", "outcome"},
	)

	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tp_cycle_duration_seconds",
			Help:    "Wall time of a cycle from start to trace",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45, 60},
		},
		[]string{"symbol"},
	)

	cyclesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tp_cycles_skipped_total",
			Help: "Cycles not started because the previous one for the symbol was still running",
		},
		[]string{"symbol"},
	)

	backtestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tp_backtest_duration_seconds",
			Help:    "Duration of a single candidate backtest",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	backtestDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tp_backtest_discarded_total",
			Help: "Backtest results discarded by reason",
		},
		[]string{"reason"},
	)

	// 0 closed, 1 half-open, 2 open.
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tp_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tp_orders_total",
			Help: "Order submissions by final status",
		},
		[]string{"status"},
	)

	rateLimitWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tp_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a limiter token",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"class"},
	)

	traceStoreFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tp_trace_store_failures_total",
			Help: "Cycle traces or ledger rows that could not be persisted",
		},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tp_alerts_total",
			Help: "Breaker alerts by result (sent|suppressed|failed)",
		},
		[]string{"result"},
	)

	portfolioEquity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tp_portfolio_equity",
			Help: "Total portfolio value as last applied by the execution gateway",
		},
	)

	riskScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tp_risk_score",
			Help: "Last risk score per symbol",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal, cycleDuration, cyclesSkipped)
	prometheus.MustRegister(backtestDuration, backtestDiscarded)
	prometheus.MustRegister(breakerState, ordersTotal, rateLimitWait)
	prometheus.MustRegister(traceStoreFailures, alertsTotal)
	prometheus.MustRegister(portfolioEquity, riskScore)
}

func ObserveCycle(symbol, outcome string, d time.Duration) {
	cyclesTotal.WithLabelValues(symbol, outcome).Inc()
	cycleDuration.WithLabelValues(symbol).Observe(d.Seconds())
}

func IncCycleSkipped(symbol string) { cyclesSkipped.WithLabelValues(symbol).Inc() }

func ObserveBacktest(d time.Duration) { backtestDuration.Observe(d.Seconds()) }

func IncBacktestDiscarded(reason string) { backtestDiscarded.WithLabelValues(reason).Inc() }

func SetBreakerState(name string, state float64) { breakerState.WithLabelValues(name).Set(state) }

func IncOrders(status string) { ordersTotal.WithLabelValues(status).Inc() }

func ObserveRateLimitWait(class string, d time.Duration) {
	rateLimitWait.WithLabelValues(class).Observe(d.Seconds())
}

func IncTraceStoreFailure() { traceStoreFailures.Inc() }

func IncAlerts(result string) { alertsTotal.WithLabelValues(result).Inc() }

func SetPortfolioEquity(v float64) { portfolioEquity.Set(v) }

func SetRiskScore(symbol string, v float64) { riskScore.WithLabelValues(symbol).Set(v) }
