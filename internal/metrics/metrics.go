// Package metrics provides Prometheus instrumentation for the fund engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DepositsTotal counts deposits by profile.
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_deposits_total",
		Help: "Total number of deposits accepted",
	}, []string{"profile"})

	// WithdrawalsTotal counts completed withdrawals.
	WithdrawalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fund_withdrawals_total",
		Help: "Total number of withdrawals paid",
	})

	// OperationLatency tracks participant operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fund_operation_latency_seconds",
		Help:    "Participant operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// RebalanceRuns counts rebalance passes by outcome.
	RebalanceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_rebalance_runs_total",
		Help: "Rebalance passes by status (applied, noop, duplicate, aborted)",
	}, []string{"status"})

	// RebalanceTransfers counts inter-strategy transfer instructions.
	RebalanceTransfers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fund_rebalance_transfers_total",
		Help: "Transfer instructions committed by the rebalancer",
	})

	// RebalanceLatency tracks end-to-end rebalance duration.
	RebalanceLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fund_rebalance_latency_seconds",
		Help:    "Rebalance pass duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// OracleFailures counts price reads rejected by kind.
	OracleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_oracle_failures_total",
		Help: "Oracle reads rejected (unavailable, stale, deviation)",
	}, []string{"kind"})

	// JournalFailures counts committed runs that could not be journaled.
	JournalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fund_journal_failures_total",
		Help: "Rebalance runs committed but not journaled",
	})

	// PoolValue tracks total strategy value at the last valuation.
	PoolValue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fund_pool_value",
		Help: "Total pooled value at last valuation, in native units",
	})

	// LimitRejections counts deposits rejected by the deposit limiter.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fund_limit_rejections_total",
		Help: "Deposits rejected by participant or cohort limits",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fund_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fund_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fund_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for the path label; participant IDs in raw
		// paths would explode cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
