// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts ledger operations, partitioned by kind and result.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_operations_total",
		Help: "Total ledger operations executed",
	}, []string{"op", "result"})

	// OperationLatency tracks ledger operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tandem_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ActiveMarkets tracks markets in a non-terminal phase.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_active_markets",
		Help: "Number of markets in a non-terminal phase",
	})

	// PoolBalance tracks each pool balance per market.
	PoolBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tandem_pool_balance",
		Help: "Current pool balance",
	}, []string{"market_id", "pool"})

	// UnitsIssued tracks cumulative units minted per market.
	UnitsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_units_issued_total",
		Help: "Cumulative units minted",
	}, []string{"market_id"})

	// LimitRejections counts deposits rejected by the deposit limiter.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tandem_limit_rejections_total",
		Help: "Deposits rejected by the deposit limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tandem_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality here is low.
		path := r.URL.Path
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
