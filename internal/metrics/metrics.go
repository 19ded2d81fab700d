// Package metrics provides Prometheus instrumentation for the signal engine.
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
	// SignalsReceived counts signals accepted for distribution.
	SignalsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigeng_signals_received_total",
		Help: "Signals accepted for distribution",
	})

	// SignalsRejected counts signals rejected by validation, globally voided.
	SignalsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sigeng_signals_rejected_total",
		Help: "Signals rejected by fail-closed validation",
	})

	// ExecutionsTotal counts entry attempts by outcome
	// (opened, blocked, failed, expired).
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigeng_executions_total",
		Help: "Signal executions by outcome",
	}, []string{"outcome"})

	// PositionsFinalized counts closure-detector finalizations by status.
	PositionsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigeng_positions_finalized_total",
		Help: "Positions finalized by terminal status",
	}, []string{"status"})

	// OpenPositionsGauge tracks positions currently open.
	OpenPositionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sigeng_open_positions",
		Help: "Number of currently open positions",
	})

	// ReconcilerDiscrepancies counts balance discrepancies by classification
	// (deposit, fee_funding, suppressed).
	ReconcilerDiscrepancies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigeng_reconciler_discrepancies_total",
		Help: "Balance discrepancies by classification",
	}, []string{"classification"})

	// AlertsTotal counts operator alert events by type.
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigeng_alerts_total",
		Help: "Operator alert events by type",
	}, []string{"type"})

	// ExchangeCalls counts venue API calls by method and result.
	ExchangeCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigeng_exchange_calls_total",
		Help: "Exchange API calls by method and result",
	}, []string{"method", "result"})

	// LoopDuration tracks a full pass of each background loop.
	LoopDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sigeng_loop_duration_seconds",
		Help:    "Duration of one full background loop pass",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"loop"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sigeng_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sigeng_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sigeng_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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
