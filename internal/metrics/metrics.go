// Package metrics provides Prometheus instrumentation for the billing engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerEntries counts committed ledger entries by kind.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_ledger_entries_total",
		Help: "Total ledger entries committed",
	}, []string{"kind"})

	// LedgerAppendLatency tracks the duration of a ledger unit of work.
	LedgerAppendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "billing_ledger_append_seconds",
		Help:    "Ledger append latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// LedgerRetries counts appends retried after a serialization conflict.
	LedgerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_ledger_retries_total",
		Help: "Ledger appends retried after a conflict",
	})

	// MeteringTicks counts metering ticks by outcome.
	MeteringTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_metering_ticks_total",
		Help: "Metering ticks processed",
	}, []string{"outcome"})

	// ChargedCents accumulates cents charged to viewers.
	ChargedCents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_charged_cents_total",
		Help: "Total cents charged to viewers for call time",
	})

	// ActiveMeters tracks calls currently being metered by this instance.
	ActiveMeters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "billing_active_meters",
		Help: "Number of calls currently metered",
	})

	// CallsEnded counts ended calls by reason.
	CallsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_calls_ended_total",
		Help: "Calls ended, by reason",
	}, []string{"reason"})

	// Withdrawals counts withdrawal transitions by resulting status.
	Withdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_withdrawals_total",
		Help: "Withdrawal requests by resulting status",
	}, []string{"status"})

	// WithdrawalRejections counts requests refused at validation, by rule.
	WithdrawalRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_withdrawal_validation_failures_total",
		Help: "Withdrawal requests refused at validation",
	}, []string{"rule"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "billing_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_http_request_duration_seconds",
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
