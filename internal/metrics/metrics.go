// Package metrics provides Prometheus instrumentation for the paper ledger.
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
	// BuysTotal counts executed buys.
	BuysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_buys_total",
		Help: "Total number of buys executed",
	})

	// BuyRejections counts rejected buys partitioned by reason
	// (invalid_input, insufficient_funds, price_unavailable, storage).
	BuyRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_buy_rejections_total",
		Help: "Buys rejected before or during execution",
	}, []string{"reason"})

	// BuyLatency tracks the time spent inside the executor, lock wait included.
	BuyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_buy_latency_seconds",
		Help:    "Buy execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// BuyVolume tracks cumulative cost of executed buys. Tickers come from
	// users, so they are not a label.
	BuyVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_buy_cost_total",
		Help: "Cumulative cash spent on buys",
	})

	// DegradedLines counts valuation line items that fell back to cost basis.
	DegradedLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_valuation_degraded_lines_total",
		Help: "Valuation line items priced at cost basis after a failed lookup",
	})

	// QuoteLookups counts price lookups by outcome (ok, error).
	QuoteLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_quote_lookups_total",
		Help: "Price collaborator lookups",
	}, []string{"outcome"})

	// SessionScopes tracks the number of live in-memory session windows.
	SessionScopes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_session_scopes",
		Help: "Number of session windows currently held in memory",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
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

		// Account paths embed scope and holder, so label by route pattern.
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
