// Package metrics provides Prometheus instrumentation for the race engine.
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
	// SessionsCreated counts sessions opened.
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "race_sessions_created_total",
		Help: "Total number of game sessions created",
	})

	// SessionsEnded counts sessions reaching a terminal state, by status and cause.
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "race_sessions_ended_total",
		Help: "Game sessions that completed or were cancelled",
	}, []string{"status", "reason"})

	// Joins counts join attempts by result code ("ok" on success).
	Joins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "race_joins_total",
		Help: "Session join attempts by result",
	}, []string{"result"})

	// Settlements counts settled sessions by winner mode.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "race_settlements_total",
		Help: "Sessions settled",
	}, []string{"mode"})

	// SettlementLatency tracks the time spent in a settlement transaction.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "race_settlement_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// Refunds counts refunded entry fees.
	Refunds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "race_refunds_total",
		Help: "Entry fees refunded",
	})

	// TokensConsumed counts daily play tokens spent.
	TokensConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "race_tokens_consumed_total",
		Help: "Daily play tokens consumed",
	})

	// LeaderboardFinalizations counts days rolled over.
	LeaderboardFinalizations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "race_leaderboard_finalizations_total",
		Help: "Daily leaderboards finalized",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "race_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "race_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "race_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern to keep cardinality bounded.
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
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
