// Package metrics exposes the relay's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_ws_connections",
		Help: "Current number of live websocket connections on this process",
	})
	RoomJoinsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_room_joins_total",
		Help: "Room join attempts by outcome",
	}, []string{"outcome"})
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Chat messages accepted for fanout",
	}, []string{"persisted"})
	FanoutPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_fanout_publish_failures_total",
		Help: "Events that could not be published after retries",
	})
	FanoutDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_fanout_delivered_total",
		Help: "Events pushed to local connections by type",
	}, []string{"type"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections,
		RoomJoinsTotal,
		MessagesTotal,
		FanoutPublishFailures,
		FanoutDelivered,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latency labelled by the chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		labels := prometheus.Labels{"method": r.Method, "path": path, "status": strconv.Itoa(ww.Status())}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	})
}
