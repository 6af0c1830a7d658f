// Package metrics exposes Prometheus instrumentation for the realtime
// service: connection lifecycle, event routing, subscription registry size,
// and HTTP latency. All collectors register with the default registry so
// they surface on the standard /metrics endpoint.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the central collector handle passed to the components that
// record measurements.
type Metrics struct {
	// ConnectionState is a gauge of the current lifecycle state, labelled
	// by state name (1 for the active state, 0 otherwise).
	ConnectionState *prometheus.GaugeVec

	// Reconnects counts reconnect attempts by outcome (scheduled|failed|forced).
	Reconnects *prometheus.CounterVec

	// EventsRouted counts transport events by domain
	// (postgres_changes|broadcast|presence) and result (handled|dropped).
	EventsRouted *prometheus.CounterVec

	// RealtimeErrors counts logged errors by type and severity.
	RealtimeErrors *prometheus.CounterVec

	// ActiveSubscriptions gauges the subscription registry by status.
	ActiveSubscriptions *prometheus.GaugeVec

	// TypingEvents counts typing_start/typing_stop broadcasts by direction.
	TypingEvents *prometheus.CounterVec

	// PresenceUsers gauges the size of the global presence map.
	PresenceUsers prometheus.Gauge

	// OptimisticUpdates counts optimistic cache operations by outcome
	// (performed|confirmed|rolled_back|discarded).
	OptimisticUpdates *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency.
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all collectors. Call once at startup.
func New() *Metrics {
	return &Metrics{
		ConnectionState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetsync_connection_state",
				Help: "Current realtime connection state (1 = active state)",
			},
			[]string{"state"},
		),
		Reconnects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetsync_reconnects_total",
				Help: "Reconnect attempts by outcome",
			},
			[]string{"outcome"},
		),
		EventsRouted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetsync_events_routed_total",
				Help: "Transport events routed by domain and result",
			},
			[]string{"domain", "result"},
		),
		RealtimeErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetsync_realtime_errors_total",
				Help: "Errors recorded in the realtime error log",
			},
			[]string{"type", "severity"},
		),
		ActiveSubscriptions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fleetsync_subscriptions",
				Help: "Registered subscriptions by status",
			},
			[]string{"status"},
		),
		TypingEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetsync_typing_events_total",
				Help: "Typing indicator broadcasts by direction (sent|received)",
			},
			[]string{"direction"},
		),
		PresenceUsers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleetsync_presence_users",
				Help: "Users currently tracked in the global presence map",
			},
		),
		OptimisticUpdates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetsync_optimistic_updates_total",
				Help: "Optimistic cache operations by outcome",
			},
			[]string{"outcome"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleetsync_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status"},
		),
	}
}

// SetConnectionState flips the state gauge so exactly one label is 1.
func (m *Metrics) SetConnectionState(state string) {
	for _, s := range []string{"disconnected", "connecting", "connected", "reconnecting", "degraded", "failed", "closed"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

// Middleware records request latency for every route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the Prometheus scrape endpoint as a gin handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
