// Package metrics provides Prometheus instrumentation for the realtime
// engine. It exposes gauges for connections and presence, counters for event
// fan-out and authorization outcomes, and a histogram for publish latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "heartline_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// SessionsActive tracks sessions registered against a user.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "heartline_sessions_active",
		Help: "Current number of registered user sessions",
	})

	// UsersOnline tracks users with at least one registered session.
	UsersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "heartline_users_online",
		Help: "Current number of users with a live session",
	})

	// EventsPublished counts bus events by kind.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "heartline_events_published_total",
		Help: "Total number of events published on the event bus",
	}, []string{"kind"})

	// Deliveries counts per-session delivery outcomes.
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "heartline_deliveries_total",
		Help: "Per-session delivery outcomes",
	}, []string{"outcome"}) // outcome = "delivered", "evicted", "dropped", "notified"

	// Denials counts refused authorizations by reason.
	Denials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "heartline_authorization_denials_total",
		Help: "Total number of refused relationship authorizations",
	}, []string{"reason"})

	// RateLimited counts actions rejected by the rate limiter.
	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "heartline_rate_limited_total",
		Help: "Total number of actions rejected by rate limiting",
	}, []string{"action"})

	// NotificationsIncremented counts unread-counter increments.
	NotificationsIncremented = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "heartline_notifications_incremented_total",
		Help: "Total number of notification counter increments",
	})

	// PublishLatency records event fan-out latency in seconds.
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "heartline_publish_latency_seconds",
		Help:    "Event bus publish latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SessionsActive,
		UsersOnline,
		EventsPublished,
		Deliveries,
		Denials,
		RateLimited,
		NotificationsIncremented,
		PublishLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
