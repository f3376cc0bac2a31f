// Package metrics defines the Prometheus instrumentation. A Metrics value
// is created once at startup and injected; nothing registers into a global
// registry, which keeps tests and multi-instance setups clean.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Classifications counts verification verdicts by final status.
	Classifications *prometheus.CounterVec
	// RemoteRequests counts calls to external systems by host and outcome.
	RemoteRequests *prometheus.CounterVec
	// RateLimitAborts counts sync batches aborted by rate limiting.
	RateLimitAborts prometheus.Counter
	// Notifications counts dispatch attempts by result.
	Notifications *prometheus.CounterVec
	// SyncDuration observes full application sync runs.
	SyncDuration prometheus.Histogram
	// WalkDepth observes commit graph walk sizes.
	WalkDepth prometheus.Histogram
}

// New creates and registers the service metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deploywatch_classifications_total",
			Help: "Four-eyes classification verdicts by final status.",
		}, []string{"status"}),
		RemoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deploywatch_remote_requests_total",
			Help: "Requests to external systems by host and outcome.",
		}, []string{"host", "outcome"}),
		RateLimitAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deploywatch_rate_limit_aborts_total",
			Help: "Sync batches aborted because a code host rate limit was hit.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deploywatch_notifications_total",
			Help: "Notification dispatch attempts by result.",
		}, []string{"result"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deploywatch_sync_duration_seconds",
			Help:    "Duration of full application sync runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		WalkDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deploywatch_walk_commits",
			Help:    "Number of commits visited per graph walk.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	registry.MustRegister(
		m.Classifications,
		m.RemoteRequests,
		m.RateLimitAborts,
		m.Notifications,
		m.SyncDuration,
		m.WalkDepth,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
