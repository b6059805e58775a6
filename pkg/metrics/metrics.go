// Package metrics exposes the broker's Prometheus metrics, grounded on the
// ManuGH-xg2g pack module's internal/metrics package: package-level
// promauto-registered collectors plus small Record*/Set* helper functions
// rather than passing a registry handle through every component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http"
)

var (
	// SessionsResident tracks how many sessions are resident on this gateway.
	SessionsResident = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessionbroker_sessions_resident",
		Help: "Current number of sessions resident on this gateway.",
	})

	// SubscriberQueueDepth observes each subscriber pump's outbound queue
	// depth at the moment an event is fanned out to it.
	SubscriberQueueDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sessionbroker_subscriber_queue_depth",
		Help:    "Outbound queue depth observed at fan-out time, per subscriber.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// LeaseRenewalsTotal counts lease renewal attempts by outcome.
	LeaseRenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sessionbroker_lease_renewals_total",
		Help: "Total lease renewal attempts, by outcome (ok, lost).",
	}, []string{"outcome"})

	// SlowSubscriberEvictionsTotal counts subscribers dropped for a full
	// outbound queue (spec.md §7 capacity errors).
	SlowSubscriberEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionbroker_slow_subscriber_evictions_total",
		Help: "Total subscribers closed for SLOW_SUBSCRIBER.",
	})

	// ReplayMissesTotal counts attachSubscriber calls that could not resolve
	// the requested range from either the ring buffer or the Durable Store
	// (spec.md §4.2 REPLAY_UNAVAILABLE).
	ReplayMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionbroker_replay_misses_total",
		Help: "Total attachSubscriber calls that returned REPLAY_UNAVAILABLE.",
	})

	// PersistenceFlushDuration observes the Persistence Writer's batch flush
	// latency.
	PersistenceFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sessionbroker_persistence_flush_seconds",
		Help:    "Duration of Persistence Writer batch flushes.",
		Buckets: prometheus.DefBuckets,
	})

	// PersistenceRetriesTotal counts Persistence Writer retry attempts.
	PersistenceRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessionbroker_persistence_retries_total",
		Help: "Total Persistence Writer flush retries.",
	})
)

// RecordLeaseRenewal records the outcome of one lease renewal attempt.
func RecordLeaseRenewal(outcome string) {
	LeaseRenewalsTotal.WithLabelValues(outcome).Inc()
}

// RecordSlowSubscriberEviction increments the slow-subscriber counter.
func RecordSlowSubscriberEviction() {
	SlowSubscriberEvictionsTotal.Inc()
}

// RecordReplayMiss increments the replay-miss counter.
func RecordReplayMiss() {
	ReplayMissesTotal.Inc()
}

// SetSessionsResident sets the resident-session gauge.
func SetSessionsResident(n int) {
	SessionsResident.Set(float64(n))
}

// Handler returns the HTTP handler for GET /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
