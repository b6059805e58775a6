package config

import "time"

// RetentionConfig controls the cleanup scheduler's four sweeps (spec.md §4.7).
type RetentionConfig struct {
	// CleanupInterval is how often the scheduler sweeps the store.
	CleanupInterval time.Duration

	// StaleLeaseTimeout: leases expired for longer than this, on a
	// non-terminal session, are considered stale and the session is marked
	// stopped.
	StaleLeaseTimeout time.Duration

	// IdleTimeout: sessions in {running, idle} with no activity for this
	// long are marked stopped.
	IdleTimeout time.Duration

	// MaxSessionAge: sessions created longer ago than this are marked
	// stopped regardless of activity.
	MaxSessionAge time.Duration

	// EventRetentionTail keeps this many trailing seconds of events even
	// past every subscriber's ack, as a safety margin for late reconnects.
	EventRetentionTail time.Duration
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		CleanupInterval:    1 * time.Minute,
		StaleLeaseTimeout:  5 * time.Minute,
		IdleTimeout:        30 * time.Minute,
		MaxSessionAge:      7 * 24 * time.Hour,
		EventRetentionTail: 1 * time.Hour,
	}
}
