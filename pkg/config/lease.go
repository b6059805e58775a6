package config

import "time"

// LeaseConfig controls gateway ownership lease timing (spec.md §3, §4.3).
type LeaseConfig struct {
	// LeaseTimeout is how long a claimed lease remains valid without renewal.
	LeaseTimeout time.Duration

	// RenewInterval is how often a resident actor's lease is renewed.
	// The spec fixes this at LeaseTimeout/3; exposed here only so tests can
	// shrink both together without losing the ratio.
	RenewInterval time.Duration
}

// DefaultLeaseConfig returns the built-in lease defaults.
func DefaultLeaseConfig() *LeaseConfig {
	timeout := 30 * time.Second
	return &LeaseConfig{
		LeaseTimeout:  timeout,
		RenewInterval: timeout / 3,
	}
}
