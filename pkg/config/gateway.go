package config

import "time"

// GatewayConfig controls the gateway frontend: heartbeats and persistence
// batching (spec.md §4.6, §6).
type GatewayConfig struct {
	HeartbeatInterval time.Duration

	PersistBatchSize     int
	PersistFlushInterval time.Duration
	PersistMaxRetries    int
	PersistBackoffBase   time.Duration
	PersistBackoffCap    time.Duration

	// InboundRateLimit bounds inbound frames/sec per connection before they
	// reach a session actor (golang.org/x/time/rate token bucket).
	InboundRateLimit  float64
	InboundRateBurst  int
}

// DefaultGatewayConfig returns the built-in gateway defaults.
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		HeartbeatInterval:    15 * time.Second,
		PersistBatchSize:     50,
		PersistFlushInterval: 250 * time.Millisecond,
		PersistMaxRetries:    8,
		PersistBackoffBase:   100 * time.Millisecond,
		PersistBackoffCap:    30 * time.Second,
		InboundRateLimit:     50,
		InboundRateBurst:     100,
	}
}
