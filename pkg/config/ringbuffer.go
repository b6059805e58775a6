package config

// RingBufferConfig bounds the session actor's in-memory ring buffer and
// per-subscriber outbound queue (spec.md §4.2, §5).
type RingBufferConfig struct {
	// MaxEvents is the maximum number of events retained per session.
	MaxEvents int

	// MaxBytes is the maximum total payload byte size retained per session.
	MaxBytes int

	// SubscriberQueueDepth is the bounded per-subscriber outbound queue
	// depth; overflow marks the subscriber slow and drops its socket.
	SubscriberQueueDepth int
}

// DefaultRingBufferConfig returns the built-in ring buffer defaults.
func DefaultRingBufferConfig() *RingBufferConfig {
	return &RingBufferConfig{
		MaxEvents:            500,
		MaxBytes:             4 * 1024 * 1024,
		SubscriberQueueDepth: 256,
	}
}
