package config

import "time"

// SessionConfig controls per-session actor behavior not covered by the ring
// buffer (spec.md §9 Open Questions: dedup window duration).
type SessionConfig struct {
	// InputDedupWindow bounds how long a clientInputId is remembered for
	// idempotent input replay (spec.md property 4). The spec leaves the
	// exact duration unspecified; see DESIGN.md for the chosen default.
	InputDedupWindow time.Duration

	// AwaitingInputDefaultTimeout is used when requestInput's caller omits
	// an explicit timeoutMinutes.
	AwaitingInputDefaultTimeout time.Duration
}

// DefaultSessionConfig returns the built-in session defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		InputDedupWindow:            5 * time.Minute,
		AwaitingInputDefaultTimeout: 10 * time.Minute,
	}
}
