// Package model holds the core data types of the session broker: sessions,
// events, subscribers, and gateway leases. Types here carry no behavior
// beyond small invariant-preserving helpers — the state machines that
// mutate them live in pkg/actor.
package model

import "time"

// LifecycleStatus is the session's container/agent lifecycle state (spec.md §4.4).
type LifecycleStatus string

const (
	LifecycleProvisioning LifecycleStatus = "provisioning"
	LifecycleStarting     LifecycleStatus = "starting"
	LifecycleRunning      LifecycleStatus = "running"
	LifecycleIdle         LifecycleStatus = "idle"
	LifecycleStopping     LifecycleStatus = "stopping"
	LifecycleStopped      LifecycleStatus = "stopped"
	LifecycleError        LifecycleStatus = "error"
)

// Terminal reports whether the status accepts no further transitions.
func (s LifecycleStatus) Terminal() bool {
	return s == LifecycleStopped || s == LifecycleError
}

// WorkflowStatus is the session's agent-workflow state (spec.md §4.5).
type WorkflowStatus string

const (
	WorkflowStarted        WorkflowStatus = "started"
	WorkflowWorking        WorkflowStatus = "working"
	WorkflowAwaitingInput  WorkflowStatus = "awaiting_input"
	WorkflowBlocked        WorkflowStatus = "blocked"
	WorkflowAwaitingReview WorkflowStatus = "awaiting_review"
	WorkflowCompleted      WorkflowStatus = "completed"
)

// ResolutionType distinguishes how an awaiting-input state was resolved.
type ResolutionType string

const (
	ResolutionHuman   ResolutionType = "human"
	ResolutionTimeout ResolutionType = "timeout"
)

// InputResolution records how an awaiting_input state was cleared.
type InputResolution struct {
	Type  ResolutionType `json:"type"`
	Value string         `json:"value"`
}

// AwaitingInput holds the fields that must accompany a transition into
// WorkflowAwaitingInput (spec.md §4.5 invariant).
type AwaitingInput struct {
	Question      string    `json:"question"`
	Options       []string  `json:"options,omitempty"`
	DefaultAction string    `json:"defaultAction"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// Session is the durable record of one broker session. The in-memory
// Session Actor (pkg/actor) wraps a Session plus its ring buffer and
// subscriber set; this struct alone is what the Event Log Store persists.
type Session struct {
	ID         string
	OwnerUser  string
	AgentKind  string
	WorkingDir string
	WorktreeID string
	RepoID     string

	Lifecycle LifecycleStatus
	Workflow  WorkflowStatus

	NextSeq uint64

	CreatedAt      time.Time
	LastActivityAt time.Time

	ClaimedBy       string
	LeaseExpiresAt  time.Time
	LastError       string
	AwaitingInput   *AwaitingInput
	LastResolution  *InputResolution
}

// SessionConfig is the set of caller-supplied attributes used to create a session.
type SessionConfig struct {
	OwnerUser  string
	AgentKind  string
	WorkingDir string
	WorktreeID string
	RepoID     string
}
