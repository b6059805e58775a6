// Package eventlog defines the durable storage contract the core depends on
// (spec.md §2 "Event Log Store (interface)", §4.3 "Durable Store") and a
// Postgres-backed implementation of it. The core — Session Actor, Session
// Manager, Cleanup Scheduler — never depends on anything beyond the
// interfaces in this file and sessions.go; swapping storage engines means
// writing a new implementation of them, not touching the core.
package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/codeready-toolchain/sessionbroker/pkg/model"
)

// ErrNotFound is returned by single-row lookups that find nothing.
var ErrNotFound = errors.New("eventlog: not found")

// EventStore is the narrow contract the Session Actor and Persistence Writer
// depend on: append events, read a range, delete a prefix. Implementations
// MUST upsert on (sessionId, seq) so that retried batches after a transient
// failure are idempotent (spec.md §4.6).
type EventStore interface {
	// AppendBatch durably writes events, upserting on (SessionID, Seq).
	// Order within the batch is not significant; the store relies on Seq for
	// ordering, not arrival order.
	AppendBatch(ctx context.Context, events []model.Event) error

	// ReadRange returns events for sessionID with Seq > fromSeq, in ascending
	// Seq order, capped at limit. limit <= 0 means "no cap".
	ReadRange(ctx context.Context, sessionID string, fromSeq uint64, limit int) ([]model.Event, error)

	// DeleteUpTo removes events for sessionID with Seq < watermark.
	DeleteUpTo(ctx context.Context, sessionID string, watermark uint64) (int64, error)

	// LatestSeq returns the highest Seq stored for sessionID, or 0 if none.
	LatestSeq(ctx context.Context, sessionID string) (uint64, error)
}

// ConnectionRecord is a row in the session_connections observability table.
type ConnectionRecord struct {
	SessionID      string
	ClientID       string
	DeviceKind     model.DeviceKind
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	LastAckSeq     uint64
}

// ConnectionStore records subscriber attach/detach for observability
// (spec.md §6 persisted state layout: session_connections).
type ConnectionStore interface {
	RecordConnect(ctx context.Context, rec ConnectionRecord) error
	RecordDisconnect(ctx context.Context, sessionID, clientID string, at time.Time) error
	UpdateAck(ctx context.Context, sessionID, clientID string, seq uint64) error
	// MarkStaleDisconnected closes any still-open connection rows whose
	// owning session is terminal (cleanup scheduler's stale-connections sweep).
	MarkStaleDisconnected(ctx context.Context, at time.Time) (int64, error)
}
