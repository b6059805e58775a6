package eventlog

import (
	"context"
	"time"

	"github.com/codeready-toolchain/sessionbroker/pkg/model"
)

// SessionStore is the Durable Store's session/lease contract (spec.md §4.3,
// §4.7). The Session Manager claims ownership through CompareAndClaimLease;
// the Cleanup Scheduler mutates sessions through the Mark* methods only —
// it never touches resident actors directly (spec.md §4.7).
type SessionStore interface {
	Insert(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, sessionID string) (*model.Session, error)
	Update(ctx context.Context, s *model.Session) error
	List(ctx context.Context) ([]*model.Session, error)

	// CompareAndClaimLease atomically claims sessionID for gatewayID if no
	// lease is held or the held lease has expired, returning the refreshed
	// session and true on success. On failure (another gateway holds a live
	// lease) it returns the current session and false without mutating it.
	CompareAndClaimLease(ctx context.Context, sessionID, gatewayID string, now time.Time, newExpiry time.Time) (*model.Session, bool, error)

	// RenewLease extends gatewayID's lease on sessionID, failing if the
	// lease is no longer held by gatewayID (ownership may have already been
	// lost to a stale-lease reclaim).
	RenewLease(ctx context.Context, sessionID, gatewayID string, newExpiry time.Time) error

	// ReleaseLease clears gatewayID's claim on sessionID unconditionally.
	ReleaseLease(ctx context.Context, sessionID, gatewayID string) error

	// MarkStoppedIfStaleLease sets Lifecycle=stopped for every non-terminal
	// session whose lease expired before threshold. Returns affected IDs.
	MarkStoppedIfStaleLease(ctx context.Context, threshold time.Time) ([]string, error)

	// MarkStoppedIfIdle sets Lifecycle=stopped for {running, idle} sessions
	// with no activity since threshold. Returns affected IDs.
	MarkStoppedIfIdle(ctx context.Context, threshold time.Time) ([]string, error)

	// MarkStoppedIfOld sets Lifecycle=stopped for sessions created before
	// threshold that are not already terminal. Returns affected IDs.
	MarkStoppedIfOld(ctx context.Context, threshold time.Time) ([]string, error)

	// MinAckedSeq returns the minimum LastAckSeq across all subscribers
	// currently recorded for sessionID, or ok=false if there are none.
	MinAckedSeq(ctx context.Context, sessionID string) (seq uint64, ok bool, err error)
}
