package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codeready-toolchain/sessionbroker/pkg/model"
)

const sessionColumns = `
	id, owner_user, agent_kind, working_dir, worktree_id, repo_id,
	lifecycle, workflow, next_seq, created_at, last_activity_at,
	claimed_by, lease_expires_at, last_error,
	awaiting_question, awaiting_options, awaiting_default, awaiting_expires_at,
	last_resolution_type, last_resolution_value
`

func scanSession(row interface{ Scan(...any) error }) (*model.Session, error) {
	var s model.Session
	var leaseExpires sql.NullTime
	var awaitQuestion, awaitDefault, resolutionType, resolutionValue sql.NullString
	var awaitExpires sql.NullTime
	var awaitOptions []byte

	if err := row.Scan(
		&s.ID, &s.OwnerUser, &s.AgentKind, &s.WorkingDir, &s.WorktreeID, &s.RepoID,
		&s.Lifecycle, &s.Workflow, &s.NextSeq, &s.CreatedAt, &s.LastActivityAt,
		&s.ClaimedBy, &leaseExpires, &s.LastError,
		&awaitQuestion, &awaitOptions, &awaitDefault, &awaitExpires,
		&resolutionType, &resolutionValue,
	); err != nil {
		return nil, err
	}

	if leaseExpires.Valid {
		s.LeaseExpiresAt = leaseExpires.Time
	}

	if awaitQuestion.Valid {
		ai := &model.AwaitingInput{
			Question:      awaitQuestion.String,
			DefaultAction: awaitDefault.String,
		}
		if awaitExpires.Valid {
			ai.ExpiresAt = awaitExpires.Time
		}
		if len(awaitOptions) > 0 {
			_ = json.Unmarshal(awaitOptions, &ai.Options)
		}
		s.AwaitingInput = ai
	}

	if resolutionType.Valid {
		s.LastResolution = &model.InputResolution{
			Type:  model.ResolutionType(resolutionType.String),
			Value: resolutionValue.String,
		}
	}

	return &s, nil
}

// Insert writes a brand-new session row.
func (s *Store) Insert(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, owner_user, agent_kind, working_dir, worktree_id, repo_id,
			lifecycle, workflow, next_seq, created_at, last_activity_at,
			claimed_by, lease_expires_at, last_error
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, sess.ID, sess.OwnerUser, sess.AgentKind, sess.WorkingDir, sess.WorktreeID, sess.RepoID,
		sess.Lifecycle, sess.Workflow, sess.NextSeq, sess.CreatedAt, sess.LastActivityAt,
		sess.ClaimedBy, nullableTime(sess.LeaseExpiresAt), sess.LastError)
	if err != nil {
		return fmt.Errorf("eventlog: insert session: %w", err)
	}
	return nil
}

// Get loads a session by ID.
func (s *Store) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("eventlog: get session: %w", err)
	}
	return sess, nil
}

// Update writes the full mutable state of a session (lifecycle, workflow,
// next_seq, activity, awaiting-input fields, last error/resolution). Lease
// fields are intentionally excluded — they are only mutated through the
// Compare/Renew/Release lease methods below, never a blind overwrite.
func (s *Store) Update(ctx context.Context, sess *model.Session) error {
	var aq, ad, rt, rv sql.NullString
	var ae sql.NullTime
	var aoBytes []byte
	if sess.AwaitingInput != nil {
		aq = sql.NullString{String: sess.AwaitingInput.Question, Valid: true}
		ad = sql.NullString{String: sess.AwaitingInput.DefaultAction, Valid: true}
		ae = sql.NullTime{Time: sess.AwaitingInput.ExpiresAt, Valid: true}
		aoBytes, _ = json.Marshal(sess.AwaitingInput.Options)
	}
	if sess.LastResolution != nil {
		rt = sql.NullString{String: string(sess.LastResolution.Type), Valid: true}
		rv = sql.NullString{String: sess.LastResolution.Value, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			lifecycle = $2, workflow = $3, next_seq = $4, last_activity_at = $5,
			last_error = $6,
			awaiting_question = $7, awaiting_options = $8, awaiting_default = $9, awaiting_expires_at = $10,
			last_resolution_type = $11, last_resolution_value = $12
		WHERE id = $1
	`, sess.ID, sess.Lifecycle, sess.Workflow, sess.NextSeq, sess.LastActivityAt,
		sess.LastError, aq, aoBytes, ad, ae, rt, rv)
	if err != nil {
		return fmt.Errorf("eventlog: update session: %w", err)
	}
	return nil
}

// List returns every session row. The cleanup scheduler's event-retention
// sweep walks it; the other sweeps use the narrower Mark* queries below.
func (s *Store) List(ctx context.Context) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("eventlog: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CompareAndClaimLease is the gateway ownership CAS (spec.md §4.3
// getOrLoadSession, §5 shared-resource policy).
func (s *Store) CompareAndClaimLease(ctx context.Context, sessionID, gatewayID string, now, newExpiry time.Time) (*model.Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE sessions SET claimed_by = $2, lease_expires_at = $3
		WHERE id = $1 AND (claimed_by = '' OR lease_expires_at < $4)
		RETURNING `+sessionColumns, sessionID, gatewayID, newExpiry, now)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		current, getErr := s.Get(ctx, sessionID)
		if getErr != nil {
			return nil, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("eventlog: claim lease: %w", err)
	}
	return sess, true, nil
}

// RenewLease extends a lease already held by gatewayID.
func (s *Store) RenewLease(ctx context.Context, sessionID, gatewayID string, newExpiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET lease_expires_at = $3
		WHERE id = $1 AND claimed_by = $2
	`, sessionID, gatewayID, newExpiry)
	if err != nil {
		return fmt.Errorf("eventlog: renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("eventlog: renew lease rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("eventlog: renew lease: %s no longer held by %s", sessionID, gatewayID)
	}
	return nil
}

// ReleaseLease clears gatewayID's claim unconditionally (used on graceful
// removeSession and on the gRPC peer handoff path).
func (s *Store) ReleaseLease(ctx context.Context, sessionID, gatewayID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET claimed_by = '', lease_expires_at = NULL
		WHERE id = $1 AND claimed_by = $2
	`, sessionID, gatewayID)
	if err != nil {
		return fmt.Errorf("eventlog: release lease: %w", err)
	}
	return nil
}

// MarkStoppedIfStaleLease implements cleanup scheduler sweep #1 (spec.md §4.7).
func (s *Store) MarkStoppedIfStaleLease(ctx context.Context, threshold time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE sessions SET lifecycle = 'stopped'
		WHERE lifecycle NOT IN ('stopped', 'error') AND lease_expires_at IS NOT NULL AND lease_expires_at < $1
		RETURNING id
	`, threshold)
	if err != nil {
		return nil, fmt.Errorf("eventlog: mark stale lease: %w", err)
	}
	return scanIDs(rows)
}

// MarkStoppedIfIdle implements cleanup scheduler sweep #2.
func (s *Store) MarkStoppedIfIdle(ctx context.Context, threshold time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE sessions SET lifecycle = 'stopped'
		WHERE lifecycle IN ('running', 'idle') AND last_activity_at < $1
		RETURNING id
	`, threshold)
	if err != nil {
		return nil, fmt.Errorf("eventlog: mark idle: %w", err)
	}
	return scanIDs(rows)
}

// MarkStoppedIfOld implements cleanup scheduler sweep #3.
func (s *Store) MarkStoppedIfOld(ctx context.Context, threshold time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE sessions SET lifecycle = 'stopped'
		WHERE lifecycle NOT IN ('stopped', 'error') AND created_at < $1
		RETURNING id
	`, threshold)
	if err != nil {
		return nil, fmt.Errorf("eventlog: mark old: %w", err)
	}
	return scanIDs(rows)
}

// MinAckedSeq reports the minimum LastAckSeq across open connections for a session.
func (s *Store) MinAckedSeq(ctx context.Context, sessionID string) (uint64, bool, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(last_ack_seq) FROM session_connections
		WHERE session_id = $1 AND disconnected_at IS NULL
	`, sessionID).Scan(&seq)
	if err != nil {
		return 0, false, fmt.Errorf("eventlog: min acked seq: %w", err)
	}
	if !seq.Valid {
		return 0, false, nil
	}
	return uint64(seq.Int64), true, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("eventlog: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
