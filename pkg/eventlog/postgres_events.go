package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codeready-toolchain/sessionbroker/pkg/model"
)

// AppendBatch upserts on (session_id, seq) so that retried writes after a
// transient failure never fail or duplicate (spec.md §4.6).
func (s *Store) AppendBatch(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_events (session_id, seq, direction, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, seq) DO UPDATE
		SET direction = EXCLUDED.direction,
		    event_type = EXCLUDED.event_type,
		    payload = EXCLUDED.payload,
		    created_at = EXCLUDED.created_at
	`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload for seq %d: %w", e.Seq, err)
		}
		if _, err := stmt.ExecContext(ctx, e.SessionID, e.Seq, string(e.Direction), string(e.Type), payload, e.CreatedAt); err != nil {
			return fmt.Errorf("insert seq %d: %w", e.Seq, err)
		}
	}

	return tx.Commit()
}

// ReadRange returns events with Seq > fromSeq in ascending order, capped at limit.
func (s *Store) ReadRange(ctx context.Context, sessionID string, fromSeq uint64, limit int) ([]model.Event, error) {
	query := `
		SELECT session_id, seq, direction, event_type, payload, created_at
		FROM session_events
		WHERE session_id = $1 AND seq > $2
		ORDER BY seq ASC
	`
	args := []any{sessionID, fromSeq}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var direction, etype string
		var payload []byte
		if err := rows.Scan(&e.SessionID, &e.Seq, &direction, &etype, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.Direction = model.Direction(direction)
		e.Type = model.EventType(etype)
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteUpTo removes events with Seq < watermark for sessionID.
func (s *Store) DeleteUpTo(ctx context.Context, sessionID string, watermark uint64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM session_events WHERE session_id = $1 AND seq < $2
	`, sessionID, watermark)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return res.RowsAffected()
}

// LatestSeq returns the highest Seq stored for sessionID, or 0 if none.
func (s *Store) LatestSeq(ctx context.Context, sessionID string) (uint64, error) {
	var seq *uint64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM session_events WHERE session_id = $1
	`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}
