package eventlog

import (
	"context"
	"fmt"
	"time"
)

// RecordConnect inserts or refreshes a session_connections row on attach.
func (s *Store) RecordConnect(ctx context.Context, rec ConnectionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_connections (session_id, client_id, device_kind, connected_at, disconnected_at, last_ack_seq)
		VALUES ($1, $2, $3, $4, NULL, $5)
		ON CONFLICT (session_id, client_id) DO UPDATE
		SET device_kind = EXCLUDED.device_kind,
		    connected_at = EXCLUDED.connected_at,
		    disconnected_at = NULL
	`, rec.SessionID, rec.ClientID, string(rec.DeviceKind), rec.ConnectedAt, rec.LastAckSeq)
	if err != nil {
		return fmt.Errorf("eventlog: record connect: %w", err)
	}
	return nil
}

// RecordDisconnect marks a connection row closed.
func (s *Store) RecordDisconnect(ctx context.Context, sessionID, clientID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE session_connections SET disconnected_at = $3
		WHERE session_id = $1 AND client_id = $2
	`, sessionID, clientID, at)
	if err != nil {
		return fmt.Errorf("eventlog: record disconnect: %w", err)
	}
	return nil
}

// UpdateAck persists a subscriber's latest acknowledged sequence.
func (s *Store) UpdateAck(ctx context.Context, sessionID, clientID string, seq uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE session_connections SET last_ack_seq = $3
		WHERE session_id = $1 AND client_id = $2
	`, sessionID, clientID, seq)
	if err != nil {
		return fmt.Errorf("eventlog: update ack: %w", err)
	}
	return nil
}

// MarkStaleDisconnected closes connection rows left open on terminal sessions.
func (s *Store) MarkStaleDisconnected(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE session_connections c SET disconnected_at = $1
		FROM sessions s
		WHERE c.session_id = s.id
		  AND c.disconnected_at IS NULL
		  AND s.lifecycle IN ('stopped', 'error')
	`, at)
	if err != nil {
		return 0, fmt.Errorf("eventlog: mark stale connections: %w", err)
	}
	return res.RowsAffected()
}
