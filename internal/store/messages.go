package store

import (
	"context"
	"fmt"
	"time"

	"github.com/MJYKIM99/ClaudeBench/pkg/types"
)

// AppendMessage adds one record to a session's log. Timestamps are clamped to
// be monotonically non-decreasing within the session so that creation order
// survives clock jitter; ties fall back to insertion (rowid) order on read.
func (s *Store) AppendMessage(ctx context.Context, msg *types.Message) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	var last int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created_at), 0) FROM messages WHERE session_id = ?`,
		msg.SessionID).Scan(&last)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if now < last {
		now = last
	}
	msg.CreatedAt = now

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Payload), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	return tx.Commit()
}

// ListMessages returns a session's log in creation order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, payload, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*types.Message
	for rows.Next() {
		var msg types.Message
		var payload string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &payload, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Payload = []byte(payload)
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}
