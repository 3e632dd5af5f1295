package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MJYKIM99/ClaudeBench/pkg/types"
)

// CreateSession persists a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	now := time.Now().UnixMilli()
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, status, cwd, agent_session_id, last_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, string(sess.Status), sess.Cwd,
		sess.AgentSessionID, sess.LastPrompt, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession returns a session by id, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, cwd, agent_session_id, last_prompt, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, cwd, agent_session_id, last_prompt, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession applies a partial update and bumps updated_at.
func (s *Store) UpdateSession(ctx context.Context, id string, upd types.SessionUpdate) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}

	if upd.Title != nil {
		sess.Title = *upd.Title
	}
	if upd.Status != nil {
		sess.Status = *upd.Status
	}
	if upd.AgentSessionID != nil {
		sess.AgentSessionID = *upd.AgentSessionID
	}
	if upd.LastPrompt != nil {
		sess.LastPrompt = *upd.LastPrompt
	}
	sess.UpdatedAt = time.Now().UnixMilli()

	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions
		SET title = ?, status = ?, agent_session_id = ?, last_prompt = ?, updated_at = ?
		WHERE id = ?`,
		sess.Title, string(sess.Status), sess.AgentSessionID, sess.LastPrompt, sess.UpdatedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// DeleteSession removes a session and all of its messages in one transaction.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	// The FK cascade covers messages, but delete explicitly so the invariant
	// does not depend on the foreign_keys pragma surviving a driver change.
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}

	return tx.Commit()
}

// RecentWorkingDirs returns distinct working directories of the most recently
// updated sessions. A UI convenience read, not a correctness concern.
func (s *Store) RecentWorkingDirs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT cwd FROM sessions
		WHERE cwd != ''
		GROUP BY cwd
		ORDER BY MAX(updated_at) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent working dirs: %w", err)
	}
	defer rows.Close()

	var dirs []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dirs = append(dirs, d)
	}
	return dirs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var sess types.Session
	var status string
	err := row.Scan(&sess.ID, &sess.Title, &status, &sess.Cwd,
		&sess.AgentSessionID, &sess.LastPrompt, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = types.SessionStatus(status)
	return &sess, nil
}
