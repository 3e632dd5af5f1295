package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/MJYKIM99/ClaudeBench/pkg/types"
)

// SetPolicy upserts a remembered rule for (tool, path). An empty path is the
// tool-wide row; it is stored as '' rather than NULL so UNIQUE(tool, path)
// makes the upsert replace it instead of accumulating rows.
func (s *Store) SetPolicy(ctx context.Context, p *types.PermissionPolicy) error {
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	if p.CreatedAt == 0 {
		p.CreatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_policies (id, tool, path, behavior, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tool, path) DO UPDATE SET behavior = excluded.behavior`,
		p.ID, p.Tool, p.Path, string(p.Behavior), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("set policy: %w", err)
	}
	return nil
}

// FindPolicy returns the applicable rule for a (tool, path) pair: a
// path-scoped row (exact or glob match) wins over the tool-wide row. Returns
// ErrNotFound when no rule applies.
func (s *Store) FindPolicy(ctx context.Context, tool, path string) (*types.PermissionPolicy, error) {
	if path != "" {
		p, err := s.findPathPolicy(ctx, tool, path)
		if err != nil && err != ErrNotFound {
			return nil, err
		}
		if err == nil {
			return p, nil
		}
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, tool, path, behavior, created_at
		FROM permission_policies
		WHERE tool = ? AND path = ''`, tool)
	return scanPolicy(row)
}

// findPathPolicy scans the path-scoped rows for a tool and returns the first
// exact or glob match.
func (s *Store) findPathPolicy(ctx context.Context, tool, path string) (*types.PermissionPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool, path, behavior, created_at
		FROM permission_policies
		WHERE tool = ? AND path != ''
		ORDER BY created_at ASC`, tool)
	if err != nil {
		return nil, fmt.Errorf("find policy: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		if p.Path == path {
			return p, nil
		}
		if ok, _ := doublestar.Match(p.Path, path); ok {
			return p, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// ListPolicies returns every stored rule.
func (s *Store) ListPolicies(ctx context.Context) ([]*types.PermissionPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tool, path, behavior, created_at
		FROM permission_policies ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var policies []*types.PermissionPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// DeletePolicy removes one rule by id.
func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM permission_policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearPolicies wipes all remembered rules.
func (s *Store) ClearPolicies(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM permission_policies`); err != nil {
		return fmt.Errorf("clear policies: %w", err)
	}
	return nil
}

func scanPolicy(row rowScanner) (*types.PermissionPolicy, error) {
	var p types.PermissionPolicy
	var behavior string
	err := row.Scan(&p.ID, &p.Tool, &p.Path, &behavior, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan policy: %w", err)
	}
	p.Behavior = types.PolicyBehavior(behavior)
	return &p, nil
}
