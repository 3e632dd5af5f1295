package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/MJYKIM99/ClaudeBench/pkg/types"
)

// Well-known app_settings keys.
const (
	KeyPermissionMode = "permission_mode"
	KeyProtectedPaths = "protected_paths"
)

// GetSetting returns the value for key, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM app_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts a key/value pair.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// PermissionMode returns the stored permission mode, lazily materializing the
// interactive default on first read.
func (s *Store) PermissionMode(ctx context.Context) (types.PermissionMode, error) {
	value, err := s.GetSetting(ctx, KeyPermissionMode)
	if err == ErrNotFound {
		if err := s.SetSetting(ctx, KeyPermissionMode, string(types.ModeInteractive)); err != nil {
			return "", err
		}
		return types.ModeInteractive, nil
	}
	if err != nil {
		return "", err
	}
	return types.PermissionMode(value), nil
}
