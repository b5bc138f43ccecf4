package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/services/identity/storage"
)

var _ storage.SecretStore = (*Store)(nil)

// GetSecretValue reads the named secret at stage.
func (s *Store) GetSecretValue(ctx context.Context, name, stage string) ([]byte, error) {
	if err := s.requireDB(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.sqlDB.QueryRowContext(ctx, `SELECT value FROM secrets WHERE name = ? AND stage = ?`, name, stage).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "get secret", err)
	}
	return value, nil
}

// PutSecretValue stores value as CURRENT and demotes the old CURRENT to PREVIOUS.
func (s *Store) PutSecretValue(ctx context.Context, name string, value []byte) error {
	if err := s.requireDB(); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("secret name is required")
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "begin secret rotation", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := toMillis(s.now())
	steps := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM secrets WHERE name = ? AND stage = ?`, []any{name, storage.StagePrevious}},
		{`UPDATE secrets SET stage = ?, updated_at = ? WHERE name = ? AND stage = ?`, []any{storage.StagePrevious, now, name, storage.StageCurrent}},
		{`INSERT INTO secrets (name, stage, value, updated_at) VALUES (?, ?, ?, ?)`, []any{name, storage.StageCurrent, value, now}},
	}
	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.query, step.args...); err != nil {
			return apperrors.Wrap(apperrors.CodeUnavailable, "rotate secret", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "commit secret rotation", err)
	}
	return nil
}
