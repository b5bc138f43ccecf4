package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/services/identity/record"
	"github.com/louisbranch/gamekeep/internal/services/identity/storage"
)

const identityColumns = `gk_user_id, gk_user_hash_key, gk_user_id_hash, provider_ref_id,
provider_external_id, user_name, email_ref_id, created_at, updated_at`

const (
	defaultListLimit = 25
	maxListLimit     = 100
)

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateIdentity inserts rec unless its gk_user_id or provider external id
// is already taken.
func (s *Store) CreateIdentity(ctx context.Context, rec record.Record) (bool, error) {
	if err := s.requireDB(); err != nil {
		return false, err
	}
	if strings.TrimSpace(rec.GKUserID) == "" {
		return false, fmt.Errorf("gk_user_id is required")
	}
	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO identities (`+identityColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`,
		rec.GKUserID, rec.HashKey, rec.IDHash, rec.ProviderRefID, rec.ProviderExternalID,
		rec.UserName, rec.EmailRefID, toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt),
	)
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeUnavailable, "create identity", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeUnavailable, "create identity rows", err)
	}
	return affected == 1, nil
}

// GetIdentity fetches a record by gk_user_id.
func (s *Store) GetIdentity(ctx context.Context, gkUserID string) (record.Record, error) {
	if err := s.requireDB(); err != nil {
		return record.Record{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE gk_user_id = ?`, gkUserID)
	return scanIdentity(row)
}

// FindByProviderExternalID fetches the record linked to a provider external id.
func (s *Store) FindByProviderExternalID(ctx context.Context, externalID string) (record.Record, error) {
	if err := s.requireDB(); err != nil {
		return record.Record{}, err
	}
	if strings.TrimSpace(externalID) == "" {
		return record.Record{}, storage.ErrNotFound
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+identityColumns+` FROM identities
WHERE provider_external_id = ?
ORDER BY created_at, gk_user_id
LIMIT 1`, externalID)
	return scanIdentity(row)
}

// UpdateProviderLink sets provider ids when the stored hash matches.
func (s *Store) UpdateProviderLink(ctx context.Context, gkUserID, expectedHash string, link record.ProviderLink, now time.Time) (record.Record, error) {
	return s.conditionalUpdate(ctx, gkUserID, expectedHash, `
UPDATE identities
SET provider_ref_id = ?, provider_external_id = ?, updated_at = ?
WHERE gk_user_id = ? AND gk_user_id_hash = ?`,
		link.RefID, link.ExternalID, toMillis(now), gkUserID, expectedHash,
	)
}

// ConfirmIdentity sets the confirmed sign-up attributes when the stored hash matches.
func (s *Store) ConfirmIdentity(ctx context.Context, gkUserID, expectedHash string, confirmation record.Confirmation, now time.Time) (record.Record, error) {
	return s.conditionalUpdate(ctx, gkUserID, expectedHash, `
UPDATE identities
SET user_name = ?, email_ref_id = ?, updated_at = ?
WHERE gk_user_id = ? AND gk_user_id_hash = ?`,
		confirmation.UserName, confirmation.EmailRefID, toMillis(now), gkUserID, expectedHash,
	)
}

func (s *Store) conditionalUpdate(ctx context.Context, gkUserID, expectedHash, query string, args ...any) (record.Record, error) {
	if err := s.requireDB(); err != nil {
		return record.Record{}, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return record.Record{}, apperrors.Wrap(apperrors.CodeUnavailable, "begin identity update", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, query, args...)
	if isUniqueViolation(err) {
		return record.Record{}, apperrors.Wrap(apperrors.CodeConditionFailed, "provider account is linked to another player", err)
	}
	if err != nil {
		return record.Record{}, apperrors.Wrap(apperrors.CodeUnavailable, "update identity", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return record.Record{}, apperrors.Wrap(apperrors.CodeUnavailable, "update identity rows", err)
	}
	if affected == 0 {
		if _, err := scanIdentity(tx.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE gk_user_id = ?`, gkUserID)); err != nil {
			return record.Record{}, err
		}
		return record.Record{}, storage.ErrConditionFailed
	}

	updated, err := scanIdentity(tx.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE gk_user_id = ?`, gkUserID))
	if err != nil {
		return record.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return record.Record{}, apperrors.Wrap(apperrors.CodeUnavailable, "commit identity update", err)
	}
	return updated, nil
}

// RecordLogin appends login to the history of its player.
func (s *Store) RecordLogin(ctx context.Context, login record.Login) error {
	if err := s.requireDB(); err != nil {
		return err
	}
	if strings.TrimSpace(login.GKUserID) == "" || strings.TrimSpace(login.RequestID) == "" {
		return fmt.Errorf("gk_user_id and request_id are required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO identity_logins (gk_user_id, request_id, provider, outcome, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (request_id) DO NOTHING`,
		login.GKUserID, login.RequestID, login.Provider, login.Outcome, toMillis(login.CreatedAt),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "record login", err)
	}
	return nil
}

// ListLogins pages through the logins of one player in insertion order.
func (s *Store) ListLogins(ctx context.Context, gkUserID string, limit int, afterSeq int64) (storage.LoginPage, error) {
	if err := s.requireDB(); err != nil {
		return storage.LoginPage{}, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT seq, gk_user_id, request_id, provider, outcome, created_at
FROM identity_logins
WHERE gk_user_id = ? AND seq > ?
ORDER BY seq
LIMIT ?`, gkUserID, afterSeq, limit+1)
	if err != nil {
		return storage.LoginPage{}, apperrors.Wrap(apperrors.CodeUnavailable, "list logins", err)
	}
	defer rows.Close()

	page := storage.LoginPage{Logins: make([]record.Login, 0, limit)}
	for rows.Next() {
		var login record.Login
		var createdAt int64
		if err := rows.Scan(&login.Seq, &login.GKUserID, &login.RequestID, &login.Provider, &login.Outcome, &createdAt); err != nil {
			return storage.LoginPage{}, apperrors.Wrap(apperrors.CodeUnavailable, "scan login", err)
		}
		login.CreatedAt = fromMillis(createdAt)
		page.Logins = append(page.Logins, login)
	}
	if err := rows.Err(); err != nil {
		return storage.LoginPage{}, apperrors.Wrap(apperrors.CodeUnavailable, "iterate logins", err)
	}
	if len(page.Logins) > limit {
		page.Logins = page.Logins[:limit]
		page.NextStartKey = page.Logins[limit-1].Seq
	}
	return page, nil
}

func scanIdentity(row rowScanner) (record.Record, error) {
	var rec record.Record
	var createdAt, updatedAt int64
	err := row.Scan(
		&rec.GKUserID, &rec.HashKey, &rec.IDHash, &rec.ProviderRefID, &rec.ProviderExternalID,
		&rec.UserName, &rec.EmailRefID, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return record.Record{}, apperrors.Wrap(apperrors.CodeUnavailable, "scan identity", err)
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}
