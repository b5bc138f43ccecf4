package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/services/identity/storage"
)

// Bucket is an object namespace inside the store.
type Bucket struct {
	store *Store
	name  string
}

// Bucket returns the object store for the named bucket.
func (s *Store) Bucket(name string) *Bucket {
	return &Bucket{store: s, name: name}
}

var _ storage.ObjectStore = (*Bucket)(nil)

func (b *Bucket) validate(key string) error {
	if b == nil || b.store == nil {
		return fmt.Errorf("bucket is not configured")
	}
	if err := b.store.requireDB(); err != nil {
		return err
	}
	if strings.TrimSpace(b.name) == "" {
		return fmt.Errorf("bucket name is required")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("object key is required")
	}
	return nil
}

// PutObject writes body at key, replacing any existing object.
func (b *Bucket) PutObject(ctx context.Context, key string, body []byte) error {
	if err := b.validate(key); err != nil {
		return err
	}
	if body == nil {
		body = []byte{}
	}
	_, err := b.store.sqlDB.ExecContext(ctx, `
INSERT INTO objects (bucket, key, body, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (bucket, key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		b.name, key, body, toMillis(b.store.now()),
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "put object", err)
	}
	return nil
}

// CreateObject writes body at key unless an object is already stored there.
func (b *Bucket) CreateObject(ctx context.Context, key string, body []byte) (bool, error) {
	if err := b.validate(key); err != nil {
		return false, err
	}
	if body == nil {
		body = []byte{}
	}
	result, err := b.store.sqlDB.ExecContext(ctx, `
INSERT INTO objects (bucket, key, body, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (bucket, key) DO NOTHING`,
		b.name, key, body, toMillis(b.store.now()),
	)
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeUnavailable, "create object", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeUnavailable, "create object rows", err)
	}
	return affected == 1, nil
}

// GetObject reads the object at key.
func (b *Bucket) GetObject(ctx context.Context, key string) ([]byte, error) {
	if err := b.validate(key); err != nil {
		return nil, err
	}
	var body []byte
	err := b.store.sqlDB.QueryRowContext(ctx, `SELECT body FROM objects WHERE bucket = ? AND key = ?`, b.name, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "get object", err)
	}
	return body, nil
}

// ObjectExists reports whether an object is stored at key.
func (b *Bucket) ObjectExists(ctx context.Context, key string) (bool, error) {
	if err := b.validate(key); err != nil {
		return false, err
	}
	var found int
	err := b.store.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM objects WHERE bucket = ? AND key = ?`, b.name, key).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeUnavailable, "head object", err)
	}
	return true, nil
}

// CompareAndSwap replaces the object body only while it still equals expected.
func (b *Bucket) CompareAndSwap(ctx context.Context, key string, expected, next []byte) error {
	if err := b.validate(key); err != nil {
		return err
	}
	if next == nil {
		next = []byte{}
	}
	if expected == nil {
		expected = []byte{}
	}
	result, err := b.store.sqlDB.ExecContext(ctx, `
UPDATE objects SET body = ?, updated_at = ?
WHERE bucket = ? AND key = ? AND body = ?`,
		next, toMillis(b.store.now()), b.name, key, expected,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "swap object", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "swap object rows", err)
	}
	if affected == 1 {
		return nil
	}

	if _, err := b.GetObject(ctx, key); err != nil {
		return err
	}
	return storage.ErrConditionFailed
}

// DeleteObjectsBefore removes objects under prefix last written before
// cutoff. Objects whose body equals keep survive when keep is non-nil.
func (b *Bucket) DeleteObjectsBefore(ctx context.Context, prefix string, cutoff time.Time, keep []byte) (int64, error) {
	if err := b.validate(prefix); err != nil {
		return 0, err
	}
	query := `
DELETE FROM objects
WHERE bucket = ? AND substr(key, 1, ?) = ? AND updated_at < ?`
	args := []any{b.name, len(prefix), prefix, toMillis(cutoff)}
	if keep != nil {
		query += ` AND body <> ?`
		args = append(args, keep)
	}
	result, err := b.store.sqlDB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeUnavailable, "delete objects", err)
	}
	return result.RowsAffected()
}
