package storage

import (
	"context"
	"time"

	"github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/services/identity/record"
)

var (
	// ErrNotFound indicates a requested record, object, or secret is missing.
	ErrNotFound = errors.New(errors.CodeNotFound, "record not found")
	// ErrConditionFailed indicates a conditional write whose precondition did not hold.
	ErrConditionFailed = errors.New(errors.CodeConditionFailed, "conditional write rejected")
)

// Secret stage labels used to address key set generations.
const (
	StageCurrent  = "CURRENT"
	StagePrevious = "PREVIOUS"
)

// IdentityStore persists identity records.
type IdentityStore interface {
	// CreateIdentity inserts rec unless a record with the same gk_user_id or
	// the same provider external id exists. It reports whether a row was written.
	CreateIdentity(ctx context.Context, rec record.Record) (bool, error)
	GetIdentity(ctx context.Context, gkUserID string) (record.Record, error)
	// FindByProviderExternalID looks a record up through the provider index.
	FindByProviderExternalID(ctx context.Context, externalID string) (record.Record, error)
	// UpdateProviderLink sets the provider ids only when the stored hash
	// equals expectedHash and no other record holds the external id;
	// otherwise it returns ErrConditionFailed.
	UpdateProviderLink(ctx context.Context, gkUserID, expectedHash string, link record.ProviderLink, now time.Time) (record.Record, error)
	// ConfirmIdentity sets the confirmed sign-up attributes under the same
	// hash precondition as UpdateProviderLink.
	ConfirmIdentity(ctx context.Context, gkUserID, expectedHash string, confirmation record.Confirmation, now time.Time) (record.Record, error)
	// RecordLogin appends a completed login to the player's history. A
	// second login with the same request id is ignored.
	RecordLogin(ctx context.Context, login record.Login) error
	// ListLogins returns the logins of gkUserID ordered by Seq strictly after afterSeq.
	ListLogins(ctx context.Context, gkUserID string, limit int, afterSeq int64) (LoginPage, error)
}

// LoginPage describes a page of one player's logins. NextStartKey is zero
// on the last page.
type LoginPage struct {
	Logins       []record.Login
	NextStartKey int64
}

// ObjectStore persists opaque objects by key.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte) error
	// CreateObject writes body only when key is free and reports whether it did.
	CreateObject(ctx context.Context, key string, body []byte) (bool, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
	ObjectExists(ctx context.Context, key string) (bool, error)
	// CompareAndSwap replaces the object body only when it still equals
	// expected. A missing object yields ErrNotFound and a changed one
	// ErrConditionFailed, so exactly one of two racing callers succeeds.
	CompareAndSwap(ctx context.Context, key string, expected, next []byte) error
	// DeleteObjectsBefore removes objects under prefix last written before
	// cutoff, sparing those whose body equals keep when keep is non-nil.
	DeleteObjectsBefore(ctx context.Context, prefix string, cutoff time.Time, keep []byte) (int64, error)
}

// SecretStore holds versioned secrets addressable by stage label.
type SecretStore interface {
	GetSecretValue(ctx context.Context, name, stage string) ([]byte, error)
	// PutSecretValue stores value as the CURRENT stage and demotes the
	// previous CURRENT value to PREVIOUS in one step.
	PutSecretValue(ctx context.Context, name string, value []byte) error
}
