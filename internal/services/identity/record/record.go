package record

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/platform/id"
)

var (
	// ErrInvalidUserID indicates a player id that is not a version 4 UUID.
	ErrInvalidUserID = apperrors.New(apperrors.CodeInvalidRequest, "gk_user_id must be a valid UUIDv4")
	// ErrMissingHashKey indicates a record mutation without its hash key.
	ErrMissingHashKey = apperrors.New(apperrors.CodeInvalidRequest, "gk_user_hash_key is required")
	// ErrHashMismatch indicates a presented hash that does not match the record.
	ErrHashMismatch = apperrors.New(apperrors.CodeForbidden, "gk_user_id_hash does not match")
)

// Record is a durable player identity.
type Record struct {
	GKUserID           string
	HashKey            string
	IDHash             string
	ProviderRefID      string
	ProviderExternalID string
	UserName           string
	EmailRefID         string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ProviderLink holds the ids a federated provider issued for a player.
type ProviderLink struct {
	RefID      string
	ExternalID string
}

// Confirmation holds the attributes recorded when a sign-up is confirmed.
type Confirmation struct {
	UserName   string
	EmailRefID string
}

// ComputeIDHash returns base64(SHA256(hashKey || gkUserID)).
func ComputeIDHash(hashKey, gkUserID string) string {
	sum := sha256.Sum256([]byte(hashKey + gkUserID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// NewHashKey derives a fresh hash key from a random UUID.
func NewHashKey(idGenerator func() (string, error)) (string, error) {
	if idGenerator == nil {
		idGenerator = id.NewUUID
	}
	seed, err := idGenerator()
	if err != nil {
		return "", fmt.Errorf("generate hash key seed: %w", err)
	}
	sum := sha256.Sum256([]byte(seed))
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// New builds a record for gkUserID salted with hashKey.
func New(gkUserID, hashKey string, now func() time.Time) (Record, error) {
	if now == nil {
		now = time.Now
	}
	gkUserID = strings.TrimSpace(gkUserID)
	if !id.IsUUIDv4(gkUserID) {
		return Record{}, ErrInvalidUserID
	}
	if hashKey == "" {
		return Record{}, ErrMissingHashKey
	}
	createdAt := now().UTC()
	return Record{
		GKUserID:  gkUserID,
		HashKey:   hashKey,
		IDHash:    ComputeIDHash(hashKey, gkUserID),
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}

// Generate creates a record with a new player id and hash key.
func Generate(now func() time.Time, idGenerator func() (string, error)) (Record, error) {
	if idGenerator == nil {
		idGenerator = id.NewUUID
	}
	gkUserID, err := idGenerator()
	if err != nil {
		return Record{}, fmt.Errorf("generate gk_user_id: %w", err)
	}
	hashKey, err := NewHashKey(idGenerator)
	if err != nil {
		return Record{}, err
	}
	return New(gkUserID, hashKey, now)
}

// Verify recomputes the record hash and compares it with presented.
func (r Record) Verify(presented string) error {
	computed := ComputeIDHash(r.HashKey, r.GKUserID)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(presented)) != 1 {
		return ErrHashMismatch
	}
	return nil
}

// PublicFields returns the attributes a player may read about themselves.
func (r Record) PublicFields() map[string]string {
	fields := map[string]string{
		"gk_user_id": r.GKUserID,
		"created_at": formatTimestamp(r.CreatedAt),
		"updated_at": formatTimestamp(r.UpdatedAt),
	}
	if r.ProviderRefID != "" {
		fields["provider_ref_id"] = r.ProviderRefID
	}
	if r.ProviderExternalID != "" {
		fields["provider_external_id"] = r.ProviderExternalID
	}
	if r.UserName != "" {
		fields["user_name"] = r.UserName
	}
	return fields
}

func formatTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
