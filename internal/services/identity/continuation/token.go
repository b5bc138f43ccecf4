package continuation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// Version is mixed into every digest and echoed in paging envelopes.
	Version = "1.0.0"
	// DefaultTTL bounds how long a token stays valid after signing.
	DefaultTTL = 300 * time.Second
)

var (
	// ErrMissingIdentity indicates a token operation without a caller identity.
	ErrMissingIdentity = errors.New("caller identity is required")
	// ErrMalformed indicates a token that does not decode to digest:expiry.
	ErrMalformed = errors.New("continuation token is malformed")
	// ErrExpired indicates a token presented after its expiry.
	ErrExpired = errors.New("continuation token has expired")
	// ErrMismatch indicates a digest that does not match the cursor and caller.
	ErrMismatch = errors.New("continuation token does not match")
)

// Cursor is the position a paginated read resumes from.
type Cursor map[string]any

// Signer issues and checks continuation tokens.
type Signer struct {
	now func() time.Time
	ttl time.Duration
}

// Option customizes a Signer.
type Option func(*Signer)

// WithClock overrides the signer clock.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTTL overrides the token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Signer) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewSigner returns a signer using the wall clock and DefaultTTL.
func NewSigner(opts ...Option) *Signer {
	s := &Signer{now: time.Now, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign issues a token for identity and cursor.
func (s *Signer) Sign(identity string, cursor Cursor) (string, error) {
	if identity == "" {
		return "", ErrMissingIdentity
	}
	expiresAt := s.now().Add(s.ttl).Unix()
	digest, err := computeDigest(identity, cursor, expiresAt)
	if err != nil {
		return "", err
	}
	raw := digest + ":" + strconv.FormatInt(expiresAt, 10)
	return base64.StdEncoding.EncodeToString([]byte(raw)), nil
}

// Check explains why token is not valid for identity and cursor, or returns nil.
func (s *Signer) Check(identity string, cursor Cursor, token string) error {
	if identity == "" {
		return ErrMissingIdentity
	}
	digest, expiresAt, err := decode(token)
	if err != nil {
		return err
	}
	if s.now().Unix() > expiresAt {
		return ErrExpired
	}
	expected, err := computeDigest(identity, cursor, expiresAt)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(digest)) {
		return ErrMismatch
	}
	return nil
}

// Validate reports whether token is intact, unexpired, and bound to identity and cursor.
func (s *Signer) Validate(identity string, cursor Cursor, token string) bool {
	return s.Check(identity, cursor, token) == nil
}

func decode(token string) (string, int64, error) {
	if token == "" {
		return "", 0, ErrMalformed
	}
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", 0, ErrMalformed
	}
	digest, expiry, ok := strings.Cut(string(raw), ":")
	if !ok || digest == "" || strings.Contains(expiry, ":") {
		return "", 0, ErrMalformed
	}
	expiresAt, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return "", 0, ErrMalformed
	}
	return digest, expiresAt, nil
}

func computeDigest(identity string, cursor Cursor, expiresAt int64) (string, error) {
	canonical, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(identity))
	_, _ = mac.Write(canonical)
	_, _ = mac.Write([]byte(Version))
	_, _ = mac.Write([]byte(strconv.FormatInt(expiresAt, 10)))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil))), nil
}
