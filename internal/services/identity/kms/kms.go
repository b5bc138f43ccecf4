// Package kms is a local key service that wraps data keys with age X25519
// identities. It stands in for a managed key-management service.
package kms

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"filippo.io/age"
	"github.com/louisbranch/gamekeep/internal/services/identity/envelope"
)

const maxKeyIDLength = 255

var (
	// ErrUnknownKey indicates a key id the service does not hold.
	ErrUnknownKey = errors.New("unknown key id")
	// ErrMalformedWrappedKey indicates a wrapped key without a valid key id header.
	ErrMalformedWrappedKey = errors.New("wrapped data key is malformed")
)

// Service holds age identities by key id.
type Service struct {
	identities map[string]*age.X25519Identity
}

var _ envelope.KeyService = (*Service)(nil)

// New returns a service holding the given identities.
func New(identities map[string]*age.X25519Identity) (*Service, error) {
	if len(identities) == 0 {
		return nil, errors.New("at least one key is required")
	}
	for keyID, identity := range identities {
		if err := validateKeyID(keyID); err != nil {
			return nil, err
		}
		if identity == nil {
			return nil, fmt.Errorf("key %q has no identity", keyID)
		}
	}
	return &Service{identities: identities}, nil
}

// ParseKeys parses "keyid=AGE-SECRET-KEY-1...,other=AGE-SECRET-KEY-1..." into a Service.
func ParseKeys(list string) (*Service, error) {
	identities := make(map[string]*age.X25519Identity)
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		keyID, secret, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("key entry must be keyid=secret")
		}
		keyID = strings.TrimSpace(keyID)
		identity, err := age.ParseX25519Identity(strings.TrimSpace(secret))
		if err != nil {
			return nil, fmt.Errorf("parse key %q: %w", keyID, err)
		}
		if _, exists := identities[keyID]; exists {
			return nil, fmt.Errorf("duplicate key id %q", keyID)
		}
		identities[keyID] = identity
	}
	return New(identities)
}

// KeyIDs returns the held key ids in sorted order.
func (s *Service) KeyIDs() []string {
	ids := make([]string, 0, len(s.identities))
	for keyID := range s.identities {
		ids = append(ids, keyID)
	}
	sort.Strings(ids)
	return ids
}

// GenerateDataKey returns a random data key sealed to keyID's recipient. The
// wrapped form is [1-byte key id length][key id][age ciphertext].
func (s *Service) GenerateDataKey(ctx context.Context, keyID string) (envelope.DataKey, error) {
	if err := ctx.Err(); err != nil {
		return envelope.DataKey{}, err
	}
	identity, ok := s.identities[keyID]
	if !ok {
		return envelope.DataKey{}, fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}

	plaintext := make([]byte, envelope.DataKeySize)
	if _, err := rand.Read(plaintext); err != nil {
		return envelope.DataKey{}, fmt.Errorf("generate data key: %w", err)
	}

	var wrapped bytes.Buffer
	wrapped.WriteByte(byte(len(keyID)))
	wrapped.WriteString(keyID)
	writer, err := age.Encrypt(&wrapped, identity.Recipient())
	if err != nil {
		return envelope.DataKey{}, fmt.Errorf("create age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return envelope.DataKey{}, fmt.Errorf("wrap data key: %w", err)
	}
	if err := writer.Close(); err != nil {
		return envelope.DataKey{}, fmt.Errorf("finalize wrapped key: %w", err)
	}
	return envelope.DataKey{Plaintext: plaintext, Wrapped: wrapped.Bytes()}, nil
}

// DecryptDataKey unwraps a key produced by GenerateDataKey.
func (s *Service) DecryptDataKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(wrapped) < 2 {
		return nil, ErrMalformedWrappedKey
	}
	idLen := int(wrapped[0])
	if idLen == 0 || len(wrapped) < 1+idLen {
		return nil, ErrMalformedWrappedKey
	}
	keyID := string(wrapped[1 : 1+idLen])
	identity, ok := s.identities[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, keyID)
	}

	reader, err := age.Decrypt(bytes.NewReader(wrapped[1+idLen:]), identity)
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	plaintext, err := io.ReadAll(io.LimitReader(reader, envelope.DataKeySize+1))
	if err != nil {
		return nil, fmt.Errorf("read data key: %w", err)
	}
	if len(plaintext) != envelope.DataKeySize {
		return nil, fmt.Errorf("data key is %d bytes, want %d", len(plaintext), envelope.DataKeySize)
	}
	return plaintext, nil
}

// GenerateKey returns a new age identity in AGE-SECRET-KEY-1 form.
func GenerateKey() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generate age identity: %w", err)
	}
	return identity.String(), nil
}

func validateKeyID(keyID string) error {
	if strings.TrimSpace(keyID) == "" {
		return errors.New("key id is required")
	}
	if len(keyID) > maxKeyIDLength {
		return fmt.Errorf("key id %q exceeds %d bytes", keyID, maxKeyIDLength)
	}
	if strings.ContainsAny(keyID, ",=") {
		return fmt.Errorf("key id %q must not contain ',' or '='", keyID)
	}
	return nil
}
