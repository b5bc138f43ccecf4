// Package envelope encrypts payloads under single-use data keys issued by a
// key service, so the wrapped key and the ciphertext travel together:
//
//	[4-byte big-endian length][wrapped data key][nonce][sealed payload]
//
// The payload cipher is XChaCha20-Poly1305. Plaintext data keys never leave
// a single call and are zeroed once used.
package envelope

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// DataKeySize is the length of plaintext data keys.
	DataKeySize  = chacha20poly1305.KeySize
	lengthPrefix = 4
)

// ErrMalformedBlob indicates a blob whose length prefix is inconsistent with its size.
var ErrMalformedBlob = apperrors.New(apperrors.CodeInvalidRequest, "encrypted blob is malformed")

// DataKey is a fresh symmetric key with its wrapped form.
type DataKey struct {
	Plaintext []byte
	Wrapped   []byte
}

// KeyService issues and unwraps data keys.
type KeyService interface {
	// GenerateDataKey returns a new DataKeySize key wrapped under keyID.
	GenerateDataKey(ctx context.Context, keyID string) (DataKey, error)
	// DecryptDataKey unwraps a key produced by GenerateDataKey.
	DecryptDataKey(ctx context.Context, wrapped []byte) ([]byte, error)
}

// Adapter performs envelope encryption through a KeyService.
type Adapter struct {
	keys KeyService
}

// NewAdapter returns an adapter backed by keys.
func NewAdapter(keys KeyService) (*Adapter, error) {
	if keys == nil {
		return nil, errors.New("key service is required")
	}
	return &Adapter{keys: keys}, nil
}

// Encrypt seals plaintext under a new data key scoped to keyID.
func (a *Adapter) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	dataKey, err := a.keys.GenerateDataKey(ctx, keyID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "generate data key", err)
	}
	defer zero(dataKey.Plaintext)
	if len(dataKey.Plaintext) != DataKeySize {
		return nil, apperrors.New(apperrors.CodeUnavailable, fmt.Sprintf("data key is %d bytes, want %d", len(dataKey.Plaintext), DataKeySize))
	}
	if len(dataKey.Wrapped) > math.MaxUint32 {
		return nil, apperrors.New(apperrors.CodeUnavailable, "wrapped data key is too large")
	}

	aead, err := chacha20poly1305.NewX(dataKey.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	header := make([]byte, lengthPrefix, lengthPrefix+len(dataKey.Wrapped))
	binary.BigEndian.PutUint32(header, uint32(len(dataKey.Wrapped)))
	header = append(header, dataKey.Wrapped...)

	blob := make([]byte, len(header), len(header)+aead.NonceSize()+len(plaintext)+aead.Overhead())
	copy(blob, header)
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	blob = append(blob, nonce...)
	return aead.Seal(blob, nonce, plaintext, header), nil
}

// Decrypt opens a blob produced by Encrypt.
func (a *Adapter) Decrypt(ctx context.Context, blob []byte) ([]byte, error) {
	if len(blob) < lengthPrefix {
		return nil, ErrMalformedBlob
	}
	wrappedLen := uint64(binary.BigEndian.Uint32(blob[:lengthPrefix]))
	headerLen := uint64(lengthPrefix) + wrappedLen
	if wrappedLen == 0 || headerLen > uint64(len(blob)) {
		return nil, ErrMalformedBlob
	}
	header := blob[:headerLen]
	body := blob[headerLen:]
	if len(body) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrMalformedBlob
	}

	key, err := a.keys.DecryptDataKey(ctx, header[lengthPrefix:])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "decrypt data key", err)
	}
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "create cipher", err)
	}
	nonce, sealed := body[:aead.NonceSize()], body[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, header)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidRequest, "open encrypted blob", err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// EncryptString encrypts plaintext and returns the blob as standard base64.
func (a *Adapter) EncryptString(ctx context.Context, keyID string, plaintext []byte) (string, error) {
	blob, err := a.Encrypt(ctx, keyID, plaintext)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptString decodes a base64 blob and decrypts it.
func (a *Adapter) DecryptString(ctx context.Context, encoded string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidRequest, "decode encrypted blob", err)
	}
	return a.Decrypt(ctx, blob)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
