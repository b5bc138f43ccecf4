package keyset

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/louisbranch/gamekeep/internal/services/identity/storage"
)

type memorySecrets struct {
	mu     sync.Mutex
	values map[string][]byte
	gets   atomic.Int64
	getErr error
	// gate, when set, blocks reads until closed.
	gate chan struct{}
}

func newMemorySecrets() *memorySecrets {
	return &memorySecrets{values: make(map[string][]byte)}
}

func (m *memorySecrets) GetSecretValue(ctx context.Context, name, stage string) ([]byte, error) {
	m.gets.Add(1)
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	value, ok := m.values[name+"/"+stage]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return value, nil
}

func (m *memorySecrets) PutSecretValue(_ context.Context, name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.values[name+"/"+storage.StageCurrent]; ok {
		m.values[name+"/"+storage.StagePrevious] = current
	}
	m.values[name+"/"+storage.StageCurrent] = value
	return nil
}

type signingKey struct {
	kid     string
	private *ecdsa.PrivateKey
}

func newSigningKey(t *testing.T, kid string) signingKey {
	t.Helper()
	private, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return signingKey{kid: kid, private: private}
}

func (k signingKey) jwk() jose.JSONWebKey {
	return jose.JSONWebKey{Key: &k.private.PublicKey, KeyID: k.kid, Algorithm: "ES256", Use: "sig"}
}

func (k signingKey) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = k.kid
	signed, err := token.SignedString(k.private)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func jwksDocument(t *testing.T, keys ...signingKey) []byte {
	t.Helper()
	set := jose.JSONWebKeySet{}
	for _, key := range keys {
		set.Keys = append(set.Keys, key.jwk())
	}
	data, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return data
}
