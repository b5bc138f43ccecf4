package envelope

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"testing"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
)

// fakeKeyService wraps data keys by XOR with a fixed pad, prefixed by a tag.
type fakeKeyService struct {
	generateErr error
	decryptErr  error
	issued      [][]byte
}

var pad = bytes.Repeat([]byte{0x5a}, DataKeySize)

func (f *fakeKeyService) GenerateDataKey(_ context.Context, keyID string) (DataKey, error) {
	if f.generateErr != nil {
		return DataKey{}, f.generateErr
	}
	key := make([]byte, DataKeySize)
	if _, err := rand.Read(key); err != nil {
		return DataKey{}, err
	}
	wrapped := append([]byte(keyID+":"), xor(key)...)
	f.issued = append(f.issued, key)
	return DataKey{Plaintext: key, Wrapped: wrapped}, nil
}

func (f *fakeKeyService) DecryptDataKey(_ context.Context, wrapped []byte) ([]byte, error) {
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	idx := bytes.IndexByte(wrapped, ':')
	if idx < 0 || len(wrapped[idx+1:]) != DataKeySize {
		return nil, errors.New("bad wrapped key")
	}
	return xor(wrapped[idx+1:]), nil
}

func xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ pad[i]
	}
	return out
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeKeyService) {
	t.Helper()
	keys := &fakeKeyService{}
	adapter, err := NewAdapter(keys)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter, keys
}

func TestNewAdapterRequiresKeyService(t *testing.T) {
	if _, err := NewAdapter(nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestRoundTrip(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	ctx := context.Background()
	large := make([]byte, 64*1024)
	if _, err := rand.Read(large); err != nil {
		t.Fatalf("rand: %v", err)
	}
	for name, plaintext := range map[string][]byte{
		"empty":  {},
		"nil":    nil,
		"text":   []byte(`{"request_id":"abc","expiration":1}`),
		"binary": {0, 1, 2, 0xff},
		"large":  large,
	} {
		t.Run(name, func(t *testing.T) {
			blob, err := adapter.Encrypt(ctx, "gamekit", plaintext)
			if err != nil {
				t.Fatalf("encrypt: %v", err)
			}
			got, err := adapter.Decrypt(ctx, blob)
			if err != nil {
				t.Fatalf("decrypt: %v", err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(plaintext))
			}
			if got == nil {
				t.Fatal("expected non-nil plaintext")
			}
		})
	}
}

func TestBlobLayout(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	blob, err := adapter.Encrypt(context.Background(), "k1", []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	wrappedLen := binary.BigEndian.Uint32(blob[:4])
	if wrappedLen != uint32(len("k1:")+DataKeySize) {
		t.Fatalf("wrapped length = %d", wrappedLen)
	}
	if !bytes.HasPrefix(blob[4:], []byte("k1:")) {
		t.Fatal("expected wrapped key after length prefix")
	}
	wantLen := 4 + int(wrappedLen) + 24 + len("hello") + 16
	if len(blob) != wantLen {
		t.Fatalf("blob length = %d, want %d", len(blob), wantLen)
	}
}

func TestEncryptUsesFreshDataKeys(t *testing.T) {
	adapter, keys := newTestAdapter(t)
	first, _ := adapter.Encrypt(context.Background(), "k", []byte("same"))
	second, _ := adapter.Encrypt(context.Background(), "k", []byte("same"))
	if bytes.Equal(first, second) {
		t.Fatal("expected distinct blobs for identical plaintext")
	}
	for _, key := range keys.issued {
		if !bytes.Equal(key, make([]byte, DataKeySize)) {
			t.Fatal("expected plaintext data key to be zeroed after use")
		}
	}
}

func TestDecryptRejectsInconsistentLengthPrefix(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	blob, err := adapter.Encrypt(context.Background(), "k", []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	oversized := append([]byte(nil), blob...)
	binary.BigEndian.PutUint32(oversized[:4], uint32(len(blob)))
	zeroLen := append([]byte(nil), blob...)
	binary.BigEndian.PutUint32(zeroLen[:4], 0)

	for name, input := range map[string][]byte{
		"short":     {0, 0},
		"oversized": oversized,
		"zero":      zeroLen,
		"truncated": blob[:4+3+DataKeySize+10],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := adapter.Decrypt(context.Background(), input)
			if !errors.Is(err, ErrMalformedBlob) {
				t.Fatalf("expected ErrMalformedBlob, got %v", err)
			}
		})
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	blob, err := adapter.Encrypt(context.Background(), "k", []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	blob[len(blob)-1] ^= 0x01
	_, err = adapter.Decrypt(context.Background(), blob)
	if apperrors.CodeOf(err) != apperrors.CodeInvalidRequest {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestKeyServiceFailuresSurfaceAsUnavailable(t *testing.T) {
	adapter, keys := newTestAdapter(t)
	blob, err := adapter.Encrypt(context.Background(), "k", []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	keys.generateErr = errors.New("throttled")
	if _, err := adapter.Encrypt(context.Background(), "k", nil); apperrors.CodeOf(err) != apperrors.CodeUnavailable {
		t.Fatalf("expected unavailable on generate, got %v", err)
	}
	keys.decryptErr = errors.New("access denied")
	if _, err := adapter.Decrypt(context.Background(), blob); apperrors.CodeOf(err) != apperrors.CodeUnavailable {
		t.Fatalf("expected unavailable on decrypt, got %v", err)
	}
}

func TestStringHelpers(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	encoded, err := adapter.EncryptString(context.Background(), "k", []byte("state"))
	if err != nil {
		t.Fatalf("encrypt string: %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		t.Fatalf("expected standard base64: %v", err)
	}
	got, err := adapter.DecryptString(context.Background(), encoded)
	if err != nil {
		t.Fatalf("decrypt string: %v", err)
	}
	if string(got) != "state" {
		t.Fatalf("got %q", got)
	}
	if _, err := adapter.DecryptString(context.Background(), "not base64!"); apperrors.CodeOf(err) != apperrors.CodeInvalidRequest {
		t.Fatalf("expected invalid request, got %v", err)
	}
}
