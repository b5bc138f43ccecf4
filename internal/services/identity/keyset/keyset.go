package keyset

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// KeySet is a parsed set of public verification keys.
type KeySet struct {
	jwks jose.JSONWebKeySet
}

// ParseKeySet decodes a {"keys": [...]} document. Every key must carry a kid
// and at least one must be usable for verification.
func ParseKeySet(data []byte) (*KeySet, error) {
	var jwks jose.JSONWebKeySet
	if err := json.Unmarshal(data, &jwks); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}
	if len(jwks.Keys) == 0 {
		return nil, errors.New("key set has no keys")
	}
	for i, key := range jwks.Keys {
		if key.KeyID == "" {
			return nil, fmt.Errorf("key %d has no kid", i)
		}
		if !key.Valid() {
			return nil, fmt.Errorf("key %q is not valid", key.KeyID)
		}
	}
	return &KeySet{jwks: jwks}, nil
}

// Len returns the number of keys in the set.
func (s *KeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.jwks.Keys)
}

// Lookup returns the public form of the key identified by kid.
func (s *KeySet) Lookup(kid string) (jose.JSONWebKey, bool) {
	if s == nil || kid == "" {
		return jose.JSONWebKey{}, false
	}
	keys := s.jwks.Key(kid)
	if len(keys) == 0 {
		return jose.JSONWebKey{}, false
	}
	key := keys[0]
	if !key.IsPublic() {
		key = key.Public()
	}
	return key, key.Valid()
}

// MarshalJSON encodes the set back into a JWKS document.
func (s *KeySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.jwks)
}
