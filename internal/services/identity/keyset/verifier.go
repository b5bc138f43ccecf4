package keyset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/platform/logging"
	"github.com/louisbranch/gamekeep/internal/platform/otel"
	"github.com/louisbranch/gamekeep/internal/platform/timeouts"
	"github.com/louisbranch/gamekeep/internal/services/identity/record"
	"github.com/louisbranch/gamekeep/internal/services/identity/storage"
	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// IdentitiesClaim carries federated identities as a JSON array (or a
// JSON-encoded string of one) of {"providerName", "userId"} objects.
const IdentitiesClaim = "identities"

var (
	// ErrUnknownKey indicates a token whose kid is absent from the key set.
	ErrUnknownKey = apperrors.New(apperrors.CodeUnauthorized, "signing key not found")
	// ErrExpired indicates a token whose exp claim has passed.
	ErrExpired = apperrors.New(apperrors.CodeUnauthorized, "token is expired")
	// ErrMissingIdentifier indicates verified claims without a player identifier.
	ErrMissingIdentifier = apperrors.New(apperrors.CodeUnauthorized, "identifier claim not found")
)

// refetchInterval bounds how often an unknown kid can force a key set refetch.
const refetchInterval = 30 * time.Second

var validMethods = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// Claims are the verified claims of a token.
type Claims map[string]any

// Config controls verification.
type Config struct {
	// SecretName names the key set in the secret store.
	SecretName string
	// IdentifierClaim is the claim holding the player identifier.
	IdentifierClaim string
	// FederatedProvider selects the entry of the identities claim used when
	// IdentifierClaim is absent. Empty disables the federated lookup.
	FederatedProvider string
	// VerifyExpiration rejects tokens whose exp claim has passed.
	VerifyExpiration bool
	// CacheTTL keeps fetched key sets in memory. Zero disables caching.
	CacheTTL time.Duration
}

// IdentityLookup resolves federated identities to player records.
type IdentityLookup interface {
	FindByProviderExternalID(ctx context.Context, externalID string) (record.Record, error)
}

// Verifier checks token signatures against the stored key set generations.
type Verifier struct {
	secrets storage.SecretStore
	lookup  IdentityLookup
	cfg     Config
	cache   *gocache.Cache
	group   singleflight.Group
	now     func() time.Time
	logger  *slog.Logger
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithClock overrides the clock used for expiration checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithLogger sets the verifier logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		v.logger = logging.OrDiscard(logger)
	}
}

// NewVerifier returns a verifier reading key sets from secrets. lookup may be
// nil when no federated provider is configured.
func NewVerifier(secrets storage.SecretStore, lookup IdentityLookup, cfg Config, opts ...Option) (*Verifier, error) {
	if secrets == nil {
		return nil, errors.New("secret store is required")
	}
	cfg.SecretName = strings.TrimSpace(cfg.SecretName)
	if cfg.SecretName == "" {
		return nil, errors.New("key set secret name is required")
	}
	cfg.IdentifierClaim = strings.TrimSpace(cfg.IdentifierClaim)
	if cfg.IdentifierClaim == "" {
		return nil, errors.New("identifier claim is required")
	}
	if cfg.FederatedProvider != "" && lookup == nil {
		return nil, errors.New("identity lookup is required for federated identities")
	}
	v := &Verifier{
		secrets: secrets,
		lookup:  lookup,
		cfg:     cfg,
		now:     time.Now,
		logger:  logging.Discard(),
	}
	if cfg.CacheTTL > 0 {
		v.cache = gocache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks token against the key set of generation g and returns its claims.
func (v *Verifier) Verify(ctx context.Context, token string, g Generation) (Claims, error) {
	ctx, span := otel.Tracer("gamekeep/identity/keyset").Start(ctx, "keyset.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("keyset.generation", g.String()))

	claims, err := v.verify(ctx, token, g)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "verification failed")
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) verify(ctx context.Context, token string, g Generation) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "token is required")
	}
	entry, cached, err := v.keySet(ctx, g)
	if err != nil {
		return nil, err
	}
	parsed, err := parseToken(token, entry.keys)
	if errors.Is(err, ErrUnknownKey) && cached && v.now().Sub(entry.fetchedAt) >= refetchInterval {
		// The set may have rotated since it was cached.
		v.logger.InfoContext(ctx, "refetching key set for unknown key", "generation", g.String())
		v.cache.Delete(g.Stage())
		if entry, _, err = v.keySet(ctx, g); err != nil {
			return nil, err
		}
		parsed, err = parseToken(token, entry.keys)
	}
	if err != nil {
		return nil, err
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "unexpected claims type")
	}
	if v.cfg.VerifyExpiration {
		exp, err := mapClaims.GetExpirationTime()
		if err != nil || exp == nil {
			return nil, apperrors.New(apperrors.CodeUnauthorized, "token has no valid exp claim")
		}
		if v.now().After(exp.Time) {
			return nil, ErrExpired
		}
	}
	return Claims(mapClaims), nil
}

func parseToken(token string, keys *KeySet) (*jwt.Token, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys.Lookup(kid)
		if !ok {
			return nil, ErrUnknownKey
		}
		if key.Algorithm != "" && key.Algorithm != t.Method.Alg() {
			return nil, fmt.Errorf("key %q is for %s, token uses %s", kid, key.Algorithm, t.Method.Alg())
		}
		return key.Key, nil
	}, jwt.WithValidMethods(validMethods), jwt.WithoutClaimsValidation())
	if err != nil {
		if errors.Is(err, ErrUnknownKey) {
			return nil, ErrUnknownKey
		}
		return nil, apperrors.Wrap(apperrors.CodeUnauthorized, "verify token", err)
	}
	return parsed, nil
}

// VerifyWithFallback tries each generation in FallbackOrder and returns the
// claims from the first that verifies. When none verifies the error is
// CodeUnavailable if any key set could not be fetched, else CodeUnauthorized.
func (v *Verifier) VerifyWithFallback(ctx context.Context, token string) (Claims, Generation, error) {
	var errs []error
	code := apperrors.CodeUnauthorized
	for _, g := range FallbackOrder {
		claims, err := v.Verify(ctx, token, g)
		if err == nil {
			return claims, g, nil
		}
		v.logger.InfoContext(ctx, "token verification failed", "generation", g.String(), "error", err)
		if apperrors.HasCode(err, apperrors.CodeUnavailable) {
			code = apperrors.CodeUnavailable
		}
		errs = append(errs, fmt.Errorf("%s: %w", g, err))
	}
	return nil, 0, apperrors.Wrap(code, "token rejected by every key set generation", errors.Join(errs...))
}

// ResolvePlayerID extracts the player identifier from verified claims.
func (v *Verifier) ResolvePlayerID(ctx context.Context, claims Claims) (string, error) {
	if value, ok := claims[v.cfg.IdentifierClaim].(string); ok && strings.TrimSpace(value) != "" {
		return value, nil
	}
	if v.cfg.FederatedProvider == "" {
		return "", ErrMissingIdentifier
	}
	externalID, err := FederatedUserID(claims[IdentitiesClaim], v.cfg.FederatedProvider)
	if err != nil {
		return "", err
	}
	rec, err := v.lookup.FindByProviderExternalID(ctx, externalID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return "", apperrors.Wrap(apperrors.CodeUnauthorized, "federated identity is not linked", err)
		}
		return "", err
	}
	return rec.GKUserID, nil
}

type federatedIdentity struct {
	ProviderName string `json:"providerName"`
	UserID       string `json:"userId"`
}

// FederatedUserID returns the userId of the provider entry in an identities
// attribute, given either as a decoded array or as its JSON string form.
func FederatedUserID(raw any, provider string) (string, error) {
	var encoded []byte
	switch value := raw.(type) {
	case nil:
		return "", ErrMissingIdentifier
	case string:
		encoded = []byte(value)
	default:
		var err error
		if encoded, err = json.Marshal(value); err != nil {
			return "", apperrors.Wrap(apperrors.CodeUnauthorized, "encode identities claim", err)
		}
	}
	var identities []federatedIdentity
	if err := json.Unmarshal(encoded, &identities); err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnauthorized, "decode identities claim", err)
	}
	for _, identity := range identities {
		if identity.ProviderName == provider && identity.UserID != "" {
			return identity.UserID, nil
		}
	}
	return "", ErrMissingIdentifier
}

type cachedKeySet struct {
	keys      *KeySet
	fetchedAt time.Time
}

// keySet returns the key set of g and whether it was served from the cache.
func (v *Verifier) keySet(ctx context.Context, g Generation) (cachedKeySet, bool, error) {
	stage := g.Stage()
	if stage == "" {
		return cachedKeySet{}, false, apperrors.New(apperrors.CodeInvalidRequest, "unknown key set generation")
	}
	if v.cache != nil {
		if cached, ok := v.cache.Get(stage); ok {
			return cached.(cachedKeySet), true, nil
		}
	}

	result, err, _ := v.group.Do(stage, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.SecretFetch)
		defer cancel()
		data, err := v.secrets.GetSecretValue(fetchCtx, v.cfg.SecretName, stage)
		if err != nil {
			return nil, err
		}
		keys, err := ParseKeySet(data)
		if err != nil {
			return nil, err
		}
		entry := cachedKeySet{keys: keys, fetchedAt: v.now()}
		if v.cache != nil {
			v.cache.SetDefault(stage, entry)
		}
		return entry, nil
	})
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeNotFound) {
			return cachedKeySet{}, false, apperrors.Wrap(apperrors.CodeUnauthorized, "key set "+stage+" is not stored", err)
		}
		return cachedKeySet{}, false, apperrors.Wrap(apperrors.CodeUnavailable, "fetch key set "+stage, err)
	}
	return result.(cachedKeySet), false, nil
}
