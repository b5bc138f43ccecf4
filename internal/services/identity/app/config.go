package server

import (
	"time"

	"github.com/louisbranch/gamekeep/internal/platform/logging"
	"github.com/louisbranch/gamekeep/internal/services/identity/authorizer"
	"github.com/louisbranch/gamekeep/internal/services/identity/handoff"
)

// KeySetConfig selects the stored key set used to verify bearer tokens.
type KeySetConfig struct {
	SecretName        string        `env:"GAMEKEEP_JWKS_SECRET_NAME" envDefault:"gamekeep_jwks"`
	IdentifierClaim   string        `env:"GAMEKEEP_JWKS_IDENTIFIER_CLAIM" envDefault:"custom:gk_user_id"`
	FederatedProvider string        `env:"GAMEKEEP_JWKS_FEDERATED_PROVIDER"`
	VerifyExpiration  bool          `env:"GAMEKEEP_JWKS_VERIFY_EXPIRATION" envDefault:"true"`
	CacheTTL          time.Duration `env:"GAMEKEEP_JWKS_CACHE_TTL" envDefault:"5m"`
}

// RuntimeConfig configures an identity server.
type RuntimeConfig struct {
	Port     int    `env:"GAMEKEEP_IDENTITY_PORT" envDefault:"8090"`
	HTTPAddr string `env:"GAMEKEEP_IDENTITY_HTTP_ADDR" envDefault:":8091"`
	DBPath   string `env:"GAMEKEEP_IDENTITY_DB_PATH" envDefault:"data/identity.db"`
	// Bucket names the object namespace holding handoff state.
	Bucket string `env:"GAMEKEEP_BOOTSTRAP_BUCKET" envDefault:"bootstrap"`
	// KMSKeys lists the held key service keys as keyid=AGE-SECRET-KEY-1...
	KMSKeys         string        `env:"GAMEKEEP_KMS_KEYS"`
	HookToken       string        `env:"GAMEKEEP_HOOK_TOKEN"`
	CleanupInterval time.Duration `env:"GAMEKEEP_OAUTH_CLEANUP_INTERVAL" envDefault:"5m"`

	KeySet     KeySetConfig
	Authorizer authorizer.Config
	Handoff    handoff.Config
	Logging    logging.Config
}
