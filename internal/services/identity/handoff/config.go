package handoff

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Config describes the identity provider and handoff storage settings.
type Config struct {
	ProviderName string   `env:"GAMEKEEP_OAUTH_PROVIDER_NAME" envDefault:"Facebook"`
	ClientID     string   `env:"GAMEKEEP_OAUTH_CLIENT_ID"`
	ClientSecret string   `env:"GAMEKEEP_OAUTH_CLIENT_SECRET"`
	AuthURL      string   `env:"GAMEKEEP_OAUTH_AUTH_URL"`
	TokenURL     string   `env:"GAMEKEEP_OAUTH_TOKEN_URL"`
	UserInfoURL  string   `env:"GAMEKEEP_OAUTH_USERINFO_URL"`
	RedirectURI  string   `env:"GAMEKEEP_OAUTH_REDIRECT_URI"`
	Scopes       []string `env:"GAMEKEEP_OAUTH_SCOPES" envSeparator:"," envDefault:"openid,gamekeep/identity"`
	// KeyID selects the key service key that encrypts state and tokens.
	KeyID string `env:"GAMEKEEP_KMS_KEY_ID"`
	// TrustForwardedFor takes the caller address from the first
	// X-Forwarded-For hop instead of the connection.
	TrustForwardedFor bool          `env:"GAMEKEEP_TRUST_FORWARDED_FOR"`
	StateTTL          time.Duration `env:"GAMEKEEP_OAUTH_STATE_TTL" envDefault:"60s"`
	// Retention bounds how long unconsumed handoff objects stay stored. It
	// must outlive StateTTL so the completion marker guards every replay.
	Retention time.Duration `env:"GAMEKEEP_OAUTH_RETENTION" envDefault:"1h"`
	// ConsumedRetention bounds how long consumed objects keep answering
	// reads with ErrAlreadyRetrieved.
	ConsumedRetention time.Duration `env:"GAMEKEEP_OAUTH_CONSUMED_RETENTION" envDefault:"24h"`
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.ProviderName) == "":
		return errors.New("oauth provider name is required")
	case strings.TrimSpace(c.ClientID) == "":
		return errors.New("oauth client id is required")
	case strings.TrimSpace(c.AuthURL) == "":
		return errors.New("oauth auth url is required")
	case strings.TrimSpace(c.TokenURL) == "":
		return errors.New("oauth token url is required")
	case strings.TrimSpace(c.UserInfoURL) == "":
		return errors.New("oauth userinfo url is required")
	case strings.TrimSpace(c.RedirectURI) == "":
		return errors.New("oauth redirect uri is required")
	case strings.TrimSpace(c.KeyID) == "":
		return errors.New("kms key id is required")
	case c.StateTTL <= 0:
		return errors.New("oauth state ttl must be positive")
	case c.Retention <= c.StateTTL:
		return errors.New("oauth retention must be longer than the state ttl")
	case c.ConsumedRetention < c.Retention:
		return errors.New("oauth consumed retention must not be shorter than the retention")
	}
	return nil
}

// OAuth2 returns the authorization code flow configuration.
func (c Config) OAuth2() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
		RedirectURL: c.RedirectURI,
		Scopes:      trimCSV(c.Scopes),
	}
}

func trimCSV(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
