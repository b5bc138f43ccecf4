package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/services/identity/keyset"
	"golang.org/x/oauth2"
)

const maxUserInfoBytes = 1 << 20

// Tokens is the provider token response handed back to the client.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	SourceIP     string `json:"source_ip"`
}

// ProviderUser identifies the player at the identity provider.
type ProviderUser struct {
	// RefID is the provider subject.
	RefID string
	// ExternalID is the federated user id, or RefID when none is reported.
	ExternalID string
}

// Provider completes the authorization code flow.
type Provider interface {
	Exchange(ctx context.Context, code string) (Tokens, error)
	UserInfo(ctx context.Context, accessToken string) (ProviderUser, error)
}

// OAuthProvider talks to an OAuth2/OpenID identity provider.
type OAuthProvider struct {
	config       *oauth2.Config
	userInfoURL  string
	providerName string
	client       *http.Client
}

// NewOAuthProvider returns a provider for cfg. A nil client uses http.DefaultClient.
func NewOAuthProvider(cfg Config, client *http.Client) *OAuthProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuthProvider{
		config:       cfg.OAuth2(),
		userInfoURL:  cfg.UserInfoURL,
		providerName: cfg.ProviderName,
		client:       client,
	}
}

func (p *OAuthProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

// Exchange trades an authorization code for provider tokens.
func (p *OAuthProvider) Exchange(ctx context.Context, code string) (Tokens, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Tokens{}, apperrors.New(apperrors.CodeInvalidRequest, "missing authorization code")
	}
	token, err := p.config.Exchange(p.clientContext(ctx), code)
	if err != nil {
		return Tokens{}, apperrors.Wrap(apperrors.CodeUnavailable, "exchange authorization code", err)
	}
	tokens := Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		tokens.IDToken = idToken
	}
	if !token.Expiry.IsZero() {
		tokens.ExpiresIn = int64(time.Until(token.Expiry).Round(time.Second).Seconds())
	}
	return tokens, nil
}

// UserInfo resolves the player behind accessToken. The external id comes from
// the identities attribute entry of the configured provider, else the subject.
func (p *OAuthProvider) UserInfo(ctx context.Context, accessToken string) (ProviderUser, error) {
	ctx = p.clientContext(ctx)
	client := p.config.Client(ctx, &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return ProviderUser{}, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return ProviderUser{}, apperrors.Wrap(apperrors.CodeUnavailable, "fetch userinfo", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ProviderUser{}, apperrors.New(apperrors.CodeUnavailable, fmt.Sprintf("fetch userinfo: status %d", resp.StatusCode))
	}

	var payload map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoBytes)).Decode(&payload); err != nil {
		return ProviderUser{}, apperrors.Wrap(apperrors.CodeUnavailable, "decode userinfo", err)
	}
	sub, _ := payload["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return ProviderUser{}, apperrors.New(apperrors.CodeUnavailable, "userinfo has no subject")
	}
	externalID, err := keyset.FederatedUserID(payload[keyset.IdentitiesClaim], p.providerName)
	if err != nil {
		externalID = sub
	}
	return ProviderUser{RefID: sub, ExternalID: externalID}, nil
}
