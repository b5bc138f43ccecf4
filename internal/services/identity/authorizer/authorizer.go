package authorizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/platform/logging"
	"github.com/louisbranch/gamekeep/internal/services/identity/keyset"
	"github.com/louisbranch/gamekeep/internal/services/identity/policy"
)

// PlayerIDContextKey names the decision context entry carrying the player id.
const PlayerIDContextKey = "custom:thirdparty_player_id"

// TokenVerifier verifies bearer tokens and resolves their player identifier.
type TokenVerifier interface {
	VerifyWithFallback(ctx context.Context, token string) (keyset.Claims, keyset.Generation, error)
	ResolvePlayerID(ctx context.Context, claims keyset.Claims) (string, error)
}

// APIConfig locates in-process routes in method ARN space.
type APIConfig struct {
	Partition string `env:"GAMEKEEP_API_PARTITION" envDefault:"arn:aws:execute-api"`
	Region    string `env:"GAMEKEEP_API_REGION"    envDefault:"local"`
	AccountID string `env:"GAMEKEEP_API_ACCOUNT_ID" envDefault:"000000000000"`
	APIID     string `env:"GAMEKEEP_API_ID"        envDefault:"gamekeep"`
	Stage     string `env:"GAMEKEEP_API_STAGE"     envDefault:"dev"`
}

// MethodARN returns the method ARN of an HTTP request to path.
func (c APIConfig) MethodARN(verb, path string) string {
	return policy.MethodARN{
		Partition: c.Partition,
		Region:    c.Region,
		AccountID: c.AccountID,
		APIID:     c.APIID,
		Stage:     c.Stage,
		Verb:      verb,
		Path:      strings.TrimPrefix(path, "/"),
	}.String()
}

// Config controls authorization decisions.
type Config struct {
	// EndpointsAllowed are the resource patterns granted to every verified player.
	EndpointsAllowed []string `env:"GAMEKEEP_ENDPOINTS_ALLOWED" envSeparator:","`
	API              APIConfig
}

// Request is the authorization input.
type Request struct {
	Type               string `json:"type"`
	AuthorizationToken string `json:"authorizationToken"`
	MethodArn          string `json:"methodArn"`
}

// Response is the authorization decision.
type Response struct {
	PrincipalID    string            `json:"principalId"`
	PolicyDocument policy.Document   `json:"policyDocument"`
	Context        map[string]string `json:"context"`
}

// Authorizer issues access policies for verified players.
type Authorizer struct {
	verifier  TokenVerifier
	endpoints []string
	api       APIConfig
	logger    *slog.Logger
}

// New validates cfg and returns an authorizer.
func New(verifier TokenVerifier, cfg Config, logger *slog.Logger) (*Authorizer, error) {
	if verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	endpoints := trimCSV(cfg.EndpointsAllowed)
	if len(endpoints) == 0 {
		return nil, errors.New("at least one allowed endpoint is required")
	}
	check := policy.NewBuilder("check", "0", "check", "check", "check")
	for _, endpoint := range endpoints {
		if err := check.Allow(policy.VerbAll, endpoint); err != nil {
			return nil, fmt.Errorf("allowed endpoint: %w", err)
		}
	}
	return &Authorizer{
		verifier:  verifier,
		endpoints: endpoints,
		api:       cfg.API,
		logger:    logging.OrDiscard(logger),
	}, nil
}

// Authorize verifies the bearer token and returns a policy granting the
// configured endpoints on the API stage named by the method ARN.
func (a *Authorizer) Authorize(ctx context.Context, req Request) (Response, error) {
	claims, generation, err := a.verifier.VerifyWithFallback(ctx, BearerToken(req.AuthorizationToken))
	if err != nil {
		return Response{}, err
	}
	playerID, err := a.verifier.ResolvePlayerID(ctx, claims)
	if err != nil {
		return Response{}, err
	}
	arn, err := policy.ParseMethodARN(req.MethodArn)
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.CodeUnauthorized, "parse method arn", err)
	}

	builder := arn.Builder(playerID)
	for _, endpoint := range a.endpoints {
		if err := builder.Allow(policy.VerbAll, endpoint); err != nil {
			return Response{}, apperrors.Wrap(apperrors.CodeUnauthorized, "build policy", err)
		}
	}
	document, err := builder.Build()
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.CodeUnauthorized, "build policy", err)
	}
	if generation == keyset.Previous {
		a.logger.InfoContext(ctx, "token accepted by previous key set", "player_id", playerID)
	}
	return Response{
		PrincipalID:    playerID,
		PolicyDocument: document,
		Context:        map[string]string{PlayerIDContextKey: playerID},
	}, nil
}

// BearerToken returns the last space-separated part of an Authorization value,
// so both "Bearer <token>" and a bare token are accepted.
func BearerToken(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func trimCSV(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value != "" {
			result = append(result, value)
		}
	}
	return result
}
