package handoff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/platform/id"
	"github.com/louisbranch/gamekeep/internal/platform/logging"
	"github.com/louisbranch/gamekeep/internal/platform/otel"
	"github.com/louisbranch/gamekeep/internal/platform/timeouts"
	"github.com/louisbranch/gamekeep/internal/services/identity/envelope"
	"github.com/louisbranch/gamekeep/internal/services/identity/record"
	"github.com/louisbranch/gamekeep/internal/services/identity/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

const tracerName = "gamekeep/identity/handoff"

// Server runs the login handoff.
type Server struct {
	config     Config
	oauth      *oauth2.Config
	identities storage.IdentityStore
	objects    storage.ObjectStore
	crypto     *envelope.Adapter
	provider   Provider
	clock      func() time.Time
	newID      func() (string, error)
	logger     *slog.Logger
}

// Option customizes a Server.
type Option func(*Server)

// WithClock overrides the server clock.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.clock = now
		}
	}
}

// WithIDGenerator overrides the generator of player ids, hash seeds, and token paths.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(s *Server) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logging.OrDiscard(logger)
	}
}

// NewServer builds a handoff server from validated config and its collaborators.
func NewServer(config Config, identities storage.IdentityStore, objects storage.ObjectStore, crypto *envelope.Adapter, provider Provider, opts ...Option) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	switch {
	case identities == nil:
		return nil, errors.New("identity store is required")
	case objects == nil:
		return nil, errors.New("object store is required")
	case crypto == nil:
		return nil, errors.New("envelope adapter is required")
	case provider == nil:
		return nil, errors.New("identity provider is required")
	}
	s := &Server{
		config:     config,
		oauth:      config.OAuth2(),
		identities: identities,
		objects:    objects,
		crypto:     crypto,
		provider:   provider,
		clock:      time.Now,
		newID:      id.NewUUID,
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
	}
	span.End()
}

// LoginRequest starts a login. GKUserID and GKUserIDHash are sent together
// to link the provider account to an existing player.
type LoginRequest struct {
	RequestID    string `json:"request_id"`
	GKUserID     string `json:"gk_user_id,omitempty"`
	GKUserIDHash string `json:"gk_user_id_hash,omitempty"`
}

// LoginURL returns the provider authorization URL for req. When the state
// cannot be encrypted the URL is returned without one; that login can never
// complete.
func (s *Server) LoginURL(ctx context.Context, req LoginRequest, sourceIP string) (_ string, err error) {
	ctx, span := startSpan(ctx, "handoff.LoginURL")
	defer func() { endSpan(span, err) }()

	if !id.IsUUIDv4(req.RequestID) {
		return "", ErrInvalidRequestID
	}
	if (req.GKUserID == "") != (req.GKUserIDHash == "") {
		return "", apperrors.New(apperrors.CodeInvalidRequest, "gk_user_id and gk_user_id_hash must be sent together")
	}
	span.SetAttributes(attribute.String("handoff.request_id", req.RequestID), attribute.Bool("handoff.linking", req.GKUserID != ""))

	state := State{
		RequestID:    req.RequestID,
		Expiration:   s.clock().Add(s.config.StateTTL).Unix(),
		SourceIP:     sourceIP,
		GKUserID:     req.GKUserID,
		GKUserIDHash: req.GKUserIDHash,
	}
	encoded, err := s.seal(ctx, state)
	if err != nil {
		s.logger.WarnContext(ctx, "state encryption failed, login url has no state", "request_id", req.RequestID, "error", err)
		encoded = ""
	}
	return s.oauth.AuthCodeURL(encoded, oauth2.SetAuthURLParam("identity_provider", s.config.ProviderName)), nil
}

// Callback completes the provider redirect for the login named by the
// encrypted state. A repeated callback for a completed login succeeds
// without side effects.
func (s *Server) Callback(ctx context.Context, code, encodedState, sourceIP string) (err error) {
	ctx, span := startSpan(ctx, "handoff.Callback")
	defer func() { endSpan(span, err) }()

	state, err := s.openState(ctx, encodedState, sourceIP)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("handoff.request_id", state.RequestID), attribute.Bool("handoff.linking", state.linking()))

	exists, err := s.objects.ObjectExists(ctx, completionKey(state.RequestID))
	if err != nil {
		return err
	}
	if exists {
		s.logger.InfoContext(ctx, "duplicate callback", "request_id", state.RequestID)
		return nil
	}

	var linked record.Record
	if state.linking() {
		linked, err = s.identities.GetIdentity(ctx, state.GKUserID)
		if err != nil {
			if apperrors.HasCode(err, apperrors.CodeNotFound) {
				return apperrors.Wrap(apperrors.CodeForbidden, "link unknown player", err)
			}
			return err
		}
		if err := linked.Verify(state.GKUserIDHash); err != nil {
			return err
		}
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, timeouts.ProviderExchange)
	defer cancel()
	tokens, err := s.provider.Exchange(exchangeCtx, code)
	if err != nil {
		return err
	}
	user, err := s.provider.UserInfo(exchangeCtx, tokens.AccessToken)
	if err != nil {
		return err
	}
	link := record.ProviderLink{RefID: user.RefID, ExternalID: user.ExternalID}

	login := record.Login{RequestID: state.RequestID, Provider: s.config.ProviderName}
	if state.linking() {
		if _, err := s.identities.UpdateProviderLink(ctx, linked.GKUserID, state.GKUserIDHash, link, s.clock()); err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "provider account linked", "request_id", state.RequestID, "player_id", linked.GKUserID)
		login.GKUserID, login.Outcome = linked.GKUserID, record.LoginLinked
	} else {
		login.GKUserID, login.Outcome, err = s.ensureIdentity(ctx, state.RequestID, link)
		if err != nil {
			return err
		}
	}

	tokens.SourceIP = sourceIP
	stored, err := s.storeTokens(ctx, state.RequestID, tokens, sourceIP)
	if err != nil || !stored {
		return err
	}
	login.CreatedAt = s.clock()
	if err := s.identities.RecordLogin(ctx, login); err != nil {
		s.logger.WarnContext(ctx, "login history not recorded", "request_id", state.RequestID, "player_id", login.GKUserID, "error", err)
	}
	return nil
}

// ensureIdentity returns the player owning the provider account, creating
// one on first login. A concurrent first login for the same account resolves
// to the record the other callback created.
func (s *Server) ensureIdentity(ctx context.Context, requestID string, link record.ProviderLink) (string, string, error) {
	existing, err := s.identities.FindByProviderExternalID(ctx, link.ExternalID)
	if err == nil {
		s.logger.InfoContext(ctx, "returning provider account", "request_id", requestID, "player_id", existing.GKUserID)
		return existing.GKUserID, record.LoginReturning, nil
	}
	if !apperrors.HasCode(err, apperrors.CodeNotFound) {
		return "", "", err
	}
	rec, err := record.Generate(s.clock, s.newID)
	if err != nil {
		return "", "", err
	}
	rec.ProviderRefID = link.RefID
	rec.ProviderExternalID = link.ExternalID
	created, err := s.identities.CreateIdentity(ctx, rec)
	if err != nil {
		return "", "", err
	}
	if !created {
		existing, err := s.identities.FindByProviderExternalID(ctx, link.ExternalID)
		if err != nil {
			return "", "", err
		}
		s.logger.InfoContext(ctx, "provider account created concurrently", "request_id", requestID, "player_id", existing.GKUserID)
		return existing.GKUserID, record.LoginReturning, nil
	}
	s.logger.InfoContext(ctx, "player created from provider account", "request_id", requestID, "player_id", rec.GKUserID)
	return rec.GKUserID, record.LoginCreated, nil
}

// storeTokens seals tokens and publishes their pointer as the completion
// marker of requestID. It reports false when another callback already
// published one; the marker is never overwritten.
func (s *Server) storeTokens(ctx context.Context, requestID string, tokens Tokens, sourceIP string) (bool, error) {
	tokenID, err := s.newID()
	if err != nil {
		return false, fmt.Errorf("generate token path: %w", err)
	}
	tokenPath := tokenPrefix + tokenID
	sealedTokens, err := s.seal(ctx, tokens)
	if err != nil {
		return false, err
	}
	if err := s.objects.PutObject(ctx, tokenPath, []byte(sealedTokens)); err != nil {
		return false, err
	}
	sealedPointer, err := s.seal(ctx, tokenPointer{TokenPath: tokenPath, SourceIP: sourceIP})
	if err != nil {
		return false, err
	}
	created, err := s.objects.CreateObject(ctx, completionKey(requestID), []byte(sealedPointer))
	if err != nil {
		return false, err
	}
	if !created {
		s.logger.InfoContext(ctx, "duplicate callback", "request_id", requestID)
	}
	return created, nil
}

// Poll consumes the completion marker of requestID and returns the encrypted
// token pointer it held.
func (s *Server) Poll(ctx context.Context, requestID string) (_ string, err error) {
	ctx, span := startSpan(ctx, "handoff.Poll")
	defer func() { endSpan(span, err) }()

	if !id.IsUUIDv4(requestID) {
		return "", ErrInvalidRequestID
	}
	span.SetAttributes(attribute.String("handoff.request_id", requestID))
	key := completionKey(requestID)
	body, err := s.objects.GetObject(ctx, key)
	if err != nil {
		return "", err
	}
	if string(body) == RetrievedSentinel {
		return "", ErrAlreadyRetrieved
	}
	if _, err := s.openPointer(ctx, string(body)); err != nil {
		return "", err
	}
	if err := s.consume(ctx, key, body); err != nil {
		return "", err
	}
	return string(body), nil
}

// RetrieveTokens consumes the token object named by an encrypted pointer and
// returns the plaintext token document.
func (s *Server) RetrieveTokens(ctx context.Context, sealedPointer, sourceIP string) (_ []byte, err error) {
	ctx, span := startSpan(ctx, "handoff.RetrieveTokens")
	defer func() { endSpan(span, err) }()

	pointer, err := s.openPointer(ctx, sealedPointer)
	if err != nil {
		return nil, err
	}
	if pointer.SourceIP == "" || pointer.SourceIP != sourceIP {
		return nil, ErrSourceMismatch
	}
	body, err := s.objects.GetObject(ctx, pointer.TokenPath)
	if err != nil {
		return nil, err
	}
	if string(body) == RetrievedSentinel {
		return nil, ErrAlreadyRetrieved
	}
	plaintext, err := s.crypto.DecryptString(ctx, string(body))
	if err != nil {
		return nil, err
	}
	var tokens Tokens
	if err := json.Unmarshal(plaintext, &tokens); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnknown, "decode stored tokens", err)
	}
	if tokens.SourceIP == "" || tokens.SourceIP != sourceIP {
		return nil, ErrSourceMismatch
	}
	if err := s.consume(ctx, pointer.TokenPath, body); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// consume overwrites key with the sentinel only if it still holds body, so
// one of two racing readers wins.
func (s *Server) consume(ctx context.Context, key string, body []byte) error {
	err := s.objects.CompareAndSwap(ctx, key, body, []byte(RetrievedSentinel))
	if apperrors.HasCode(err, apperrors.CodeConditionFailed) {
		return ErrAlreadyRetrieved
	}
	return err
}

func (s *Server) seal(ctx context.Context, value any) (string, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode sealed value: %w", err)
	}
	return s.crypto.EncryptString(ctx, s.config.KeyID, payload)
}

func (s *Server) openState(ctx context.Context, encoded, sourceIP string) (State, error) {
	if strings.TrimSpace(encoded) == "" {
		return State{}, ErrMissingState
	}
	// Query decoding turns '+' from the base64 alphabet into spaces.
	encoded = strings.ReplaceAll(strings.TrimSpace(encoded), " ", "+")
	plaintext, err := s.crypto.DecryptString(ctx, encoded)
	if err != nil {
		s.logger.InfoContext(ctx, "state rejected", "error", err)
		return State{}, ErrInvalidState
	}
	var state State
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return State{}, ErrInvalidState
	}
	if !id.IsUUIDv4(state.RequestID) || state.Expiration == 0 || state.SourceIP == "" {
		return State{}, ErrInvalidState
	}
	if state.SourceIP != sourceIP {
		s.logger.InfoContext(ctx, "callback from another address", "request_id", state.RequestID, "source_ip", sourceIP)
		return State{}, ErrInvalidState
	}
	if s.clock().Unix() > state.Expiration {
		return State{}, ErrRequestExpired
	}
	return state, nil
}

func (s *Server) openPointer(ctx context.Context, sealed string) (tokenPointer, error) {
	plaintext, err := s.crypto.DecryptString(ctx, strings.TrimSpace(sealed))
	if err != nil {
		s.logger.InfoContext(ctx, "token pointer rejected", "error", err)
		return tokenPointer{}, apperrors.Wrap(apperrors.CodeInvalidRequest, "open token pointer", err)
	}
	var pointer tokenPointer
	if err := json.Unmarshal(plaintext, &pointer); err != nil {
		return tokenPointer{}, apperrors.Wrap(apperrors.CodeInvalidRequest, "decode token pointer", err)
	}
	if !strings.HasPrefix(pointer.TokenPath, tokenPrefix) {
		return tokenPointer{}, apperrors.New(apperrors.CodeInvalidRequest, "token pointer has no token path")
	}
	return pointer, nil
}

// Cleanup deletes unconsumed handoff objects older than the retention window
// and consumed ones older than the consumed retention window.
func (s *Server) Cleanup(ctx context.Context) (int64, error) {
	now := s.clock()
	sentinel := []byte(RetrievedSentinel)
	var total int64
	for _, prefix := range []string{completionPrefix, tokenPrefix} {
		removed, err := s.objects.DeleteObjectsBefore(ctx, prefix, now.Add(-s.config.Retention), sentinel)
		if err != nil {
			return total, fmt.Errorf("delete %s objects: %w", prefix, err)
		}
		total += removed
		removed, err = s.objects.DeleteObjectsBefore(ctx, prefix, now.Add(-s.config.ConsumedRetention), nil)
		if err != nil {
			return total, fmt.Errorf("delete consumed %s objects: %w", prefix, err)
		}
		total += removed
	}
	return total, nil
}

// StartCleanup runs Cleanup every interval until ctx ends.
func (s *Server) StartCleanup(ctx context.Context, interval time.Duration) {
	if s == nil || interval <= 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.Cleanup(ctx)
				if err != nil {
					s.logger.ErrorContext(ctx, "handoff cleanup failed", "error", err)
					continue
				}
				if removed > 0 {
					s.logger.InfoContext(ctx, "handoff objects purged", "count", removed)
				}
			}
		}
	}()
}
