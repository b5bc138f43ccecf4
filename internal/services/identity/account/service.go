package account

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/platform/id"
	"github.com/louisbranch/gamekeep/internal/platform/logging"
	"github.com/louisbranch/gamekeep/internal/platform/pagination"
	"github.com/louisbranch/gamekeep/internal/services/identity/api/httpapi"
	"github.com/louisbranch/gamekeep/internal/services/identity/continuation"
	"github.com/louisbranch/gamekeep/internal/services/identity/record"
	"github.com/louisbranch/gamekeep/internal/services/identity/storage"
)

// Attribute names carried by sign-up hook events.
const (
	AttrUserID     = "custom:gk_user_id"
	AttrHashKey    = "custom:gk_user_hash_key"
	AttrSubject    = "sub"
	AttrUserStatus = "user_status"

	// TriggerExternalProvider marks a pre-sign-up event for a federated login.
	TriggerExternalProvider = "PreSignUp_ExternalProvider"
	// StatusExternalProvider marks a confirmation of a federated player.
	StatusExternalProvider = "EXTERNAL_PROVIDER"
)

// listLimits bounds GET /identity/logins page sizes.
var listLimits = pagination.LimitConfig{Default: 25, Max: 100}

var (
	// ErrMissingPlayer indicates a read without an authenticated player.
	ErrMissingPlayer = apperrors.New(apperrors.CodeUnauthorized, "missing player id")
	// ErrInvalidPagingToken indicates a start key without a valid paging token.
	ErrInvalidPagingToken = apperrors.New(apperrors.CodeInvalidRequest, "invalid paging token")
)

// SignUpEvent is the payload of the sign-up hooks.
type SignUpEvent struct {
	TriggerSource  string            `json:"triggerSource"`
	UserName       string            `json:"userName"`
	UserAttributes map[string]string `json:"userAttributes"`
}

func (e SignUpEvent) attr(name string) string {
	return strings.TrimSpace(e.UserAttributes[name])
}

// ListRequest selects a page of the caller's logins.
type ListRequest struct {
	Limit       int
	StartKey    string
	PagingToken string
}

// ListPage is one page of the caller's logins.
type ListPage struct {
	Logins []map[string]string
	Paging *httpapi.Paging
}

// Service implements the account operations over an identity store.
type Service struct {
	identities storage.IdentityStore
	signer     *continuation.Signer
	clock      func() time.Time
	logger     *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.clock = now
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logging.OrDiscard(logger)
	}
}

// NewService builds an account service. The signer binds paging tokens to
// the calling player.
func NewService(identities storage.IdentityStore, signer *continuation.Signer, opts ...Option) (*Service, error) {
	if identities == nil {
		return nil, errors.New("identity store is required")
	}
	if signer == nil {
		return nil, errors.New("continuation signer is required")
	}
	s := &Service{
		identities: identities,
		signer:     signer,
		clock:      time.Now,
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RegisterSignUp creates the record named by a pre-sign-up event unless it
// already exists.
func (s *Service) RegisterSignUp(ctx context.Context, event SignUpEvent) error {
	if event.TriggerSource == TriggerExternalProvider {
		return nil
	}
	rec, err := record.New(event.attr(AttrUserID), event.attr(AttrHashKey), s.clock)
	if err != nil {
		return err
	}
	_, err = s.identities.GetIdentity(ctx, rec.GKUserID)
	switch {
	case err == nil:
		return nil
	case !apperrors.HasCode(err, apperrors.CodeNotFound):
		return err
	}
	created, err := s.identities.CreateIdentity(ctx, rec)
	if err != nil {
		return err
	}
	if created {
		s.logger.InfoContext(ctx, "player registered", "player_id", rec.GKUserID)
	}
	return nil
}

// ConfirmSignUp records the confirmed user name of a player when the event's
// hash key reproduces the stored hash.
func (s *Service) ConfirmSignUp(ctx context.Context, event SignUpEvent) error {
	if event.attr(AttrUserStatus) == StatusExternalProvider {
		return nil
	}
	gkUserID := event.attr(AttrUserID)
	if !id.IsUUIDv4(gkUserID) {
		return record.ErrInvalidUserID
	}
	hashKey := event.attr(AttrHashKey)
	if hashKey == "" {
		return record.ErrMissingHashKey
	}
	confirmation := record.Confirmation{UserName: event.UserName, EmailRefID: event.attr(AttrSubject)}
	if _, err := s.identities.ConfirmIdentity(ctx, gkUserID, record.ComputeIDHash(hashKey, gkUserID), confirmation, s.clock()); err != nil {
		if apperrors.HasCode(err, apperrors.CodeConditionFailed) {
			s.logger.WarnContext(ctx, "sign-up confirmation hash mismatch", "player_id", gkUserID)
		}
		return err
	}
	s.logger.InfoContext(ctx, "player confirmed", "player_id", gkUserID)
	return nil
}

// GetUser returns the public fields of the player's record.
func (s *Service) GetUser(ctx context.Context, playerID string) (map[string]string, error) {
	if playerID == "" {
		return nil, ErrMissingPlayer
	}
	rec, err := s.identities.GetIdentity(ctx, playerID)
	if err != nil {
		return nil, err
	}
	return rec.PublicFields(), nil
}

// ListLogins returns a page of the player's own login history. Resuming
// from a start key requires the paging token issued to the same player for
// that key.
func (s *Service) ListLogins(ctx context.Context, playerID string, req ListRequest) (ListPage, error) {
	if playerID == "" {
		return ListPage{}, ErrMissingPlayer
	}
	var after int64
	if req.StartKey != "" {
		if !s.signer.Validate(playerID, startCursor(req.StartKey), req.PagingToken) {
			s.logger.InfoContext(ctx, "paging token rejected", "player_id", playerID, "start_key", req.StartKey)
			return ListPage{}, ErrInvalidPagingToken
		}
		seq, err := strconv.ParseInt(req.StartKey, 10, 64)
		if err != nil || seq <= 0 {
			return ListPage{}, ErrInvalidPagingToken
		}
		after = seq
	}
	page, err := s.identities.ListLogins(ctx, playerID, pagination.ClampLimit(req.Limit, listLimits), after)
	if err != nil {
		return ListPage{}, err
	}
	logins := make([]map[string]string, 0, len(page.Logins))
	for _, login := range page.Logins {
		logins = append(logins, login.PublicFields())
	}
	var next continuation.Cursor
	if page.NextStartKey != 0 {
		next = startCursor(strconv.FormatInt(page.NextStartKey, 10))
	}
	paging, err := httpapi.NewPaging(s.signer, playerID, next)
	if err != nil {
		return ListPage{}, err
	}
	return ListPage{Logins: logins, Paging: paging}, nil
}

func startCursor(loginID string) continuation.Cursor {
	return continuation.Cursor{"login_id": loginID}
}
