package account

import (
	"context"
	"crypto/subtle"
	"net/http"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/platform/pagination"
	"github.com/louisbranch/gamekeep/internal/platform/requestctx"
	"github.com/louisbranch/gamekeep/internal/services/identity/api/httpapi"
)

// HookTokenHeader carries the shared secret of the sign-up hooks.
const HookTokenHeader = "X-Gamekeep-Hook-Token"

var errHookToken = apperrors.New(apperrors.CodeUnauthorized, "invalid hook token")

// RegisterRoutes registers the player endpoints on mux behind authorize,
// which must place the player id in the request context.
func (s *Service) RegisterRoutes(mux *http.ServeMux, authorize func(http.Handler) http.Handler) {
	if mux == nil || authorize == nil {
		return
	}
	mux.Handle("/identity/user", authorize(http.HandlerFunc(s.handleGetUser)))
	mux.Handle("/identity/logins", authorize(http.HandlerFunc(s.handleListLogins)))
}

// RegisterHooks registers the sign-up hooks on mux. Hooks stay unregistered
// without a token.
func (s *Service) RegisterHooks(mux *http.ServeMux, token string) {
	if mux == nil || token == "" {
		return
	}
	mux.Handle("/hooks/pre-sign-up", s.hook(token, s.RegisterSignUp))
	mux.Handle("/hooks/post-confirmation", s.hook(token, s.ConfirmSignUp))
}

func (s *Service) hook(token string, apply func(context.Context, SignUpEvent) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		presented := r.Header.Get(HookTokenHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			httpapi.WriteError(w, r, s.logger, errHookToken)
			return
		}
		var event SignUpEvent
		if err := httpapi.DecodeJSON(r, &event); err != nil {
			httpapi.WriteError(w, r, s.logger, err)
			return
		}
		if err := apply(r.Context(), event); err != nil {
			httpapi.WriteError(w, r, s.logger, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, event)
	})
}

func (s *Service) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user, err := s.GetUser(r.Context(), requestctx.PlayerIDFromContext(r.Context()))
	if err != nil {
		httpapi.WriteError(w, r, s.logger, err)
		return
	}
	httpapi.WriteEnvelope(w, http.StatusOK, user, nil)
}

func (s *Service) handleListLogins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	limit, err := pagination.ParseLimit(query.Get("limit"), listLimits)
	if err != nil {
		httpapi.WriteError(w, r, s.logger, err)
		return
	}
	page, err := s.ListLogins(r.Context(), requestctx.PlayerIDFromContext(r.Context()), ListRequest{
		Limit:       limit,
		StartKey:    query.Get("start_key"),
		PagingToken: query.Get("paging_token"),
	})
	if err != nil {
		httpapi.WriteError(w, r, s.logger, err)
		return
	}
	httpapi.WriteEnvelope(w, http.StatusOK, page.Logins, page.Paging)
}
