package authorizer

import (
	"net/http"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/platform/requestctx"
	"github.com/louisbranch/gamekeep/internal/services/identity/api/httpapi"
)

type messageResponse struct {
	Message string `json:"message"`
}

// RegisterRoutes registers the authorization endpoint on mux.
func (a *Authorizer) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/authorize", a.handleAuthorize)
}

func (a *Authorizer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req Request
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		a.deny(w, r, err)
		return
	}
	resp, err := a.Authorize(r.Context(), req)
	if err != nil {
		a.deny(w, r, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, resp)
}

// Middleware authorizes each request against the policy issued for its
// method ARN and stores the player id in the request context.
func (a *Authorizer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methodARN := a.api.MethodARN(r.Method, r.URL.Path)
		resp, err := a.Authorize(r.Context(), Request{
			Type:               "TOKEN",
			AuthorizationToken: r.Header.Get("Authorization"),
			MethodArn:          methodARN,
		})
		if err != nil {
			a.deny(w, r, err)
			return
		}
		if !resp.PolicyDocument.Allows(methodARN) {
			a.logger.InfoContext(r.Context(), "policy denied request", "player_id", resp.PrincipalID, "method_arn", methodARN)
			httpapi.WriteJSON(w, http.StatusForbidden, messageResponse{Message: "User is not authorized to access this resource"})
			return
		}
		ctx := requestctx.WithPlayerID(r.Context(), resp.PrincipalID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authorizer) deny(w http.ResponseWriter, r *http.Request, err error) {
	if apperrors.CodeOf(err) == apperrors.CodeUnavailable {
		a.logger.ErrorContext(r.Context(), "authorization unavailable", "error", err)
		httpapi.WriteJSON(w, http.StatusBadGateway, messageResponse{Message: "Bad Gateway"})
		return
	}
	a.logger.InfoContext(r.Context(), "authorization denied", "error", err)
	httpapi.WriteJSON(w, http.StatusUnauthorized, messageResponse{Message: "Unauthorized"})
}
