package handoff

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/platform/requestctx"
	"github.com/louisbranch/gamekeep/internal/services/identity/api/httpapi"
)

const successHTML = `<!DOCTYPE html>
<html><head><title>Signed in</title></head>
<body><div style="margin: auto; width: 50%; border: 3px solid gray; padding: 10px;">
<p><b>Success!</b></p>
<p>You are now logged in. You can close this browser window and go back to the game.</p>
</div></body></html>
`

type callbackError struct {
	Error string `json:"error"`
}

type pollRequest struct {
	RequestID string `json:"request_id"`
}

// RegisterRoutes registers the handoff endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/identity/login-url", s.handleLoginURL)
	mux.HandleFunc("/identity/callback", s.handleCallback)
	mux.HandleFunc("/identity/poll", s.handlePoll)
	mux.HandleFunc("/identity/tokens", s.handleTokens)
}

// SourceIP returns the caller address of r, honoring X-Forwarded-For only
// when configured to.
func (s *Server) SourceIP(r *http.Request) string {
	if s.config.TrustForwardedFor {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleLoginURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req LoginRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, r, s.logger, err)
		return
	}
	sourceIP := s.SourceIP(r)
	ctx := requestctx.WithSourceIP(r.Context(), sourceIP)
	loginURL, err := s.LoginURL(ctx, req, sourceIP)
	if err != nil {
		httpapi.WriteError(w, r, s.logger, err)
		return
	}
	writeText(w, http.StatusOK, "text/plain; charset=utf-8", loginURL)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()
	sourceIP := s.SourceIP(r)
	ctx := requestctx.WithSourceIP(r.Context(), sourceIP)
	if err := s.Callback(ctx, query.Get("code"), query.Get("state"), sourceIP); err != nil {
		code := apperrors.CodeOf(err)
		s.logger.InfoContext(ctx, "callback failed", "code", string(code), "source_ip", sourceIP, "error", err)
		httpapi.WriteJSON(w, code.HTTPStatus(), callbackError{Error: callbackMessage(err)})
		return
	}
	writeText(w, http.StatusOK, "text/html; charset=utf-8", successHTML)
}

func callbackMessage(err error) string {
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		switch domainErr {
		case ErrMissingState, ErrInvalidState, ErrRequestExpired:
			return domainErr.Message
		}
	}
	return http.StatusText(apperrors.CodeOf(err).HTTPStatus())
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req pollRequest
	if err := httpapi.DecodeJSON(r, &req); err != nil {
		httpapi.WriteError(w, r, s.logger, err)
		return
	}
	pointer, err := s.Poll(r.Context(), req.RequestID)
	if err != nil {
		httpapi.WriteError(w, r, s.logger, err)
		return
	}
	writeText(w, http.StatusOK, "text/plain; charset=utf-8", pointer)
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, httpapi.MaxBodyBytes))
	if err != nil || len(strings.TrimSpace(string(body))) == 0 {
		httpapi.WriteError(w, r, s.logger, apperrors.New(apperrors.CodeInvalidRequest, "missing token pointer"))
		return
	}
	sourceIP := s.SourceIP(r)
	ctx := requestctx.WithSourceIP(r.Context(), sourceIP)
	tokens, err := s.RetrieveTokens(ctx, string(body), sourceIP)
	if err != nil {
		httpapi.WriteError(w, r, s.logger, err)
		return
	}
	writeText(w, http.StatusOK, "application/json", string(tokens))
}

func writeText(w http.ResponseWriter, status int, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
