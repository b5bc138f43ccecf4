// Package httpapi writes the JSON response envelope shared by identity
// HTTP endpoints.
package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/services/identity/continuation"
)

// MaxBodyBytes bounds decoded request bodies.
const MaxBodyBytes = 64 << 10

// Meta echoes the status of a response.
type Meta struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Paging lets a caller resume a listing. PagingToken binds NextStartKey to
// the caller that received it.
type Paging struct {
	NextStartKey continuation.Cursor `json:"next_start_key"`
	PagingToken  string              `json:"paging_token,omitempty"`
	Version      string              `json:"version,omitempty"`
}

// Envelope is the body of every enveloped response.
type Envelope struct {
	Meta   Meta    `json:"meta"`
	Data   any     `json:"data"`
	Paging *Paging `json:"paging,omitempty"`
}

// NewPaging signs nextStartKey for playerID. It returns nil when there is no
// further page.
func NewPaging(signer *continuation.Signer, playerID string, nextStartKey continuation.Cursor) (*Paging, error) {
	if len(nextStartKey) == 0 {
		return nil, nil
	}
	paging := &Paging{NextStartKey: nextStartKey}
	if signer == nil || playerID == "" {
		return paging, nil
	}
	token, err := signer.Sign(playerID, nextStartKey)
	if err != nil {
		return nil, err
	}
	paging.PagingToken = token
	paging.Version = continuation.Version
	return paging, nil
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteEnvelope writes data inside the response envelope.
func WriteEnvelope(w http.ResponseWriter, status int, data any, paging *Paging) {
	WriteJSON(w, status, Envelope{
		Meta:   Meta{Code: status, Message: http.StatusText(status)},
		Data:   data,
		Paging: paging,
	})
}

// WriteError maps err onto its HTTP status and writes an empty envelope.
// Details stay in the log; callers only see the status text.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	if logger != nil {
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(r.Context(), level, "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"code", string(code),
			"error", err,
		)
	}
	WriteEnvelope(w, status, nil, nil)
}

// DecodeJSON reads a bounded JSON body into target.
func DecodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidRequest, "decode request body", err)
	}
	return nil
}
