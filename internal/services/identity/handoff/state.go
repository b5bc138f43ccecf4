package handoff

import (
	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
)

const (
	completionPrefix = "cb_completions/"
	tokenPrefix      = "cb_tokens/"

	// RetrievedSentinel replaces the body of a consumed handoff object.
	RetrievedSentinel = "Retrieved"
)

var (
	// ErrInvalidRequestID indicates a request id that is not a UUIDv4.
	ErrInvalidRequestID = apperrors.New(apperrors.CodeInvalidRequest, "request_id must be a UUIDv4")
	// ErrMissingState indicates a callback without a state parameter.
	ErrMissingState = apperrors.New(apperrors.CodeInvalidRequest, "Missing state")
	// ErrInvalidState indicates a state that failed to decrypt or validate.
	ErrInvalidState = apperrors.New(apperrors.CodeInvalidRequest, "Invalid state")
	// ErrRequestExpired indicates a callback after the state expiration.
	ErrRequestExpired = apperrors.New(apperrors.CodeForbidden, "Request expired")
	// ErrSourceMismatch indicates a retrieval from another address than the login.
	ErrSourceMismatch = apperrors.New(apperrors.CodeInvalidRequest, "source address does not match")
	// ErrAlreadyRetrieved indicates a handoff object that was already consumed.
	ErrAlreadyRetrieved = apperrors.New(apperrors.CodeForbidden, RetrievedSentinel)
)

// State travels encrypted through the provider redirect.
type State struct {
	RequestID  string `json:"request_id"`
	Expiration int64  `json:"expiration"`
	SourceIP   string `json:"source_ip"`
	// GKUserID and GKUserIDHash are set when linking an existing player.
	GKUserID     string `json:"gk_user_id,omitempty"`
	GKUserIDHash string `json:"gk_user_id_hash,omitempty"`
}

func (s State) linking() bool {
	return s.GKUserID != "" && s.GKUserIDHash != ""
}

// tokenPointer is stored encrypted at the completion marker.
type tokenPointer struct {
	TokenPath string `json:"token_path"`
	SourceIP  string `json:"source_ip"`
}

func completionKey(requestID string) string {
	return completionPrefix + requestID
}
