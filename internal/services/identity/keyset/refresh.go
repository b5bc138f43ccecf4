package keyset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/platform/logging"
	"github.com/louisbranch/gamekeep/internal/platform/timeouts"
	"github.com/louisbranch/gamekeep/internal/services/identity/storage"
)

const maxKeySetBytes = 1 << 20

// Refresher downloads a third-party key set and stores it as CURRENT.
type Refresher struct {
	client     *http.Client
	uri        string
	secrets    storage.SecretStore
	secretName string
	logger     *slog.Logger
}

// NewRefresher returns a refresher storing the key set at uri under secretName.
// A nil client uses a client bounded by timeouts.JWKSDownload.
func NewRefresher(client *http.Client, uri string, secrets storage.SecretStore, secretName string, logger *slog.Logger) (*Refresher, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, errors.New("key set uri is required")
	}
	if secrets == nil {
		return nil, errors.New("secret store is required")
	}
	if strings.TrimSpace(secretName) == "" {
		return nil, errors.New("key set secret name is required")
	}
	if client == nil {
		client = &http.Client{Timeout: timeouts.JWKSDownload}
	}
	return &Refresher{
		client:     client,
		uri:        uri,
		secrets:    secrets,
		secretName: secretName,
		logger:     logging.OrDiscard(logger),
	}, nil
}

// Refresh downloads the key set and stores it. It reports whether the stored
// generations rotated; an unchanged document leaves both generations intact.
func (r *Refresher) Refresh(ctx context.Context) (bool, error) {
	document, err := r.download(ctx)
	if err != nil {
		return false, err
	}
	keys, err := ParseKeySet(document)
	if err != nil {
		return false, apperrors.Wrap(apperrors.CodeInvalidRequest, "downloaded key set", err)
	}

	current, err := r.secrets.GetSecretValue(ctx, r.secretName, storage.StageCurrent)
	switch {
	case err == nil && bytes.Equal(bytes.TrimSpace(current), bytes.TrimSpace(document)):
		r.logger.InfoContext(ctx, "key set unchanged", "secret", r.secretName, "keys", keys.Len())
		return false, nil
	case err != nil && !apperrors.HasCode(err, apperrors.CodeNotFound):
		return false, fmt.Errorf("read current key set: %w", err)
	}

	if err := r.secrets.PutSecretValue(ctx, r.secretName, document); err != nil {
		return false, fmt.Errorf("store key set: %w", err)
	}
	r.logger.InfoContext(ctx, "key set rotated", "secret", r.secretName, "keys", keys.Len())
	return true, nil
}

func (r *Refresher) download(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.uri, nil)
	if err != nil {
		return nil, fmt.Errorf("build key set request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "download key set", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.New(apperrors.CodeUnavailable, fmt.Sprintf("download key set: status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes+1))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "read key set", err)
	}
	if len(body) > maxKeySetBytes {
		return nil, apperrors.New(apperrors.CodeInvalidRequest, "key set document is too large")
	}
	return body, nil
}
