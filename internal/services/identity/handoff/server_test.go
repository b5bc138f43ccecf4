package handoff

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/services/identity/record"
)

func TestNewServerValidatesConfig(t *testing.T) {
	h := newHarness(t)
	cfg := testConfig()
	cfg.KeyID = ""
	if _, err := NewServer(cfg, h.store, h.objects, h.crypto, h.provider); err == nil {
		t.Fatal("expected error for missing key id")
	}
	if _, err := NewServer(testConfig(), h.store, h.objects, h.crypto, nil); err == nil {
		t.Fatal("expected error for missing provider")
	}
}

func TestLoginURL(t *testing.T) {
	h := newHarness(t)
	loginURL, err := h.server.LoginURL(context.Background(), LoginRequest{RequestID: testRequestID}, clientIP)
	if err != nil {
		t.Fatalf("login url: %v", err)
	}
	parsed, err := url.Parse(loginURL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Host != "auth.example.test" || parsed.Path != "/oauth2/authorize" {
		t.Fatalf("login url = %s", loginURL)
	}
	query := parsed.Query()
	for key, want := range map[string]string{
		"response_type":     "code",
		"client_id":         "game-client",
		"redirect_uri":      "https://identity.example.test/identity/callback",
		"scope":             "openid gamekeep/identity",
		"identity_provider": "Facebook",
	} {
		if got := query.Get(key); got != want {
			t.Fatalf("%s = %q, want %q", key, got, want)
		}
	}

	plaintext, err := h.crypto.DecryptString(context.Background(), query.Get("state"))
	if err != nil {
		t.Fatalf("decrypt state: %v", err)
	}
	var state State
	if err := json.Unmarshal(plaintext, &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	want := State{RequestID: testRequestID, Expiration: h.clock.Now().Add(60 * time.Second).Unix(), SourceIP: clientIP}
	if state != want {
		t.Fatalf("state = %+v, want %+v", state, want)
	}
}

func TestLoginURLRejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	tests := map[string]LoginRequest{
		"empty request id":  {},
		"not a uuid":        {RequestID: "request-1"},
		"uuid v1":           {RequestID: "6ba7b810-9dad-11d1-80b4-00c04fd430c8"},
		"hash without user": {RequestID: testRequestID, GKUserIDHash: "abc="},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := h.server.LoginURL(context.Background(), req, clientIP)
			requireCode(t, err, apperrors.CodeInvalidRequest)
		})
	}
}

func TestLoginURLWithoutStateWhenEncryptionFails(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.KeyID = "not-held" })
	loginURL, err := h.server.LoginURL(context.Background(), LoginRequest{RequestID: testRequestID}, clientIP)
	if err != nil {
		t.Fatalf("login url must degrade, got %v", err)
	}
	parsed, err := url.Parse(loginURL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Query().Has("state") {
		t.Fatalf("expected no state, got %s", loginURL)
	}
	if parsed.Query().Get("client_id") != "game-client" {
		t.Fatalf("login url = %s", loginURL)
	}
}

func TestHandoffNewPlayer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state := h.login(t, LoginRequest{RequestID: testRequestID}, clientIP)

	if err := h.server.Callback(ctx, "code-1", state, clientIP); err != nil {
		t.Fatalf("callback: %v", err)
	}
	rec, err := h.store.FindByProviderExternalID(ctx, "fb-1001")
	if err != nil {
		t.Fatalf("find created player: %v", err)
	}
	if rec.ProviderRefID != "sub-1" || rec.IDHash != record.ComputeIDHash(rec.HashKey, rec.GKUserID) {
		t.Fatalf("created record = %+v", rec)
	}

	pointer, err := h.server.Poll(ctx, testRequestID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	body, err := h.server.RetrieveTokens(ctx, pointer, clientIP)
	if err != nil {
		t.Fatalf("retrieve tokens: %v", err)
	}
	var tokens Tokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		t.Fatalf("decode tokens: %v", err)
	}
	want := Tokens{AccessToken: "access-code-1", IDToken: "id-code-1", TokenType: "Bearer", ExpiresIn: 3600, SourceIP: clientIP}
	if tokens != want {
		t.Fatalf("tokens = %+v, want %+v", tokens, want)
	}
}

func TestCallbackReplayDoesNotDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state := h.login(t, LoginRequest{RequestID: testRequestID}, clientIP)

	if err := h.server.Callback(ctx, "code-1", state, clientIP); err != nil {
		t.Fatalf("first callback: %v", err)
	}
	h.provider.user = ProviderUser{RefID: "sub-2", ExternalID: "fb-2002"}
	if err := h.server.Callback(ctx, "code-1", state, clientIP); err != nil {
		t.Fatalf("replayed callback must succeed, got %v", err)
	}
	if got := h.provider.exchangeCount(); got != 1 {
		t.Fatalf("provider exchanges = %d, want 1", got)
	}
	if got := h.countIdentities(t); got != 1 {
		t.Fatalf("identities = %d, want 1", got)
	}
}

func TestCallbackReturningProviderAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	existing, err := record.Generate(h.clock.Now, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	existing.ProviderRefID = "sub-1"
	existing.ProviderExternalID = "fb-1001"
	if _, err := h.store.CreateIdentity(ctx, existing); err != nil {
		t.Fatalf("create: %v", err)
	}

	state := h.login(t, LoginRequest{RequestID: testRequestID}, clientIP)
	if err := h.server.Callback(ctx, "code-1", state, clientIP); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if got := h.countIdentities(t); got != 1 {
		t.Fatalf("identities = %d, want 1", got)
	}
	if _, err := h.server.Poll(ctx, testRequestID); err != nil {
		t.Fatalf("poll: %v", err)
	}
}

func TestOneTimeRetrieval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state := h.login(t, LoginRequest{RequestID: testRequestID}, clientIP)
	if err := h.server.Callback(ctx, "code-1", state, clientIP); err != nil {
		t.Fatalf("callback: %v", err)
	}

	pointer, err := h.server.Poll(ctx, testRequestID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	_, err = h.server.Poll(ctx, testRequestID)
	requireCode(t, err, apperrors.CodeForbidden)

	if _, err := h.server.RetrieveTokens(ctx, pointer, clientIP); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	_, err = h.server.RetrieveTokens(ctx, pointer, clientIP)
	requireCode(t, err, apperrors.CodeForbidden)

	if err := h.server.Callback(ctx, "code-1", state, clientIP); err != nil {
		t.Fatalf("callback after retrieval must short-circuit, got %v", err)
	}
	_, err = h.server.Poll(ctx, testRequestID)
	requireCode(t, err, apperrors.CodeForbidden)
}

func TestConcurrentPollHasSingleConsumer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state := h.login(t, LoginRequest{RequestID: testRequestID}, clientIP)
	if err := h.server.Callback(ctx, "code-1", state, clientIP); err != nil {
		t.Fatalf("callback: %v", err)
	}

	const pollers = 8
	var wg sync.WaitGroup
	results := make(chan error, pollers)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.server.Poll(ctx, testRequestID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case apperrors.CodeOf(err) != apperrors.CodeForbidden:
			t.Fatalf("unexpected poll error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("successful polls = %d, want 1", succeeded)
	}
}

func TestConcurrentCallbacksCreateOnePlayer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state := h.login(t, LoginRequest{RequestID: testRequestID}, clientIP)

	identities := newRendezvousIdentities(h.store, 2)
	server, err := NewServer(testConfig(), identities, h.objects, h.crypto, h.provider, WithClock(h.clock.Now))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = server.Callback(ctx, "code-1", state, clientIP)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("callback %d: %v", i, err)
		}
	}
	if got := h.countIdentities(t); got != 1 {
		t.Fatalf("identities = %d, want 1", got)
	}
	rec, err := h.store.FindByProviderExternalID(ctx, "fb-1001")
	if err != nil {
		t.Fatalf("find player: %v", err)
	}
	if got := h.logins(t, rec.GKUserID); len(got) != 1 {
		t.Fatalf("logins = %v, want one login", got)
	}

	pointer, err := server.Poll(ctx, testRequestID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if _, err := server.RetrieveTokens(ctx, pointer, clientIP); err != nil {
		t.Fatalf("retrieve: %v", err)
	}
}

func TestLateCallbackKeepsConsumedMarker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state := h.login(t, LoginRequest{RequestID: testRequestID}, clientIP)
	if err := h.server.Callback(ctx, "code-1", state, clientIP); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if _, err := h.server.Poll(ctx, testRequestID); err != nil {
		t.Fatalf("poll: %v", err)
	}

	// A callback that passed the guard before the first one finished.
	stored, err := h.server.storeTokens(ctx, testRequestID, Tokens{AccessToken: "late", SourceIP: clientIP}, clientIP)
	if err != nil {
		t.Fatalf("late store: %v", err)
	}
	if stored {
		t.Fatal("late callback must not replace the completion marker")
	}
	_, err = h.server.Poll(ctx, testRequestID)
	requireCode(t, err, apperrors.CodeForbidden)
}

func TestCallbackRecordsLoginHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state := h.login(t, LoginRequest{RequestID: testRequestID}, clientIP)
	if err := h.server.Callback(ctx, "code-1", state, clientIP); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if err := h.server.Callback(ctx, "code-1", state, clientIP); err != nil {
		t.Fatalf("replayed callback: %v", err)
	}
	rec, err := h.store.FindByProviderExternalID(ctx, "fb-1001")
	if err != nil {
		t.Fatalf("find player: %v", err)
	}

	const secondRequest = "6a1e2b3c-4d5e-4f60-8172-839405a6b7c8"
	second := h.login(t, LoginRequest{RequestID: secondRequest}, clientIP)
	if err := h.server.Callback(ctx, "code-2", second, clientIP); err != nil {
		t.Fatalf("second callback: %v", err)
	}

	got := h.logins(t, rec.GKUserID)
	want := []string{record.LoginCreated, record.LoginReturning}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("logins = %v, want %v", got, want)
	}
}

func TestSourceAddressBinding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state := h.login(t, LoginRequest{RequestID: testRequestID}, clientIP)

	err := h.server.Callback(ctx, "code-1", state, otherIP)
	requireCode(t, err, apperrors.CodeInvalidRequest)
	if h.provider.exchangeCount() != 0 {
		t.Fatal("provider must not be called for a foreign callback")
	}

	if err := h.server.Callback(ctx, "code-1", state, clientIP); err != nil {
		t.Fatalf("callback: %v", err)
	}
	pointer, err := h.server.Poll(ctx, testRequestID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	_, err = h.server.RetrieveTokens(ctx, pointer, otherIP)
	requireCode(t, err, apperrors.CodeInvalidRequest)

	if _, err := h.server.RetrieveTokens(ctx, pointer, clientIP); err != nil {
		t.Fatalf("foreign retrieval must not consume the tokens, got %v", err)
	}
}

func TestCallbackStateChecks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state := h.login(t, LoginRequest{RequestID: testRequestID}, clientIP)

	tests := map[string]struct {
		state string
		want  *apperrors.Error
	}{
		"missing":    {"", ErrMissingState},
		"blank":      {"   ", ErrMissingState},
		"not base64": {"%%%", ErrInvalidState},
		"garbage":    {"AAAAAAAAAAAAAAAA", ErrInvalidState},
		"truncated":  {state[:len(state)/2], ErrInvalidState},
		"tampered":   {tamper(t, state), ErrInvalidState},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			err := h.server.Callback(ctx, "code-1", tt.state, clientIP)
			var domainErr *apperrors.Error
			if !errors.As(err, &domainErr) || domainErr != tt.want {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCallbackStateWithSpaces(t *testing.T) {
	h := newHarness(t)
	state := h.login(t, LoginRequest{RequestID: testRequestID}, clientIP)
	mangled := strings.ReplaceAll(state, "+", " ")
	if err := h.server.Callback(context.Background(), "code-1", mangled, clientIP); err != nil {
		t.Fatalf("callback: %v", err)
	}
}

func tamper(t *testing.T, value string) string {
	t.Helper()
	blob, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	blob[len(blob)-1] ^= 0x01
	return base64.StdEncoding.EncodeToString(blob)
}

func TestCallbackExpiredState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state := h.login(t, LoginRequest{RequestID: testRequestID}, clientIP)

	h.clock.Advance(61 * time.Second)
	err := h.server.Callback(ctx, "code-1", state, clientIP)
	var domainErr *apperrors.Error
	if !errors.As(err, &domainErr) || domainErr != ErrRequestExpired {
		t.Fatalf("err = %v, want %v", err, ErrRequestExpired)
	}
	if exists, _ := h.objects.ObjectExists(ctx, completionKey(testRequestID)); exists {
		t.Fatal("expired callback must not store a completion marker")
	}
}

func TestCallbackAtExpirationBoundary(t *testing.T) {
	h := newHarness(t)
	state := h.login(t, LoginRequest{RequestID: testRequestID}, clientIP)
	h.clock.Advance(60 * time.Second)
	if err := h.server.Callback(context.Background(), "code-1", state, clientIP); err != nil {
		t.Fatalf("callback at expiration: %v", err)
	}
}

func TestCallbackLinksExistingPlayer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	player, err := record.Generate(h.clock.Now, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := h.store.CreateIdentity(ctx, player); err != nil {
		t.Fatalf("create: %v", err)
	}

	state := h.login(t, LoginRequest{RequestID: testRequestID, GKUserID: player.GKUserID, GKUserIDHash: player.IDHash}, clientIP)
	if err := h.server.Callback(ctx, "code-1", state, clientIP); err != nil {
		t.Fatalf("callback: %v", err)
	}
	linked, err := h.store.GetIdentity(ctx, player.GKUserID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if linked.ProviderRefID != "sub-1" || linked.ProviderExternalID != "fb-1001" {
		t.Fatalf("linked = %+v", linked)
	}
	if got := h.countIdentities(t); got != 1 {
		t.Fatalf("identities = %d, want 1", got)
	}
	if got := h.logins(t, player.GKUserID); len(got) != 1 || got[0] != record.LoginLinked {
		t.Fatalf("logins = %v, want one linked login", got)
	}
	if _, err := h.server.Poll(ctx, testRequestID); err != nil {
		t.Fatalf("poll after link: %v", err)
	}
}

func TestCallbackLinkHashGuard(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	player, err := record.Generate(h.clock.Now, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := h.store.CreateIdentity(ctx, player); err != nil {
		t.Fatalf("create: %v", err)
	}

	wrongHash := record.ComputeIDHash("other-key", player.GKUserID)
	state := h.login(t, LoginRequest{RequestID: testRequestID, GKUserID: player.GKUserID, GKUserIDHash: wrongHash}, clientIP)
	err = h.server.Callback(ctx, "code-1", state, clientIP)
	requireCode(t, err, apperrors.CodeForbidden)

	unchanged, err := h.store.GetIdentity(ctx, player.GKUserID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if unchanged.ProviderExternalID != "" || !unchanged.UpdatedAt.Equal(player.UpdatedAt) {
		t.Fatalf("record changed: %+v", unchanged)
	}
	if h.provider.exchangeCount() != 0 {
		t.Fatal("provider must not be called on hash mismatch")
	}
	if exists, _ := h.objects.ObjectExists(ctx, completionKey(testRequestID)); exists {
		t.Fatal("rejected link must not store a completion marker")
	}
}

func TestCallbackLinkUnknownPlayer(t *testing.T) {
	h := newHarness(t)
	state := h.login(t, LoginRequest{
		RequestID:    testRequestID,
		GKUserID:     "9d3c1a2b-7e6f-4a5b-8c9d-0e1f2a3b4c5d",
		GKUserIDHash: "aGFzaA==",
	}, clientIP)
	err := h.server.Callback(context.Background(), "code-1", state, clientIP)
	requireCode(t, err, apperrors.CodeForbidden)
}

func TestCallbackProviderFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provider.exchangeErr = apperrors.New(apperrors.CodeUnavailable, "provider offline")
	state := h.login(t, LoginRequest{RequestID: testRequestID}, clientIP)

	err := h.server.Callback(ctx, "code-1", state, clientIP)
	requireCode(t, err, apperrors.CodeUnavailable)
	if got := h.countIdentities(t); got != 0 {
		t.Fatalf("identities = %d, want 0", got)
	}
	_, err = h.server.Poll(ctx, testRequestID)
	requireCode(t, err, apperrors.CodeNotFound)
}

func TestPollRejections(t *testing.T) {
	h := newHarness(t)
	_, err := h.server.Poll(context.Background(), "not-a-uuid")
	requireCode(t, err, apperrors.CodeInvalidRequest)
	_, err = h.server.Poll(context.Background(), testRequestID)
	requireCode(t, err, apperrors.CodeNotFound)
}

func TestRetrieveTokensRejectsForgedPointer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.server.RetrieveTokens(ctx, "bm90LWEtYmxvYg==", clientIP)
	requireCode(t, err, apperrors.CodeInvalidRequest)

	sealed, err := h.server.seal(ctx, tokenPointer{TokenPath: "cb_completions/" + testRequestID, SourceIP: clientIP})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	_, err = h.server.RetrieveTokens(ctx, sealed, clientIP)
	requireCode(t, err, apperrors.CodeInvalidRequest)
}

func TestCleanupPurgesOldObjects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state := h.login(t, LoginRequest{RequestID: testRequestID}, clientIP)
	if err := h.server.Callback(ctx, "code-1", state, clientIP); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if err := h.objects.PutObject(ctx, "other/keep", []byte("x")); err != nil {
		t.Fatalf("put: %v", err)
	}

	removed, err := h.server.Cleanup(ctx)
	if err != nil || removed != 0 {
		t.Fatalf("fresh cleanup = %d, %v", removed, err)
	}
	h.clock.Advance(2 * time.Hour)
	removed, err = h.server.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if exists, _ := h.objects.ObjectExists(ctx, "other/keep"); !exists {
		t.Fatal("cleanup must only touch handoff objects")
	}
}

func TestCleanupKeepsConsumedMarkersLonger(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	state := h.login(t, LoginRequest{RequestID: testRequestID}, clientIP)
	if err := h.server.Callback(ctx, "code-1", state, clientIP); err != nil {
		t.Fatalf("callback: %v", err)
	}
	pointer, err := h.server.Poll(ctx, testRequestID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if _, err := h.server.RetrieveTokens(ctx, pointer, clientIP); err != nil {
		t.Fatalf("retrieve: %v", err)
	}

	h.clock.Advance(2 * time.Hour)
	if removed, err := h.server.Cleanup(ctx); err != nil || removed != 0 {
		t.Fatalf("cleanup within consumed retention = %d, %v", removed, err)
	}
	_, err = h.server.Poll(ctx, testRequestID)
	requireCode(t, err, apperrors.CodeForbidden)
	_, err = h.server.RetrieveTokens(ctx, pointer, clientIP)
	requireCode(t, err, apperrors.CodeForbidden)

	h.clock.Advance(24 * time.Hour)
	removed, err := h.server.Cleanup(ctx)
	if err != nil || removed != 2 {
		t.Fatalf("cleanup after consumed retention = %d, %v", removed, err)
	}
	_, err = h.server.Poll(ctx, testRequestID)
	requireCode(t, err, apperrors.CodeNotFound)
}
