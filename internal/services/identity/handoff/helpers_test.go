package handoff

import (
	"context"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/gamekeep/internal/platform/errors"
	"github.com/louisbranch/gamekeep/internal/services/identity/envelope"
	"github.com/louisbranch/gamekeep/internal/services/identity/kms"
	"github.com/louisbranch/gamekeep/internal/services/identity/record"
	"github.com/louisbranch/gamekeep/internal/services/identity/storage"
	"github.com/louisbranch/gamekeep/internal/services/identity/storage/sqlite"
)

const (
	testKeyID     = "handoff"
	testRequestID = "0b6f7c5e-3f4a-4d2b-9c1e-8a7b6c5d4e3f"
	clientIP      = "203.0.113.7"
	otherIP       = "198.51.100.9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeProvider struct {
	mu          sync.Mutex
	exchanges   int
	codes       []string
	user        ProviderUser
	exchangeErr error
}

func (p *fakeProvider) Exchange(_ context.Context, code string) (Tokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchanges++
	p.codes = append(p.codes, code)
	if p.exchangeErr != nil {
		return Tokens{}, p.exchangeErr
	}
	return Tokens{AccessToken: "access-" + code, IDToken: "id-" + code, TokenType: "Bearer", ExpiresIn: 3600}, nil
}

func (p *fakeProvider) UserInfo(_ context.Context, accessToken string) (ProviderUser, error) {
	if accessToken == "" {
		return ProviderUser{}, apperrors.New(apperrors.CodeUnavailable, "no access token")
	}
	return p.user, nil
}

func (p *fakeProvider) exchangeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchanges
}

type harness struct {
	server   *Server
	store    *sqlite.Store
	objects  *sqlite.Bucket
	clock    *testClock
	provider *fakeProvider
	crypto   *envelope.Adapter
}

func testConfig() Config {
	return Config{
		ProviderName:      "Facebook",
		ClientID:          "game-client",
		AuthURL:           "https://auth.example.test/oauth2/authorize",
		TokenURL:          "https://auth.example.test/oauth2/token",
		UserInfoURL:       "https://auth.example.test/oauth2/userInfo",
		RedirectURI:       "https://identity.example.test/identity/callback",
		Scopes:            []string{"openid", "gamekeep/identity"},
		KeyID:             testKeyID,
		StateTTL:          60 * time.Second,
		Retention:         time.Hour,
		ConsumedRetention: 24 * time.Hour,
	}
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)}
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "identity.db"), sqlite.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	secret, err := kms.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keys, err := kms.ParseKeys(testKeyID + "=" + secret)
	if err != nil {
		t.Fatalf("parse keys: %v", err)
	}
	crypto, err := envelope.NewAdapter(keys)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	provider := &fakeProvider{user: ProviderUser{RefID: "sub-1", ExternalID: "fb-1001"}}
	objects := store.Bucket("bootstrap")
	server, err := NewServer(cfg, store, objects, crypto, provider, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &harness{server: server, store: store, objects: objects, clock: clock, provider: provider, crypto: crypto}
}

// login requests a login URL and returns its state parameter.
func (h *harness) login(t *testing.T, req LoginRequest, sourceIP string) string {
	t.Helper()
	loginURL, err := h.server.LoginURL(context.Background(), req, sourceIP)
	if err != nil {
		t.Fatalf("login url: %v", err)
	}
	parsed, err := url.Parse(loginURL)
	if err != nil {
		t.Fatalf("parse login url: %v", err)
	}
	state := parsed.Query().Get("state")
	if state == "" {
		t.Fatalf("login url has no state: %s", loginURL)
	}
	return state
}

func (h *harness) countIdentities(t *testing.T) int {
	t.Helper()
	var count int
	if err := h.store.DB().QueryRowContext(context.Background(), `SELECT COUNT(*) FROM identities`).Scan(&count); err != nil {
		t.Fatalf("count identities: %v", err)
	}
	return count
}

// logins returns the recorded login outcomes of a player in order.
func (h *harness) logins(t *testing.T, gkUserID string) []string {
	t.Helper()
	page, err := h.store.ListLogins(context.Background(), gkUserID, 100, 0)
	if err != nil {
		t.Fatalf("list logins: %v", err)
	}
	outcomes := make([]string, 0, len(page.Logins))
	for _, login := range page.Logins {
		outcomes = append(outcomes, login.Outcome)
	}
	return outcomes
}

// rendezvousIdentities holds the first parties lookups by provider account
// until all of them have looked, so their creates race.
type rendezvousIdentities struct {
	storage.IdentityStore
	parties int

	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func newRendezvousIdentities(store storage.IdentityStore, parties int) *rendezvousIdentities {
	return &rendezvousIdentities{IdentityStore: store, parties: parties, release: make(chan struct{})}
}

func (r *rendezvousIdentities) FindByProviderExternalID(ctx context.Context, externalID string) (record.Record, error) {
	rec, err := r.IdentityStore.FindByProviderExternalID(ctx, externalID)
	r.mu.Lock()
	r.arrived++
	n := r.arrived
	if n == r.parties {
		close(r.release)
	}
	r.mu.Unlock()
	if n <= r.parties {
		select {
		case <-r.release:
		case <-ctx.Done():
		}
	}
	return rec, err
}

func requireCode(t *testing.T, err error, want apperrors.Code) {
	t.Helper()
	if got := apperrors.CodeOf(err); got != want {
		t.Fatalf("code = %q, want %q (err %v)", got, want, err)
	}
}
