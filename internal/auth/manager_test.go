package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ferncliff/spotbridge/internal/crypto"
	"github.com/ferncliff/spotbridge/internal/shared"
	"golang.org/x/oauth2"
)

// tokenEndpoint is a fake authorization server token endpoint. It records
// request form values and returns canned token responses.
type tokenEndpoint struct {
	mu       sync.Mutex
	requests []url.Values
	status   int
	response map[string]any
}

func (e *tokenEndpoint) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		e.mu.Lock()
		e.requests = append(e.requests, r.PostForm)
		status := e.status
		response := e.response
		e.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != 0 && status != http.StatusOK {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		json.NewEncoder(w).Encode(response)
	}
}

func (e *tokenEndpoint) lastRequest(t *testing.T) url.Values {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.requests) == 0 {
		t.Fatal("no token requests received")
	}
	return e.requests[len(e.requests)-1]
}

type managerFixture struct {
	manager  *Manager
	store    *FileStore
	endpoint *tokenEndpoint
	now      time.Time
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	dir := t.TempDir()
	cs, err := crypto.NewStore("test-secret", filepath.Join(dir, ".salt"), crypto.MinIterations)
	if err != nil {
		t.Fatalf("failed to create crypto store: %v", err)
	}
	fileStore, err := NewFileStore(filepath.Join(dir, "tokens"), cs)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	endpoint := &tokenEndpoint{
		response: map[string]any{
			"access_token":  "fresh-access",
			"refresh_token": "fresh-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"scope":         "user-read-email playlist-read-private",
		},
	}
	server := httptest.NewServer(endpoint.handler())
	t.Cleanup(server.Close)

	fixture := &managerFixture{
		store:    fileStore,
		endpoint: endpoint,
		now:      time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}

	oauthConfig := &oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://127.0.0.1:3000/callback",
		Scopes:       []string{"user-read-email"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  server.URL + "/authorize",
			TokenURL: server.URL + "/token",
		},
	}

	fixture.manager = NewManager(oauthConfig, fileStore, WithClock(func() time.Time { return fixture.now }))
	return fixture
}

func TestGenerateAuthURL(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	request, err := f.manager.GenerateAuthURL(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to generate auth URL: %v", err)
	}

	parsed, err := url.Parse(request.URL)
	if err != nil {
		t.Fatalf("auth URL should parse: %v", err)
	}

	query := parsed.Query()
	if query.Get("code_challenge_method") != "S256" {
		t.Errorf("expected S256 challenge method, got %q", query.Get("code_challenge_method"))
	}
	if query.Get("code_challenge") == "" {
		t.Error("auth URL should carry a code challenge")
	}
	if query.Get("state") != request.State {
		t.Errorf("URL state %q should match returned state %q", query.Get("state"), request.State)
	}
	if len(request.State) < 22 {
		t.Errorf("state too short to carry 16 random bytes: %d chars", len(request.State))
	}
	if got := request.ExpiresAt.Sub(f.now); got != PendingFlowTTL {
		t.Errorf("expected flow to expire in %v, got %v", PendingFlowTTL, got)
	}

	flow, err := f.store.LoadPendingFlow(ctx, "alice")
	if err != nil {
		t.Fatalf("pending flow should be persisted: %v", err)
	}
	if flow.State != request.State {
		t.Error("persisted state should match issued state")
	}
	if len(flow.Verifier) < 43 {
		t.Errorf("verifier too short to carry 32 random bytes: %d chars", len(flow.Verifier))
	}

	second, err := f.manager.GenerateAuthURL(ctx, "alice")
	if err != nil {
		t.Fatalf("failed to generate second auth URL: %v", err)
	}
	if second.State == request.State {
		t.Error("successive flows must not reuse state")
	}
}

func TestExchangeCode(t *testing.T) {
	ctx := context.Background()

	t.Run("NoPendingFlow", func(t *testing.T) {
		f := newManagerFixture(t)

		_, err := f.manager.ExchangeCode(ctx, "alice", "code", "state")
		if !errors.Is(err, shared.ErrFlowNotFound) {
			t.Fatalf("expected ErrFlowNotFound, got %v", err)
		}

		var authError *AuthError
		if !errors.As(err, &authError) || !authError.RequiresAuth {
			t.Errorf("expected RequiresAuth auth error, got %v", err)
		}
	})

	t.Run("StateMismatchConsumesFlow", func(t *testing.T) {
		f := newManagerFixture(t)

		request, err := f.manager.GenerateAuthURL(ctx, "alice")
		if err != nil {
			t.Fatalf("failed to generate auth URL: %v", err)
		}

		if _, err := f.manager.ExchangeCode(ctx, "alice", "code", "forged-state"); !errors.Is(err, shared.ErrStateMismatch) {
			t.Fatalf("expected ErrStateMismatch, got %v", err)
		}

		// The record is consumed even on mismatch.
		if _, err := f.manager.ExchangeCode(ctx, "alice", "code", request.State); !errors.Is(err, shared.ErrFlowNotFound) {
			t.Errorf("expected ErrFlowNotFound after consumed flow, got %v", err)
		}
	})

	t.Run("ExpiredFlow", func(t *testing.T) {
		f := newManagerFixture(t)

		request, err := f.manager.GenerateAuthURL(ctx, "alice")
		if err != nil {
			t.Fatalf("failed to generate auth URL: %v", err)
		}

		f.now = f.now.Add(PendingFlowTTL + time.Second)

		if _, err := f.manager.ExchangeCode(ctx, "alice", "code", request.State); !errors.Is(err, shared.ErrFlowExpired) {
			t.Fatalf("expected ErrFlowExpired, got %v", err)
		}

		if _, err := f.store.LoadPendingFlow(ctx, "alice"); err == nil {
			t.Error("expired flow record should be deleted")
		}
	})

	t.Run("HappyPath", func(t *testing.T) {
		f := newManagerFixture(t)

		request, err := f.manager.GenerateAuthURL(ctx, "alice")
		if err != nil {
			t.Fatalf("failed to generate auth URL: %v", err)
		}

		cred, err := f.manager.ExchangeCode(ctx, "alice", "auth-code", request.State)
		if err != nil {
			t.Fatalf("exchange failed: %v", err)
		}

		if cred.AccessToken != "fresh-access" {
			t.Errorf("expected fresh-access, got %s", cred.AccessToken)
		}
		if cred.Scope != "user-read-email playlist-read-private" {
			t.Errorf("unexpected scope %q", cred.Scope)
		}

		form := f.endpoint.lastRequest(t)
		if form.Get("code_verifier") == "" {
			t.Error("token request should carry the code verifier")
		}
		if form.Get("code") != "auth-code" {
			t.Errorf("expected auth-code, got %s", form.Get("code"))
		}

		stored, err := f.store.LoadCredential(ctx, "alice")
		if err != nil {
			t.Fatalf("credential should be persisted: %v", err)
		}
		if stored.RefreshToken != "fresh-refresh" {
			t.Errorf("expected fresh-refresh, got %s", stored.RefreshToken)
		}

		// Exact-once consumption: a replay of the same callback fails.
		if _, err := f.manager.ExchangeCode(ctx, "alice", "auth-code", request.State); !errors.Is(err, shared.ErrFlowNotFound) {
			t.Errorf("expected ErrFlowNotFound on replay, got %v", err)
		}
	})

	t.Run("MissingExpirySynthesizedFromClock", func(t *testing.T) {
		f := newManagerFixture(t)
		f.endpoint.response = map[string]any{
			"access_token": "fresh-access",
			"token_type":   "Bearer",
		}

		request, err := f.manager.GenerateAuthURL(ctx, "alice")
		if err != nil {
			t.Fatalf("failed to generate auth URL: %v", err)
		}

		cred, err := f.manager.ExchangeCode(ctx, "alice", "auth-code", request.State)
		if err != nil {
			t.Fatalf("exchange failed: %v", err)
		}

		if !cred.ExpiresAt.Equal(f.now.Add(time.Hour)) {
			t.Errorf("expected expiry one hour past the injected clock, got %v", cred.ExpiresAt)
		}
	})

	t.Run("UpstreamRejection", func(t *testing.T) {
		f := newManagerFixture(t)
		f.endpoint.status = http.StatusBadRequest

		request, err := f.manager.GenerateAuthURL(ctx, "alice")
		if err != nil {
			t.Fatalf("failed to generate auth URL: %v", err)
		}

		_, err = f.manager.ExchangeCode(ctx, "alice", "bad-code", request.State)
		var authError *AuthError
		if !errors.As(err, &authError) {
			t.Fatalf("expected auth error, got %v", err)
		}
		if authError.Retryable {
			t.Error("4xx rejection should not be retryable")
		}
		if !authError.RequiresAuth {
			t.Error("4xx rejection should require re-authentication")
		}
	})
}

func TestGetValidToken(t *testing.T) {
	ctx := context.Background()

	t.Run("NotAuthenticated", func(t *testing.T) {
		f := newManagerFixture(t)

		if _, err := f.manager.GetValidToken(ctx, "alice"); !errors.Is(err, shared.ErrNotAuthenticated) {
			t.Errorf("expected ErrNotAuthenticated, got %v", err)
		}
	})

	t.Run("FreshTokenServedWithoutRefresh", func(t *testing.T) {
		f := newManagerFixture(t)

		f.store.SaveCredential(ctx, "alice", &Credential{
			AccessToken:  "stored-access",
			RefreshToken: "stored-refresh",
			ExpiresAt:    f.now.Add(time.Hour),
		})

		token, err := f.manager.GetValidToken(ctx, "alice")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token != "stored-access" {
			t.Errorf("expected stored-access, got %s", token)
		}
		if len(f.endpoint.requests) != 0 {
			t.Error("fresh token should not trigger a refresh")
		}
	})

	t.Run("RefreshInsideBuffer", func(t *testing.T) {
		f := newManagerFixture(t)

		// Expires in 4 minutes, inside the 5 minute buffer.
		f.store.SaveCredential(ctx, "alice", &Credential{
			AccessToken:  "stale-access",
			RefreshToken: "stored-refresh",
			ExpiresAt:    f.now.Add(4 * time.Minute),
			Scope:        "user-read-email",
		})

		token, err := f.manager.GetValidToken(ctx, "alice")
		if err != nil {
			t.Fatalf("refresh failed: %v", err)
		}
		if token != "fresh-access" {
			t.Errorf("expected fresh-access, got %s", token)
		}

		form := f.endpoint.lastRequest(t)
		if form.Get("grant_type") != "refresh_token" {
			t.Errorf("expected refresh_token grant, got %s", form.Get("grant_type"))
		}
	})

	t.Run("RefreshPreservesOldRefreshToken", func(t *testing.T) {
		f := newManagerFixture(t)
		f.endpoint.response = map[string]any{
			"access_token": "fresh-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}

		f.store.SaveCredential(ctx, "alice", &Credential{
			AccessToken:  "stale-access",
			RefreshToken: "stored-refresh",
			ExpiresAt:    f.now.Add(-time.Minute),
			Scope:        "user-read-email",
		})

		if _, err := f.manager.GetValidToken(ctx, "alice"); err != nil {
			t.Fatalf("refresh failed: %v", err)
		}

		stored, err := f.store.LoadCredential(ctx, "alice")
		if err != nil {
			t.Fatalf("credential should remain: %v", err)
		}
		if stored.RefreshToken != "stored-refresh" {
			t.Errorf("old refresh token should survive, got %q", stored.RefreshToken)
		}
		if stored.Scope != "user-read-email" {
			t.Errorf("old scope should survive, got %q", stored.Scope)
		}
	})

	t.Run("InvalidGrantDeletesCredentials", func(t *testing.T) {
		f := newManagerFixture(t)
		f.endpoint.status = http.StatusBadRequest

		f.store.SaveCredential(ctx, "alice", &Credential{
			AccessToken:  "stale-access",
			RefreshToken: "dead-refresh",
			ExpiresAt:    f.now.Add(-time.Minute),
		})

		_, err := f.manager.GetValidToken(ctx, "alice")
		if !errors.Is(err, shared.ErrInvalidGrant) {
			t.Fatalf("expected ErrInvalidGrant, got %v", err)
		}

		var authError *AuthError
		if !errors.As(err, &authError) || !authError.RequiresAuth || authError.Retryable {
			t.Errorf("invalid_grant should be terminal and require re-auth, got %+v", authError)
		}

		if f.manager.IsAuthenticated(ctx, "alice") {
			t.Error("credentials should be deleted after invalid_grant")
		}
	})

	t.Run("ServerErrorIsRetryable", func(t *testing.T) {
		f := newManagerFixture(t)
		f.endpoint.status = http.StatusInternalServerError

		f.store.SaveCredential(ctx, "alice", &Credential{
			AccessToken:  "stale-access",
			RefreshToken: "stored-refresh",
			ExpiresAt:    f.now.Add(-time.Minute),
		})

		_, err := f.manager.GetValidToken(ctx, "alice")
		if !errors.Is(err, shared.ErrRefreshFailed) {
			t.Fatalf("expected ErrRefreshFailed, got %v", err)
		}

		var authError *AuthError
		if !errors.As(err, &authError) || !authError.Retryable {
			t.Errorf("5xx should be retryable, got %+v", authError)
		}

		if !f.manager.IsAuthenticated(ctx, "alice") {
			t.Error("credentials should survive a transient upstream failure")
		}
	})

	t.Run("NoRefreshToken", func(t *testing.T) {
		f := newManagerFixture(t)

		f.store.SaveCredential(ctx, "alice", &Credential{
			AccessToken: "stale-access",
			ExpiresAt:   f.now.Add(-time.Minute),
		})

		if _, err := f.manager.GetValidToken(ctx, "alice"); !errors.Is(err, shared.ErrNoRefreshToken) {
			t.Errorf("expected ErrNoRefreshToken, got %v", err)
		}
	})
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()

	t.Run("DeletesLocalState", func(t *testing.T) {
		f := newManagerFixture(t)

		f.store.SaveCredential(ctx, "alice", &Credential{AccessToken: "access", ExpiresAt: f.now.Add(time.Hour)})
		f.store.SavePendingFlow(ctx, "alice", &PendingFlow{Verifier: "v", State: "s", CreatedAt: f.now})

		if err := f.manager.Revoke(ctx, "alice"); err != nil {
			t.Fatalf("revoke failed: %v", err)
		}

		if f.manager.IsAuthenticated(ctx, "alice") {
			t.Error("credentials should be deleted")
		}
		if _, err := f.store.LoadPendingFlow(ctx, "alice"); err == nil {
			t.Error("pending flow should be deleted")
		}
	})

	t.Run("DeletesEvenWhenUpstreamRevocationFails", func(t *testing.T) {
		f := newManagerFixture(t)

		revocations := 0
		revokeServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			revocations++
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer revokeServer.Close()
		WithRevokeURL(revokeServer.URL)(f.manager)

		f.store.SaveCredential(ctx, "alice", &Credential{AccessToken: "access", ExpiresAt: f.now.Add(time.Hour)})

		if err := f.manager.Revoke(ctx, "alice"); err != nil {
			t.Fatalf("revoke should tolerate upstream failure: %v", err)
		}
		if revocations != 1 {
			t.Errorf("expected one upstream revocation attempt, got %d", revocations)
		}
		if f.manager.IsAuthenticated(ctx, "alice") {
			t.Error("credentials should be deleted regardless of upstream outcome")
		}
	})

	t.Run("NotifiesUpstream", func(t *testing.T) {
		f := newManagerFixture(t)

		var form url.Values
		revokeServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.ParseForm()
			form = r.PostForm
			w.WriteHeader(http.StatusOK)
		}))
		defer revokeServer.Close()
		WithRevokeURL(revokeServer.URL)(f.manager)

		f.store.SaveCredential(ctx, "alice", &Credential{AccessToken: "access-to-revoke", ExpiresAt: f.now.Add(time.Hour)})

		if err := f.manager.Revoke(ctx, "alice"); err != nil {
			t.Fatalf("revoke failed: %v", err)
		}
		if form.Get("token") != "access-to-revoke" {
			t.Errorf("revocation should carry the token, got %q", form.Get("token"))
		}
		if !strings.Contains(form.Get("token_type_hint"), "access_token") {
			t.Errorf("unexpected token_type_hint %q", form.Get("token_type_hint"))
		}
	})
}
