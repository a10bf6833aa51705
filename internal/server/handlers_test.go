package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ferncliff/spotbridge/internal/auth"
	"github.com/ferncliff/spotbridge/internal/crypto"
	"github.com/ferncliff/spotbridge/internal/ratelimit"
	"github.com/ferncliff/spotbridge/internal/scope"
	"github.com/ferncliff/spotbridge/internal/services"
	"golang.org/x/oauth2"
)

const testUserID = "local"

type fixture struct {
	api     *APIHandler
	auth    *AuthHandler
	manager *auth.Manager
	store   *auth.FileStore
	scopes  *scope.Manager
}

type fixtureOptions struct {
	tier          string
	limits        ratelimit.Config
	spotifyStatus int
	spotifyBody   string
	authenticated bool
}

func defaultFixtureOptions() fixtureOptions {
	return fixtureOptions{
		tier: "limited",
		limits: ratelimit.Config{
			UserPerMinute:       10000,
			UserPerHour:         100000,
			UserPerDay:          1000000,
			GlobalPerMinute:     100000,
			MaxConcurrent:       100,
			AbuseThreshold:      100000,
			AbuseWindow:         time.Minute,
			BlockDuration:       5 * time.Minute,
			BreakerFailureRatio: 0.5,
			BreakerMinRequests:  100000,
			BreakerCooldown:     30 * time.Second,
		},
		spotifyBody:   `{"id": "user-1", "display_name": "Alice"}`,
		authenticated: true,
	}
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	dir := t.TempDir()
	cryptoStore, err := crypto.NewStore("test-secret", filepath.Join(dir, ".salt"), crypto.MinIterations)
	if err != nil {
		t.Fatalf("failed to create crypto store: %v", err)
	}
	fileStore, err := auth.NewFileStore(dir, cryptoStore)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	scopes, err := scope.NewManager(opts.tier)
	if err != nil {
		t.Fatalf("failed to create scope manager: %v", err)
	}

	if opts.authenticated {
		cred := &auth.Credential{
			AccessToken:  "stored-access-token",
			RefreshToken: "stored-refresh-token",
			ExpiresAt:    time.Now().Add(time.Hour),
			Scope:        strings.Join(scope.AllowedScopes(scopes.Tier()), " "),
			TokenType:    "Bearer",
		}
		if err := fileStore.SaveCredential(context.Background(), testUserID, cred); err != nil {
			t.Fatalf("failed to seed credential: %v", err)
		}
	}

	oauthConfig := &oauth2.Config{
		ClientID:    "test-client",
		RedirectURL: "http://127.0.0.1:3000/callback",
		Scopes:      scope.AllowedScopes(scopes.Tier()),
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.example.com/authorize",
			TokenURL: "https://accounts.example.com/api/token",
		},
	}

	logger := log.New(io.Discard)
	manager := auth.NewManager(oauthConfig, fileStore, auth.WithManagerLogger(logger))

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.spotifyStatus != 0 {
			w.WriteHeader(opts.spotifyStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(opts.spotifyBody))
	}))
	t.Cleanup(upstream.Close)

	spotify := services.NewSpotifyService(manager, services.WithBaseURL(upstream.URL))
	governor := ratelimit.NewGovernor(opts.limits, ratelimit.WithGovernorLogger(logger))

	return &fixture{
		api:     NewAPIHandler(spotify, manager, scopes, governor, testUserID, logger),
		auth:    NewAuthHandler(manager, scopes, testUserID, logger),
		manager: manager,
		store:   fileStore,
		scopes:  scopes,
	}
}

func (f *fixture) request(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.api.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(into); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
}

func TestAPIHandler(t *testing.T) {
	t.Run("ProfileHappyPath", func(t *testing.T) {
		f := newFixture(t, defaultFixtureOptions())

		rec := f.request(t, http.MethodGet, "/api/profile")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var profile services.SpotifyUser
		decodeBody(t, rec, &profile)
		if profile.ID != "user-1" {
			t.Errorf("unexpected profile: %+v", profile)
		}
	})

	t.Run("UnauthenticatedRequestsGet401", func(t *testing.T) {
		opts := defaultFixtureOptions()
		opts.authenticated = false
		f := newFixture(t, opts)

		rec := f.request(t, http.MethodGet, "/api/profile")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}

		var body struct {
			RequiresAuth bool   `json:"requires_auth"`
			Error        string `json:"error"`
		}
		decodeBody(t, rec, &body)
		if !body.RequiresAuth {
			t.Error("response should flag that authentication is required")
		}
	})

	t.Run("RateLimitedRequestsGet429", func(t *testing.T) {
		opts := defaultFixtureOptions()
		opts.limits.UserPerMinute = 1
		f := newFixture(t, opts)

		if rec := f.request(t, http.MethodGet, "/api/profile"); rec.Code != http.StatusOK {
			t.Fatalf("first request should pass, got %d", rec.Code)
		}

		rec := f.request(t, http.MethodGet, "/api/profile")
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", rec.Code)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Error("rejection should carry a Retry-After header")
		}

		var result ratelimit.Result
		decodeBody(t, rec, &result)
		if result.Allowed || result.Reason != ratelimit.ReasonUserPerMinute {
			t.Errorf("unexpected admission result: %+v", result)
		}
	})

	t.Run("OpenBreakerGets503", func(t *testing.T) {
		opts := defaultFixtureOptions()
		opts.spotifyStatus = http.StatusInternalServerError
		opts.limits.BreakerMinRequests = 1
		f := newFixture(t, opts)

		// One upstream failure is enough to trip the breaker at this volume.
		if rec := f.request(t, http.MethodGet, "/api/profile"); rec.Code != http.StatusBadGateway {
			t.Fatalf("expected 502 from the failing upstream, got %d", rec.Code)
		}

		rec := f.request(t, http.MethodGet, "/api/profile")
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503 while the breaker is open, got %d", rec.Code)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Error("breaker rejection should carry a Retry-After header")
		}
	})

	t.Run("ForbiddenOperationsGet403", func(t *testing.T) {
		opts := defaultFixtureOptions()
		opts.tier = "read-only"
		f := newFixture(t, opts)

		rec := f.request(t, http.MethodPost, "/api/player/control?command=pause")
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
		}

		var access scope.AccessResult
		decodeBody(t, rec, &access)
		if access.Allowed || access.Reason == "" {
			t.Errorf("unexpected access result: %+v", access)
		}
	})

	t.Run("UpstreamFailuresGet502", func(t *testing.T) {
		opts := defaultFixtureOptions()
		opts.spotifyStatus = http.StatusBadGateway
		f := newFixture(t, opts)

		rec := f.request(t, http.MethodGet, "/api/profile")
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("expected 502, got %d", rec.Code)
		}
	})

	t.Run("PlaylistRequiresID", func(t *testing.T) {
		f := newFixture(t, defaultFixtureOptions())

		rec := f.request(t, http.MethodGet, "/api/playlist")
		if rec.Code != http.StatusBadGateway {
			t.Fatalf("expected error status for missing id, got %d", rec.Code)
		}
	})

	t.Run("ControlRequiresPost", func(t *testing.T) {
		f := newFixture(t, defaultFixtureOptions())

		rec := f.request(t, http.MethodGet, "/api/player/control?command=pause")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
	})

	t.Run("UnknownPathsGet404", func(t *testing.T) {
		f := newFixture(t, defaultFixtureOptions())

		rec := f.request(t, http.MethodGet, "/api/nonsense")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}

func TestAuthHandler(t *testing.T) {
	t.Run("AuthURLStartsFlow", func(t *testing.T) {
		f := newFixture(t, defaultFixtureOptions())

		rec := httptest.NewRecorder()
		f.auth.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/url", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var request auth.AuthRequest
		decodeBody(t, rec, &request)
		if request.URL == "" || request.State == "" {
			t.Errorf("auth request should carry URL and state: %+v", request)
		}
		if !strings.Contains(request.URL, "code_challenge_method=S256") {
			t.Errorf("authorization URL should use S256: %s", request.URL)
		}
	})

	t.Run("StatusReportsScopeValidation", func(t *testing.T) {
		f := newFixture(t, defaultFixtureOptions())

		rec := httptest.NewRecorder()
		f.auth.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/status", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var body struct {
			Authenticated bool                 `json:"authenticated"`
			Tier          string               `json:"tier"`
			Scopes        *scope.SetValidation `json:"scopes"`
		}
		decodeBody(t, rec, &body)
		if !body.Authenticated || body.Tier != "limited" {
			t.Errorf("unexpected status: %+v", body)
		}
		if body.Scopes == nil || !body.Scopes.Valid {
			t.Errorf("stored scopes should validate: %+v", body.Scopes)
		}
	})

	t.Run("StatusWithoutCredentials", func(t *testing.T) {
		opts := defaultFixtureOptions()
		opts.authenticated = false
		f := newFixture(t, opts)

		rec := httptest.NewRecorder()
		f.auth.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/status", nil))

		var body struct {
			Authenticated bool `json:"authenticated"`
		}
		decodeBody(t, rec, &body)
		if body.Authenticated {
			t.Error("status should report unauthenticated")
		}
	})

	t.Run("RevokeDeletesCredentials", func(t *testing.T) {
		f := newFixture(t, defaultFixtureOptions())

		rec := httptest.NewRecorder()
		f.auth.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/revoke", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
		if f.manager.IsAuthenticated(context.Background(), testUserID) {
			t.Error("credentials should be gone after revocation")
		}
	})

	t.Run("RevokeRequiresPost", func(t *testing.T) {
		f := newFixture(t, defaultFixtureOptions())

		rec := httptest.NewRecorder()
		f.auth.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/revoke", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
	})
}
