package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/ferncliff/spotbridge/internal/auth"
	"github.com/ferncliff/spotbridge/internal/ratelimit"
	"github.com/ferncliff/spotbridge/internal/scope"
	"github.com/ferncliff/spotbridge/internal/services"
	"github.com/ferncliff/spotbridge/internal/shared"
)

// AuthHandler serves the authentication operations: issuing authorization
// URLs, reporting status, and revoking credentials.
type AuthHandler struct {
	manager *auth.Manager
	scopes  *scope.Manager
	userID  string
	logger  *log.Logger
}

// NewAuthHandler creates the authentication endpoint handler for userID.
func NewAuthHandler(manager *auth.Manager, scopes *scope.Manager, userID string, logger *log.Logger) *AuthHandler {
	return &AuthHandler{manager: manager, scopes: scopes, userID: userID, logger: logger}
}

// Routes returns the HTTP routes this handler serves.
func (h *AuthHandler) Routes() []string {
	return []string{"/auth/url", "/auth/status", "/auth/revoke"}
}

func (h *AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/auth/url":
		h.authURL(w, r)
	case "/auth/status":
		h.status(w, r)
	case "/auth/revoke":
		h.revoke(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *AuthHandler) authURL(w http.ResponseWriter, r *http.Request) {
	request, err := h.manager.GenerateAuthURL(r.Context(), h.userID)
	if err != nil {
		h.logger.Error("failed to start authorization flow", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start authorization flow")
		return
	}

	writeJSON(w, http.StatusOK, request)
}

func (h *AuthHandler) status(w http.ResponseWriter, r *http.Request) {
	authenticated := h.manager.IsAuthenticated(r.Context(), h.userID)

	resp := map[string]any{
		"authenticated": authenticated,
		"tier":          h.scopes.Tier(),
	}

	if authenticated {
		if granted, err := h.manager.GrantedScopes(r.Context(), h.userID); err == nil {
			resp["scopes"] = h.scopes.ValidateScopeSet(granted)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) revoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.manager.Revoke(r.Context(), h.userID); err != nil {
		h.logger.Error("revocation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "revocation failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// APIHandler serves the bridged Spotify operations, running every request
// through admission control and scope authorization.
type APIHandler struct {
	spotify  *services.SpotifyService
	manager  *auth.Manager
	scopes   *scope.Manager
	governor *ratelimit.Governor
	userID   string
	logger   *log.Logger
}

// NewAPIHandler creates the operation endpoint handler for userID.
func NewAPIHandler(
	spotify *services.SpotifyService,
	manager *auth.Manager,
	scopes *scope.Manager,
	governor *ratelimit.Governor,
	userID string,
	logger *log.Logger,
) *APIHandler {
	return &APIHandler{
		spotify:  spotify,
		manager:  manager,
		scopes:   scopes,
		governor: governor,
		userID:   userID,
		logger:   logger,
	}
}

// Routes returns the HTTP routes this handler serves.
func (h *APIHandler) Routes() []string {
	return []string{"/api/profile", "/api/playlists", "/api/playlist", "/api/tracks", "/api/search", "/api/player", "/api/player/control"}
}

func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/profile":
		h.guard(w, r, "get_profile", func(ctx context.Context) (any, error) {
			return h.spotify.UserProfile(ctx, h.userID)
		})
	case "/api/playlists":
		h.guard(w, r, "get_playlists", func(ctx context.Context) (any, error) {
			return h.spotify.UserPlaylists(ctx, h.userID, queryInt(r, "limit"), queryInt(r, "offset"))
		})
	case "/api/playlist":
		h.guard(w, r, "get_playlist", func(ctx context.Context) (any, error) {
			id := r.URL.Query().Get("id")
			if id == "" {
				return nil, fmt.Errorf("%w: playlist id", shared.ErrMissingArgument)
			}
			return h.spotify.Playlist(ctx, h.userID, id)
		})
	case "/api/tracks":
		h.guard(w, r, "get_saved_tracks", func(ctx context.Context) (any, error) {
			return h.spotify.SavedTracks(ctx, h.userID, queryInt(r, "limit"), queryInt(r, "offset"))
		})
	case "/api/search":
		h.guard(w, r, "search", func(ctx context.Context) (any, error) {
			return h.spotify.SearchTracks(ctx, h.userID, r.URL.Query().Get("q"), queryInt(r, "limit"))
		})
	case "/api/player":
		h.guard(w, r, "get_playback_state", func(ctx context.Context) (any, error) {
			return h.spotify.PlaybackState(ctx, h.userID)
		})
	case "/api/player/control":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.guard(w, r, "control_playback", func(ctx context.Context) (any, error) {
			command := r.URL.Query().Get("command")
			if err := h.spotify.ControlPlayback(ctx, h.userID, command); err != nil {
				return nil, err
			}
			return map[string]string{"status": "ok", "command": command}, nil
		})
	default:
		http.NotFound(w, r)
	}
}

// guard runs one operation through the admission, authorization, and
// outcome-recording pipeline.
func (h *APIHandler) guard(w http.ResponseWriter, r *http.Request, tool string, fn func(ctx context.Context) (any, error)) {
	clientID := r.Header.Get("X-Client-Id")

	admission := h.governor.CheckAdmission(h.userID, tool, clientID)
	if !admission.Allowed {
		status := http.StatusTooManyRequests
		if admission.Reason == ratelimit.ReasonCircuitOpen {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(admission.RetryAfter.Seconds())+1))
		writeJSON(w, status, admission)
		return
	}
	defer h.governor.CompleteConcurrencySlot()

	granted, err := h.manager.GrantedScopes(r.Context(), h.userID)
	if err != nil {
		h.governor.RecordOutcome(h.userID, false, tool, clientID)
		h.writeOperationError(w, err)
		return
	}

	if access := h.scopes.ValidateToolAccess(tool, granted); !access.Allowed {
		h.governor.RecordOutcome(h.userID, false, tool, clientID)
		writeJSON(w, http.StatusForbidden, access)
		return
	}

	data, err := fn(r.Context())
	h.governor.RecordOutcome(h.userID, err == nil, tool, clientID)
	if err != nil {
		h.writeOperationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, data)
}

func (h *APIHandler) writeOperationError(w http.ResponseWriter, err error) {
	var authError *auth.AuthError
	if errors.As(err, &authError) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":         authError.Message,
			"requires_auth": authError.RequiresAuth,
			"retryable":     authError.Retryable,
		})
		return
	}

	h.logger.Error("operation failed", "error", err)
	writeError(w, http.StatusBadGateway, "upstream request failed")
}

func queryInt(r *http.Request, key string) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
