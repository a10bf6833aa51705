// Spotify API client.
//
// Response types based on https://developer.spotify.com/documentation/web-api/reference/
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ferncliff/spotbridge/internal/shared"
)

type followers struct {
	Total int `json:"total"`
}

// SpotifyUser represents a Spotify user profile.
type SpotifyUser struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name"`
	Email       string         `json:"email"`
	Country     string         `json:"country"`
	Product     string         `json:"product"` // premium, free, etc.
	Followers   followers      `json:"followers"`
	Images      []SpotifyImage `json:"images"`
}

// SpotifyImage represents an image resource.
type SpotifyImage struct {
	URL    string `json:"url"`
	Height int    `json:"height"`
	Width  int    `json:"width"`
}

// SpotifyTrack represents a Spotify track.
type SpotifyTrack struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Artists    []SpotifyArtist `json:"artists"`
	Album      SpotifyAlbum    `json:"album"`
	DurationMS int             `json:"duration_ms"`
	Explicit   bool            `json:"explicit"`
	Popularity int             `json:"popularity"`
	URI        string          `json:"uri"`
}

// SpotifyArtist represents a Spotify artist.
type SpotifyArtist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// SpotifyAlbum represents a Spotify album.
type SpotifyAlbum struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	ReleaseDate string         `json:"release_date"`
	TotalTracks int            `json:"total_tracks"`
	Images      []SpotifyImage `json:"images"`
	URI         string         `json:"uri"`
}

type playlistOwner struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type playlistTracks struct {
	Total int `json:"total"`
}

// SpotifyPlaylist represents a Spotify playlist.
type SpotifyPlaylist struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Owner       playlistOwner  `json:"owner"`
	Public      bool           `json:"public"`
	Tracks      playlistTracks `json:"tracks"`
	URI         string         `json:"uri"`
}

// SpotifyPaginatedPlaylists represents a paginated response of playlists.
type SpotifyPaginatedPlaylists struct {
	Items    []SpotifyPlaylist `json:"items"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
	Next     *string           `json:"next"`
	Previous *string           `json:"previous"`
}

// SpotifySavedTrack represents a track saved in the user's library.
type SpotifySavedTrack struct {
	AddedAt string       `json:"added_at"`
	Track   SpotifyTrack `json:"track"`
}

// SpotifyPaginatedTracks represents a paginated response of saved tracks.
type SpotifyPaginatedTracks struct {
	Items  []SpotifySavedTrack `json:"items"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
	Next   *string             `json:"next"`
}

// SpotifySearchResult represents a track search response.
type SpotifySearchResult struct {
	Tracks struct {
		Items []SpotifyTrack `json:"items"`
		Total int            `json:"total"`
	} `json:"tracks"`
}

// SpotifyPlaybackState represents the user's current playback.
type SpotifyPlaybackState struct {
	IsPlaying  bool          `json:"is_playing"`
	ProgressMS int           `json:"progress_ms"`
	Item       *SpotifyTrack `json:"item"`
	Device     struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Type          string `json:"type"`
		VolumePercent int    `json:"volume_percent"`
	} `json:"device"`
}

// SpotifyService talks to the Spotify Web API with tokens served by the
// token provider on every request.
type SpotifyService struct {
	tokens     TokenProvider
	httpClient *http.Client
	baseURL    string
}

// SpotifyOption configures a SpotifyService.
type SpotifyOption func(*SpotifyService)

// WithBaseURL overrides the API base URL (used by tests).
func WithBaseURL(base string) SpotifyOption {
	return func(s *SpotifyService) { s.baseURL = base }
}

// WithSpotifyHTTPClient overrides the HTTP client.
func WithSpotifyHTTPClient(c *http.Client) SpotifyOption {
	return func(s *SpotifyService) { s.httpClient = c }
}

// NewSpotifyService creates a Spotify client backed by the token provider.
func NewSpotifyService(tokens TokenProvider, opts ...SpotifyOption) *SpotifyService {
	s := &SpotifyService{
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    spotifyBaseURL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// doRequest performs an authenticated HTTP request to the Spotify API.
func (s *SpotifyService) doRequest(ctx context.Context, userID, method, endpoint string, body, result any) error {
	token, err := s.tokens.GetValidToken(ctx, userID)
	if err != nil {
		return err
	}

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: spotify status %d", shared.ErrAPIRequest, resp.StatusCode)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// UserProfile retrieves the authenticated user's profile.
func (s *SpotifyService) UserProfile(ctx context.Context, userID string) (*SpotifyUser, error) {
	var user SpotifyUser
	if err := s.doRequest(ctx, userID, http.MethodGet, "/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UserPlaylists retrieves the user's playlists with pagination.
func (s *SpotifyService) UserPlaylists(ctx context.Context, userID string, limit, offset int) (*SpotifyPaginatedPlaylists, error) {
	limit = clampLimit(limit)
	endpoint := fmt.Sprintf("/me/playlists?limit=%d&offset=%d", limit, offset)

	var response SpotifyPaginatedPlaylists
	if err := s.doRequest(ctx, userID, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Playlist retrieves a playlist by ID.
func (s *SpotifyService) Playlist(ctx context.Context, userID, playlistID string) (*SpotifyPlaylist, error) {
	var playlist SpotifyPlaylist
	if err := s.doRequest(ctx, userID, http.MethodGet, "/playlists/"+url.PathEscape(playlistID), nil, &playlist); err != nil {
		return nil, err
	}
	return &playlist, nil
}

// SavedTracks retrieves the user's saved tracks with pagination.
func (s *SpotifyService) SavedTracks(ctx context.Context, userID string, limit, offset int) (*SpotifyPaginatedTracks, error) {
	limit = clampLimit(limit)
	endpoint := fmt.Sprintf("/me/tracks?limit=%d&offset=%d", limit, offset)

	var response SpotifyPaginatedTracks
	if err := s.doRequest(ctx, userID, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// SearchTracks searches the catalogue for tracks matching query.
func (s *SpotifyService) SearchTracks(ctx context.Context, userID, query string, limit int) (*SpotifySearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: search query", shared.ErrMissingArgument)
	}
	limit = clampLimit(limit)

	endpoint := fmt.Sprintf("/search?type=track&q=%s&limit=%d", url.QueryEscape(query), limit)

	var result SpotifySearchResult
	if err := s.doRequest(ctx, userID, http.MethodGet, endpoint, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PlaybackState retrieves the user's current playback state. Returns nil
// when nothing is playing.
func (s *SpotifyService) PlaybackState(ctx context.Context, userID string) (*SpotifyPlaybackState, error) {
	var state SpotifyPlaybackState
	if err := s.doRequest(ctx, userID, http.MethodGet, "/me/player", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// ControlPlayback issues a playback command: play, pause, next, or previous.
func (s *SpotifyService) ControlPlayback(ctx context.Context, userID, command string) error {
	var method, endpoint string

	switch command {
	case "play":
		method, endpoint = http.MethodPut, "/me/player/play"
	case "pause":
		method, endpoint = http.MethodPut, "/me/player/pause"
	case "next":
		method, endpoint = http.MethodPost, "/me/player/next"
	case "previous":
		method, endpoint = http.MethodPost, "/me/player/previous"
	default:
		return fmt.Errorf("%w: playback command %q", shared.ErrInvalidArgument, command)
	}

	return s.doRequest(ctx, userID, method, endpoint, nil, nil)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 50 {
		return 50
	}
	return limit
}
