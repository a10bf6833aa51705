// package services contains the Spotify Web API client.
//
// The client never caches tokens: every request asks the token provider for
// a valid access token, which transparently refreshes ahead of expiry.
package services

import (
	"context"

	"golang.org/x/oauth2"
)

const (
	spotifyAuthURL  = "https://accounts.spotify.com/authorize"
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
	spotifyBaseURL  = "https://api.spotify.com/v1"
)

// SpotifyOAuthEndpoint is the upstream authorization and token endpoint pair.
var SpotifyOAuthEndpoint = oauth2.Endpoint{
	AuthURL:  spotifyAuthURL,
	TokenURL: spotifyTokenURL,
}

// TokenProvider serves valid access tokens for a user, refreshing as needed.
type TokenProvider interface {
	GetValidToken(ctx context.Context, userID string) (string, error)
}
