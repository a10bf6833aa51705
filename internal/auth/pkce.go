package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// stateBytes is the number of random bytes behind the anti-CSRF state token.
// 32 bytes encodes to 43 base64url characters, well past the 16-byte floor.
const stateBytes = 32

// PendingFlowTTL is how long an issued authorization URL stays valid.
const PendingFlowTTL = 10 * time.Minute

// AuthRequest is an issued authorization URL and the state the callback must
// echo back before ExpiresAt.
type AuthRequest struct {
	URL       string    `json:"auth_url"`
	State     string    `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
}

// generateState produces a cryptographically random anti-CSRF state token.
func generateState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
