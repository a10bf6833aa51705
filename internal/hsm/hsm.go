// package hsm abstracts key custody behind a single Provider interface.
//
// Two interchangeable backends exist: a software-only provider usable
// everywhere, and a cloud-backed provider that talks to a remote hardware
// security module over HTTPS. A factory selects one at construction; nothing
// else in the codebase branches on the backend type.
package hsm

import (
	"context"
	"time"
)

// Key algorithms understood by both providers.
const (
	AlgorithmAES256 = "aes-256-gcm"
	AlgorithmHMAC   = "hmac-sha256"
)

// AttrPurpose is the attribute key naming what a key is provisioned for.
// One long-lived key exists per purpose (e.g. "token-encryption").
const AttrPurpose = "purpose"

// KeyMetadata describes a managed key. The material itself never leaves the
// provider.
type KeyMetadata struct {
	ID               string            `json:"id"`
	Algorithm        string            `json:"algorithm"`
	CreatedAt        time.Time         `json:"created_at"`
	Attributes       map[string]string `json:"attributes,omitempty"`
	RotationInterval time.Duration     `json:"rotation_interval,omitempty"`
}

// Provider performs cryptographic operations with keys it custodies.
//
// Verify reports false for any mismatch (wrong key, tampered payload or
// signature) instead of returning an error; errors are reserved for backend
// failures. DeriveKey is deterministic: the same key and context always
// produce the same bytes, a different context produces different bytes.
type Provider interface {
	Initialize(ctx context.Context) error
	CreateKey(ctx context.Context, algorithm string, attrs map[string]string) (string, error)
	ListKeys(ctx context.Context) ([]KeyMetadata, error)
	GetKeyMetadata(ctx context.Context, keyID string) (*KeyMetadata, error)
	DeleteKey(ctx context.Context, keyID string) error
	Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error)
	Sign(ctx context.Context, keyID string, data []byte) ([]byte, error)
	Verify(ctx context.Context, keyID string, data, signature []byte) (bool, error)
	DeriveKey(ctx context.Context, keyID string, context []byte) ([]byte, error)

	// HardwareBacked reports whether key material lives outside this process.
	HardwareBacked() bool

	// Name identifies the backend in logs ("software", "cloud").
	Name() string
}
