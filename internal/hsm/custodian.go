package hsm

import (
	"context"
	"errors"

	"github.com/ferncliff/spotbridge/internal/shared"
)

// Custodian wraps a Provider with audit logging. Every operation, success or
// failure, appends exactly one audit entry.
type Custodian struct {
	provider Provider
	audit    *AuditLog
	actor    string
}

// NewCustodian creates an audited custodian around provider. The actor id is
// attached to every entry.
func NewCustodian(provider Provider, audit *AuditLog, actor string) *Custodian {
	if actor == "" {
		actor = "system"
	}
	return &Custodian{provider: provider, audit: audit, actor: actor}
}

// Provider exposes the wrapped backend.
func (c *Custodian) Provider() Provider { return c.provider }

// Audit exposes the audit log for inspection.
func (c *Custodian) Audit() *AuditLog { return c.audit }

// HardwareBacked reports whether the underlying backend is hardware backed.
func (c *Custodian) HardwareBacked() bool { return c.provider.HardwareBacked() }

// Name reports the underlying backend name.
func (c *Custodian) Name() string { return c.provider.Name() }

// Initialize prepares the backend.
func (c *Custodian) Initialize(ctx context.Context) error {
	return c.provider.Initialize(ctx)
}

// EnsureKey returns the id of the long-lived key provisioned for purpose,
// creating one if none exists yet.
func (c *Custodian) EnsureKey(ctx context.Context, purpose string) (string, error) {
	keys, err := c.provider.ListKeys(ctx)
	if err != nil {
		return "", err
	}

	for _, key := range keys {
		if key.Attributes[AttrPurpose] == purpose {
			return key.ID, nil
		}
	}

	return c.CreateKey(ctx, AlgorithmAES256, map[string]string{
		AttrPurpose:   purpose,
		"application": "spotbridge",
	})
}

// CreateKey provisions a key and audits the result.
func (c *Custodian) CreateKey(ctx context.Context, algorithm string, attrs map[string]string) (string, error) {
	keyID, err := c.provider.CreateKey(ctx, algorithm, attrs)
	c.record("create-key", keyID, err)
	return keyID, err
}

// ListKeys lists key metadata without auditing (read-only inventory call).
func (c *Custodian) ListKeys(ctx context.Context) ([]KeyMetadata, error) {
	return c.provider.ListKeys(ctx)
}

// GetKeyMetadata returns metadata for one key.
func (c *Custodian) GetKeyMetadata(ctx context.Context, keyID string) (*KeyMetadata, error) {
	return c.provider.GetKeyMetadata(ctx, keyID)
}

// DeleteKey destroys a key and audits the result.
func (c *Custodian) DeleteKey(ctx context.Context, keyID string) error {
	err := c.provider.DeleteKey(ctx, keyID)
	c.record("delete-key", keyID, err)
	return err
}

// Encrypt seals plaintext under keyID.
func (c *Custodian) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	out, err := c.provider.Encrypt(ctx, keyID, plaintext)
	c.record("encrypt", keyID, err)
	return out, err
}

// Decrypt opens ciphertext under keyID.
func (c *Custodian) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	out, err := c.provider.Decrypt(ctx, keyID, ciphertext)
	c.record("decrypt", keyID, err)
	return out, err
}

// Sign signs data under keyID.
func (c *Custodian) Sign(ctx context.Context, keyID string, data []byte) ([]byte, error) {
	out, err := c.provider.Sign(ctx, keyID, data)
	c.record("sign", keyID, err)
	return out, err
}

// Verify checks a signature. A mismatch audits as a failure but still
// returns false without an error.
func (c *Custodian) Verify(ctx context.Context, keyID string, data, signature []byte) (bool, error) {
	ok, err := c.provider.Verify(ctx, keyID, data, signature)
	if err == nil && !ok {
		c.record("verify", keyID, errors.New("signature mismatch"))
	} else {
		c.record("verify", keyID, err)
	}
	return ok, err
}

// DeriveKey deterministically derives bytes from keyID and context.
func (c *Custodian) DeriveKey(ctx context.Context, keyID string, context []byte) ([]byte, error) {
	out, err := c.provider.DeriveKey(ctx, keyID, context)
	c.record("derive", keyID, err)
	return out, err
}

func (c *Custodian) record(operation, keyID string, err error) {
	if c.audit == nil {
		return
	}

	errText := ""
	if err != nil {
		errText = err.Error()
		if errors.Is(err, shared.ErrKeyNotFound) {
			errText = "key not found"
		}
	}

	c.audit.Append(operation, keyID, err == nil, errText, c.actor)
}
