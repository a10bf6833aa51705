package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ferncliff/spotbridge/internal/crypto"
	"github.com/ferncliff/spotbridge/internal/shared"
)

// Credential is one user's stored token record. It is overwritten on every
// refresh and deleted on revocation or logout.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope"`
	TokenType    string    `json:"token_type"`
}

// PendingFlow is one user's in-progress authorization attempt. It must be
// consumed exactly once and expires ten minutes after creation.
type PendingFlow struct {
	Verifier  string    `json:"code_verifier"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// FileStore persists credential and pending-flow records as encrypted
// per-user files. There is no in-memory cache; every access reads then
// decrypts, with last-write-wins semantics on concurrent writers.
type FileStore struct {
	dir    string
	crypto *crypto.Store
}

// NewFileStore creates the storage directory with owner-only permissions.
func NewFileStore(dir string, cs *crypto.Store) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}
	return &FileStore{dir: dir, crypto: cs}, nil
}

// SaveCredential encrypts and writes a user's credential record.
func (s *FileStore) SaveCredential(ctx context.Context, userID string, cred *Credential) error {
	return s.write(ctx, userID, ".tokens", cred)
}

// LoadCredential reads and decrypts a user's credential record.
// Returns os.ErrNotExist when no record is stored.
func (s *FileStore) LoadCredential(ctx context.Context, userID string) (*Credential, error) {
	var cred Credential
	if err := s.read(ctx, userID, ".tokens", &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// DeleteCredential removes a user's credential record, tolerating absence.
func (s *FileStore) DeleteCredential(userID string) error {
	return s.remove(userID, ".tokens")
}

// SavePendingFlow encrypts and writes a user's pending-flow record.
func (s *FileStore) SavePendingFlow(ctx context.Context, userID string, flow *PendingFlow) error {
	return s.write(ctx, userID, ".pkce", flow)
}

// LoadPendingFlow reads and decrypts a user's pending-flow record.
// Returns os.ErrNotExist when no record is stored.
func (s *FileStore) LoadPendingFlow(ctx context.Context, userID string) (*PendingFlow, error) {
	var flow PendingFlow
	if err := s.read(ctx, userID, ".pkce", &flow); err != nil {
		return nil, err
	}
	return &flow, nil
}

// DeletePendingFlow removes a user's pending-flow record, tolerating absence.
func (s *FileStore) DeletePendingFlow(userID string) error {
	return s.remove(userID, ".pkce")
}

func (s *FileStore) write(ctx context.Context, userID, ext string, record any) error {
	path, err := s.path(userID, ext)
	if err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	sealed, err := s.crypto.Encrypt(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to encrypt record: %w", err)
	}

	if err := os.WriteFile(path, []byte(sealed), 0600); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}

	return nil
}

func (s *FileStore) read(ctx context.Context, userID, ext string, record any) error {
	path, err := s.path(userID, ext)
	if err != nil {
		return err
	}

	sealed, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data, err := s.crypto.Decrypt(ctx, string(sealed))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, record); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}

	return nil
}

func (s *FileStore) remove(userID, ext string) error {
	path, err := s.path(userID, ext)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *FileStore) path(userID, ext string) (string, error) {
	if userID == "" || userID != filepath.Base(userID) || strings.HasPrefix(userID, ".") {
		return "", fmt.Errorf("%w: user id %q", shared.ErrInvalidInput, userID)
	}
	return filepath.Join(s.dir, userID+ext), nil
}
