package hsm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ferncliff/spotbridge/internal/shared"
	"golang.org/x/crypto/hkdf"
)

const keyMaterialLen = 32

// softwareKey pairs key metadata with its raw material.
type softwareKey struct {
	Metadata KeyMetadata `json:"metadata"`
	Material []byte      `json:"material"`
}

// SoftwareProvider custodies keys in process memory, optionally persisting
// them to a restricted directory so provisioned keys survive restarts.
//
// It is usable everywhere but is not hardware backed; the factory only
// selects it when no hardware module is configured or required.
type SoftwareProvider struct {
	mu   sync.Mutex
	keys map[string]*softwareKey
	dir  string
	now  func() time.Time
}

// NewSoftwareProvider creates a software key custodian. When dir is non-empty
// keys are persisted there as owner-only JSON files.
func NewSoftwareProvider(dir string) *SoftwareProvider {
	return &SoftwareProvider{
		keys: make(map[string]*softwareKey),
		dir:  dir,
		now:  time.Now,
	}
}

func (p *SoftwareProvider) Name() string         { return "software" }
func (p *SoftwareProvider) HardwareBacked() bool { return false }

// Initialize loads any persisted keys from the keystore directory.
func (p *SoftwareProvider) Initialize(ctx context.Context) error {
	if p.dir == "" {
		return nil
	}

	if err := os.MkdirAll(p.dir, 0700); err != nil {
		return fmt.Errorf("failed to create keystore directory: %w", err)
	}

	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("failed to read keystore directory: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(p.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read keystore entry %s: %w", entry.Name(), err)
		}

		var key softwareKey
		if err := json.Unmarshal(data, &key); err != nil {
			return fmt.Errorf("failed to parse keystore entry %s: %w", entry.Name(), err)
		}

		p.keys[key.Metadata.ID] = &key
	}

	return nil
}

// CreateKey generates new key material and registers its metadata.
func (p *SoftwareProvider) CreateKey(ctx context.Context, algorithm string, attrs map[string]string) (string, error) {
	material := make([]byte, keyMaterialLen)
	if _, err := rand.Read(material); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}

	key := &softwareKey{
		Metadata: KeyMetadata{
			ID:         shared.GenerateID(),
			Algorithm:  algorithm,
			CreatedAt:  p.now(),
			Attributes: attrs,
		},
		Material: material,
	}

	p.mu.Lock()
	p.keys[key.Metadata.ID] = key
	p.mu.Unlock()

	if err := p.persist(key); err != nil {
		return "", err
	}

	return key.Metadata.ID, nil
}

// ListKeys returns metadata for every custodied key.
func (p *SoftwareProvider) ListKeys(ctx context.Context) ([]KeyMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]KeyMetadata, 0, len(p.keys))
	for _, key := range p.keys {
		out = append(out, key.Metadata)
	}
	return out, nil
}

// GetKeyMetadata returns metadata for one key.
func (p *SoftwareProvider) GetKeyMetadata(ctx context.Context, keyID string) (*KeyMetadata, error) {
	key, err := p.lookup(keyID)
	if err != nil {
		return nil, err
	}
	meta := key.Metadata
	return &meta, nil
}

// DeleteKey removes a key and its persisted material.
func (p *SoftwareProvider) DeleteKey(ctx context.Context, keyID string) error {
	p.mu.Lock()
	_, ok := p.keys[keyID]
	delete(p.keys, keyID)
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", shared.ErrKeyNotFound, keyID)
	}

	if p.dir != "" {
		if err := os.Remove(p.keyPath(keyID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove persisted key: %w", err)
		}
	}

	return nil
}

// Encrypt seals plaintext with AES-256-GCM. Output layout is nonce followed
// by ciphertext.
func (p *SoftwareProvider) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	aead, err := p.aead(keyID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, nil)...)
	return out, nil
}

// Decrypt opens a payload produced by Encrypt with the same key.
func (p *SoftwareProvider) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	aead, err := p.aead(keyID)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", shared.ErrDecryptionFailed)
	}

	nonce := ciphertext[:aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, ciphertext[aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrDecryptionFailed, err)
	}

	return plaintext, nil
}

// Sign computes an HMAC-SHA256 tag over data.
func (p *SoftwareProvider) Sign(ctx context.Context, keyID string, data []byte) ([]byte, error) {
	key, err := p.lookup(keyID)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, key.Material)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// Verify recomputes the tag and compares in constant time. Mismatches and
// unknown keys report false without an error.
func (p *SoftwareProvider) Verify(ctx context.Context, keyID string, data, signature []byte) (bool, error) {
	key, err := p.lookup(keyID)
	if err != nil {
		return false, nil
	}

	mac := hmac.New(sha256.New, key.Material)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), signature), nil
}

// DeriveKey derives 32 bytes from the key material via HKDF-SHA256 using
// context as the info parameter.
func (p *SoftwareProvider) DeriveKey(ctx context.Context, keyID string, context []byte) ([]byte, error) {
	key, err := p.lookup(keyID)
	if err != nil {
		return nil, err
	}

	r := hkdf.New(sha256.New, key.Material, nil, context)
	derived := make([]byte, keyMaterialLen)
	if _, err := r.Read(derived); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return derived, nil
}

func (p *SoftwareProvider) lookup(keyID string) (*softwareKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key, ok := p.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", shared.ErrKeyNotFound, keyID)
	}
	return key, nil
}

func (p *SoftwareProvider) aead(keyID string) (cipher.AEAD, error) {
	key, err := p.lookup(keyID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key.Material)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}

	return cipher.NewGCM(block)
}

func (p *SoftwareProvider) keyPath(keyID string) string {
	return filepath.Join(p.dir, keyID+".json")
}

func (p *SoftwareProvider) persist(key *softwareKey) error {
	if p.dir == "" {
		return nil
	}

	if err := os.MkdirAll(p.dir, 0700); err != nil {
		return fmt.Errorf("failed to create keystore directory: %w", err)
	}

	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}

	if err := os.WriteFile(p.keyPath(key.Metadata.ID), data, 0600); err != nil {
		return fmt.Errorf("failed to persist key: %w", err)
	}

	return nil
}
