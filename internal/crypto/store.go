// package crypto implements encrypted-at-rest storage of opaque payloads.
//
// Ciphertext carries a format tag so the decryption scheme is decided once
// at read time: "hsm:" payloads went through the key custodian, "pbkdf2:"
// payloads used the software-derived key, and untagged payloads are legacy
// AES-256-CBC data written before formats were tagged.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/ferncliff/spotbridge/internal/hsm"
	"github.com/ferncliff/spotbridge/internal/shared"
	"golang.org/x/crypto/pbkdf2"
)

// Format identifies the scheme a ciphertext was written with.
type Format int

const (
	// FormatLegacy is untagged iv:ciphertext hex, AES-256-CBC.
	FormatLegacy Format = iota
	// FormatPBKDF2 is the software path: AES-256-GCM under a KDF-derived key.
	FormatPBKDF2
	// FormatHSM is a payload sealed by the key custodian.
	FormatHSM
)

const (
	prefixPBKDF2 = "pbkdf2:"
	prefixHSM    = "hsm:"

	// MinIterations is the floor for the PBKDF2 work factor.
	MinIterations = 100_000

	saltLen = 32
	keyLen  = 32
)

// Store encrypts and decrypts opaque byte payloads.
//
// Writes prefer the custodian when a provisioned key exists and fall back to
// the software path on any custodian failure; encryption never hard-fails
// solely because the hardware path is unavailable. Decryption never falls
// back across key material.
type Store struct {
	key       []byte
	custodian *hsm.Custodian
	keyID     string
	logger    *log.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCustodian attaches a key custodian and the provisioned key id used for
// the hardware-backed path.
func WithCustodian(c *hsm.Custodian, keyID string) Option {
	return func(s *Store) {
		s.custodian = c
		s.keyID = keyID
	}
}

// WithLogger sets the store's logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore derives the software encryption key from secret and a persisted
// salt, generating and persisting the salt on first use.
func NewStore(secret, saltPath string, iterations int, opts ...Option) (*Store, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: encryption secret", shared.ErrMissingConfig)
	}
	if iterations < MinIterations {
		iterations = MinIterations
	}

	salt, err := loadOrCreateSalt(saltPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		key: pbkdf2.Key([]byte(secret), salt, iterations, keyLen, sha256.New),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = shared.NewLogger(nil)
	}

	return s, nil
}

// Encrypt seals plaintext and returns a tagged ciphertext string.
func (s *Store) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	if s.custodian != nil && s.keyID != "" {
		sealed, err := s.custodian.Encrypt(ctx, s.keyID, plaintext)
		if err == nil {
			return prefixHSM + base64.StdEncoding.EncodeToString(sealed), nil
		}
		s.logger.Warn("hardware encryption failed, falling back to software path", "error", err)
	}

	return s.encryptSoftware(plaintext)
}

// Decrypt dispatches on the ciphertext's format tag and returns the original
// plaintext. Tampered or foreign-key payloads fail with ErrDecryptionFailed.
func (s *Store) Decrypt(ctx context.Context, ciphertext string) ([]byte, error) {
	format, payload := parseCiphertext(ciphertext)

	switch format {
	case FormatHSM:
		if s.custodian == nil || s.keyID == "" {
			return nil, fmt.Errorf("%w: hardware-sealed payload but no key custodian configured", shared.ErrDecryptionFailed)
		}
		sealed, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed payload", shared.ErrDecryptionFailed)
		}
		return s.custodian.Decrypt(ctx, s.keyID, sealed)

	case FormatPBKDF2:
		return s.decryptSoftware(payload)

	default:
		plaintext, err := s.decryptLegacy(payload)
		if err != nil {
			return nil, err
		}
		// Operators track lingering legacy data through this line; records
		// upgrade to a tagged format on their next write.
		s.logger.Info("decrypted legacy untagged ciphertext, re-encryption pending next write")
		return plaintext, nil
	}
}

// DetectFormat reports the format a ciphertext string was written with.
func DetectFormat(ciphertext string) Format {
	format, _ := parseCiphertext(ciphertext)
	return format
}

func parseCiphertext(ciphertext string) (Format, string) {
	switch {
	case strings.HasPrefix(ciphertext, prefixHSM):
		return FormatHSM, strings.TrimPrefix(ciphertext, prefixHSM)
	case strings.HasPrefix(ciphertext, prefixPBKDF2):
		return FormatPBKDF2, strings.TrimPrefix(ciphertext, prefixPBKDF2)
	default:
		return FormatLegacy, ciphertext
	}
}

// encryptSoftware seals with AES-256-GCM under the derived key as iv:ct hex.
func (s *Store) encryptSoftware(plaintext []byte) (string, error) {
	aead, err := s.aead()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return prefixPBKDF2 + hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

func (s *Store) decryptSoftware(payload string) ([]byte, error) {
	nonce, sealed, err := splitHexPair(payload)
	if err != nil {
		return nil, err
	}

	aead, err := s.aead()
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length", shared.ErrDecryptionFailed)
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// decryptLegacy handles pre-tagging AES-256-CBC payloads.
func (s *Store) decryptLegacy(payload string) ([]byte, error) {
	iv, sealed, err := splitHexPair(payload)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}

	if len(iv) != aes.BlockSize || len(sealed) == 0 || len(sealed)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: malformed legacy payload", shared.ErrDecryptionFailed)
	}

	plaintext := make([]byte, len(sealed))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, sealed)

	return pkcs7Unpad(plaintext)
}

func (s *Store) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func splitHexPair(payload string) ([]byte, []byte, error) {
	parts := strings.SplitN(payload, ":", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("%w: expected iv:ciphertext", shared.ErrDecryptionFailed)
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad iv encoding", shared.ErrDecryptionFailed)
	}

	sealed, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad ciphertext encoding", shared.ErrDecryptionFailed)
	}

	return iv, sealed, nil
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty legacy plaintext", shared.ErrDecryptionFailed)
	}

	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("%w: bad padding", shared.ErrDecryptionFailed)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("%w: bad padding", shared.ErrDecryptionFailed)
		}
	}

	return data[:len(data)-pad], nil
}

// loadOrCreateSalt reads the persisted KDF salt, generating and writing it
// with owner-only permissions when absent.
func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != saltLen {
			return nil, fmt.Errorf("%w: salt file %s has unexpected length %d", shared.ErrInvalidConfig, path, len(salt))
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt = make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create salt directory: %w", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist salt: %w", err)
	}

	return salt, nil
}
