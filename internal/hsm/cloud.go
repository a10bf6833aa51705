package hsm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ferncliff/spotbridge/internal/shared"
)

// CloudProvider custodies keys in a remote hardware security module reached
// over HTTPS. Key material never enters this process; every operation is a
// round trip to the module's REST API.
type CloudProvider struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewCloudProvider creates a provider for the module at endpoint,
// authenticating with apiKey.
func NewCloudProvider(endpoint, apiKey string) (*CloudProvider, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: hsm endpoint", shared.ErrMissingConfig)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: hsm api key", shared.ErrMissingCredentials)
	}

	return &CloudProvider{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (p *CloudProvider) Name() string         { return "cloud" }
func (p *CloudProvider) HardwareBacked() bool { return true }

// Initialize verifies connectivity and credentials against the module.
func (p *CloudProvider) Initialize(ctx context.Context) error {
	return p.do(ctx, http.MethodGet, "/v1/health", nil, nil)
}

type cloudKeyRequest struct {
	Algorithm  string            `json:"algorithm"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type cloudKeyResponse struct {
	Key KeyMetadata `json:"key"`
}

// CreateKey provisions a key inside the module.
func (p *CloudProvider) CreateKey(ctx context.Context, algorithm string, attrs map[string]string) (string, error) {
	var resp cloudKeyResponse
	req := cloudKeyRequest{Algorithm: algorithm, Attributes: attrs}
	if err := p.do(ctx, http.MethodPost, "/v1/keys", req, &resp); err != nil {
		return "", err
	}
	return resp.Key.ID, nil
}

// ListKeys returns metadata for every key the credential can see.
func (p *CloudProvider) ListKeys(ctx context.Context) ([]KeyMetadata, error) {
	var resp struct {
		Keys []KeyMetadata `json:"keys"`
	}
	if err := p.do(ctx, http.MethodGet, "/v1/keys", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// GetKeyMetadata returns metadata for one key.
func (p *CloudProvider) GetKeyMetadata(ctx context.Context, keyID string) (*KeyMetadata, error) {
	var resp cloudKeyResponse
	if err := p.do(ctx, http.MethodGet, "/v1/keys/"+keyID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Key, nil
}

// DeleteKey schedules key destruction in the module.
func (p *CloudProvider) DeleteKey(ctx context.Context, keyID string) error {
	return p.do(ctx, http.MethodDelete, "/v1/keys/"+keyID, nil, nil)
}

type cloudDataRequest struct {
	Data      string `json:"data"`
	Signature string `json:"signature,omitempty"`
	Context   string `json:"context,omitempty"`
}

type cloudDataResponse struct {
	Data  string `json:"data"`
	Valid bool   `json:"valid"`
}

// Encrypt seals plaintext inside the module.
func (p *CloudProvider) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	return p.transform(ctx, keyID, "encrypt", plaintext)
}

// Decrypt opens a payload previously sealed by the module.
func (p *CloudProvider) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	out, err := p.transform(ctx, keyID, "decrypt", ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrDecryptionFailed, err)
	}
	return out, nil
}

// Sign produces a signature over data.
func (p *CloudProvider) Sign(ctx context.Context, keyID string, data []byte) ([]byte, error) {
	return p.transform(ctx, keyID, "sign", data)
}

// Verify checks a signature. Mismatches report false without an error.
func (p *CloudProvider) Verify(ctx context.Context, keyID string, data, signature []byte) (bool, error) {
	req := cloudDataRequest{
		Data:      base64.StdEncoding.EncodeToString(data),
		Signature: base64.StdEncoding.EncodeToString(signature),
	}

	var resp cloudDataResponse
	if err := p.do(ctx, http.MethodPost, "/v1/keys/"+keyID+"/verify", req, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

// DeriveKey asks the module to derive bytes from the key and context.
func (p *CloudProvider) DeriveKey(ctx context.Context, keyID string, context []byte) ([]byte, error) {
	req := cloudDataRequest{Context: base64.StdEncoding.EncodeToString(context)}

	var resp cloudDataResponse
	if err := p.do(ctx, http.MethodPost, "/v1/keys/"+keyID+"/derive", req, &resp); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(resp.Data)
}

func (p *CloudProvider) transform(ctx context.Context, keyID, op string, in []byte) ([]byte, error) {
	req := cloudDataRequest{Data: base64.StdEncoding.EncodeToString(in)}

	var resp cloudDataResponse
	if err := p.do(ctx, http.MethodPost, "/v1/keys/"+keyID+"/"+op, req, &resp); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(resp.Data)
}

// do performs one authenticated JSON round trip to the module.
func (p *CloudProvider) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hsm request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", shared.ErrKeyNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: hsm status %d", shared.ErrAPIRequest, resp.StatusCode)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
