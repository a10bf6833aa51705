package shared

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestConfig(t *testing.T) {
	t.Run("DefaultConfig", func(t *testing.T) {
		config := DefaultConfig()

		if config.Database.Path != "./spotbridge.db" {
			t.Errorf("expected database path ./spotbridge.db, got %s", config.Database.Path)
		}

		if config.Server.Port != 3000 {
			t.Errorf("expected server port 3000, got %d", config.Server.Port)
		}

		if config.Credentials.Spotify.ScopeTier != "limited" {
			t.Errorf("expected scope tier limited, got %s", config.Credentials.Spotify.ScopeTier)
		}

		if config.Security.KDFIterations != 100000 {
			t.Errorf("expected 100000 KDF iterations, got %d", config.Security.KDFIterations)
		}

		if config.Limits.UserPerMinute != 60 {
			t.Errorf("expected 60 requests per user minute, got %d", config.Limits.UserPerMinute)
		}

		search, ok := config.Limits.Tools["search"]
		if !ok {
			t.Fatal("expected a search tool limit")
		}
		if search.PerMinute != 20 || search.CooldownSecs != 30 {
			t.Errorf("unexpected search tool limit: %+v", search)
		}
	})

	t.Run("CreateConfigFile", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.toml")

		if err := CreateConfigFile(configPath); err != nil {
			t.Fatalf("failed to create config file: %v", err)
		}

		if _, err := os.Stat(configPath); err != nil {
			t.Fatalf("config file should exist: %v", err)
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("failed to load created config: %v", err)
		}

		defaultConfig := DefaultConfig()
		if config.Database.Path != defaultConfig.Database.Path {
			t.Errorf("created config database path doesn't match default")
		}

		if err := CreateConfigFile(configPath); err == nil {
			t.Error("creating config file again should fail")
		}
	})

	t.Run("LoadConfig", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.toml")

		testConfig := `[database]
path = "/custom/path.db"
max_open_conns = 20
max_idle_conns = 10

[server]
host = "0.0.0.0"
port = 8080
environment = "production"

[credentials.spotify]
client_id = "test_client_id"
client_secret = "test_secret"
redirect_uri = "https://example.com/callback"
scope_tier = "full-access"

[security]
encryption_secret = "test_secret"
kdf_iterations = 250000

[security.hsm]
provider = "cloud"
endpoint = "https://hsm.example.com"
api_key = "test_api_key"
require_hardware = true

[limits]
user_per_minute = 5
breaker_failure_ratio = 0.25

[limits.tools.search]
per_minute = 2
cooldown_secs = 45
`
		if err := os.WriteFile(configPath, []byte(testConfig), 0644); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("failed to load config: %v", err)
		}

		if config.Database.Path != "/custom/path.db" {
			t.Errorf("expected database path /custom/path.db, got %s", config.Database.Path)
		}

		if config.Server.Port != 8080 {
			t.Errorf("expected server port 8080, got %d", config.Server.Port)
		}

		if config.IsDevelopment() {
			t.Error("production environment should not report development")
		}

		if config.Credentials.Spotify.ScopeTier != "full-access" {
			t.Errorf("expected scope tier full-access, got %s", config.Credentials.Spotify.ScopeTier)
		}

		if config.Security.KDFIterations != 250000 {
			t.Errorf("expected 250000 KDF iterations, got %d", config.Security.KDFIterations)
		}

		if !config.Security.HSM.RequireHardware {
			t.Error("expected require_hardware to be set")
		}

		if config.Limits.UserPerMinute != 5 {
			t.Errorf("expected 5 requests per user minute, got %d", config.Limits.UserPerMinute)
		}

		if config.Limits.BreakerFailureRatio != 0.25 {
			t.Errorf("expected breaker ratio 0.25, got %f", config.Limits.BreakerFailureRatio)
		}

		if search := config.Limits.Tools["search"]; search.PerMinute != 2 || search.CooldownSecs != 45 {
			t.Errorf("unexpected search tool limit: %+v", search)
		}
	})

	t.Run("LoadConfigMissingFile", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
			t.Error("loading a missing config should fail")
		}
	})
}

func TestValidateRedirectURI(t *testing.T) {
	tc := []struct {
		name        string
		uri         string
		development bool
		wantErr     bool
	}{
		{
			name: "https always allowed",
			uri:  "https://example.com/callback",
		},
		{
			name:        "loopback http allowed in development",
			uri:         "http://127.0.0.1:3000/callback",
			development: true,
		},
		{
			name:        "localhost http allowed in development",
			uri:         "http://localhost:3000/callback",
			development: true,
		},
		{
			name:    "loopback http rejected in production",
			uri:     "http://127.0.0.1:3000/callback",
			wantErr: true,
		},
		{
			name:        "remote http rejected everywhere",
			uri:         "http://example.com/callback",
			development: true,
			wantErr:     true,
		},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRedirectURI(tt.uri, tt.development)
			if tt.wantErr && !errors.Is(err, ErrInvalidRedirectURI) {
				t.Errorf("expected ErrInvalidRedirectURI, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected %s to validate, got %v", tt.uri, err)
			}
		})
	}
}
