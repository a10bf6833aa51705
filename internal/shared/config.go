package shared

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Credentials CredentialsConfig `toml:"credentials"`
	Storage     StorageConfig     `toml:"storage"`
	Database    DatabaseConfig    `toml:"database"`
	Server      ServerConfig      `toml:"server"`
	Security    SecurityConfig    `toml:"security"`
	Limits      LimitsConfig      `toml:"limits"`
}

// CredentialsConfig contains service-specific credentials.
type CredentialsConfig struct {
	Spotify SpotifyConfig `toml:"spotify"`
}

// SpotifyConfig contains Spotify API credentials.
type SpotifyConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURI  string `toml:"redirect_uri"`
	ScopeTier    string `toml:"scope_tier"`
}

// StorageConfig contains durable credential storage settings.
type StorageConfig struct {
	TokenDir string `toml:"token_dir"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	Environment string `toml:"environment"`
}

// SecurityConfig contains encryption and audit settings.
type SecurityConfig struct {
	EncryptionSecret string    `toml:"encryption_secret"`
	KDFIterations    int       `toml:"kdf_iterations"`
	AuditEnabled     bool      `toml:"audit_enabled"`
	AuditMaxEntries  int       `toml:"audit_max_entries"`
	PersistAudit     bool      `toml:"persist_audit"`
	HSM              HSMConfig `toml:"hsm"`
}

// HSMConfig selects and configures the key custody backend.
type HSMConfig struct {
	Provider        string `toml:"provider"`
	Endpoint        string `toml:"endpoint"`
	APIKey          string `toml:"api_key"`
	RequireHardware bool   `toml:"require_hardware"`
	KeystoreDir     string `toml:"keystore_dir"`
}

// LimitsConfig contains all rate limiting and abuse protection thresholds.
//
// Every threshold is configurable; the embedded example documents defaults.
type LimitsConfig struct {
	UserPerMinute           int                  `toml:"user_per_minute"`
	UserPerHour             int                  `toml:"user_per_hour"`
	UserPerDay              int                  `toml:"user_per_day"`
	GlobalPerMinute         int                  `toml:"global_per_minute"`
	MaxConcurrent           int                  `toml:"max_concurrent"`
	AbuseThreshold          int                  `toml:"abuse_threshold"`
	AbuseWindowSecs         int                  `toml:"abuse_window_secs"`
	BlockDurationSecs       int                  `toml:"block_duration_secs"`
	BreakerFailureRatio     float64              `toml:"breaker_failure_ratio"`
	BreakerMinRequests      int                  `toml:"breaker_min_requests"`
	BreakerCooldownSecs     int                  `toml:"breaker_cooldown_secs"`
	MaintenanceIntervalSecs int                  `toml:"maintenance_interval_secs"`
	Tools                   map[string]ToolLimit `toml:"tools"`
}

// ToolLimit contains per-tool throttling settings.
type ToolLimit struct {
	PerMinute    int `toml:"per_minute"`
	CooldownSecs int `toml:"cooldown_secs"`
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	// Check if file already exists
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s: %w", path, err)
	}

	// Write the embedded example config to the file
	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment != "production"
}

// ValidateRedirectURI enforces https redirect URIs.
//
// Loopback hosts are exempt in development so the local callback server can
// complete the flow without TLS.
func ValidateRedirectURI(redirectURI string, development bool) error {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRedirectURI, err)
	}

	if u.Scheme == "https" {
		return nil
	}

	if development && (u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1") {
		return nil
	}

	return fmt.Errorf("%w: got %q", ErrInvalidRedirectURI, redirectURI)
}
