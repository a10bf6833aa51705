package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/ferncliff/spotbridge/internal/auth"
	"github.com/ferncliff/spotbridge/internal/crypto"
	"github.com/ferncliff/spotbridge/internal/hsm"
	"github.com/ferncliff/spotbridge/internal/ratelimit"
	"github.com/ferncliff/spotbridge/internal/repositories"
	"github.com/ferncliff/spotbridge/internal/scope"
	"github.com/ferncliff/spotbridge/internal/services"
	"github.com/ferncliff/spotbridge/internal/shared"
	"github.com/urfave/cli/v3"
	"golang.org/x/oauth2"
)

func main() {
	logger := shared.NewLogger(nil)

	config := shared.DefaultConfig()
	if _, err := os.Stat("config.toml"); err == nil {
		if loadedConfig, err := shared.LoadConfig("config.toml"); err == nil {
			config = loadedConfig
		}
	}

	runner, err := buildRunner(context.Background(), config, logger)
	if err != nil {
		logger.Warnf("running without credential services: %v", err)
		runner = NewRunner(RunnerOpts{Config: config, Logger: logger})
	}

	app := &cli.Command{
		Name:     "spotbridge",
		Usage:    "Bridge assistant tooling to the Spotify Web API",
		Version:  "0.3.0",
		Commands: runner.register(),
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		err_ := errors.Unwrap(err)
		if errors.Is(err_, shared.ErrNotImplemented) {
			logger.Warn("not implemented")
			os.Exit(0)
		} else {
			logger.Fatalf("application error: %v", err)
		}
	}
}

// buildRunner wires the configured backends into a Runner. It fails when the
// configuration is missing credentials or violates the security settings.
func buildRunner(ctx context.Context, config *shared.Config, logger *log.Logger) (*Runner, error) {
	spotifyCfg := config.Credentials.Spotify
	if spotifyCfg.ClientID == "" || spotifyCfg.ClientSecret == "" {
		return nil, fmt.Errorf("%w: Spotify client_id and client_secret", shared.ErrMissingConfig)
	}
	if config.Security.EncryptionSecret == "" {
		return nil, fmt.Errorf("%w: security.encryption_secret", shared.ErrMissingConfig)
	}
	if err := shared.ValidateRedirectURI(spotifyCfg.RedirectURI, config.IsDevelopment()); err != nil {
		return nil, err
	}

	tier, err := scope.ParseTier(spotifyCfg.ScopeTier)
	if err != nil {
		return nil, err
	}
	scopes, err := scope.NewManager(spotifyCfg.ScopeTier)
	if err != nil {
		return nil, err
	}

	// The software provider must keep its keys across restarts or every
	// hsm-sealed credential dies with the process.
	keystoreDir := config.Security.HSM.KeystoreDir
	if keystoreDir == "" {
		keystoreDir = filepath.Join(config.Storage.TokenDir, "keys")
	}

	provider, err := hsm.NewProvider(hsm.Options{
		Provider:        config.Security.HSM.Provider,
		Endpoint:        config.Security.HSM.Endpoint,
		APIKey:          config.Security.HSM.APIKey,
		KeystoreDir:     keystoreDir,
		RequireHardware: config.Security.HSM.RequireHardware,
		Development:     config.IsDevelopment(),
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	audit := hsm.NewAuditLog(config.Security.AuditMaxEntries, config.Security.AuditEnabled)
	audit.SetLogger(logger)

	runnerDB, err := openAuditDatabase(config, audit, logger)
	if err != nil {
		return nil, err
	}

	custodian := hsm.NewCustodian(provider, audit, shared.DefaultUserID)
	if err := custodian.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize key custodian: %w", err)
	}

	keyID, err := custodian.EnsureKey(ctx, "credential-encryption")
	if err != nil {
		return nil, fmt.Errorf("failed to provision encryption key: %w", err)
	}

	store, err := crypto.NewStore(
		config.Security.EncryptionSecret,
		filepath.Join(config.Storage.TokenDir, ".salt"),
		config.Security.KDFIterations,
		crypto.WithCustodian(custodian, keyID),
		crypto.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	fileStore, err := auth.NewFileStore(config.Storage.TokenDir, store)
	if err != nil {
		return nil, err
	}

	oauthConfig := &oauth2.Config{
		ClientID:     spotifyCfg.ClientID,
		ClientSecret: spotifyCfg.ClientSecret,
		RedirectURL:  spotifyCfg.RedirectURI,
		Scopes:       scope.AllowedScopes(tier),
		Endpoint:     services.SpotifyOAuthEndpoint,
	}

	manager := auth.NewManager(oauthConfig, fileStore, auth.WithManagerLogger(logger))
	governor := ratelimit.NewGovernor(ratelimit.FromShared(config.Limits), ratelimit.WithGovernorLogger(logger))
	spotify := services.NewSpotifyService(manager)

	return NewRunner(RunnerOpts{
		Config:    config,
		Manager:   manager,
		Custodian: custodian,
		Governor:  governor,
		Scopes:    scopes,
		Spotify:   spotify,
		DB:        runnerDB,
		Logger:    logger,
	}), nil
}

// openAuditDatabase attaches a SQLite sink to the audit log when persistence
// is enabled. Returns nil without error when it is not.
func openAuditDatabase(config *shared.Config, audit *hsm.AuditLog, logger *log.Logger) (*sql.DB, error) {
	if !config.Security.PersistAudit {
		return nil, nil
	}

	db, err := shared.NewDatabase(config.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	shared.ConfigureDatabase(db, config.Database.MaxOpenConns, config.Database.MaxIdleConns)

	if err := shared.RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}

	audit.SetSink(repositories.NewAuditRepository(db))
	logger.Debug("audit persistence enabled", "path", config.Database.Path)

	return db, nil
}
