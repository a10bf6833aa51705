package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ferncliff/spotbridge/internal/server"
	"github.com/ferncliff/spotbridge/internal/shared"
	"github.com/ferncliff/spotbridge/internal/ui"
	"github.com/urfave/cli/v3"
)

// AuthLogin runs the authorization code flow with a local callback server.
//
// Opens the browser for user consent and waits for the callback to exchange
// the authorization code for tokens.
func (r *Runner) AuthLogin(ctx context.Context, cmd *cli.Command) error {
	if err := r.requireAuth(); err != nil {
		return err
	}

	request, err := r.manager.GenerateAuthURL(ctx, shared.DefaultUserID)
	if err != nil {
		return fmt.Errorf("failed to start authorization flow: %w", err)
	}

	callback := server.NewCallbackHandler(r.manager, shared.DefaultUserID)
	router := server.NewBasicRouter()
	router.Handler(callback)

	serverAddr := fmt.Sprintf("%s:%d", r.config.Server.Host, r.config.Server.Port)
	httpServer := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	serverErrors := make(chan error, 1)
	go func() {
		r.logger.Infof("starting callback server at %v", serverAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	time.Sleep(100 * time.Millisecond)

	if cmd.Bool("no-browser") {
		r.writePlain("Open this URL in your browser:\n%s\n\n", request.URL)
	} else {
		r.writePlain("→ Opening browser for Spotify authorization...\n")
		if err := shared.OpenBrowser(request.URL); err != nil {
			r.logger.Warnf("failed to open browser automatically %v", err)
			r.writePlainln("%s", ui.Warn("⚠ Could not open browser automatically."))
			r.writePlain("Please open this URL in your browser:\n%s\n\n", request.URL)
		}
	}

	r.writePlain("→ Waiting for authorization (2 minute timeout)...\n")

	timeout := time.NewTimer(2 * time.Minute)
	defer timeout.Stop()

	var result server.CallbackResult

	select {
	case result = <-callback.Result():
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-timeout.C:
		return fmt.Errorf("%w: authorization timed out after 2 minutes", shared.ErrTimeout)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("error shutting down server", "error", err)
	}

	if result.Err != nil {
		return fmt.Errorf("authorization failed: %w", result.Err)
	}

	r.writePlainln("%s", ui.OK("✓ Authorization successful"))
	if result.Credential != nil && result.Credential.Scope != "" {
		r.writePlain("Granted scopes: %s\n", result.Credential.Scope)
	}
	r.writePlain("You can now use: spotbridge serve\n")

	return nil
}

// AuthStatus reports whether valid credentials exist and how the granted
// scopes line up with the configured tier.
func (r *Runner) AuthStatus(ctx context.Context, cmd *cli.Command) error {
	if err := r.requireAuth(); err != nil {
		return err
	}

	if !r.manager.IsAuthenticated(ctx, shared.DefaultUserID) {
		r.writePlain("%s\n", ui.Fail("✗ Not authenticated"))
		r.writePlain("%s\n", ui.Help("Run 'spotbridge auth login' to authenticate"))
		return nil
	}

	r.writePlain("%s\n", ui.OK("✓ Authenticated"))
	r.writePlain("Tier: %s\n", r.scopes.Tier())

	granted, err := r.manager.GrantedScopes(ctx, shared.DefaultUserID)
	if err != nil {
		return fmt.Errorf("failed to read granted scopes: %w", err)
	}

	validation := r.scopes.ValidateScopeSet(granted)
	r.writePlain("Scopes: %s\n", strings.Join(granted, " "))
	if len(validation.Missing) > 0 {
		r.writePlain("%s\n", ui.Warn(fmt.Sprintf("Missing required scopes: %s", strings.Join(validation.Missing, " "))))
	}
	if len(validation.Excessive) > 0 {
		r.writePlain("%s\n", ui.Warn(fmt.Sprintf("Granted beyond tier: %s", strings.Join(validation.Excessive, " "))))
	}

	return nil
}

// AuthLogout revokes tokens upstream and removes local credentials.
func (r *Runner) AuthLogout(ctx context.Context, cmd *cli.Command) error {
	if err := r.requireAuth(); err != nil {
		return err
	}

	if err := r.manager.Revoke(ctx, shared.DefaultUserID); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	r.writePlain("%s\n", ui.OK("✓ Logged out"))
	return nil
}
