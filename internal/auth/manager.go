// package auth implements the OAuth 2.0 + PKCE flow and token lifecycle.
//
// A Manager issues authorization URLs, exchanges callback codes for token
// pairs, serves valid access tokens with transparent refresh, and revokes
// credentials. All durable state passes through the encrypted FileStore;
// nothing sensitive is persisted in cleartext.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ferncliff/spotbridge/internal/shared"
	"golang.org/x/oauth2"
)

// RefreshBuffer is subtracted from a token's expiry before trusting it, so a
// request never races a token that expires mid-flight.
const RefreshBuffer = 5 * time.Minute

const (
	exchangeTimeout = 10 * time.Second
	revokeTimeout   = 5 * time.Second
)

// Manager drives the PKCE authorization flow and the token lifecycle for a
// single OAuth application.
type Manager struct {
	oauth  *oauth2.Config
	store  *FileStore
	logger *log.Logger

	httpClient   *http.Client
	revokeClient *http.Client
	revokeURL    string

	now           func() time.Time
	pendingTTL    time.Duration
	refreshBuffer time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock injects the time source, used by tests to simulate expiry.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithRevokeURL sets the upstream revocation endpoint. Revocation is local
// only when empty.
func WithRevokeURL(url string) ManagerOption {
	return func(m *Manager) { m.revokeURL = url }
}

// WithHTTPClient overrides the client used for exchange and refresh calls.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.httpClient = c }
}

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(l *log.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a token lifecycle manager around an OAuth application
// config and an encrypted file store.
func NewManager(oauth *oauth2.Config, store *FileStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		oauth:         oauth,
		store:         store,
		httpClient:    &http.Client{Timeout: exchangeTimeout},
		revokeClient:  &http.Client{Timeout: revokeTimeout},
		now:           time.Now,
		pendingTTL:    PendingFlowTTL,
		refreshBuffer: RefreshBuffer,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = shared.NewLogger(nil)
	}
	return m
}

// GenerateAuthURL starts a PKCE flow for userID: it generates a fresh code
// verifier and state, persists the pending-flow record, and returns the
// authorization URL the user must visit.
func (m *Manager) GenerateAuthURL(ctx context.Context, userID string) (*AuthRequest, error) {
	verifier := oauth2.GenerateVerifier()

	state, err := generateState()
	if err != nil {
		return nil, err
	}

	now := m.now()
	flow := &PendingFlow{Verifier: verifier, State: state, CreatedAt: now}
	if err := m.store.SavePendingFlow(ctx, userID, flow); err != nil {
		return nil, err
	}

	url := m.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.AccessTypeOffline,
	)

	return &AuthRequest{URL: url, State: state, ExpiresAt: now.Add(m.pendingTTL)}, nil
}

// ExchangeCode completes a pending flow: it validates the callback state
// against the stored record, then exchanges the authorization code using the
// stored verifier as proof of possession. The pending-flow record is
// consumed exactly once, on success, mismatch, or expiry alike.
func (m *Manager) ExchangeCode(ctx context.Context, userID, code, state string) (*Credential, error) {
	flow, err := m.store.LoadPendingFlow(ctx, userID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, authErr("flow_not_found", "no pending authorization flow, restart authentication", false, true, shared.ErrFlowNotFound)
		}
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(state), []byte(flow.State)) != 1 {
		m.store.DeletePendingFlow(userID)
		m.logger.Warn("authorization state mismatch, possible CSRF", "user", shared.MaskIdentifier(userID))
		return nil, authErr("state_mismatch", "state parameter does not match, possible CSRF", false, true, shared.ErrStateMismatch)
	}

	if m.now().Sub(flow.CreatedAt) > m.pendingTTL {
		m.store.DeletePendingFlow(userID)
		return nil, authErr("flow_expired", "authorization flow expired, restart authentication", false, true, shared.ErrFlowExpired)
	}

	token, err := m.oauth.Exchange(m.clientContext(ctx), code, oauth2.VerifierOption(flow.Verifier))
	if err != nil {
		return nil, m.classifyUpstream("exchange_failed", err)
	}

	cred := m.credentialFromToken(token)
	if err := m.store.SaveCredential(ctx, userID, cred); err != nil {
		return nil, err
	}
	if err := m.store.DeletePendingFlow(userID); err != nil {
		m.logger.Warn("failed to consume pending flow record", "error", err)
	}

	m.logger.Info("authorization complete", "user", shared.MaskIdentifier(userID), "expires_at", cred.ExpiresAt)
	return cred, nil
}

// GetValidToken returns an access token for userID, transparently refreshing
// when the stored token is within the refresh buffer of its expiry.
func (m *Manager) GetValidToken(ctx context.Context, userID string) (string, error) {
	cred, err := m.store.LoadCredential(ctx, userID)
	if err != nil {
		if os.IsNotExist(err) {
			return "", authErr("not_authenticated", "no stored credentials, authentication required", false, true, shared.ErrNotAuthenticated)
		}
		return "", err
	}

	if m.now().Before(cred.ExpiresAt.Add(-m.refreshBuffer)) {
		return cred.AccessToken, nil
	}

	refreshed, err := m.refresh(ctx, userID, cred)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// GrantedScopes returns the scope set stored with the user's credential.
func (m *Manager) GrantedScopes(ctx context.Context, userID string) ([]string, error) {
	cred, err := m.store.LoadCredential(ctx, userID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, authErr("not_authenticated", "no stored credentials, authentication required", false, true, shared.ErrNotAuthenticated)
		}
		return nil, err
	}
	return strings.Fields(cred.Scope), nil
}

// IsAuthenticated reports whether a credential record exists for userID.
func (m *Manager) IsAuthenticated(ctx context.Context, userID string) bool {
	_, err := m.store.LoadCredential(ctx, userID)
	return err == nil
}

// Revoke best-effort-notifies the upstream revocation endpoint, then
// unconditionally deletes local state.
func (m *Manager) Revoke(ctx context.Context, userID string) error {
	cred, err := m.store.LoadCredential(ctx, userID)
	if err == nil && m.revokeURL != "" {
		m.revokeUpstream(ctx, cred)
	}

	if err := m.store.DeleteCredential(userID); err != nil {
		return err
	}
	if err := m.store.DeletePendingFlow(userID); err != nil {
		return err
	}

	m.logger.Info("credentials revoked", "user", shared.MaskIdentifier(userID))
	return nil
}

// refresh exchanges the stored refresh token for a new pair and overwrites
// the credential record. The previous refresh token is kept when the
// upstream response omits a new one.
func (m *Manager) refresh(ctx context.Context, userID string, cred *Credential) (*Credential, error) {
	if cred.RefreshToken == "" {
		return nil, authErr("no_refresh_token", "token expired and no refresh token stored", false, true, shared.ErrNoRefreshToken)
	}

	source := m.oauth.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken})
	token, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response.StatusCode < 500 {
			// invalid_grant and friends: the refresh token is dead, force
			// the user back through the full flow.
			m.store.DeleteCredential(userID)
			m.logger.Warn("refresh token rejected, credentials deleted", "user", shared.MaskIdentifier(userID))
			return nil, authErr("invalid_grant", "refresh token rejected, re-authentication required", false, true, shared.ErrInvalidGrant)
		}
		return nil, authErr("refresh_failed", "upstream refresh failed", true, false, shared.ErrRefreshFailed)
	}

	refreshed := m.credentialFromToken(token)
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = cred.RefreshToken
	}
	if refreshed.Scope == "" {
		refreshed.Scope = cred.Scope
	}

	if err := m.store.SaveCredential(ctx, userID, refreshed); err != nil {
		return nil, err
	}

	m.logger.Debug("access token refreshed", "user", shared.MaskIdentifier(userID), "expires_at", refreshed.ExpiresAt)
	return refreshed, nil
}

func (m *Manager) revokeUpstream(ctx context.Context, cred *Credential) {
	ctx, cancel := context.WithTimeout(ctx, revokeTimeout)
	defer cancel()

	form := url.Values{
		"token":           {cred.AccessToken},
		"token_type_hint": {"access_token"},
		"client_id":       {m.oauth.ClientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		m.logger.Warn("failed to build revocation request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(m.oauth.ClientID, m.oauth.ClientSecret)

	resp, err := m.revokeClient.Do(req)
	if err != nil {
		m.logger.Warn("upstream revocation failed", "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.logger.Warn("upstream revocation rejected", "status", resp.StatusCode)
	}
}

// classifyUpstream maps upstream exchange errors onto the retryable /
// terminal split: 4xx responses are terminal, 5xx and network errors are
// retryable.
func (m *Manager) classifyUpstream(code string, err error) *AuthError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response.StatusCode < 500 {
		return authErr(code, "authorization code rejected", false, true, shared.ErrAuthFailed)
	}
	return authErr(code, "upstream token endpoint unavailable", true, false, shared.ErrServiceUnavailable)
}

// clientContext pins the oauth2 transport to the manager's timeout-bounded
// client.
func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *Manager) credentialFromToken(token *oauth2.Token) *Credential {
	cred := &Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		TokenType:    token.TokenType,
	}
	if scope, ok := token.Extra("scope").(string); ok {
		cred.Scope = scope
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = m.now().Add(time.Hour)
	}
	return cred
}
