package shared

import "fmt"

var (
	ErrNotImplemented = fmt.Errorf("not implemented")

	// Configuration errors
	ErrMissingConfig      = fmt.Errorf("configuration not found")
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")
	ErrInvalidRedirectURI = fmt.Errorf("redirect URI must use https")

	// Authentication errors
	ErrAuthFailed       = fmt.Errorf("authentication failed")
	ErrNotAuthenticated = fmt.Errorf("not authenticated")
	ErrStateMismatch    = fmt.Errorf("state parameter mismatch")
	ErrFlowExpired      = fmt.Errorf("authorization flow expired")
	ErrFlowNotFound     = fmt.Errorf("no pending authorization flow")
	ErrTokenExpired     = fmt.Errorf("access token expired")
	ErrRefreshFailed    = fmt.Errorf("token refresh failed")
	ErrNoRefreshToken   = fmt.Errorf("no refresh token available")
	ErrInvalidGrant     = fmt.Errorf("refresh token rejected")
	ErrTimeout          = fmt.Errorf("operation timed out")

	// Cryptography and key custody errors
	ErrDecryptionFailed = fmt.Errorf("decryption failed")
	ErrKeyNotFound      = fmt.Errorf("key not found")
	ErrHardwareRequired = fmt.Errorf("hardware key custody required")

	// API and service errors
	ErrAPIRequest         = fmt.Errorf("API request failed")
	ErrServiceUnavailable = fmt.Errorf("service unavailable")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
	ErrInvalidFlag     = fmt.Errorf("invalid flag value")
)
