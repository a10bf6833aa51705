package auth

import "fmt"

// AuthError classifies an authentication failure for callers.
//
// Retryable errors (upstream 5xx, network) may be retried with the same
// credentials. RequiresAuth means the caller must restart the full
// authorization flow.
type AuthError struct {
	Code         string
	Message      string
	Retryable    bool
	RequiresAuth bool

	err error
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("auth: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("auth: %s", e.Code)
}

func (e *AuthError) Unwrap() error {
	return e.err
}

func authErr(code, message string, retryable, requiresAuth bool, wrapped error) *AuthError {
	return &AuthError{
		Code:         code,
		Message:      message,
		Retryable:    retryable,
		RequiresAuth: requiresAuth,
		err:          wrapped,
	}
}
