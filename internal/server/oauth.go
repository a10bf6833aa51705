package server

import (
	"fmt"
	"net/http"

	"github.com/ferncliff/spotbridge/internal/auth"
)

// CallbackResult carries the outcome of one completed authorization
// callback to a waiting caller (the CLI login command).
type CallbackResult struct {
	Credential *auth.Credential
	Err        error
}

// CallbackHandler completes PKCE flows when Spotify redirects back.
//
// Stale or replayed callbacks are rejected by the manager's state and
// expiry validation, so the handler itself stays stateless and reusable.
type CallbackHandler struct {
	manager *auth.Manager
	userID  string
	notify  chan CallbackResult
}

// NewCallbackHandler creates a callback handler completing flows for userID.
func NewCallbackHandler(manager *auth.Manager, userID string) *CallbackHandler {
	return &CallbackHandler{
		manager: manager,
		userID:  userID,
		notify:  make(chan CallbackResult, 4),
	}
}

// Routes returns the HTTP routes this handler serves.
func (h *CallbackHandler) Routes() []string {
	return []string{"/callback"}
}

// Result returns a channel receiving one CallbackResult per completed
// callback. Sends never block; results are dropped when nobody listens.
func (h *CallbackHandler) Result() <-chan CallbackResult {
	return h.notify
}

// ServeHTTP validates the callback parameters and exchanges the
// authorization code for tokens.
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		err := fmt.Errorf("authorization failed: %s - %s", errParam, query.Get("error_description"))
		h.send(CallbackResult{Err: err})
		http.Error(w, "Authorization failed", http.StatusBadRequest)
		return
	}

	code := query.Get("code")
	if code == "" {
		err := fmt.Errorf("authorization callback missing code parameter")
		h.send(CallbackResult{Err: err})
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		return
	}

	cred, err := h.manager.ExchangeCode(r.Context(), h.userID, code, query.Get("state"))
	if err != nil {
		h.send(CallbackResult{Err: err})
		http.Error(w, "Token exchange failed", http.StatusBadRequest)
		return
	}

	h.send(CallbackResult{Credential: cred})

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `
<!DOCTYPE html>
<html>
<head>
    <title>Authorization Successful</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
               display: flex; align-items: center; justify-content: center; height: 100vh;
               margin: 0; background: #f5f5f5; }
        .container { text-align: center; background: white; padding: 2rem;
                     border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        h1 { color: #1DB954; margin: 0 0 1rem 0; }
        p { color: #666; margin: 0; }
    </style>
</head>
<body>
    <div class="container">
        <h1>✓ Authorization Successful</h1>
        <p>You can close this window and return to the terminal.</p>
    </div>
</body>
</html>
`)
}

func (h *CallbackHandler) send(result CallbackResult) {
	select {
	case h.notify <- result:
	default:
	}
}
