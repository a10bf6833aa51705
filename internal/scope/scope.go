// package scope maps permission tiers to OAuth scope policy.
//
// Three tiers exist: read-only, limited (read plus playback control), and
// full-access (adds write operations). Each tier carries a required scope
// set, an optional set, and a denylist of scopes that must never be
// requested at that tier. A static per-operation table independently names
// the scopes each operation needs.
package scope

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ferncliff/spotbridge/internal/shared"
)

// Tier is a permission tier name.
type Tier string

const (
	TierReadOnly   Tier = "read-only"
	TierLimited    Tier = "limited"
	TierFullAccess Tier = "full-access"
)

// Spotify OAuth scopes the bridge knows about.
const (
	ScopeUserReadPrivate      = "user-read-private"
	ScopeUserReadEmail        = "user-read-email"
	ScopePlaylistRead         = "playlist-read-private"
	ScopePlaylistReadCollab   = "playlist-read-collaborative"
	ScopeLibraryRead          = "user-library-read"
	ScopeRecentlyPlayed       = "user-read-recently-played"
	ScopeTopRead              = "user-top-read"
	ScopePlaybackState        = "user-read-playback-state"
	ScopePlaybackControl      = "user-modify-playback-state"
	ScopeLibraryModify        = "user-library-modify"
	ScopePlaylistModify       = "playlist-modify-private"
	ScopePlaylistModifyPublic = "playlist-modify-public"
)

// Policy defines one tier's scope envelope.
type Policy struct {
	Required  []string
	Optional  []string
	Forbidden []string
}

var tierPolicies = map[Tier]Policy{
	TierReadOnly: {
		Required: []string{
			ScopeUserReadPrivate,
			ScopeUserReadEmail,
			ScopePlaylistRead,
			ScopePlaylistReadCollab,
			ScopeLibraryRead,
		},
		Optional: []string{
			ScopeRecentlyPlayed,
			ScopeTopRead,
			ScopePlaybackState,
		},
		Forbidden: []string{
			ScopePlaybackControl,
			ScopeLibraryModify,
			ScopePlaylistModify,
			ScopePlaylistModifyPublic,
		},
	},
	TierLimited: {
		Required: []string{
			ScopeUserReadPrivate,
			ScopeUserReadEmail,
			ScopePlaylistRead,
			ScopePlaylistReadCollab,
			ScopeLibraryRead,
			ScopePlaybackState,
			ScopePlaybackControl,
		},
		Optional: []string{
			ScopeRecentlyPlayed,
			ScopeTopRead,
		},
		Forbidden: []string{
			ScopeLibraryModify,
			ScopePlaylistModify,
			ScopePlaylistModifyPublic,
		},
	},
	TierFullAccess: {
		Required: []string{
			ScopeUserReadPrivate,
			ScopeUserReadEmail,
			ScopePlaylistRead,
			ScopePlaylistReadCollab,
			ScopeLibraryRead,
			ScopePlaybackState,
			ScopePlaybackControl,
			ScopeLibraryModify,
			ScopePlaylistModify,
			ScopePlaylistModifyPublic,
		},
		Optional: []string{
			ScopeRecentlyPlayed,
			ScopeTopRead,
		},
	},
}

// operationScopes names the scopes each operation requires, independent of
// tier. An empty set means any valid token suffices.
var operationScopes = map[string][]string{
	"search":              {},
	"get_profile":         {ScopeUserReadPrivate},
	"get_playlists":       {ScopePlaylistRead},
	"get_playlist":        {ScopePlaylistRead},
	"get_saved_tracks":    {ScopeLibraryRead},
	"get_recently_played": {ScopeRecentlyPlayed},
	"get_top_items":       {ScopeTopRead},
	"get_playback_state":  {ScopePlaybackState},
	"control_playback":    {ScopePlaybackControl},
	"save_tracks":         {ScopeLibraryModify},
	"create_playlist":     {ScopePlaylistModify},
	"add_tracks":          {ScopePlaylistModify},
}

// ParseTier validates a tier name from configuration.
func ParseTier(name string) (Tier, error) {
	tier := Tier(name)
	if _, ok := tierPolicies[tier]; !ok {
		return "", fmt.Errorf("%w: unknown scope tier %q", shared.ErrInvalidConfig, name)
	}
	return tier, nil
}

// AllowedScopes returns the minimal scope set a tier should request.
func AllowedScopes(tier Tier) []string {
	policy := tierPolicies[tier]
	out := make([]string, len(policy.Required))
	copy(out, policy.Required)
	return out
}

// Operations returns the sorted names of all known operations.
func Operations() []string {
	out := make([]string, 0, len(operationScopes))
	for name := range operationScopes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ParseScopes splits a granted scope string into its parts.
func ParseScopes(scopeString string) []string {
	return strings.Fields(scopeString)
}

// AccessResult reports one operation authorization decision.
type AccessResult struct {
	Allowed       bool     `json:"allowed"`
	MissingScopes []string `json:"missing_scopes,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// SetValidation reports how a requested scope set compares to tier policy.
type SetValidation struct {
	Valid           bool     `json:"valid"`
	Missing         []string `json:"missing,omitempty"`
	Excessive       []string `json:"excessive,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Manager authorizes operations against one configured tier.
type Manager struct {
	tier   Tier
	policy Policy
}

// NewManager creates a scope manager for the named tier.
func NewManager(tierName string) (*Manager, error) {
	tier, err := ParseTier(tierName)
	if err != nil {
		return nil, err
	}
	return &Manager{tier: tier, policy: tierPolicies[tier]}, nil
}

// Tier returns the configured tier.
func (m *Manager) Tier() Tier { return m.tier }

// ValidateToolAccess decides whether an operation may run with the granted
// scopes. The tier denylist wins: an operation whose required scope is
// forbidden at this tier is rejected even when the granted scope string
// happens to contain it.
func (m *Manager) ValidateToolAccess(tool string, grantedScopes []string) AccessResult {
	required, ok := operationScopes[tool]
	if !ok {
		return AccessResult{Allowed: false, Reason: fmt.Sprintf("unknown operation %q", tool)}
	}

	for _, scope := range required {
		if contains(m.policy.Forbidden, scope) {
			return AccessResult{
				Allowed: false,
				Reason:  fmt.Sprintf("operation %q is not permitted at tier %s", tool, m.tier),
			}
		}
	}

	var missing []string
	for _, scope := range required {
		if !contains(grantedScopes, scope) {
			missing = append(missing, scope)
		}
	}

	if len(missing) > 0 {
		return AccessResult{
			Allowed:       false,
			MissingScopes: missing,
			Reason:        "granted scopes do not cover this operation",
		}
	}

	return AccessResult{Allowed: true}
}

// ValidateScopeSet compares a requested scope set against tier policy.
func (m *Manager) ValidateScopeSet(requested []string) SetValidation {
	var v SetValidation

	for _, scope := range m.policy.Required {
		if !contains(requested, scope) {
			v.Missing = append(v.Missing, scope)
			v.Recommendations = append(v.Recommendations, fmt.Sprintf("add %s: required at tier %s", scope, m.tier))
		}
	}

	for _, scope := range requested {
		switch {
		case contains(m.policy.Forbidden, scope):
			v.Excessive = append(v.Excessive, scope)
			v.Recommendations = append(v.Recommendations, fmt.Sprintf("drop %s: never requested at tier %s", scope, m.tier))
		case !contains(m.policy.Required, scope) && !contains(m.policy.Optional, scope):
			v.Excessive = append(v.Excessive, scope)
			v.Recommendations = append(v.Recommendations, fmt.Sprintf("drop %s: outside tier %s policy", scope, m.tier))
		}
	}

	v.Valid = len(v.Missing) == 0 && len(v.Excessive) == 0
	return v
}

func contains(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
