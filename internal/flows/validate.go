package flows

import (
	"time"

	"github.com/MrEthical07/rentauth/session"
)

// Action is what the manager must do to produce a usable session.
type Action int

const (
	// ActionKeep: the stored session is fresh.
	ActionKeep Action = iota
	// ActionRefresh: the access token is stale or missing but a refresh token
	// is available.
	ActionRefresh
	// ActionHydrate: a token exists without a stored profile.
	ActionHydrate
	// ActionAnonymous: nothing usable; any leftovers must be cleared.
	ActionAnonymous
)

func (a Action) String() string {
	switch a {
	case ActionKeep:
		return "keep"
	case ActionRefresh:
		return "refresh"
	case ActionHydrate:
		return "hydrate"
	default:
		return "anonymous"
	}
}

// ValidateDeps captures the token checks used to decide freshness.
type ValidateDeps struct {
	IsExpired func(token string, skew time.Duration) bool
	Skew      time.Duration
	// AccessToken is the raw token tier value, which may exist without a
	// stored user (cookie-only bootstrap).
	AccessToken string
}

// Decide inspects the stored session without any I/O.
func Decide(current session.Session, deps ValidateDeps) Action {
	access := current.AccessToken
	if access == "" {
		access = deps.AccessToken
	}
	fresh := access != "" && !deps.IsExpired(access, deps.Skew)

	switch {
	case current.IsAuthenticated && fresh:
		return ActionKeep
	case current.RefreshToken != "":
		return ActionRefresh
	case fresh:
		return ActionHydrate
	default:
		return ActionAnonymous
	}
}
