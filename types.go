package rentauth

import (
	"github.com/MrEthical07/rentauth/internal/transport"
	"github.com/MrEthical07/rentauth/session"
)

// Credentials is the login request body.
type Credentials = transport.Credentials

// AuthResponse is the login and refresh response body.
type AuthResponse = transport.AuthResponse

// API is the auth API contract. The default implementation speaks HTTP to
// APIConfig.BaseURL; tests and embedders may supply their own.
type API = transport.API

// StatusError is returned by the HTTP API client for non-2xx responses.
type StatusError = transport.StatusError

// ErrUnreachable wraps transport failures where no response was received.
var ErrUnreachable = transport.ErrUnreachable

// User and Session are re-exported for callers that only import the root
// package.
type (
	User      = session.User
	UserPatch = session.UserPatch
	Session   = session.Session
)

// userRef carries the identity fields recorded on audit events and logs.
type userRef struct {
	id   string
	role string
}

func refOf(s session.Session) userRef {
	if s.User == nil {
		return userRef{}
	}
	return userRef{id: s.User.ID, role: s.User.Role.String()}
}
