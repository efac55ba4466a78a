package rentauth

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned when the API rejects an email/password pair.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned when login names an unknown account.
	ErrUserNotFound = errors.New("user not found")
	// ErrTokenExpired marks an access token past its skew-adjusted expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrInvalidToken marks a token the API refused or that could not be decoded.
	ErrInvalidToken = errors.New("invalid token")
	// ErrSessionExpired is returned when a refresh fails and the session was cleared.
	ErrSessionExpired = errors.New("session expired")
	// ErrNetwork wraps failures to reach the auth API.
	ErrNetwork = errors.New("network error")
	// ErrPermissionDenied is returned for role or permission check failures.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrServer wraps 5xx and malformed responses from the auth API.
	ErrServer = errors.New("server error")
	// ErrNotAuthenticated is returned by operations that need a session.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("manager closed")
)

// Kind is the coarse error class callers switch on.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidCredentials
	KindUserNotFound
	KindTokenExpired
	KindInvalidToken
	KindSessionExpired
	KindNetwork
	KindPermissionDenied
	KindServer
	KindCancelled
)

var kindSentinels = map[Kind]error{
	KindInvalidCredentials: ErrInvalidCredentials,
	KindUserNotFound:       ErrUserNotFound,
	KindTokenExpired:       ErrTokenExpired,
	KindInvalidToken:       ErrInvalidToken,
	KindSessionExpired:     ErrSessionExpired,
	KindNetwork:            ErrNetwork,
	KindPermissionDenied:   ErrPermissionDenied,
	KindServer:             ErrServer,
}

func (k Kind) String() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindUserNotFound:
		return "user_not_found"
	case KindTokenExpired:
		return "token_expired"
	case KindInvalidToken:
		return "invalid_token"
	case KindSessionExpired:
		return "session_expired"
	case KindNetwork:
		return "network"
	case KindPermissionDenied:
		return "permission_denied"
	case KindServer:
		return "server"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// AuthError is the error type returned by Manager operations. errors.Is
// matches both the Kind's sentinel and the underlying cause.
type AuthError struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() []error {
	out := make([]error, 0, 2)
	if s, ok := kindSentinels[e.Kind]; ok {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Classify returns the Kind of err.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

func newAuthError(op string, kind Kind, status int, err error) *AuthError {
	return &AuthError{Kind: kind, Op: op, Status: status, Err: err}
}
