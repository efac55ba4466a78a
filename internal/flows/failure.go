package flows

import (
	"context"
	"errors"
	"net/http"

	"github.com/MrEthical07/rentauth/internal/transport"
)

// FailureKind classifies flow failures for root-level mapping.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureInvalidCredentials
	FailureUserNotFound
	FailureRejected
	FailureNetwork
	FailureServer
	FailureBadResponse
	FailureSubjectMismatch
	FailureNoRefreshToken
	FailureCancelled
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureInvalidCredentials:
		return "invalid_credentials"
	case FailureUserNotFound:
		return "user_not_found"
	case FailureRejected:
		return "rejected"
	case FailureNetwork:
		return "network"
	case FailureServer:
		return "server"
	case FailureBadResponse:
		return "bad_response"
	case FailureSubjectMismatch:
		return "subject_mismatch"
	case FailureNoRefreshToken:
		return "no_refresh_token"
	case FailureCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// classify maps a transport error onto a failure kind. unauthorized is the
// kind reported for 401/403.
func classify(err error, unauthorized FailureKind) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailureCancelled
	case errors.Is(err, transport.ErrUnreachable):
		return FailureNetwork
	}
	switch status := transport.StatusOf(err); {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return unauthorized
	case status == http.StatusNotFound && unauthorized == FailureInvalidCredentials:
		return FailureUserNotFound
	case status >= 400 && status < 500:
		return unauthorized
	case status >= 500:
		return FailureServer
	}
	return FailureServer
}
