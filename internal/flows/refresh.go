package flows

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/rentauth/internal/transport"
	"github.com/MrEthical07/rentauth/session"
)

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	// Exchange performs the refresh call. The manager wraps it in a
	// single-flight group, so several flows may share one response.
	Exchange func(ctx context.Context, refreshToken string) (*transport.AuthResponse, error)
	// Me fetches the profile when neither the response nor the current
	// session carries a user. Optional.
	Me            func(ctx context.Context, accessToken string) ([]byte, error)
	DecodeUser    func([]byte) (*session.User, error)
	DecodeSubject func(string) (string, error)
}

// RefreshResult carries the refreshed session or failure metadata.
type RefreshResult struct {
	Failure FailureKind
	Err     error
	Session session.Session
	// Rotated reports whether the server issued a new refresh token.
	Rotated bool
}

// RunRefresh trades current.RefreshToken for a new access token and merges the
// response into current: a missing refresh token keeps the old one and a
// missing user keeps the stored user.
func RunRefresh(ctx context.Context, current session.Session, deps RefreshDeps) RefreshResult {
	if current.RefreshToken == "" {
		return RefreshResult{Failure: FailureNoRefreshToken, Err: errors.New("no refresh token")}
	}

	resp, err := deps.Exchange(ctx, current.RefreshToken)
	if err != nil {
		return RefreshResult{Failure: classify(err, FailureRejected), Err: err}
	}
	return MergeRefresh(ctx, current, resp, deps)
}

// MergeRefresh applies a refresh response to current.
func MergeRefresh(ctx context.Context, current session.Session, resp *transport.AuthResponse, deps RefreshDeps) RefreshResult {
	if resp == nil || resp.Token == "" {
		return RefreshResult{Failure: FailureBadResponse, Err: errors.New("refresh response has no token")}
	}

	refreshToken := current.RefreshToken
	rotated := false
	if resp.RefreshToken != "" && resp.RefreshToken != current.RefreshToken {
		refreshToken = resp.RefreshToken
		rotated = true
	}

	user := current.User.Clone()
	if len(resp.User) > 0 && string(resp.User) != "null" {
		decoded, err := deps.DecodeUser(resp.User)
		if err != nil {
			return RefreshResult{Failure: FailureBadResponse, Err: err}
		}
		user = decoded
	}
	if user == nil && deps.Me != nil {
		raw, err := deps.Me(ctx, resp.Token)
		if err != nil {
			return RefreshResult{Failure: classify(err, FailureRejected), Err: err}
		}
		if user, err = deps.DecodeUser(raw); err != nil {
			return RefreshResult{Failure: FailureBadResponse, Err: err}
		}
	}
	if user == nil {
		return RefreshResult{Failure: FailureBadResponse, Err: errors.New("refresh produced no user")}
	}

	if deps.DecodeSubject != nil {
		if sub, err := deps.DecodeSubject(resp.Token); err == nil && sub != "" && sub != user.ID {
			return RefreshResult{
				Failure: FailureSubjectMismatch,
				Err:     fmt.Errorf("token subject %q does not match user %q", sub, user.ID),
			}
		}
	}

	sess, err := session.NewAuthenticated(resp.Token, refreshToken, user)
	if err != nil {
		return RefreshResult{Failure: FailureBadResponse, Err: err}
	}
	return RefreshResult{Session: sess, Rotated: rotated}
}
