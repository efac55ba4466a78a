package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/rentauth/session"
)

// HydrateDeps captures hydrate flow dependencies.
type HydrateDeps struct {
	Me         func(ctx context.Context, accessToken string) ([]byte, error)
	DecodeUser func([]byte) (*session.User, error)
}

// HydrateResult carries the rebuilt session or failure metadata.
type HydrateResult struct {
	Failure FailureKind
	Err     error
	Session session.Session
}

// RunHydrate rebuilds a session from tokens alone by asking the API who the
// access token belongs to.
func RunHydrate(ctx context.Context, accessToken, refreshToken string, deps HydrateDeps) HydrateResult {
	if accessToken == "" {
		return HydrateResult{Failure: FailureRejected, Err: errors.New("no access token")}
	}
	raw, err := deps.Me(ctx, accessToken)
	if err != nil {
		return HydrateResult{Failure: classify(err, FailureRejected), Err: err}
	}
	user, err := deps.DecodeUser(raw)
	if err != nil {
		return HydrateResult{Failure: FailureBadResponse, Err: err}
	}
	sess, err := session.NewAuthenticated(accessToken, refreshToken, user)
	if err != nil {
		return HydrateResult{Failure: FailureBadResponse, Err: err}
	}
	return HydrateResult{Session: sess}
}
