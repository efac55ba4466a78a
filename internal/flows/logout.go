package flows

import (
	"context"
	"time"

	"github.com/MrEthical07/rentauth/session"
)

// LogoutDeps captures logout flow dependencies.
type LogoutDeps struct {
	Remote        func(ctx context.Context, accessToken, refreshToken string) error
	Clear         func(ctx context.Context) error
	RemoteTimeout time.Duration
}

// LogoutResult reports both halves of a logout. RemoteErr never fails the
// logout; ClearErr does.
type LogoutResult struct {
	RemoteFailure FailureKind
	RemoteErr     error
	RemoteSkipped bool
	ClearErr      error
}

// RunLogout notifies the API best-effort, then clears local state whatever the
// API said.
func RunLogout(ctx context.Context, current session.Session, deps LogoutDeps) LogoutResult {
	var out LogoutResult
	if current.AccessToken == "" && current.RefreshToken == "" {
		out.RemoteSkipped = true
	} else {
		remoteCtx := ctx
		if deps.RemoteTimeout > 0 {
			var cancel context.CancelFunc
			remoteCtx, cancel = context.WithTimeout(ctx, deps.RemoteTimeout)
			defer cancel()
		}
		if err := deps.Remote(remoteCtx, current.AccessToken, current.RefreshToken); err != nil {
			out.RemoteErr = err
			out.RemoteFailure = classify(err, FailureRejected)
		}
	}
	// The remote call may have been cut short by ctx; local state must still go.
	out.ClearErr = deps.Clear(context.WithoutCancel(ctx))
	return out
}
