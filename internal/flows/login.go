package flows

import (
	"context"
	"errors"

	"github.com/MrEthical07/rentauth/internal/transport"
	"github.com/MrEthical07/rentauth/session"
)

// LoginAPI is the slice of the auth API used by login.
type LoginAPI interface {
	Login(ctx context.Context, creds transport.Credentials) (*transport.AuthResponse, error)
}

// LoginDeps captures login flow dependencies.
type LoginDeps struct {
	API        LoginAPI
	DecodeUser func([]byte) (*session.User, error)
}

// LoginResult carries the new session or failure metadata.
type LoginResult struct {
	Failure FailureKind
	Err     error
	Session session.Session
}

// RunLogin exchanges credentials for a session. It does not persist it.
func RunLogin(ctx context.Context, creds transport.Credentials, deps LoginDeps) LoginResult {
	resp, err := deps.API.Login(ctx, creds)
	if err != nil {
		return LoginResult{Failure: classify(err, FailureInvalidCredentials), Err: err}
	}
	if resp.Token == "" {
		return LoginResult{Failure: FailureBadResponse, Err: errors.New("login response has no token")}
	}
	user, err := deps.DecodeUser(resp.User)
	if err != nil {
		return LoginResult{Failure: FailureBadResponse, Err: err}
	}
	sess, err := session.NewAuthenticated(resp.Token, resp.RefreshToken, user)
	if err != nil {
		return LoginResult{Failure: FailureBadResponse, Err: err}
	}
	return LoginResult{Session: sess}
}
