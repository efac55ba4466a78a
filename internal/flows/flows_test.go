package flows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/MrEthical07/rentauth/internal/transport"
	"github.com/MrEthical07/rentauth/permission"
	"github.com/MrEthical07/rentauth/session"
)

type stubLoginAPI struct {
	resp *transport.AuthResponse
	err  error
}

func (s stubLoginAPI) Login(context.Context, transport.Credentials) (*transport.AuthResponse, error) {
	return s.resp, s.err
}

func rawUser(id, role string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"email":"x@example.com","role":%q}`, id, role))
}

func TestRunLoginClassifiesFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"bad credentials", &transport.StatusError{Op: "login", Status: http.StatusUnauthorized}, FailureInvalidCredentials},
		{"unknown user", &transport.StatusError{Op: "login", Status: http.StatusNotFound}, FailureUserNotFound},
		{"server", &transport.StatusError{Op: "login", Status: http.StatusInternalServerError}, FailureServer},
		{"network", fmt.Errorf("%w: dial", transport.ErrUnreachable), FailureNetwork},
		{"cancelled", context.Canceled, FailureCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := RunLogin(context.Background(), transport.Credentials{}, LoginDeps{
				API:        stubLoginAPI{err: tc.err},
				DecodeUser: session.DecodeUser,
			})
			if res.Failure != tc.want {
				t.Fatalf("failure = %s, want %s", res.Failure, tc.want)
			}
		})
	}
}

func TestRunLoginBuildsSession(t *testing.T) {
	res := RunLogin(context.Background(), transport.Credentials{}, LoginDeps{
		API:        stubLoginAPI{resp: &transport.AuthResponse{Token: "acc", RefreshToken: "ref", User: rawUser("u1", "admin")}},
		DecodeUser: session.DecodeUser,
	})
	if res.Failure != FailureNone {
		t.Fatalf("unexpected failure %s: %v", res.Failure, res.Err)
	}
	if !res.Session.IsAuthenticated || res.Session.User.Role != permission.RoleAdmin {
		t.Fatalf("unexpected session %+v", res.Session)
	}

	res = RunLogin(context.Background(), transport.Credentials{}, LoginDeps{
		API:        stubLoginAPI{resp: &transport.AuthResponse{Token: "acc", User: rawUser("u1", "landlord")}},
		DecodeUser: session.DecodeUser,
	})
	if res.Failure != FailureBadResponse {
		t.Fatalf("expected bad response for unknown role, got %s", res.Failure)
	}
}

func stored() session.Session {
	s, _ := session.NewAuthenticated("old-acc", "old-ref", &session.User{ID: "u1", Role: permission.RoleUser, DisplayName: "Stored"})
	return s
}

func TestRunRefreshKeepsOmittedFields(t *testing.T) {
	deps := RefreshDeps{
		Exchange: func(_ context.Context, rt string) (*transport.AuthResponse, error) {
			if rt != "old-ref" {
				t.Fatalf("exchanged %q", rt)
			}
			return &transport.AuthResponse{Token: "new-acc"}, nil
		},
		DecodeUser: session.DecodeUser,
	}
	res := RunRefresh(context.Background(), stored(), deps)
	if res.Failure != FailureNone {
		t.Fatalf("unexpected failure %s: %v", res.Failure, res.Err)
	}
	if res.Session.AccessToken != "new-acc" || res.Session.RefreshToken != "old-ref" || res.Session.User.DisplayName != "Stored" {
		t.Fatalf("unexpected merge %+v", res.Session)
	}
	if res.Rotated {
		t.Fatal("no rotation expected")
	}
}

func TestRunRefreshAppliesRotationAndUser(t *testing.T) {
	deps := RefreshDeps{
		Exchange: func(context.Context, string) (*transport.AuthResponse, error) {
			return &transport.AuthResponse{Token: "new-acc", RefreshToken: "new-ref", User: rawUser("u1", "renter")}, nil
		},
		DecodeUser:    session.DecodeUser,
		DecodeSubject: func(string) (string, error) { return "u1", nil },
	}
	res := RunRefresh(context.Background(), stored(), deps)
	if res.Failure != FailureNone || !res.Rotated {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Session.RefreshToken != "new-ref" || res.Session.User.Role != permission.RoleRenter {
		t.Fatalf("unexpected merge %+v", res.Session)
	}
}

func TestRunRefreshFailures(t *testing.T) {
	rejected := RunRefresh(context.Background(), stored(), RefreshDeps{
		Exchange: func(context.Context, string) (*transport.AuthResponse, error) {
			return nil, &transport.StatusError{Op: "refresh", Status: http.StatusUnauthorized}
		},
		DecodeUser: session.DecodeUser,
	})
	if rejected.Failure != FailureRejected {
		t.Fatalf("expected rejected, got %s", rejected.Failure)
	}

	none := RunRefresh(context.Background(), session.Anonymous(), RefreshDeps{})
	if none.Failure != FailureNoRefreshToken {
		t.Fatalf("expected no refresh token, got %s", none.Failure)
	}

	mismatch := RunRefresh(context.Background(), stored(), RefreshDeps{
		Exchange: func(context.Context, string) (*transport.AuthResponse, error) {
			return &transport.AuthResponse{Token: "new-acc"}, nil
		},
		DecodeUser:    session.DecodeUser,
		DecodeSubject: func(string) (string, error) { return "someone-else", nil },
	})
	if mismatch.Failure != FailureSubjectMismatch {
		t.Fatalf("expected subject mismatch, got %s", mismatch.Failure)
	}
}

func TestRunRefreshHydratesAnonymousViaMe(t *testing.T) {
	anon := session.Session{RefreshToken: "ref-only"}
	var meToken string
	res := RunRefresh(context.Background(), anon, RefreshDeps{
		Exchange: func(context.Context, string) (*transport.AuthResponse, error) {
			return &transport.AuthResponse{Token: "acc"}, nil
		},
		Me: func(_ context.Context, token string) ([]byte, error) {
			meToken = token
			return rawUser("u9", "user"), nil
		},
		DecodeUser: session.DecodeUser,
	})
	if res.Failure != FailureNone {
		t.Fatalf("unexpected failure %s: %v", res.Failure, res.Err)
	}
	if meToken != "acc" || res.Session.User.ID != "u9" || res.Session.RefreshToken != "ref-only" {
		t.Fatalf("unexpected result %+v (me token %q)", res.Session, meToken)
	}
}

func TestRunLogoutAlwaysClears(t *testing.T) {
	cleared := 0
	deps := LogoutDeps{
		Remote: func(ctx context.Context, _, _ string) error {
			return fmt.Errorf("%w: connection reset", transport.ErrUnreachable)
		},
		Clear: func(ctx context.Context) error {
			if ctx.Err() != nil {
				t.Fatal("clear must not inherit cancellation")
			}
			cleared++
			return nil
		},
		RemoteTimeout: time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := RunLogout(ctx, stored(), deps)
	if cleared != 1 || res.ClearErr != nil {
		t.Fatalf("expected one successful clear, got %d (%v)", cleared, res.ClearErr)
	}
	if res.RemoteFailure != FailureNetwork {
		t.Fatalf("remote failure = %s", res.RemoteFailure)
	}

	res = RunLogout(context.Background(), session.Anonymous(), LogoutDeps{
		Remote: func(context.Context, string, string) error {
			t.Fatal("anonymous logout must not call the API")
			return nil
		},
		Clear: func(context.Context) error { return errors.New("disk full") },
	})
	if !res.RemoteSkipped || res.ClearErr == nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDecide(t *testing.T) {
	fresh := func(tok string, _ time.Duration) bool { return tok != "fresh" }
	deps := ValidateDeps{IsExpired: fresh, Skew: time.Minute}

	auth := func(acc, ref string) session.Session {
		s, _ := session.NewAuthenticated(acc, ref, &session.User{ID: "u", Role: permission.RoleUser})
		return s
	}
	cases := []struct {
		name string
		sess session.Session
		raw  string
		want Action
	}{
		{"fresh", auth("fresh", "r"), "", ActionKeep},
		{"stale with refresh", auth("stale", "r"), "", ActionRefresh},
		{"stale without refresh", auth("stale", ""), "", ActionAnonymous},
		{"refresh only", session.Session{RefreshToken: "r"}, "", ActionRefresh},
		{"cookie bootstrap", session.Anonymous(), "fresh", ActionHydrate},
		{"nothing", session.Anonymous(), "", ActionAnonymous},
	}
	for _, tc := range cases {
		d := deps
		d.AccessToken = tc.raw
		if got := Decide(tc.sess, d); got != tc.want {
			t.Fatalf("%s: Decide = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestRunHydrate(t *testing.T) {
	me := func(raw []byte, err error) func(context.Context, string) ([]byte, error) {
		return func(_ context.Context, token string) ([]byte, error) {
			if token != "acc" {
				return nil, fmt.Errorf("unexpected token %q", token)
			}
			return raw, err
		}
	}

	res := RunHydrate(context.Background(), "acc", "ref", HydrateDeps{
		Me:         me(rawUser("u7", "renter"), nil),
		DecodeUser: session.DecodeUser,
	})
	if res.Failure != FailureNone || !res.Session.IsAuthenticated {
		t.Fatalf("expected authenticated session, got %+v", res)
	}
	if res.Session.RefreshToken != "ref" || res.Session.User.Role != permission.RoleRenter {
		t.Fatalf("unexpected session: %+v", res.Session)
	}

	res = RunHydrate(context.Background(), "acc", "", HydrateDeps{
		Me:         me(nil, &transport.StatusError{Op: "me", Status: http.StatusUnauthorized}),
		DecodeUser: session.DecodeUser,
	})
	if res.Failure != FailureRejected {
		t.Fatalf("failure = %s, want rejected", res.Failure)
	}

	res = RunHydrate(context.Background(), "", "", HydrateDeps{})
	if res.Failure != FailureRejected {
		t.Fatalf("failure = %s, want rejected for missing token", res.Failure)
	}
}
