package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MrEthical07/rentauth"
	"github.com/MrEthical07/rentauth/permission"
	"github.com/MrEthical07/rentauth/session"
)

// Source resolves the session a guard evaluates. *rentauth.Manager and
// *rentauth.Scope implement it.
type Source interface {
	ValidateAndRefresh(ctx context.Context) (*session.Session, error)
	SetIntendedRoute(ctx context.Context, route string) error
}

// DecisionKind is the outcome of a guard evaluation.
type DecisionKind int

const (
	// Loading: the session is not resolved yet.
	Loading DecisionKind = iota
	DeniedUnauthenticated
	DeniedForbidden
	Allowed
)

func (k DecisionKind) String() string {
	switch k {
	case DeniedUnauthenticated:
		return "denied_unauthenticated"
	case DeniedForbidden:
		return "denied_forbidden"
	case Allowed:
		return "allowed"
	default:
		return "loading"
	}
}

// Request describes a protected page. Zero RequiredRole and empty
// RequiredPermission skip those checks.
type Request struct {
	// Path is the requested path, optionally with a query string.
	Path string
	// Target is where login sends the visitor back to. Empty means Path.
	Target             string
	RequiredRole       permission.Role
	RequiredPermission string
}

func (r Request) target() string {
	if r.Target != "" {
		return r.Target
	}
	return r.Path
}

// Decision is what to do with a request. Redirect is set for denials;
// Session is set when Allowed.
type Decision struct {
	Kind     DecisionKind
	Redirect string
	Session  *session.Session
}

// Guard decides whether a session may open a page. Checks run in a fixed
// order: authentication, role, permission, route prefix. The first failing
// check decides.
type Guard struct {
	m      *rentauth.Manager
	policy *permission.Policy
	opts   options
}

// NewGuard returns a Guard over m. Redirect targets default to m's Routes
// configuration.
func NewGuard(m *rentauth.Manager, opts ...Option) *Guard {
	routes := m.Config().Routes
	o := options{
		loginPath:        routes.LoginPath,
		unauthorizedPath: routes.UnauthorizedPath,
		redirectParam:    routes.RedirectParam,
		checkRoutes:      true,
		logger:           slog.Default(),
		requestSource: func(w http.ResponseWriter, r *http.Request) Source {
			return m.ForRequest(w, r)
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Guard{m: m, policy: m.Policy(), opts: o}
}

// Evaluate checks req against the Manager's own session.
func (g *Guard) Evaluate(ctx context.Context, req Request) Decision {
	return g.EvaluateWith(ctx, g.m, req)
}

// EvaluateWith checks req against the session resolved by src.
func (g *Guard) EvaluateWith(ctx context.Context, src Source, req Request) Decision {
	sess, err := src.ValidateAndRefresh(ctx)
	if err != nil && rentauth.Classify(err) == rentauth.KindCancelled {
		return Decision{Kind: Loading}
	}
	if err != nil {
		g.opts.logger.Debug("rentauth: guard could not resolve session", "op", "guard", "path", req.Path, "error", err)
	}

	d := g.decide(sess, req)
	switch d.Kind {
	case DeniedUnauthenticated:
		if target := req.target(); rentauth.SafeLocalPath(target) {
			if err := src.SetIntendedRoute(ctx, target); err != nil {
				g.opts.logger.Warn("rentauth: storing intended route failed", "op", "guard", "path", target, "error", err)
			}
		}
		g.m.ObserveGuard(ctx, rentauth.GuardDeniedUnauthenticated, req.Path, nil)
	case DeniedForbidden:
		g.m.ObserveGuard(ctx, rentauth.GuardDeniedForbidden, req.Path, sess)
	case Allowed:
		g.m.ObserveGuard(ctx, rentauth.GuardAllowed, req.Path, sess)
	}
	return d
}

// decide is the pure part of the evaluation.
func (g *Guard) decide(sess *session.Session, req Request) Decision {
	if sess == nil || !sess.IsAuthenticated {
		return Decision{Kind: DeniedUnauthenticated, Redirect: g.loginRedirect(req.target())}
	}
	forbidden := Decision{Kind: DeniedForbidden, Redirect: g.opts.unauthorizedPath}

	if req.RequiredRole != 0 && !g.policy.IsRoleAtLeast(sess, req.RequiredRole) {
		return forbidden
	}
	if req.RequiredPermission != "" && !g.policy.CanPerform(sess, req.RequiredPermission) {
		return forbidden
	}
	if g.opts.checkRoutes && req.Path != "" && !g.policy.CanAccessRoute(sess, req.Path) {
		return forbidden
	}
	return Decision{Kind: Allowed, Session: sess}
}

func (g *Guard) loginRedirect(path string) string {
	if !rentauth.SafeLocalPath(path) {
		return g.opts.loginPath
	}
	return g.opts.loginPath + "?" + url.Values{g.opts.redirectParam: {path}}.Encode()
}
