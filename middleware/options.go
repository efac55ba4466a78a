package middleware

import (
	"log/slog"
	"net/http"

	"github.com/MrEthical07/rentauth/permission"
)

type options struct {
	loginPath        string
	unauthorizedPath string
	redirectParam    string
	checkRoutes      bool
	logger           *slog.Logger
	requestSource    func(http.ResponseWriter, *http.Request) Source
}

// Option configures a Guard.
type Option func(*options)

// WithLoginPath overrides Routes.LoginPath.
func WithLoginPath(p string) Option {
	return func(o *options) { o.loginPath = p }
}

// WithUnauthorizedPath overrides Routes.UnauthorizedPath.
func WithUnauthorizedPath(p string) Option {
	return func(o *options) { o.unauthorizedPath = p }
}

// WithRouteCheck toggles the route prefix check. It is on by default.
func WithRouteCheck(enabled bool) Option {
	return func(o *options) { o.checkRoutes = enabled }
}

// WithLogger sets the logger for degraded evaluations.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRequestSource changes where the HTTP adapters resolve the session. The
// default is Manager.ForRequest, i.e. the request's cookies.
func WithRequestSource(fn func(http.ResponseWriter, *http.Request) Source) Option {
	return func(o *options) {
		if fn != nil {
			o.requestSource = fn
		}
	}
}

// Requirement narrows what an HTTP adapter demands beyond authentication.
type Requirement func(*Request)

// RequireRole demands at least role.
func RequireRole(role permission.Role) Requirement {
	return func(r *Request) { r.RequiredRole = role }
}

// RequirePermission demands action.
func RequirePermission(action string) Requirement {
	return func(r *Request) { r.RequiredPermission = action }
}
