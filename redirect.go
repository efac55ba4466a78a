package rentauth

import (
	"context"
	"strings"

	"github.com/MrEthical07/rentauth/permission"
)

// LoginRedirect returns the landing page for role after login.
func LoginRedirect(role permission.Role) string {
	switch role {
	case permission.RoleSuperAdmin, permission.RoleAdmin:
		return "/admin/dashboard"
	case permission.RoleRenter:
		return "/renter/properties"
	default:
		return "/dashboard/bookings"
	}
}

// SafeLocalPath reports whether p is a same-origin absolute path that can be
// used as a redirect target.
func SafeLocalPath(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return false
	}
	return !strings.ContainsAny(p, "\r\n")
}

// RememberIntendedRoute stores route so PostLoginRedirect can return to it.
// Unsafe targets are ignored.
func (s *Scope) RememberIntendedRoute(ctx context.Context, route string) error {
	if !SafeLocalPath(route) {
		return nil
	}
	return s.store.SetIntendedRoute(ctx, route)
}

// SetIntendedRoute is RememberIntendedRoute.
func (s *Scope) SetIntendedRoute(ctx context.Context, route string) error {
	return s.RememberIntendedRoute(ctx, route)
}

// PostLoginRedirect consumes the stored intended route and returns it when
// role may open it; otherwise it returns LoginRedirect(role).
func (s *Scope) PostLoginRedirect(ctx context.Context, role permission.Role) string {
	route, ok := s.store.TakeIntendedRoute(ctx)
	if ok && SafeLocalPath(route) && s.m.policy.RoleCanAccessRoute(role, route) {
		return route
	}
	return LoginRedirect(role)
}
