package permission

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// Subject is anything that can report a role. A subject that reports false is
// treated as unauthenticated and is denied everything.
type Subject interface {
	PermissionRole() (Role, bool)
}

// RolePermission is the compiled, cumulative permission set of one role.
type RolePermission struct {
	Role                 Role
	AllowedRoutePrefixes []string
	AllowedActions       []string
}

type compiledRole struct {
	actions  Mask64
	prefixes []string
}

// Policy answers action and route questions for roles. It is immutable once
// built by [NewPolicy].
type Policy struct {
	registry *Registry
	roles    [roleCount + 1]compiledRole
}

// NewPolicy compiles a table. Every role must appear exactly once; each role
// inherits the base grant and every lower role's grant.
func NewPolicy(t Table) (*Policy, error) {
	additions := make(map[Role]Grant, roleCount)
	for _, row := range t.Roles {
		role, err := ParseRole(row.Role)
		if err != nil {
			return nil, fmt.Errorf("permission table: %w", err)
		}
		if _, dup := additions[role]; dup {
			return nil, fmt.Errorf("permission table: role %s listed twice", role)
		}
		additions[role] = row.Grant
	}
	for _, role := range Roles() {
		if _, ok := additions[role]; !ok {
			return nil, fmt.Errorf("permission table: role %s missing", role)
		}
	}

	p := &Policy{registry: NewRegistry()}

	var mask Mask64
	var prefixes []string
	if err := p.grant(&mask, &prefixes, t.Base); err != nil {
		return nil, err
	}
	for _, role := range Roles() {
		if err := p.grant(&mask, &prefixes, additions[role]); err != nil {
			return nil, fmt.Errorf("permission table: role %s: %w", role, err)
		}
		p.roles[role] = compiledRole{
			actions:  mask,
			prefixes: append([]string(nil), prefixes...),
		}
	}
	p.registry.Freeze()
	return p, nil
}

func (p *Policy) grant(mask *Mask64, prefixes *[]string, g Grant) error {
	for _, action := range g.Actions {
		action = strings.TrimSpace(action)
		if action == "" {
			return errors.New("empty action name")
		}
		bit, err := p.registry.Ensure(action)
		if err != nil {
			return fmt.Errorf("action %q: %w", action, err)
		}
		mask.Set(bit)
	}
	for _, route := range g.Routes {
		prefix, ok := normalizePrefix(route)
		if !ok {
			return fmt.Errorf("route prefix %q must be absolute", route)
		}
		if !containsString(*prefixes, prefix) {
			*prefixes = append(*prefixes, prefix)
		}
	}
	return nil
}

// CanPerform reports whether subject may perform action. Unknown actions and
// subjects without a valid role are denied.
func (p *Policy) CanPerform(subject Subject, action string) bool {
	role, ok := subjectRole(subject)
	if !ok {
		return false
	}
	return p.RoleCanPerform(role, action)
}

// RoleCanPerform is [Policy.CanPerform] for a bare role.
func (p *Policy) RoleCanPerform(role Role, action string) bool {
	if p == nil || !role.Valid() {
		return false
	}
	bit, ok := p.registry.Bit(action)
	if !ok {
		return false
	}
	return p.roles[role].actions.Has(bit)
}

// CanAccessRoute reports whether subject may visit routePath. Matching is by
// path segment: "/admin/users" grants "/admin/users/42" but not "/admin/usersx".
func (p *Policy) CanAccessRoute(subject Subject, routePath string) bool {
	role, ok := subjectRole(subject)
	if !ok {
		return false
	}
	return p.RoleCanAccessRoute(role, routePath)
}

// RoleCanAccessRoute is [Policy.CanAccessRoute] for a bare role.
func (p *Policy) RoleCanAccessRoute(role Role, routePath string) bool {
	if p == nil || !role.Valid() {
		return false
	}
	target := CleanPath(routePath)
	for _, prefix := range p.roles[role].prefixes {
		if matchPrefix(target, prefix) {
			return true
		}
	}
	return false
}

// IsRoleAtLeast reports whether subject's role is at or above required.
func (p *Policy) IsRoleAtLeast(subject Subject, required Role) bool {
	role, ok := subjectRole(subject)
	if !ok {
		return false
	}
	return IsRoleAtLeast(role, required)
}

// Permissions returns a copy of the compiled permission set for role.
func (p *Policy) Permissions(role Role) (RolePermission, bool) {
	if p == nil || !role.Valid() {
		return RolePermission{}, false
	}
	compiled := p.roles[role]
	prefixes := append([]string(nil), compiled.prefixes...)
	sort.Strings(prefixes)
	return RolePermission{
		Role:                 role,
		AllowedRoutePrefixes: prefixes,
		AllowedActions:       p.registry.Names(compiled.actions),
	}, true
}

// Mask returns the compiled action mask of role.
func (p *Policy) Mask(role Role) Mask64 {
	if p == nil || !role.Valid() {
		return 0
	}
	return p.roles[role].actions
}

// Actions lists every action known to the policy.
func (p *Policy) Actions() []string {
	if p == nil {
		return nil
	}
	return p.registry.Names(^Mask64(0))
}

// CleanPath reduces a request target to the path used for route matching. The
// query string and fragment are dropped and the result is always absolute.
func CleanPath(target string) string {
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}
	return path.Clean(target)
}

func subjectRole(subject Subject) (Role, bool) {
	if subject == nil {
		return 0, false
	}
	role, ok := subject.PermissionRole()
	if !ok || !role.Valid() {
		return 0, false
	}
	return role, true
}

func normalizePrefix(route string) (string, bool) {
	route = strings.TrimSpace(route)
	if !strings.HasPrefix(route, "/") {
		return "", false
	}
	return path.Clean(route), true
}

func matchPrefix(target, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return target == prefix || strings.HasPrefix(target, prefix+"/")
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
