package permission

import (
	"fmt"
	"strings"
)

// Role is a closed enumeration of portal roles. Its numeric value is the
// position in the hierarchy; the zero value is not a valid role.
type Role uint8

const (
	RoleUser Role = iota + 1
	RoleRenter
	RoleAdmin
	RoleSuperAdmin
)

const roleCount = int(RoleSuperAdmin)

// Roles returns every valid role in ascending hierarchy order.
func Roles() []Role {
	return []Role{RoleUser, RoleRenter, RoleAdmin, RoleSuperAdmin}
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	return r >= RoleUser && r <= RoleSuperAdmin
}

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleRenter:
		return "renter"
	case RoleAdmin:
		return "admin"
	case RoleSuperAdmin:
		return "super_admin"
	default:
		return "unknown"
	}
}

// ParseRole maps a wire role string to a Role. "owner" is accepted as an alias
// of renter and "superadmin" as an alias of super_admin.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, nil
	case "renter", "owner":
		return RoleRenter, nil
	case "admin":
		return RoleAdmin, nil
	case "super_admin", "superadmin", "super-admin":
		return RoleSuperAdmin, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// MarshalText encodes the canonical role name.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name through [ParseRole].
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// IsRoleAtLeast reports whether userRole sits at or above required in the
// hierarchy. Invalid roles never satisfy and are never satisfied.
func IsRoleAtLeast(userRole, required Role) bool {
	if !userRole.Valid() || !required.Valid() {
		return false
	}
	return userRole >= required
}
