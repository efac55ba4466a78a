package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrEthical07/rentauth/permission"
)

// ErrInvalidUser is returned when a user payload lacks an ID or a valid role.
var ErrInvalidUser = errors.New("invalid user")

// ErrInvalidSession is returned for sessions that break the authentication
// invariant.
var ErrInvalidSession = errors.New("invalid session")

// User is the profile persisted alongside the tokens. It has no password
// field; unknown payload fields, including password hashes, are dropped on
// decode.
type User struct {
	ID          string          `json:"id"`
	Email       string          `json:"email"`
	Role        permission.Role `json:"role"`
	DisplayName string          `json:"displayName,omitempty"`
	AvatarURL   string          `json:"avatarUrl,omitempty"`
}

// PermissionRole implements permission.Subject. A nil user has no role.
func (u *User) PermissionRole() (permission.Role, bool) {
	if u == nil || !u.Role.Valid() {
		return 0, false
	}
	return u.Role, true
}

// Clone returns a copy of u, or nil.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// Validate checks the fields a session cannot live without.
func (u *User) Validate() error {
	if u == nil {
		return fmt.Errorf("%w: nil", ErrInvalidUser)
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidUser)
	}
	if !u.Role.Valid() {
		return fmt.Errorf("%w: invalid role", ErrInvalidUser)
	}
	return nil
}

// DecodeUser parses a raw user payload as returned by the auth API.
func DecodeUser(raw []byte) (*User, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidUser)
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return &u, nil
}

// UserPatch carries profile fields a client may change. Nil fields are left
// untouched; role and ID are not patchable.
type UserPatch struct {
	Email       *string `json:"email,omitempty"`
	DisplayName *string `json:"displayName,omitempty"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
}

// Apply returns a copy of u with the patch applied.
func (p UserPatch) Apply(u *User) *User {
	out := u.Clone()
	if out == nil {
		return nil
	}
	if p.Email != nil {
		out.Email = *p.Email
	}
	if p.DisplayName != nil {
		out.DisplayName = *p.DisplayName
	}
	if p.AvatarURL != nil {
		out.AvatarURL = *p.AvatarURL
	}
	return out
}

// Empty reports whether the patch changes nothing.
func (p UserPatch) Empty() bool {
	return p.Email == nil && p.DisplayName == nil && p.AvatarURL == nil
}

// Session is the client-side view of an authenticated or anonymous visitor.
//
// IsAuthenticated, a non-nil User and a non-empty AccessToken always go
// together. An anonymous session may still hold a refresh token, which allows
// a silent refresh after the access cookie lapsed.
type Session struct {
	AccessToken     string `json:"token"`
	RefreshToken    string `json:"refreshToken"`
	User            *User  `json:"user"`
	IsAuthenticated bool   `json:"isAuthenticated"`
}

// Anonymous returns the empty session.
func Anonymous() Session {
	return Session{}
}

// NewAuthenticated builds an authenticated session.
func NewAuthenticated(accessToken, refreshToken string, user *User) (Session, error) {
	if accessToken == "" {
		return Session{}, fmt.Errorf("%w: missing access token", ErrInvalidSession)
	}
	if err := user.Validate(); err != nil {
		return Session{}, err
	}
	return Session{
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		User:            user.Clone(),
		IsAuthenticated: true,
	}, nil
}

// Valid reports whether s honours the authentication invariant.
func (s Session) Valid() bool {
	if s.IsAuthenticated {
		return s.AccessToken != "" && s.User != nil
	}
	return s.AccessToken == "" && s.User == nil
}

// Role returns the role of the session user.
func (s Session) Role() (permission.Role, bool) {
	if !s.IsAuthenticated {
		return 0, false
	}
	return s.User.PermissionRole()
}

// PermissionRole implements permission.Subject.
func (s Session) PermissionRole() (permission.Role, bool) {
	return s.Role()
}

// UserID returns the user ID or "".
func (s Session) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	s.User = s.User.Clone()
	return s
}

// Equal compares two sessions field by field.
func (s Session) Equal(o Session) bool {
	if s.AccessToken != o.AccessToken || s.RefreshToken != o.RefreshToken || s.IsAuthenticated != o.IsAuthenticated {
		return false
	}
	if s.User == nil || o.User == nil {
		return s.User == nil && o.User == nil
	}
	return *s.User == *o.User
}
