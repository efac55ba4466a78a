package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Storage keys. The token keys double as cookie names.
const (
	KeyAccessToken   = "auth_token"
	KeyRefreshToken  = "refreshToken"
	KeyRole          = "user_role"
	KeyUser          = "user"
	KeyIntendedRoute = "intendedRoute"
)

// ErrStoreWrite is returned when a session could not be persisted. The store
// has been cleared when it is returned.
var ErrStoreWrite = errors.New("session write failed")

// Lifetimes are the max ages of the token tier entries.
type Lifetimes struct {
	Access  time.Duration
	Refresh time.Duration
	Role    time.Duration
}

// DefaultLifetimes returns 30 days for the access token and role, 90 days for
// the refresh token.
func DefaultLifetimes() Lifetimes {
	return Lifetimes{
		Access:  30 * 24 * time.Hour,
		Refresh: 90 * 24 * time.Hour,
		Role:    30 * 24 * time.Hour,
	}
}

// Store reads and writes a [Session] across a token tier and a profile tier.
type Store struct {
	tokens  Backend
	profile Backend
	life    Lifetimes
	logger  *slog.Logger
	onFault func(op string, err error)
}

// Option configures a Store.
type Option func(*Store)

// WithLifetimes overrides [DefaultLifetimes]. Zero fields keep the default.
func WithLifetimes(l Lifetimes) Option {
	return func(s *Store) {
		if l.Access > 0 {
			s.life.Access = l.Access
		}
		if l.Refresh > 0 {
			s.life.Refresh = l.Refresh
		}
		if l.Role > 0 {
			s.life.Role = l.Role
		}
	}
}

// WithLogger sets the logger used for degraded reads.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFaultHook registers a callback invoked for every swallowed read fault.
func WithFaultHook(fn func(op string, err error)) Option {
	return func(s *Store) { s.onFault = fn }
}

// NewStore builds a Store. When profile is nil the token backend serves both
// tiers.
func NewStore(tokens, profile Backend, opts ...Option) *Store {
	if tokens == nil {
		tokens = NewMemoryBackend()
	}
	if profile == nil {
		profile = tokens
	}
	s := &Store{
		tokens:  tokens,
		profile: profile,
		life:    DefaultLifetimes(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewMemoryStore returns a Store backed by a single MemoryBackend.
func NewMemoryStore(opts ...Option) *Store {
	return NewStore(NewMemoryBackend(), nil, opts...)
}

// Lifetimes returns the configured token lifetimes.
func (s *Store) Lifetimes() Lifetimes { return s.life }

// Read returns the persisted session. Faults and inconsistent tiers degrade to
// the anonymous session.
func (s *Store) Read(ctx context.Context) Session {
	access, refresh, err := s.ReadTokens(ctx)
	if err != nil {
		s.fault("read_tokens", err)
		return Anonymous()
	}

	raw, ok, err := s.profile.Get(ctx, KeyUser)
	if err != nil {
		s.fault("read_user", err)
		return Anonymous()
	}

	var user *User
	if ok {
		user, err = DecodeUser([]byte(raw))
		if err != nil {
			s.fault("decode_user", err)
			user = nil
		}
	}

	if access == "" || user == nil {
		return Session{RefreshToken: refresh}
	}
	return Session{
		AccessToken:     access,
		RefreshToken:    refresh,
		User:            user,
		IsAuthenticated: true,
	}
}

// ReadTokens returns the raw token tier contents. Unlike Read it reports
// backend faults.
func (s *Store) ReadTokens(ctx context.Context) (access, refresh string, err error) {
	access, _, err = s.tokens.Get(ctx, KeyAccessToken)
	if err != nil {
		return "", "", err
	}
	refresh, _, err = s.tokens.Get(ctx, KeyRefreshToken)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// Write persists sess. Writing an anonymous session clears the store. On any
// tier failure the store is cleared and the error wraps [ErrStoreWrite].
func (s *Store) Write(ctx context.Context, sess Session) error {
	if !sess.Valid() {
		return fmt.Errorf("%w: %w", ErrStoreWrite, ErrInvalidSession)
	}
	if !sess.IsAuthenticated {
		return s.Clear(ctx)
	}
	if err := sess.User.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}

	if err := s.write(ctx, sess); err != nil {
		if clearErr := s.Clear(ctx); clearErr != nil {
			s.logger.Warn("rentauth: clearing session after failed write", "error", clearErr)
		}
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	return nil
}

func (s *Store) write(ctx context.Context, sess Session) error {
	userJSON, err := json.Marshal(sess.User)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := s.tokens.Set(ctx, KeyAccessToken, sess.AccessToken, s.life.Access); err != nil {
		return err
	}
	if sess.RefreshToken != "" {
		err = s.tokens.Set(ctx, KeyRefreshToken, sess.RefreshToken, s.life.Refresh)
	} else {
		err = s.tokens.Delete(ctx, KeyRefreshToken)
	}
	if err != nil {
		return err
	}
	if err := s.tokens.Set(ctx, KeyRole, sess.User.Role.String(), s.life.Role); err != nil {
		return err
	}
	return s.profile.Set(ctx, KeyUser, string(userJSON), 0)
}

// UpdateUser replaces the stored profile and role without touching tokens.
func (s *Store) UpdateUser(ctx context.Context, u *User) error {
	if err := u.Validate(); err != nil {
		return err
	}
	userJSON, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	if err := s.profile.Set(ctx, KeyUser, string(userJSON), 0); err != nil {
		return err
	}
	return s.tokens.Set(ctx, KeyRole, u.Role.String(), s.life.Role)
}

// Clear removes the session from both tiers. The intended route survives.
func (s *Store) Clear(ctx context.Context) error {
	tokenErr := s.tokens.Delete(ctx, KeyAccessToken, KeyRefreshToken, KeyRole)
	profileErr := s.profile.Delete(ctx, KeyUser)
	return errors.Join(tokenErr, profileErr)
}

// IntendedRoute returns the remembered post-login destination.
func (s *Store) IntendedRoute(ctx context.Context) (string, bool) {
	route, ok, err := s.profile.Get(ctx, KeyIntendedRoute)
	if err != nil {
		s.fault("read_intended_route", err)
		return "", false
	}
	return route, ok && route != ""
}

// SetIntendedRoute remembers route for the next successful login.
func (s *Store) SetIntendedRoute(ctx context.Context, route string) error {
	if route == "" {
		return s.ClearIntendedRoute(ctx)
	}
	return s.profile.Set(ctx, KeyIntendedRoute, route, 0)
}

// TakeIntendedRoute returns and forgets the remembered route.
func (s *Store) TakeIntendedRoute(ctx context.Context) (string, bool) {
	route, ok := s.IntendedRoute(ctx)
	if !ok {
		return "", false
	}
	if err := s.ClearIntendedRoute(ctx); err != nil {
		s.fault("clear_intended_route", err)
	}
	return route, true
}

// ClearIntendedRoute forgets the remembered route.
func (s *Store) ClearIntendedRoute(ctx context.Context) error {
	return s.profile.Delete(ctx, KeyIntendedRoute)
}

func (s *Store) fault(op string, err error) {
	s.logger.Warn("rentauth: session store degraded", "op", op, "error", err)
	if s.onFault != nil {
		s.onFault(op, err)
	}
}
