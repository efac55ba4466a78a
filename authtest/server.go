package authtest

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrEthical07/rentauth/internal"
	"github.com/MrEthical07/rentauth/internal/rate"
	"github.com/MrEthical07/rentauth/jwt"
	"github.com/MrEthical07/rentauth/password"
	"github.com/MrEthical07/rentauth/permission"
	"github.com/MrEthical07/rentauth/session"
	"github.com/google/uuid"
)

// Account is a user known to the server. Password must be at least 10
// bytes.
type Account struct {
	ID          string
	Email       string
	Password    string
	Role        permission.Role
	DisplayName string
	AvatarURL   string
}

type account struct {
	user session.User
	hash string
}

type refreshSession struct {
	userID  string
	hash    [32]byte
	expires time.Time
}

// Calls counts requests per endpoint.
type Calls struct {
	Login   int64
	Refresh int64
	Logout  int64
	Me      int64
}

// Server is an in-process implementation of the auth API: login, refresh,
// logout and me. It is safe for concurrent use.
type Server struct {
	opts   options
	tokens *jwt.Manager
	hasher *password.Argon2
	mux    *http.ServeMux

	mu       sync.Mutex
	byEmail  map[string]*account
	byID     map[string]*account
	sessions map[internal.SessionID]*refreshSession

	refreshFault atomic.Int32
	logoutFault  atomic.Bool
	latency      atomic.Int64
	leakPassword atomic.Bool

	login, refresh, logout, me atomic.Int64

	httpSrv   *httptest.Server
	closeOnce sync.Once
}

// New builds a Server. It does not listen until Start.
func New(opts ...Option) (*Server, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if len(o.secret) == 0 {
		o.secret = make([]byte, 32)
		if _, err := rand.Read(o.secret); err != nil {
			return nil, err
		}
	}

	tokens, err := jwt.NewManager(jwt.Config{
		AccessTTL:     o.accessTTL,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    o.secret,
		Issuer:        o.issuer,
		Now:           o.now,
	})
	if err != nil {
		return nil, fmt.Errorf("token manager: %w", err)
	}
	hasher, err := password.NewArgon2(password.DevConfig())
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:     o,
		tokens:   tokens,
		hasher:   hasher,
		byEmail:  make(map[string]*account),
		byID:     make(map[string]*account),
		sessions: make(map[internal.SessionID]*refreshSession),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("GET /auth/me", s.handleMe)
	s.mux = mux
	return s, nil
}

// Start runs s on a loopback httptest server.
func (s *Server) Start() {
	if s.httpSrv == nil {
		s.httpSrv = httptest.NewServer(s)
	}
}

// MustStart builds and starts a Server, closing it when tb finishes.
func MustStart(tb testing.TB, opts ...Option) *Server {
	tb.Helper()
	s, err := New(opts...)
	if err != nil {
		tb.Fatalf("authtest: %v", err)
	}
	s.Start()
	tb.Cleanup(s.Close)
	return s
}

// URL returns the base URL of a started server, or "".
func (s *Server) URL() string {
	if s.httpSrv == nil {
		return ""
	}
	return s.httpSrv.URL
}

// Close stops a started server.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.httpSrv != nil {
			s.httpSrv.Close()
		}
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if d := time.Duration(s.latency.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

/*
====================================
ACCOUNTS
====================================
*/

// AddUser registers an account and returns its user ID.
func (s *Server) AddUser(a Account) (string, error) {
	email := normalizeEmail(a.Email)
	if email == "" {
		return "", errors.New("email is required")
	}
	if !a.Role.Valid() {
		return "", fmt.Errorf("invalid role for %s", email)
	}
	hash, err := s.hasher.Hash(a.Password)
	if err != nil {
		return "", err
	}
	id := a.ID
	if id == "" {
		id = uuid.NewString()
	}

	acc := &account{
		user: session.User{
			ID:          id,
			Email:       email,
			Role:        a.Role,
			DisplayName: a.DisplayName,
			AvatarURL:   a.AvatarURL,
		},
		hash: hash,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byEmail[email]; ok {
		return "", fmt.Errorf("user %s exists", email)
	}
	if _, ok := s.byID[id]; ok {
		return "", fmt.Errorf("user id %s exists", id)
	}
	s.byEmail[email] = acc
	s.byID[id] = acc
	return id, nil
}

// SetRole changes a user's role. Tokens issued afterwards carry it.
func (s *Server) SetRole(userID string, role permission.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.byID[userID]
	if !ok {
		return fmt.Errorf("unknown user %s", userID)
	}
	acc.user.Role = role
	return nil
}

// IssueAccess signs an access token for userID that expires after ttl. A
// non-positive ttl yields an expired token.
func (s *Server) IssueAccess(userID string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	acc, ok := s.byID[userID]
	var user session.User
	if ok {
		user = acc.user
	}
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown user %s", userID)
	}
	return s.tokens.CreateAccessWithTTL(user.ID, user.Role.String(), user.Email, ttl)
}

// Verifier returns the manager that signs access tokens, for a
// backend-for-frontend that verifies them locally.
func (s *Server) Verifier() *jwt.Manager { return s.tokens }

// IssueSession starts a refresh session for userID as a login would.
func (s *Server) IssueSession(userID string) (access, refresh string, err error) {
	if access, err = s.IssueAccess(userID, s.opts.accessTTL); err != nil {
		return "", "", err
	}
	if refresh, err = s.newRefresh(userID); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

// ActiveSessions returns the number of live refresh sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

/*
====================================
FAULTS
====================================
*/

// FailRefresh makes the refresh endpoint answer status. Zero restores normal
// behaviour.
func (s *Server) FailRefresh(status int) { s.refreshFault.Store(int32(status)) }

// FailLogout makes the logout endpoint drop the connection without a
// response.
func (s *Server) FailLogout(fail bool) { s.logoutFault.Store(fail) }

// SetLatency delays every response by d.
func (s *Server) SetLatency(d time.Duration) { s.latency.Store(int64(d)) }

// LeakPasswordField adds the password hash to every user payload.
func (s *Server) LeakPasswordField(leak bool) { s.leakPassword.Store(leak) }

// Calls returns request counts so far.
func (s *Server) Calls() Calls {
	return Calls{
		Login:   s.login.Load(),
		Refresh: s.refresh.Load(),
		Logout:  s.logout.Load(),
		Me:      s.me.Load(),
	}
}

/*
====================================
HANDLERS
====================================
*/

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.login.Add(1)

	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "Malformed request body")
		return
	}

	email := normalizeEmail(creds.Email)
	if throttle := s.opts.throttle; throttle != nil {
		if err := throttle.Check(r.Context(), email, ""); err != nil {
			writeThrottled(w, err)
			return
		}
	}

	s.mu.Lock()
	acc, ok := s.byEmail[email]
	s.mu.Unlock()
	if !ok {
		s.loginFailed(r, email)
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	match, err := s.hasher.Verify(creds.Password, acc.hash)
	if err != nil || !match {
		s.loginFailed(r, email)
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if throttle := s.opts.throttle; throttle != nil {
		_ = throttle.Reset(r.Context(), email, "")
	}

	access, refresh, err := s.IssueSession(acc.user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":        access,
		"refreshToken": refresh,
		"user":         s.userPayload(acc.user.ID),
	})
}

func (s *Server) loginFailed(r *http.Request, email string) {
	if s.opts.throttle != nil {
		_ = s.opts.throttle.Fail(r.Context(), email, "")
	}
}

func writeThrottled(w http.ResponseWriter, err error) {
	if errors.Is(err, rate.ErrRateLimited) {
		writeError(w, http.StatusTooManyRequests, "Too many login attempts")
		return
	}
	writeError(w, http.StatusServiceUnavailable, "Login temporarily unavailable")
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refresh.Add(1)

	if status := int(s.refreshFault.Load()); status != 0 {
		writeError(w, status, http.StatusText(status))
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusUnauthorized, "Refresh token required")
		return
	}
	presented, err := internal.ParseRefreshToken(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	s.mu.Lock()
	rs, ok := s.sessions[presented.Session]
	if ok && !s.opts.now().Before(rs.expires) {
		delete(s.sessions, presented.Session)
		ok = false
	}
	if !ok || !presented.Secret.Matches(rs.hash) {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	userID := rs.userID

	var rotated string
	if s.opts.rotate {
		next, err := presented.Rotate()
		if err != nil {
			s.mu.Unlock()
			writeError(w, http.StatusInternalServerError, "Token issuance failed")
			return
		}
		rs.hash = next.Secret.Digest()
		rotated = next.String()
	}
	s.mu.Unlock()

	access, err := s.IssueAccess(userID, s.opts.accessTTL)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	body := map[string]any{"token": access}
	if rotated != "" {
		body["refreshToken"] = rotated
	}
	if !s.opts.omitUserOnRefresh {
		body["user"] = s.userPayload(userID)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.logout.Add(1)

	if s.logoutFault.Load() {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		writeError(w, http.StatusBadGateway, "Logout unavailable")
		return
	}

	var req refreshRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if tok, err := internal.ParseRefreshToken(req.RefreshToken); err == nil {
		s.mu.Lock()
		delete(s.sessions, tok.Session)
		s.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.me.Add(1)

	token, ok := bearer(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing bearer token")
		return
	}
	claims, err := s.tokens.ParseAccess(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid access token")
		return
	}
	user := s.userPayload(claims.Subject)
	if user == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

/*
====================================
HELPERS
====================================
*/

func (s *Server) newRefresh(userID string) (string, error) {
	tok, err := internal.NewRefreshToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.sessions[tok.Session] = &refreshSession{
		userID:  userID,
		hash:    tok.Secret.Digest(),
		expires: s.opts.now().Add(s.opts.refreshTTL),
	}
	s.mu.Unlock()
	return tok.String(), nil
}

// userPayload renders the wire form of a user, or nil when unknown.
func (s *Server) userPayload(userID string) map[string]any {
	s.mu.Lock()
	acc, ok := s.byID[userID]
	var (
		user session.User
		hash string
	)
	if ok {
		user, hash = acc.user, acc.hash
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	out := map[string]any{
		"id":    user.ID,
		"email": user.Email,
		"role":  user.Role.String(),
	}
	if user.DisplayName != "" {
		out["displayName"] = user.DisplayName
	}
	if user.AvatarURL != "" {
		out["avatarUrl"] = user.AvatarURL
	}
	if s.leakPassword.Load() {
		out["password"] = hash
	}
	return out
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// ListenAndServe serves s on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
