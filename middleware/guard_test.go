package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/MrEthical07/rentauth"
	"github.com/MrEthical07/rentauth/authtest"
	"github.com/MrEthical07/rentauth/jwt"
	"github.com/MrEthical07/rentauth/permission"
	"github.com/MrEthical07/rentauth/session"
	"github.com/gin-gonic/gin"
)

const (
	email    = "renter@example.com"
	password = "correct-horse"
)

func newManager(t *testing.T) *rentauth.Manager {
	t.Helper()
	return buildManager(t, false)
}

// buildManager starts an auth API with one renter. With verify set, request
// scopes check access tokens against the API's signing key.
func buildManager(t *testing.T, verify bool) *rentauth.Manager {
	t.Helper()
	srv := authtest.MustStart(t)
	if _, err := srv.AddUser(authtest.Account{Email: email, Password: password, Role: permission.RoleRenter}); err != nil {
		t.Fatalf("AddUser: %v", err)
	}

	cfg := rentauth.DefaultConfig()
	cfg.API.BaseURL = srv.URL()
	cfg.API.RetryMax = 0
	b := rentauth.New().
		WithConfig(cfg).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if verify {
		b.WithAccessVerifier(srv.Verifier())
	}
	m, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func login(t *testing.T, m *rentauth.Manager) {
	t.Helper()
	if _, err := m.Login(context.Background(), rentauth.Credentials{Email: email, Password: password}); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

// loginCookies logs in through a request scope and returns the cookies set.
func loginCookies(t *testing.T, m *rentauth.Manager) []*http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	if _, err := m.ForRequest(rec, req).Login(req.Context(), rentauth.Credentials{Email: email, Password: password}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return rec.Result().Cookies()
}

// cookiesFor writes values as session cookies the way a browser would hold
// them, without going through a login.
func cookiesFor(t *testing.T, values map[string]string) []*http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	rb := session.NewRequestBackend(rec, httptest.NewRequest(http.MethodGet, "/", nil), session.CookieOptions{})
	for k, v := range values {
		if err := rb.Set(context.Background(), k, v, time.Hour); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}
	return rec.Result().Cookies()
}

// forgedAdminCookies is a super_admin session minted without the API's key.
func forgedAdminCookies(t *testing.T) []*http.Cookie {
	t.Helper()
	signer, err := jwt.NewManager(jwt.Config{
		AccessTTL:     time.Hour,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    []byte("not-the-api-secret-not-the-api-secret"),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	token, err := signer.CreateAccess("nobody", "super_admin", "x@y.example")
	if err != nil {
		t.Fatalf("CreateAccess: %v", err)
	}
	return cookiesFor(t, map[string]string{
		session.KeyAccessToken: token,
		session.KeyUser:        `{"id":"nobody","email":"x@y.example","role":"super_admin"}`,
	})
}

type fakeSource struct {
	sess     *session.Session
	err      error
	intended string
	calls    int
}

func (f *fakeSource) ValidateAndRefresh(context.Context) (*session.Session, error) {
	f.calls++
	return f.sess, f.err
}

func (f *fakeSource) SetIntendedRoute(_ context.Context, route string) error {
	f.intended = route
	return nil
}

func sessionFor(role permission.Role) *session.Session {
	s, _ := session.NewAuthenticated("access", "refresh", &session.User{ID: "u1", Role: role})
	return &s
}

func TestEvaluateUnauthenticatedStoresIntendedRoute(t *testing.T) {
	m := newManager(t)
	g := NewGuard(m)
	ctx := context.Background()

	d := g.Evaluate(ctx, Request{Path: "/renter/properties?tab=2", RequiredRole: permission.RoleAdmin})
	if d.Kind != DeniedUnauthenticated {
		t.Fatalf("kind = %v", d.Kind)
	}
	if d.Redirect != "/login?redirect=%2Frenter%2Fproperties%3Ftab%3D2" {
		t.Fatalf("redirect = %q", d.Redirect)
	}
	if route, ok := m.Store().IntendedRoute(ctx); !ok || route != "/renter/properties?tab=2" {
		t.Fatalf("intended route = %q %v", route, ok)
	}
	if m.Metrics().Value(rentauth.MetricGuardDeniedUnauthenticated) != 1 {
		t.Fatal("denial not counted")
	}
}

func TestEvaluateOrder(t *testing.T) {
	m := newManager(t)
	g := NewGuard(m)

	tests := []struct {
		name string
		sess *session.Session
		req  Request
		want DecisionKind
	}{
		{"anonymous", nil, Request{Path: "/bookings"}, DeniedUnauthenticated},
		{"auth before role", nil, Request{Path: "/admin", RequiredRole: permission.RoleSuperAdmin}, DeniedUnauthenticated},
		{"role too low", sessionFor(permission.RoleRenter), Request{Path: "/renter", RequiredRole: permission.RoleAdmin}, DeniedForbidden},
		{"role inherited", sessionFor(permission.RoleAdmin), Request{Path: "/renter", RequiredRole: permission.RoleRenter}, Allowed},
		{"permission granted", sessionFor(permission.RoleRenter), Request{Path: "/renter/properties", RequiredPermission: "property:create"}, Allowed},
		{"permission missing", sessionFor(permission.RoleRenter), Request{Path: "/renter/properties", RequiredPermission: "user:delete"}, DeniedForbidden},
		{"route prefix missing", sessionFor(permission.RoleRenter), Request{Path: "/admin/users"}, DeniedForbidden},
		{"inherited route", sessionFor(permission.RoleAdmin), Request{Path: "/dashboard/bookings"}, Allowed},
		{"base route", sessionFor(permission.RoleUser), Request{Path: "/profile"}, Allowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{sess: tt.sess}
			d := g.EvaluateWith(context.Background(), src, tt.req)
			if d.Kind != tt.want {
				t.Fatalf("kind = %v, want %v", d.Kind, tt.want)
			}
			switch d.Kind {
			case DeniedForbidden:
				if d.Redirect != "/unauthorized" {
					t.Fatalf("redirect = %q", d.Redirect)
				}
			case Allowed:
				if d.Session != tt.sess {
					t.Fatal("allowed decision must carry the session")
				}
			}
		})
	}
}

func TestRouteCheckCanBeDisabled(t *testing.T) {
	m := newManager(t)
	g := NewGuard(m, WithRouteCheck(false), WithUnauthorizedPath("/403"))
	src := &fakeSource{sess: sessionFor(permission.RoleRenter)}

	if d := g.EvaluateWith(context.Background(), src, Request{Path: "/admin/users"}); d.Kind != Allowed {
		t.Fatalf("kind = %v", d.Kind)
	}
	d := g.EvaluateWith(context.Background(), src, Request{Path: "/admin/users", RequiredRole: permission.RoleAdmin})
	if d.Kind != DeniedForbidden || d.Redirect != "/403" {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestUnsafePathIsNotRemembered(t *testing.T) {
	m := newManager(t)
	g := NewGuard(m)
	src := &fakeSource{}

	d := g.EvaluateWith(context.Background(), src, Request{Path: "//evil.example.com"})
	if d.Kind != DeniedUnauthenticated || d.Redirect != "/login" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if src.intended != "" {
		t.Fatalf("unsafe route remembered: %q", src.intended)
	}
}

func TestCancelledEvaluationIsLoading(t *testing.T) {
	m := newManager(t)
	g := NewGuard(m)
	src := &fakeSource{err: &rentauth.AuthError{Kind: rentauth.KindCancelled, Err: context.Canceled}}

	if d := g.EvaluateWith(context.Background(), src, Request{Path: "/bookings"}); d.Kind != Loading {
		t.Fatalf("kind = %v", d.Kind)
	}
	src = &fakeSource{err: errors.New("closed")}
	if d := g.EvaluateWith(context.Background(), src, Request{Path: "/bookings"}); d.Kind != DeniedUnauthenticated {
		t.Fatalf("other errors must deny, got %v", d.Kind)
	}
}

/*
====================================
HTTP ADAPTERS
====================================
*/

func protected(t *testing.T, seen **session.Session) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			t.Error("allowed request has no session")
		}
		*seen = sess
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireRedirectsBrowsers(t *testing.T) {
	m := newManager(t)
	var seen *session.Session
	h := NewGuard(m).Require()(protected(t, &seen))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/renter/properties", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/login?redirect=%2Frenter%2Fproperties" {
		t.Fatalf("location = %q", loc)
	}
}

func TestRequireAnswersJSON(t *testing.T) {
	m := newManager(t)
	cookies := loginCookies(t, m)
	var seen *session.Session
	h := NewGuard(m).Require(RequireRole(permission.RoleAdmin))(protected(t, &seen))

	req := httptest.NewRequest(http.MethodGet, "/renter/properties", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/renter/properties", nil)
	req.Header.Set("Accept", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("renter status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["redirect"] != "/unauthorized" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestRequireAllowsWithCookies(t *testing.T) {
	m := newManager(t)
	cookies := loginCookies(t, m)
	var seen *session.Session
	h := NewGuard(m).Require(RequirePermission("property:create"))(protected(t, &seen))

	req := httptest.NewRequest(http.MethodGet, "/renter/properties/new", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen == nil || seen.User.Email != email {
		t.Fatalf("handler saw %+v", seen)
	}
	if m.Metrics().Value(rentauth.MetricGuardAllowed) != 1 {
		t.Fatal("allow not counted")
	}
}

func TestGinAdapter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newManager(t)
	cookies := loginCookies(t, m)
	g := NewGuard(m)

	r := gin.New()
	r.GET("/admin/users", g.Gin(RequireRole(permission.RoleAdmin)), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/renter/properties", g.Gin(), func(c *gin.Context) {
		if _, ok := c.Get(GinSessionKey); !ok {
			t.Error("gin context has no session")
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/unauthorized" {
		t.Fatalf("forbidden: %d %q", rec.Code, rec.Header().Get("Location"))
	}

	req = httptest.NewRequest(http.MethodGet, "/renter/properties", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("allowed: %d", rec.Code)
	}
}

/*
====================================
WATCHER
====================================
*/

func nextKind(t *testing.T, w *Watcher, want DecisionKind) Decision {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case d, ok := <-w.Decisions():
			if !ok {
				t.Fatalf("watcher closed while waiting for %v", want)
			}
			if d.Kind == want {
				return d
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %v", want)
		}
	}
}

func TestWatcherFollowsSession(t *testing.T) {
	m := newManager(t)
	g := NewGuard(m)
	w := g.Watch(context.Background(), Request{Path: "/renter/properties"})
	defer w.Close()

	first := <-w.Decisions()
	if first.Kind != Loading {
		t.Fatalf("first decision = %v", first.Kind)
	}
	nextKind(t, w, DeniedUnauthenticated)

	login(t, m)
	nextKind(t, w, Allowed)

	w.SetPath("/admin/users")
	nextKind(t, w, DeniedForbidden)

	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	nextKind(t, w, DeniedUnauthenticated)
}

func TestWatcherClose(t *testing.T) {
	m := newManager(t)
	w := NewGuard(m).Watch(context.Background(), Request{Path: "/bookings"})
	w.Close()

	for range w.Decisions() {
	}
	w.SetPath("/profile")
	w.Close()
}

func TestRequireRejectsForgedSessionCookies(t *testing.T) {
	for name, verify := range map[string]bool{"api reload": false, "local verify": true} {
		t.Run(name, func(t *testing.T) {
			m := buildManager(t, verify)
			var seen *session.Session
			h := NewGuard(m).Require(RequireRole(permission.RoleAdmin))(protected(t, &seen))

			req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
			for _, c := range forgedAdminCookies(t) {
				req.AddCookie(c)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/login?redirect=%2Fadmin%2Fusers" {
				t.Fatalf("forged session got %d %q", rec.Code, rec.Header().Get("Location"))
			}
			if seen != nil {
				t.Fatal("handler ran for a forged session")
			}
		})
	}
}

func TestRequireTakesRoleFromVerifiedToken(t *testing.T) {
	m := buildManager(t, true)
	var cookies []*http.Cookie
	for _, c := range loginCookies(t, m) {
		if c.Name == session.KeyUser {
			// the visitor promotes themselves in the profile cookie
			var u map[string]any
			raw, _ := url.QueryUnescape(c.Value)
			if err := json.Unmarshal([]byte(raw), &u); err != nil {
				t.Fatalf("decode user cookie: %v", err)
			}
			u["role"] = "super_admin"
			promoted, _ := json.Marshal(u)
			c = &http.Cookie{Name: c.Name, Value: url.QueryEscape(string(promoted))}
		}
		cookies = append(cookies, c)
	}

	var seen *session.Session
	g := NewGuard(m)
	admin := g.Require(RequireRole(permission.RoleAdmin))(protected(t, &seen))
	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/unauthorized" {
		t.Fatalf("tampered role got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	renter := g.Require(RequireRole(permission.RoleRenter))(protected(t, &seen))
	req = httptest.NewRequest(http.MethodGet, "/renter/properties", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	renter.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if seen == nil || seen.User.Role != permission.RoleRenter {
		t.Fatalf("handler saw %+v", seen)
	}
}

func TestRequireMatchesDecodedPath(t *testing.T) {
	m := newManager(t)
	cookies := loginCookies(t, m)
	var seen *session.Session
	h := NewGuard(m).Require()(protected(t, &seen))

	// %72 is "r": the route table sees /renter/properties
	req := httptest.NewRequest(http.MethodGet, "/%72enter/properties", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("escaped allowed path got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	seen = nil
	req = httptest.NewRequest(http.MethodGet, "/%61dmin/users?tab=1", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/unauthorized" {
		t.Fatalf("escaped admin path got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/renter/properties?tab=2", nil))
	if loc := rec.Header().Get("Location"); loc != "/login?redirect=%2Frenter%2Fproperties%3Ftab%3D2" {
		t.Fatalf("login redirect lost the query: %q", loc)
	}
}
