package session

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCookieJarBackendSharesCookiesWithAPI(t *testing.T) {
	var seen string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie(KeyAccessToken); err == nil {
			seen = c.Value
		}
	}))
	defer api.Close()

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	backend, err := NewCookieJarBackend(jar, api.URL+"/v1", CookieOptions{SameSite: http.SameSiteLaxMode})
	if err != nil {
		t.Fatalf("NewCookieJarBackend: %v", err)
	}
	ctx := context.Background()
	if err := backend.Set(ctx, KeyAccessToken, "eyJ.abc.def", time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}

	client := &http.Client{Jar: jar}
	resp, err := client.Get(api.URL + "/auth/me")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if seen != "eyJ.abc.def" {
		t.Fatalf("API saw auth_token %q", seen)
	}

	if err := backend.Delete(ctx, KeyAccessToken); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := backend.Get(ctx, KeyAccessToken); ok {
		t.Fatal("cookie should be gone after delete")
	}
}

func TestCookieJarBackendEscapesValues(t *testing.T) {
	jar, _ := cookiejar.New(nil)
	backend, err := NewCookieJarBackend(jar, "http://portal.test", CookieOptions{})
	if err != nil {
		t.Fatalf("NewCookieJarBackend: %v", err)
	}
	ctx := context.Background()
	value := `{"id":"u-1","role":"admin"}`
	if err := backend.Set(ctx, KeyUser, value, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := backend.Get(ctx, KeyUser)
	if err != nil || !ok || got != value {
		t.Fatalf("Get = %q, %v, %v", got, ok, err)
	}
}

func TestNewCookieJarBackendValidates(t *testing.T) {
	jar, _ := cookiejar.New(nil)
	if _, err := NewCookieJarBackend(nil, "http://x", CookieOptions{}); err == nil {
		t.Fatal("expected nil jar error")
	}
	if _, err := NewCookieJarBackend(jar, "not a url", CookieOptions{}); err == nil {
		t.Fatal("expected bad URL error")
	}
}

func TestRequestBackendReadsAndWritesCookies(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: KeyAccessToken, Value: "old-token"})
	rec := httptest.NewRecorder()

	opts := CookieOptions{Secure: true, HTTPOnly: true, SameSite: http.SameSiteStrictMode}
	b := NewRequestBackend(rec, req, opts)
	ctx := context.Background()

	got, ok, err := b.Get(ctx, KeyAccessToken)
	if err != nil || !ok || got != "old-token" {
		t.Fatalf("Get = %q, %v, %v", got, ok, err)
	}

	if err := b.Set(ctx, KeyAccessToken, "new-token", 30*24*time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _, _ := b.Get(ctx, KeyAccessToken); got != "new-token" {
		t.Fatalf("write not visible to later read: %q", got)
	}

	if err := b.Delete(ctx, KeyAccessToken, KeyRefreshToken); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := b.Get(ctx, KeyAccessToken); ok {
		t.Fatal("deleted cookie still visible")
	}

	headers := rec.Result().Header.Values("Set-Cookie")
	if len(headers) != 2 {
		t.Fatalf("expected set + expire headers, got %v", headers)
	}
	set := headers[0]
	for _, want := range []string{"auth_token=new-token", "Path=/", "Max-Age=2592000", "HttpOnly", "Secure", "SameSite=Strict"} {
		if !strings.Contains(set, want) {
			t.Fatalf("Set-Cookie %q missing %q", set, want)
		}
	}
	if !strings.Contains(headers[1], "Max-Age=0") {
		t.Fatalf("expected expiring cookie, got %q", headers[1])
	}
}

func TestStoreOverRequestBackend(t *testing.T) {
	ctx := context.Background()
	rec := httptest.NewRecorder()
	first := NewRequestBackend(rec, httptest.NewRequest(http.MethodPost, "/login", nil), CookieOptions{})
	store := NewStore(first, nil)
	sess, _ := NewAuthenticated("tok", "ref", testUser())
	if err := store.Write(ctx, sess); err != nil {
		t.Fatalf("write: %v", err)
	}

	next := httptest.NewRequest(http.MethodGet, "/renter", nil)
	for _, c := range rec.Result().Cookies() {
		next.AddCookie(c)
	}
	replay := NewStore(NewRequestBackend(httptest.NewRecorder(), next, CookieOptions{}), nil)
	if got := replay.Read(ctx); !got.Equal(sess) {
		t.Fatalf("session did not survive cookie round trip: %+v", got)
	}
}
