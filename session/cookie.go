package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// CookieOptions are the attributes applied to every cookie written by the
// cookie backends. Path is always "/".
type CookieOptions struct {
	Domain   string
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
}

func encodeCookieValue(v string) string { return url.QueryEscape(v) }

func decodeCookieValue(v string) (string, error) {
	out, err := url.QueryUnescape(v)
	if err != nil {
		return "", fmt.Errorf("decode cookie value: %w", err)
	}
	return out, nil
}

func (o CookieOptions) cookie(name, value string, maxAge time.Duration, now time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    encodeCookieValue(value),
		Path:     "/",
		Domain:   o.Domain,
		Secure:   o.Secure,
		HttpOnly: o.HTTPOnly,
		SameSite: o.SameSite,
	}
	if maxAge > 0 {
		c.MaxAge = int(maxAge / time.Second)
		c.Expires = now.Add(maxAge).UTC()
	}
	return c
}

func (o CookieOptions) expired(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   o.Domain,
		Secure:   o.Secure,
		HttpOnly: o.HTTPOnly,
		SameSite: o.SameSite,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0).UTC(),
	}
}

// CookieJarBackend stores entries as cookies in an http.CookieJar scoped to
// the API base URL, so the tokens travel with every API request made through
// a client sharing the jar.
type CookieJarBackend struct {
	jar  http.CookieJar
	base *url.URL
	opts CookieOptions
}

// NewCookieJarBackend binds jar to baseURL.
func NewCookieJarBackend(jar http.CookieJar, baseURL string, opts CookieOptions) (*CookieJarBackend, error) {
	if jar == nil {
		return nil, errors.New("cookie jar is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid cookie base URL %q", baseURL)
	}
	root := *u
	root.Path = "/"
	root.RawQuery = ""
	root.Fragment = ""
	return &CookieJarBackend{jar: jar, base: &root, opts: opts}, nil
}

// Jar returns the underlying jar.
func (c *CookieJarBackend) Jar() http.CookieJar { return c.jar }

func (c *CookieJarBackend) Get(_ context.Context, key string) (string, bool, error) {
	for _, ck := range c.jar.Cookies(c.base) {
		if ck.Name != key {
			continue
		}
		v, err := decodeCookieValue(ck.Value)
		if err != nil {
			return "", false, err
		}
		return v, true, nil
	}
	return "", false, nil
}

func (c *CookieJarBackend) Set(_ context.Context, key, value string, maxAge time.Duration) error {
	c.jar.SetCookies(c.base, []*http.Cookie{c.opts.cookie(key, value, maxAge, time.Now())})
	return nil
}

func (c *CookieJarBackend) Delete(_ context.Context, keys ...string) error {
	expired := make([]*http.Cookie, 0, len(keys))
	for _, k := range keys {
		expired = append(expired, c.opts.expired(k))
	}
	c.jar.SetCookies(c.base, expired)
	return nil
}

// RequestBackend reads cookies from one incoming request and writes
// Set-Cookie headers to its response. Writes are visible to later reads
// within the same request.
type RequestBackend struct {
	r    *http.Request
	w    http.ResponseWriter
	opts CookieOptions
	now  func() time.Time

	mu      sync.Mutex
	overlay map[string]*string
}

// NewRequestBackend wraps a request/response pair.
func NewRequestBackend(w http.ResponseWriter, r *http.Request, opts CookieOptions) *RequestBackend {
	return &RequestBackend{
		r:       r,
		w:       w,
		opts:    opts,
		now:     time.Now,
		overlay: make(map[string]*string),
	}
}

func (b *RequestBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	if v, ok := b.overlay[key]; ok {
		b.mu.Unlock()
		if v == nil {
			return "", false, nil
		}
		return *v, true, nil
	}
	b.mu.Unlock()

	ck, err := b.r.Cookie(key)
	if errors.Is(err, http.ErrNoCookie) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	v, err := decodeCookieValue(ck.Value)
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (b *RequestBackend) Set(_ context.Context, key, value string, maxAge time.Duration) error {
	http.SetCookie(b.w, b.opts.cookie(key, value, maxAge, b.now()))
	b.mu.Lock()
	b.overlay[key] = &value
	b.mu.Unlock()
	return nil
}

func (b *RequestBackend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		if _, err := b.r.Cookie(k); err != nil {
			if v, ok := b.overlay[k]; !ok || v == nil {
				continue
			}
		}
		http.SetCookie(b.w, b.opts.expired(k))
		b.overlay[k] = nil
	}
	return nil
}
