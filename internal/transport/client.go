package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrUnreachable wraps failures to get any HTTP response from the API.
var ErrUnreachable = errors.New("auth api unreachable")

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Op      string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.Status)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// Credentials is the login request body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is returned by login and refresh. Refresh may omit
// RefreshToken and User.
type AuthResponse struct {
	Token        string          `json:"token"`
	RefreshToken string          `json:"refreshToken,omitempty"`
	User         json.RawMessage `json:"user,omitempty"`
}

// API is the auth API as seen by the session manager.
type API interface {
	Login(ctx context.Context, creds Credentials) (*AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error)
	Logout(ctx context.Context, accessToken, refreshToken string) error
	Me(ctx context.Context, accessToken string) (json.RawMessage, error)
}

// Config configures [Client].
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Jar          http.CookieJar
	UserAgent    string
	Logger       *slog.Logger
	// HTTPClient replaces the plain client. Its Jar is used when Jar is nil.
	HTTPClient *http.Client
}

// Client implements [API] over HTTP.
type Client struct {
	base      *url.URL
	plain     *http.Client
	retrying  *retryablehttp.Client
	userAgent string
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	plain := cfg.HTTPClient
	if plain == nil {
		plain = &http.Client{Timeout: cfg.Timeout, Jar: cfg.Jar}
	} else if cfg.Jar != nil {
		c := *plain
		c.Jar = cfg.Jar
		plain = &c
	}

	retrying := retryablehttp.NewClient()
	retrying.HTTPClient = &http.Client{
		Transport: plain.Transport,
		Timeout:   plain.Timeout,
		Jar:       plain.Jar,
	}
	retrying.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		retrying.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		retrying.RetryWaitMax = cfg.RetryWaitMax
	}
	retrying.Logger = cfg.Logger
	retrying.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		base:      base,
		plain:     plain,
		retrying:  retrying,
		userAgent: cfg.UserAgent,
	}, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.base.String() }

func (c *Client) Login(ctx context.Context, creds Credentials) (*AuthResponse, error) {
	var out AuthResponse
	if err := c.doPlain(ctx, "login", "/auth/login", creds, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	body := struct {
		RefreshToken string `json:"refreshToken"`
	}{refreshToken}
	var out AuthResponse
	if err := c.doPlain(ctx, "refresh", "/auth/refresh", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Logout(ctx context.Context, accessToken, refreshToken string) error {
	body := struct {
		RefreshToken string `json:"refreshToken,omitempty"`
	}{refreshToken}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/auth/logout"), payload)
	if err != nil {
		return err
	}
	c.decorate(req.Header, accessToken, true)
	resp, err := c.retrying.Do(req)
	return c.finish(ctx, "logout", resp, err, nil)
}

func (c *Client) Me(ctx context.Context, accessToken string) (json.RawMessage, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/auth/me"), nil)
	if err != nil {
		return nil, err
	}
	c.decorate(req.Header, accessToken, false)
	resp, err := c.retrying.Do(req)
	var out struct {
		User json.RawMessage `json:"user"`
	}
	if err := c.finish(ctx, "me", resp, err, &out); err != nil {
		return nil, err
	}
	if len(out.User) == 0 {
		return nil, &StatusError{Op: "me", Status: http.StatusBadGateway, Message: "response has no user"}
	}
	return out.User, nil
}

func (c *Client) doPlain(ctx context.Context, op, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.decorate(req.Header, "", true)
	resp, err := c.plain.Do(req)
	return c.finish(ctx, op, resp, err, out)
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) decorate(h http.Header, accessToken string, hasBody bool) {
	h.Set("Accept", "application/json")
	if hasBody {
		h.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		h.Set("Authorization", "Bearer "+accessToken)
	}
	if c.userAgent != "" {
		h.Set("User-Agent", c.userAgent)
	}
}

func (c *Client) finish(ctx context.Context, op string, resp *http.Response, err error, out any) error {
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrUnreachable, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Status: resp.StatusCode, Message: errorMessage(body)}
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &StatusError{Op: op, Status: http.StatusBadGateway, Message: "malformed response body"}
	}
	return nil
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		return payload.Error
	}
	return ""
}
