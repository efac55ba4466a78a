package rentauth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/rentauth/session"
	"gopkg.in/yaml.v3"
)

// Config is the complete Manager configuration.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Token     TokenConfig     `yaml:"token"`
	Cookie    CookieConfig    `yaml:"cookie"`
	Store     StoreConfig     `yaml:"store"`
	Routes    RoutesConfig    `yaml:"routes"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

/*
====================================
API CONFIG
====================================
*/

// APIConfig points the Manager at the auth API.
type APIConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
	// Retries apply to GET /auth/me and POST /auth/logout only.
	RetryMax     int           `yaml:"retry_max"`
	RetryWaitMin time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max"`
	// LogoutTimeout bounds the best-effort logout call.
	LogoutTimeout time.Duration `yaml:"logout_timeout"`
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig controls access token freshness checks.
type TokenConfig struct {
	// RefreshSkew treats a token as expired this long before its exp.
	RefreshSkew time.Duration `yaml:"refresh_skew"`
	// RotationMemo is how long a refresh response is replayed to late
	// callers of the same store still holding the pre-rotation refresh token.
	RotationMemo time.Duration `yaml:"rotation_memo"`
}

/*
====================================
COOKIE CONFIG
====================================
*/

// CookieConfig controls the attributes of token cookies.
type CookieConfig struct {
	Domain   string `yaml:"domain"`
	Secure   bool   `yaml:"secure"`
	HTTPOnly bool   `yaml:"http_only"`
	// SameSite is one of "lax", "strict", "none".
	SameSite string `yaml:"same_site"`
}

// Options converts c to session cookie options.
func (c CookieConfig) Options() session.CookieOptions {
	return session.CookieOptions{
		Domain:   c.Domain,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
		SameSite: sameSiteMode(c.SameSite),
	}
}

func sameSiteMode(s string) http.SameSite {
	switch strings.ToLower(s) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "lax", "":
		return http.SameSiteLaxMode
	default:
		return http.SameSiteDefaultMode
	}
}

/*
====================================
STORE CONFIG
====================================
*/

// StoreKind selects the session persistence backend.
type StoreKind string

const (
	StoreMemory    StoreKind = "memory"
	StoreCookieJar StoreKind = "cookiejar"
	StoreFile      StoreKind = "file"
	StoreRedis     StoreKind = "redis"
	StorePostgres  StoreKind = "postgres"
)

// StoreConfig selects and tunes the session store. Redis and Postgres
// backends need a client supplied through Builder.WithBackends; the address
// fields are read by the CLI.
type StoreConfig struct {
	Kind              StoreKind     `yaml:"kind"`
	AccessMaxAge      time.Duration `yaml:"access_max_age"`
	RefreshMaxAge     time.Duration `yaml:"refresh_max_age"`
	RoleMaxAge        time.Duration `yaml:"role_max_age"`
	FilePath          string        `yaml:"file_path"`
	RedisAddr         string        `yaml:"redis_addr"`
	RedisPrefix       string        `yaml:"redis_prefix"`
	PostgresDSN       string        `yaml:"postgres_dsn"`
	PostgresNamespace string        `yaml:"postgres_namespace"`
}

// Lifetimes converts the max ages to session lifetimes.
func (s StoreConfig) Lifetimes() session.Lifetimes {
	return session.Lifetimes{
		Access:  s.AccessMaxAge,
		Refresh: s.RefreshMaxAge,
		Role:    s.RoleMaxAge,
	}
}

/*
====================================
ROUTES CONFIG
====================================
*/

// RoutesConfig names the portal pages the guard redirects to.
type RoutesConfig struct {
	LoginPath        string `yaml:"login_path"`
	UnauthorizedPath string `yaml:"unauthorized_path"`
	RedirectParam    string `yaml:"redirect_param"`
}

/*
====================================
BROADCAST / AUDIT / METRICS
====================================
*/

// BroadcastConfig configures cross-instance invalidation. It is active only
// when a Broadcaster is supplied to the Builder.
type BroadcastConfig struct {
	Channel string `yaml:"channel"`
	// InstanceID tags published invalidations; a random ID is used when empty.
	InstanceID string `yaml:"instance_id"`
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`
}

// MetricsConfig toggles the in-process counters.
type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns a config that passes Validate once API.BaseURL is set.
func DefaultConfig() Config {
	life := session.DefaultLifetimes()
	return Config{
		API: APIConfig{
			Timeout:       10 * time.Second,
			UserAgent:     "rentauth",
			RetryMax:      2,
			RetryWaitMin:  100 * time.Millisecond,
			RetryWaitMax:  2 * time.Second,
			LogoutTimeout: 5 * time.Second,
		},
		Token: TokenConfig{
			RefreshSkew:  300 * time.Second,
			RotationMemo: 30 * time.Second,
		},
		Cookie: CookieConfig{
			Secure:   true,
			HTTPOnly: true,
			SameSite: "lax",
		},
		Store: StoreConfig{
			Kind:              StoreMemory,
			AccessMaxAge:      life.Access,
			RefreshMaxAge:     life.Refresh,
			RoleMaxAge:        life.Role,
			RedisPrefix:       "rentauth",
			PostgresNamespace: "default",
		},
		Routes: RoutesConfig{
			LoginPath:        "/login",
			UnauthorizedPath: "/unauthorized",
			RedirectParam:    "redirect",
		},
		Broadcast: BroadcastConfig{
			Channel: "rentauth:invalidate",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: true,
		},
	}
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first hard configuration error. API.BaseURL may be
// empty when the Builder is given an API implementation directly.
func (c *Config) Validate() error {
	if c.API.BaseURL != "" {
		u, err := url.Parse(c.API.BaseURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("API BaseURL %q must be an absolute http(s) URL", c.API.BaseURL)
		}
	}
	if c.API.Timeout <= 0 {
		return errors.New("API Timeout must be > 0")
	}
	if c.API.RetryMax < 0 {
		return errors.New("API RetryMax must be >= 0")
	}
	if c.API.RetryWaitMin < 0 || c.API.RetryWaitMax < 0 {
		return errors.New("API retry waits must be >= 0")
	}
	if c.API.RetryWaitMax > 0 && c.API.RetryWaitMin > c.API.RetryWaitMax {
		return errors.New("API RetryWaitMin must not exceed RetryWaitMax")
	}
	if c.API.LogoutTimeout < 0 {
		return errors.New("API LogoutTimeout must be >= 0")
	}

	if c.Token.RefreshSkew < 0 {
		return errors.New("Token RefreshSkew must be >= 0")
	}
	if c.Token.RotationMemo < 0 {
		return errors.New("Token RotationMemo must be >= 0")
	}

	switch strings.ToLower(c.Cookie.SameSite) {
	case "", "lax", "strict":
	case "none":
		if !c.Cookie.Secure {
			return errors.New("Cookie SameSite=none requires Secure")
		}
	default:
		return fmt.Errorf("Cookie SameSite %q is not one of lax, strict, none", c.Cookie.SameSite)
	}

	if c.Store.AccessMaxAge <= 0 || c.Store.RefreshMaxAge <= 0 || c.Store.RoleMaxAge <= 0 {
		return errors.New("Store max ages must be > 0")
	}
	switch c.Store.Kind {
	case StoreMemory, StoreCookieJar:
	case StoreFile:
		if c.Store.FilePath == "" {
			return errors.New("Store kind file requires FilePath")
		}
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("Store kind redis requires RedisAddr")
		}
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("Store kind postgres requires PostgresDSN")
		}
	default:
		return fmt.Errorf("unsupported store kind %q", c.Store.Kind)
	}

	if !strings.HasPrefix(c.Routes.LoginPath, "/") {
		return errors.New("Routes LoginPath must start with /")
	}
	if !strings.HasPrefix(c.Routes.UnauthorizedPath, "/") {
		return errors.New("Routes UnauthorizedPath must start with /")
	}
	if c.Routes.RedirectParam == "" {
		return errors.New("Routes RedirectParam must not be empty")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}
	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		return errors.New("Metrics EnableLatencyHistograms requires Enabled")
	}

	return nil
}

/*
====================================
LINT
====================================
*/

// LintSeverity ranks a lint warning.
type LintSeverity int

const (
	LintInfo LintSeverity = iota
	LintWarn
	LintHigh
)

func (s LintSeverity) String() string {
	switch s {
	case LintHigh:
		return "high"
	case LintWarn:
		return "warn"
	default:
		return "info"
	}
}

// LintWarning is a configuration that is valid but probably unintended.
type LintWarning struct {
	Code     string
	Severity LintSeverity
	Message  string
}

// LintWarnings is the result of Config.Lint.
type LintWarnings []LintWarning

// Codes returns the warning codes in order.
func (ws LintWarnings) Codes() []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Code)
	}
	return out
}

// AtLeast returns the warnings with severity >= min.
func (ws LintWarnings) AtLeast(min LintSeverity) LintWarnings {
	var out LintWarnings
	for _, w := range ws {
		if w.Severity >= min {
			out = append(out, w)
		}
	}
	return out
}

// Lint returns soft warnings about c. It never fails; call Validate for hard
// errors.
func (c *Config) Lint() LintWarnings {
	var ws LintWarnings
	add := func(code string, sev LintSeverity, msg string) {
		ws = append(ws, LintWarning{Code: code, Severity: sev, Message: msg})
	}

	if u, err := url.Parse(c.API.BaseURL); err == nil && u.Scheme == "http" && !isLoopbackHost(u.Hostname()) {
		add("api_plain_http", LintHigh, "auth API is reached over plain http; tokens travel unencrypted")
	}
	if !c.Cookie.Secure {
		add("cookie_insecure", LintWarn, "token cookies are sent without the Secure attribute")
	}
	if !c.Cookie.HTTPOnly {
		add("cookie_not_httponly", LintWarn, "token cookies are readable by page scripts")
	}
	if c.Token.RefreshSkew == 0 {
		add("refresh_skew_zero", LintInfo, "tokens are refreshed only after they expire")
	}
	if c.Token.RefreshSkew > 10*time.Minute {
		add("refresh_skew_large", LintWarn, "refresh skew above 10m refreshes most short-lived tokens on every request")
	}
	if c.Token.RotationMemo == 0 {
		add("rotation_memo_disabled", LintWarn, "late callers holding a rotated refresh token will be logged out")
	}
	if c.Token.RotationMemo > 5*time.Minute {
		add("rotation_memo_long", LintWarn, "rotated refresh tokens remain usable locally for over 5m")
	}
	if c.Store.AccessMaxAge > c.Store.RefreshMaxAge {
		add("access_outlives_refresh", LintInfo, "access cookie outlives the refresh cookie")
	}
	if c.API.RetryMax == 0 {
		add("retries_disabled", LintInfo, "profile and logout calls are not retried")
	}
	if c.Audit.Enabled && c.Audit.DropIfFull {
		add("audit_may_drop", LintInfo, "audit events are dropped when the buffer is full")
	}
	if c.Store.Kind == StoreMemory {
		add("store_not_persistent", LintInfo, "sessions are lost when the process exits")
	}

	return ws
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

/*
====================================
LOADING
====================================
*/

// LoadConfig reads a YAML file over DefaultConfig, applies RENTAUTH_*
// environment overrides and validates the result. An empty path skips the
// file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.API.BaseURL = getEnv("RENTAUTH_API_BASE_URL", c.API.BaseURL)
	c.API.UserAgent = getEnv("RENTAUTH_API_USER_AGENT", c.API.UserAgent)
	c.Cookie.Domain = getEnv("RENTAUTH_COOKIE_DOMAIN", c.Cookie.Domain)
	c.Cookie.SameSite = getEnv("RENTAUTH_COOKIE_SAMESITE", c.Cookie.SameSite)
	c.Store.Kind = StoreKind(getEnv("RENTAUTH_STORE_KIND", string(c.Store.Kind)))
	c.Store.FilePath = getEnv("RENTAUTH_STORE_FILE", c.Store.FilePath)
	c.Store.RedisAddr = getEnv("RENTAUTH_REDIS_ADDR", c.Store.RedisAddr)
	c.Store.PostgresDSN = getEnv("RENTAUTH_POSTGRES_DSN", c.Store.PostgresDSN)
	c.Routes.LoginPath = getEnv("RENTAUTH_LOGIN_PATH", c.Routes.LoginPath)
	c.Broadcast.Channel = getEnv("RENTAUTH_BROADCAST_CHANNEL", c.Broadcast.Channel)

	var err error
	if c.API.RetryMax, err = getEnvInt("RENTAUTH_API_RETRY_MAX", c.API.RetryMax); err != nil {
		return err
	}
	if c.API.Timeout, err = getEnvDuration("RENTAUTH_API_TIMEOUT", c.API.Timeout); err != nil {
		return err
	}
	if c.Token.RefreshSkew, err = getEnvDuration("RENTAUTH_REFRESH_SKEW", c.Token.RefreshSkew); err != nil {
		return err
	}
	if c.Cookie.Secure, err = getEnvBool("RENTAUTH_COOKIE_SECURE", c.Cookie.Secure); err != nil {
		return err
	}
	if c.Audit.Enabled, err = getEnvBool("RENTAUTH_AUDIT_ENABLED", c.Audit.Enabled); err != nil {
		return err
	}
	if c.Metrics.Enabled, err = getEnvBool("RENTAUTH_METRICS_ENABLED", c.Metrics.Enabled); err != nil {
		return err
	}
	return nil
}

func getEnv(key, fallback string) string {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	return val
}

func getEnvInt(key string, fallback int) (int, error) {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback, fmt.Errorf("%s must be a boolean: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
