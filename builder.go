package rentauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"

	internalaudit "github.com/MrEthical07/rentauth/internal/audit"
	"github.com/MrEthical07/rentauth/internal/transport"
	"github.com/MrEthical07/rentauth/jwt"
	"github.com/MrEthical07/rentauth/permission"
	"github.com/MrEthical07/rentauth/session"
	"github.com/google/uuid"
)

// Builder assembles a Manager. A Builder can be used once.
type Builder struct {
	config Config

	api        transport.API
	httpClient *http.Client
	jar        http.CookieJar

	store           *session.Store
	tokens, profile session.Backend

	logger      *slog.Logger
	auditSink   AuditSink
	broadcaster session.Broadcaster
	verifier    AccessVerifier
	policy      *permission.Policy
	now         func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithBaseURL sets API.BaseURL.
func (b *Builder) WithBaseURL(baseURL string) *Builder {
	b.config.API.BaseURL = baseURL
	return b
}

// WithAPI supplies the auth API directly instead of the HTTP client built
// from API.BaseURL.
func (b *Builder) WithAPI(api API) *Builder {
	b.api = api
	return b
}

// WithHTTPClient sets the client used to reach the auth API.
func (b *Builder) WithHTTPClient(c *http.Client) *Builder {
	b.httpClient = c
	return b
}

// WithCookieJar sets the jar shared by the HTTP client and a cookiejar store.
func (b *Builder) WithCookieJar(jar http.CookieJar) *Builder {
	b.jar = jar
	return b
}

// WithStore supplies a ready store. Its fault hook and lifetimes are the
// caller's; prefer WithBackends to get the Manager's.
func (b *Builder) WithStore(store *session.Store) *Builder {
	b.store = store
	return b
}

// WithBackends sets the token and profile tiers of the Manager's own store.
func (b *Builder) WithBackends(tokens, profile session.Backend) *Builder {
	b.tokens, b.profile = tokens, profile
	return b
}

// WithLogger sets the structured logger. The default is slog.Default().
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// WithAuditSink sets the audit sink and enables auditing.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	b.config.Audit.Enabled = sink != nil
	return b
}

// WithBroadcaster enables cross-instance invalidation. The Manager closes the
// broadcaster on Close.
func (b *Builder) WithBroadcaster(br session.Broadcaster) *Builder {
	b.broadcaster = br
	return b
}

// WithAccessVerifier makes request scopes verify access tokens locally and
// take identity and role from the verified claims. Without one, request
// scopes reload the profile from the API on every validation.
func (b *Builder) WithAccessVerifier(v AccessVerifier) *Builder {
	b.verifier = v
	return b
}

// WithPolicy replaces the embedded default RBAC policy.
func (b *Builder) WithPolicy(p *permission.Policy) *Builder {
	b.policy = p
	return b
}

// WithMetricsEnabled toggles the counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	if !enabled {
		b.config.Metrics.EnableLatencyHistograms = false
	}
	return b
}

// WithClock overrides time.Now for token expiry checks and the rotation memo.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the configuration and returns a ready Manager.
func (b *Builder) Build() (*Manager, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.api == nil && cfg.API.BaseURL == "" {
		return nil, errors.New("API BaseURL required")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	policy := b.policy
	if policy == nil {
		p, err := permission.LoadDefaultPolicy()
		if err != nil {
			return nil, fmt.Errorf("load default policy: %w", err)
		}
		policy = p
	}

	jar := b.jar
	if jar == nil && cfg.Store.Kind == StoreCookieJar {
		j, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		jar = j
	}

	api := b.api
	if api == nil {
		client, err := transport.NewClient(transport.Config{
			BaseURL:      cfg.API.BaseURL,
			Timeout:      cfg.API.Timeout,
			RetryMax:     cfg.API.RetryMax,
			RetryWaitMin: cfg.API.RetryWaitMin,
			RetryWaitMax: cfg.API.RetryWaitMax,
			Jar:          jar,
			UserAgent:    cfg.API.UserAgent,
			Logger:       logger,
			HTTPClient:   b.httpClient,
		})
		if err != nil {
			return nil, err
		}
		api = client
	}

	origin := cfg.Broadcast.InstanceID
	if origin == "" {
		origin = uuid.NewString()
	}

	sink := b.auditSink
	if sink == nil && cfg.Audit.Enabled {
		sink = NewSlogSink(logger)
	}

	m := &Manager{
		cfg:         cfg,
		api:         api,
		policy:      policy,
		codec:       jwt.NewCodec(now),
		logger:      logger,
		metrics:     NewMetrics(cfg.Metrics),
		broadcaster: b.broadcaster,
		verifier:    b.verifier,
		origin:      origin,
		now:         now,
		memo:        rotationMemo{ttl: cfg.Token.RotationMemo},
		subs:        make(map[*subscriber]struct{}),
	}
	if sink != nil {
		m.audit = internalaudit.NewDispatcher(internalaudit.Config{
			Enabled:    cfg.Audit.Enabled,
			BufferSize: cfg.Audit.BufferSize,
			DropIfFull: cfg.Audit.DropIfFull,
		}, sink)
	}

	store, err := b.buildStore(m, jar)
	if err != nil {
		m.audit.Close()
		return nil, err
	}
	m.Scope = &Scope{m: m, store: store, root: true}

	if m.broadcaster != nil {
		ctx, cancel := context.WithCancel(context.Background())
		ch, unsubscribe, err := m.broadcaster.Subscribe(ctx)
		if err != nil {
			cancel()
			m.audit.Close()
			return nil, fmt.Errorf("subscribe to invalidations: %w", err)
		}
		m.stopListen = func() {
			cancel()
			unsubscribe()
		}
		m.wg.Add(1)
		go m.listen(ctx, ch)
	}

	b.built = true
	return m, nil
}

func (b *Builder) buildStore(m *Manager, jar http.CookieJar) (*session.Store, error) {
	if b.store != nil {
		return b.store, nil
	}
	if b.tokens != nil || b.profile != nil {
		if b.tokens == nil || b.profile == nil {
			return nil, errors.New("both token and profile backends are required")
		}
		return m.NewStore(b.tokens, b.profile), nil
	}

	switch m.cfg.Store.Kind {
	case StoreMemory:
		return m.NewStore(session.NewMemoryBackend(), session.NewMemoryBackend()), nil
	case StoreCookieJar:
		if m.cfg.API.BaseURL == "" {
			return nil, errors.New("cookiejar store requires API BaseURL")
		}
		tokens, err := session.NewCookieJarBackend(jar, m.cfg.API.BaseURL, m.cfg.Cookie.Options())
		if err != nil {
			return nil, err
		}
		return m.NewStore(tokens, session.NewMemoryBackend()), nil
	case StoreFile:
		fb, err := session.NewFileBackend(m.cfg.Store.FilePath)
		if err != nil {
			return nil, err
		}
		return m.NewStore(fb, fb), nil
	default:
		return nil, fmt.Errorf("store kind %q needs backends supplied with WithBackends", m.cfg.Store.Kind)
	}
}
