package rentauth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	internalaudit "github.com/MrEthical07/rentauth/internal/audit"
	"github.com/MrEthical07/rentauth/internal/flows"
	"github.com/MrEthical07/rentauth/internal/transport"
	"github.com/MrEthical07/rentauth/jwt"
	"github.com/MrEthical07/rentauth/permission"
	"github.com/MrEthical07/rentauth/session"
	"golang.org/x/sync/singleflight"
)

// Manager owns the login, refresh and logout lifecycle of a session.
//
// The embedded Scope operates on the Manager's own store and is what a
// long-lived client (CLI, worker) uses. A backend-for-frontend serves each
// request through ForRequest or Scoped, which share the Manager's API client,
// policy and refresh de-duplication but persist into a per-request store.
//
// Manager is safe for concurrent use. Build one with New().Build().
type Manager struct {
	*Scope

	cfg         Config
	api         transport.API
	policy      *permission.Policy
	codec       *jwt.Codec
	logger      *slog.Logger
	metrics     *Metrics
	audit       *internalaudit.Dispatcher
	broadcaster session.Broadcaster
	verifier    AccessVerifier
	origin      string
	now         func() time.Time

	group singleflight.Group
	memo  rotationMemo

	state atomic.Int32
	subMu sync.Mutex
	subs  map[*subscriber]struct{}

	// detachMu orders detached work against Close.
	detachMu   sync.Mutex
	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
	stopListen context.CancelFunc
	wg         sync.WaitGroup
}

// Scope runs Manager operations against one session store. Store mutations
// within a Scope are serialized.
type Scope struct {
	m     *Manager
	store *session.Store
	mu    sync.Mutex
	// gen increments on every write or clear so a refresh that raced a
	// logout or a newer refresh does not overwrite the result.
	gen uint64
	// root scopes drive the Manager state, subscribers and late refresh
	// completion.
	root bool
	// untrusted scopes persist into state the visitor can write, so a stored
	// profile is confirmed before it is used.
	untrusted bool
}

// AccessVerifier checks the signature and claims of an access token.
// *jwt.Manager implements it.
type AccessVerifier interface {
	ParseAccess(raw string) (*jwt.AccessClaims, error)
}

// Scoped returns a Scope over store. Scoped views do not update State or
// notify subscribers. The store is trusted as written; sessions held in
// browser cookies go through ForRequest.
func (m *Manager) Scoped(store *session.Store) *Scope {
	return &Scope{m: m, store: store}
}

// ForRequest returns a Scope whose session lives in the cookies of r, with
// updates written to w as Set-Cookie headers.
//
// Cookies are client-writable, so a stored session is never taken at face
// value: with an AccessVerifier the access token is verified and identity and
// role come from its claims, otherwise the profile is reloaded from the API.
func (m *Manager) ForRequest(w http.ResponseWriter, r *http.Request) *Scope {
	rb := session.NewRequestBackend(w, r, m.cfg.Cookie.Options())
	return &Scope{m: m, store: m.NewStore(rb, rb), untrusted: true}
}

// NewStore builds a session store configured like the Manager's own.
func (m *Manager) NewStore(tokens, profile session.Backend) *session.Store {
	return session.NewStore(tokens, profile,
		session.WithLifetimes(m.cfg.Store.Lifetimes()),
		session.WithLogger(m.logger),
		session.WithFaultHook(m.storeFault),
	)
}

func (m *Manager) storeFault(string, error) {
	m.metrics.Inc(MetricStoreReadFault)
}

// Store returns the store this scope operates on.
func (s *Scope) Store() *session.Store { return s.store }

// Policy returns the RBAC policy.
func (m *Manager) Policy() *permission.Policy { return m.policy }

// Config returns a copy of the configuration.
func (m *Manager) Config() Config { return m.cfg }

// Metrics returns the Manager's counters.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// MetricsSnapshot returns a copy of all counters.
func (m *Manager) MetricsSnapshot() MetricsSnapshot { return m.metrics.Snapshot() }

// State returns the state of the Manager's own session.
func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) checkOpen() error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	return nil
}

/*
====================================
LOGIN
====================================
*/

// Login exchanges credentials for a session and persists it. On failure the
// stored session is left untouched.
func (s *Scope) Login(ctx context.Context, creds Credentials) (*session.User, error) {
	m := s.m
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	creds.Email = strings.TrimSpace(creds.Email)
	if creds.Email == "" || creds.Password == "" {
		m.metrics.Inc(MetricLoginFailure)
		return nil, newAuthError("login", KindInvalidCredentials, 0, errors.New("email and password are required"))
	}

	res := flows.RunLogin(ctx, creds, flows.LoginDeps{API: m.api, DecodeUser: session.DecodeUser})
	if res.Err != nil {
		m.metrics.Inc(MetricLoginFailure)
		err := failureError("login", res.Failure, res.Err)
		m.logger.Debug("rentauth: login failed", "op", "login", "failure", res.Failure.String(), "error", res.Err)
		m.auditSession(ctx, AuditLogin, userRef{}, err)
		return nil, err
	}

	s.mu.Lock()
	err := s.store.Write(ctx, res.Session)
	s.gen++
	s.mu.Unlock()
	if err != nil {
		m.metrics.Inc(MetricLoginFailure)
		m.metrics.Inc(MetricSessionCleared)
		s.changed(StateAnonymous, session.Anonymous(), "login")
		return nil, newAuthError("login", KindUnknown, 0, err)
	}

	m.metrics.Inc(MetricLoginSuccess)
	m.auditSession(ctx, AuditLogin, refOf(res.Session), nil)
	s.changed(StateAuthenticated, res.Session, "login")
	return res.Session.User.Clone(), nil
}

/*
====================================
REFRESH
====================================
*/

// Refresh trades the stored refresh token for a new access token. Concurrent
// refreshes of the same token share one API call.
//
// On rejection, network failure or a malformed response the session is
// cleared and an error wrapping ErrSessionExpired is returned. A caller whose
// ctx ends first gets a KindCancelled error and the session is left to the
// in-flight call.
func (s *Scope) Refresh(ctx context.Context) (session.Session, error) {
	if err := s.m.checkOpen(); err != nil {
		return session.Session{}, err
	}
	s.mu.Lock()
	current := s.store.Read(ctx)
	gen := s.gen
	s.mu.Unlock()
	return s.refresh(ctx, current, gen)
}

func (s *Scope) refresh(ctx context.Context, current session.Session, gen uint64) (session.Session, error) {
	m := s.m
	if current.RefreshToken == "" {
		err := newAuthError("refresh", KindSessionExpired, 0, errors.New("no refresh token"))
		s.expire(ctx, gen, current, err)
		return session.Anonymous(), err
	}

	s.changed(StateRefreshing, current, "refresh")
	ch := m.exchange(ctx, s.store, current.RefreshToken)

	select {
	case r := <-ch:
		return s.applyRefresh(ctx, current, gen, r)
	case <-ctx.Done():
		if s.root {
			m.detach(func() {
				r := <-ch
				_, _ = s.applyRefresh(context.WithoutCancel(ctx), current, gen, r)
			})
		}
		return session.Session{}, newAuthError("refresh", KindCancelled, 0, ctx.Err())
	}
}

// detach runs fn on a goroutine that Close waits for. It reports false once
// the Manager is closed.
func (m *Manager) detach(fn func()) bool {
	m.detachMu.Lock()
	defer m.detachMu.Unlock()
	if m.closed.Load() {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

// exchange calls the refresh endpoint at most once per refresh token at a
// time. The call is detached from ctx so one caller giving up does not fail
// the others. Memoized responses are only replayed to the store that started
// the exchange.
func (m *Manager) exchange(ctx context.Context, store *session.Store, refreshToken string) <-chan singleflight.Result {
	if resp, ok := m.memo.get(store, refreshToken, m.now()); ok {
		ch := make(chan singleflight.Result, 1)
		ch <- singleflight.Result{Val: resp, Shared: true}
		return ch
	}

	return m.group.DoChan("refresh:"+refreshToken, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.API.Timeout)
		defer cancel()

		start := time.Now()
		resp, err := m.api.Refresh(fctx, refreshToken)
		m.metrics.Observe(MetricRefreshLatency, time.Since(start))
		if err != nil {
			return nil, err
		}
		m.metrics.Inc(MetricRefreshSuccess)
		m.memo.put(store, refreshToken, resp, m.now())
		return resp, nil
	})
}

func (s *Scope) applyRefresh(ctx context.Context, current session.Session, gen uint64, r singleflight.Result) (session.Session, error) {
	m := s.m
	if r.Shared {
		m.metrics.Inc(MetricRefreshShared)
	}

	resp, _ := r.Val.(*transport.AuthResponse)
	res := flows.RunRefresh(ctx, current, flows.RefreshDeps{
		Exchange: func(context.Context, string) (*transport.AuthResponse, error) {
			return resp, r.Err
		},
		Me:            m.me,
		DecodeUser:    session.DecodeUser,
		DecodeSubject: m.codec.DecodeSubject,
	})

	if res.Err != nil {
		failure := res.Failure
		if failure == flows.FailureCancelled {
			if ctx.Err() != nil {
				return session.Session{}, newAuthError("refresh", KindCancelled, 0, ctx.Err())
			}
			// the detached call timed out
			failure = flows.FailureNetwork
		}
		cause := failureError("refresh", failure, res.Err)
		err := &AuthError{Kind: KindSessionExpired, Op: "refresh", Status: cause.Status, Err: cause}
		s.expire(ctx, gen, current, err)
		return session.Anonymous(), err
	}

	s.mu.Lock()
	if s.gen != gen {
		latest := s.store.Read(ctx)
		s.mu.Unlock()
		if latest.IsAuthenticated {
			return latest, nil
		}
		return session.Anonymous(), newAuthError("refresh", KindSessionExpired, 0, errors.New("session ended during refresh"))
	}
	err := s.store.Write(ctx, res.Session)
	s.gen++
	s.mu.Unlock()

	if err != nil {
		m.metrics.Inc(MetricRefreshFailure)
		m.metrics.Inc(MetricSessionCleared)
		s.changed(StateAnonymous, session.Anonymous(), string(session.ReasonExpired))
		return session.Anonymous(), newAuthError("refresh", KindSessionExpired, 0, err)
	}

	m.auditSession(ctx, AuditRefresh, refOf(res.Session), nil)
	if oldRole, ok := current.Role(); ok {
		if newRole, _ := res.Session.Role(); newRole != oldRole {
			m.publishInvalidation(ctx, res.Session.UserID(), session.ReasonRoleChanged)
		}
	}
	s.changed(StateAuthenticated, res.Session, "refresh")
	return res.Session, nil
}

// expire clears the session after a failed refresh or hydrate unless another
// operation already replaced it.
func (s *Scope) expire(ctx context.Context, gen uint64, current session.Session, cause error) {
	m := s.m
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	clearErr := s.store.Clear(context.WithoutCancel(ctx))
	s.gen++
	s.mu.Unlock()

	m.metrics.Inc(MetricRefreshFailure)
	m.metrics.Inc(MetricSessionCleared)
	ref := refOf(current)
	m.logger.Warn("rentauth: session expired, cleared",
		"op", "refresh", "user_id", ref.id, "error", cause)
	if clearErr != nil {
		m.logger.Warn("rentauth: session clear failed", "op", "refresh", "user_id", ref.id, "error", clearErr)
	}
	m.auditSession(ctx, AuditSessionExpired, ref, cause)

	s.changed(StateExpired, session.Anonymous(), string(session.ReasonExpired))
	s.changed(StateAnonymous, session.Anonymous(), string(session.ReasonExpired))
}

func (m *Manager) me(ctx context.Context, accessToken string) ([]byte, error) {
	raw, err := m.api.Me(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

/*
====================================
VALIDATE / HYDRATE
====================================
*/

// ValidateAndRefresh returns a usable session, refreshing or hydrating it
// first when needed. A nil session with a nil error means the visitor must
// log in. The only errors are cancellation and a closed Manager.
//
// With a fresh access token it returns the stored session without any API
// call, so repeated calls are idempotent.
func (s *Scope) ValidateAndRefresh(ctx context.Context) (*session.Session, error) {
	m := s.m
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, newAuthError("validate", KindCancelled, 0, err)
	}

	s.mu.Lock()
	current := s.store.Read(ctx)
	access, _, _ := s.store.ReadTokens(ctx)
	gen := s.gen
	s.mu.Unlock()

	action := flows.Decide(current, flows.ValidateDeps{
		IsExpired:   m.codec.IsExpired,
		Skew:        m.cfg.Token.RefreshSkew,
		AccessToken: access,
	})

	switch action {
	case flows.ActionKeep:
		if s.untrusted {
			return s.confirm(ctx, current, gen)
		}
		if sub, err := m.codec.DecodeSubject(current.AccessToken); err == nil && sub != "" && sub != current.UserID() {
			s.expire(ctx, gen, current, newAuthError("validate", KindInvalidToken, 0, errors.New("token subject does not match profile")))
			return nil, nil
		}
		if s.root && m.State() != StateAuthenticated {
			s.changed(StateAuthenticated, current, "validate")
		}
		return &current, nil

	case flows.ActionRefresh:
		sess, err := s.refresh(ctx, current, gen)
		if err != nil {
			if Classify(err) == KindCancelled {
				return nil, err
			}
			return nil, nil
		}
		return &sess, nil

	case flows.ActionHydrate:
		sess, err := s.hydrate(ctx, access, current.RefreshToken, gen)
		if err != nil {
			if Classify(err) == KindCancelled {
				return nil, err
			}
			return nil, nil
		}
		return &sess, nil

	default:
		if access != "" {
			s.expire(ctx, gen, current, newAuthError("validate", KindTokenExpired, 0, ErrTokenExpired))
		}
		return nil, nil
	}
}

// confirm vouches for a session read from client-writable state.
func (s *Scope) confirm(ctx context.Context, current session.Session, gen uint64) (*session.Session, error) {
	m := s.m
	if m.verifier == nil {
		sess, err := s.hydrate(ctx, current.AccessToken, current.RefreshToken, gen)
		if err != nil {
			if Classify(err) == KindCancelled {
				return nil, err
			}
			return nil, nil
		}
		return &sess, nil
	}

	claims, err := m.verifier.ParseAccess(current.AccessToken)
	if err == nil && claims.Subject != current.UserID() {
		err = errors.New("token subject does not match profile")
	}
	var role permission.Role
	if err == nil {
		role, err = permission.ParseRole(claims.Role)
	}
	if err != nil {
		s.expire(ctx, gen, current, newAuthError("validate", KindInvalidToken, 0, err))
		return nil, nil
	}

	if role != current.User.Role {
		m.logger.Warn("rentauth: stored role differs from token, using token",
			"op", "validate", "user_id", claims.Subject, "stored_role", current.User.Role.String(), "role", role.String())
		current = current.Clone()
		current.User.Role = role
		s.mu.Lock()
		if s.gen == gen {
			if err := s.store.UpdateUser(ctx, current.User); err != nil {
				m.logger.Warn("rentauth: rewriting stored role failed", "op", "validate", "user_id", claims.Subject, "error", err)
			}
		}
		s.mu.Unlock()
	}
	return &current, nil
}

// Hydrate fetches the profile for the stored access token and persists the
// resulting session. It serves cookie-only bootstraps and profile reloads.
func (s *Scope) Hydrate(ctx context.Context) (*session.User, error) {
	if err := s.m.checkOpen(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	access, refresh, err := s.store.ReadTokens(ctx)
	gen := s.gen
	s.mu.Unlock()
	if err != nil {
		return nil, newAuthError("hydrate", KindUnknown, 0, err)
	}
	if access == "" {
		return nil, newAuthError("hydrate", KindUnknown, 0, ErrNotAuthenticated)
	}
	sess, err := s.hydrate(ctx, access, refresh, gen)
	if err != nil {
		return nil, err
	}
	return sess.User.Clone(), nil
}

func (s *Scope) hydrate(ctx context.Context, access, refresh string, gen uint64) (session.Session, error) {
	m := s.m
	res := flows.RunHydrate(ctx, access, refresh, flows.HydrateDeps{Me: m.me, DecodeUser: session.DecodeUser})
	if res.Err != nil {
		if res.Failure == flows.FailureCancelled && ctx.Err() != nil {
			return session.Session{}, newAuthError("hydrate", KindCancelled, 0, ctx.Err())
		}
		err := failureError("hydrate", res.Failure, res.Err)
		s.expire(ctx, gen, session.Session{AccessToken: access, RefreshToken: refresh}, err)
		return session.Anonymous(), err
	}

	if sub, err := m.codec.DecodeSubject(access); err == nil && sub != "" && sub != res.Session.UserID() {
		err := newAuthError("hydrate", KindInvalidToken, 0, errors.New("token subject does not match profile"))
		s.expire(ctx, gen, res.Session, err)
		return session.Anonymous(), err
	}

	s.mu.Lock()
	if s.gen != gen {
		latest := s.store.Read(ctx)
		s.mu.Unlock()
		if latest.IsAuthenticated {
			return latest, nil
		}
		return session.Anonymous(), newAuthError("hydrate", KindSessionExpired, 0, errors.New("session ended during hydrate"))
	}
	err := s.store.Write(ctx, res.Session)
	s.gen++
	s.mu.Unlock()
	if err != nil {
		m.metrics.Inc(MetricSessionCleared)
		s.changed(StateAnonymous, session.Anonymous(), "hydrate")
		return session.Anonymous(), newAuthError("hydrate", KindUnknown, 0, err)
	}

	m.auditSession(ctx, AuditHydrate, refOf(res.Session), nil)
	s.changed(StateAuthenticated, res.Session, "hydrate")
	return res.Session, nil
}

/*
====================================
LOGOUT / PROFILE
====================================
*/

// Logout tells the API best-effort and always clears the local session. Only
// a failure to clear local state is returned.
func (s *Scope) Logout(ctx context.Context) error {
	m := s.m
	if err := m.checkOpen(); err != nil {
		return err
	}

	s.mu.Lock()
	current := s.store.Read(ctx)
	access, refresh, _ := s.store.ReadTokens(ctx)
	s.mu.Unlock()

	ref := refOf(current)
	if ref.id == "" && access != "" {
		ref.id, _ = m.codec.DecodeSubject(access)
	}

	res := flows.RunLogout(ctx, session.Session{AccessToken: access, RefreshToken: refresh}, flows.LogoutDeps{
		Remote: m.api.Logout,
		Clear: func(cctx context.Context) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.gen++
			return errors.Join(s.store.Clear(cctx), s.store.ClearIntendedRoute(cctx))
		},
		RemoteTimeout: m.cfg.API.LogoutTimeout,
	})
	m.memo.forget(refresh)

	m.metrics.Inc(MetricLogout)
	m.metrics.Inc(MetricSessionCleared)
	if res.RemoteErr != nil {
		m.metrics.Inc(MetricLogoutRemoteFailure)
		m.logger.Warn("rentauth: logout endpoint failed",
			"op", "logout", "user_id", ref.id, "failure", res.RemoteFailure.String(), "error", res.RemoteErr)
	}

	var err error
	if res.ClearErr != nil {
		err = newAuthError("logout", KindUnknown, 0, res.ClearErr)
	}
	m.auditSession(ctx, AuditLogout, ref, err)
	m.publishInvalidation(ctx, ref.id, session.ReasonLogout)
	s.changed(StateAnonymous, session.Anonymous(), "logout")
	return err
}

// UpdateUser applies patch to the stored profile. Tokens and role are not
// touched.
func (s *Scope) UpdateUser(ctx context.Context, patch session.UserPatch) error {
	m := s.m
	if err := m.checkOpen(); err != nil {
		return err
	}

	s.mu.Lock()
	current := s.store.Read(ctx)
	if !current.IsAuthenticated {
		s.mu.Unlock()
		return newAuthError("update_user", KindUnknown, 0, ErrNotAuthenticated)
	}
	if patch.Empty() {
		s.mu.Unlock()
		return nil
	}
	user := patch.Apply(current.User)
	if err := s.store.UpdateUser(ctx, user); err != nil {
		s.mu.Unlock()
		return newAuthError("update_user", KindUnknown, 0, err)
	}
	s.mu.Unlock()

	updated := current.Clone()
	updated.User = user
	s.changed(StateAuthenticated, updated, string(session.ReasonProfileUpdated))
	m.publishInvalidation(ctx, user.ID, session.ReasonProfileUpdated)
	return nil
}

// Current returns the stored session without validating it.
func (s *Scope) Current(ctx context.Context) session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Read(ctx)
}

/*
====================================
GUARD OBSERVATION
====================================
*/

// GuardOutcome is the result of a route guard evaluation, as recorded in
// metrics and audit.
type GuardOutcome int

const (
	GuardAllowed GuardOutcome = iota
	GuardDeniedUnauthenticated
	GuardDeniedForbidden
)

// ObserveGuard records a route guard decision.
func (m *Manager) ObserveGuard(ctx context.Context, outcome GuardOutcome, path string, sess *session.Session) {
	switch outcome {
	case GuardAllowed:
		m.metrics.Inc(MetricGuardAllowed)
		return
	case GuardDeniedUnauthenticated:
		m.metrics.Inc(MetricGuardDeniedUnauthenticated)
	case GuardDeniedForbidden:
		m.metrics.Inc(MetricGuardDeniedForbidden)
	}

	ev := AuditEvent{EventType: AuditAccessDenied, Path: path, Success: false}
	if sess != nil {
		ref := refOf(*sess)
		ev.UserID, ev.Role = ref.id, ref.role
	}
	if outcome == GuardDeniedForbidden {
		ev.Error = KindPermissionDenied.String()
	} else {
		ev.Error = "unauthenticated"
	}
	m.emitAudit(ctx, ev)
}

/*
====================================
SUBSCRIPTIONS
====================================
*/

// Subscribe returns a channel of state changes of the Manager's own session
// and a function that ends the subscription and closes the channel. Slow
// subscribers lose intermediate changes but always see the latest.
func (m *Manager) Subscribe() (<-chan Change, func()) {
	sub := &subscriber{ch: make(chan Change, subscriberBuffer)}

	m.subMu.Lock()
	if m.subs == nil {
		close(sub.ch)
		m.subMu.Unlock()
		return sub.ch, func() {}
	}
	m.subs[sub] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			if _, ok := m.subs[sub]; ok {
				delete(m.subs, sub)
				close(sub.ch)
			}
		})
	}
}

func (m *Manager) publish(c Change) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for sub := range m.subs {
		sub.deliver(c)
	}
}

func (s *Scope) changed(state State, sess session.Session, reason string) {
	if !s.root {
		return
	}
	s.m.state.Store(int32(state))
	s.m.publish(Change{State: state, Session: sess.Clone(), Reason: reason})
}

/*
====================================
BROADCAST
====================================
*/

func (m *Manager) publishInvalidation(ctx context.Context, userID string, reason session.Reason) {
	if m.broadcaster == nil || userID == "" {
		return
	}
	inv := session.Invalidation{UserID: userID, Reason: reason, Origin: m.origin, At: m.now()}
	if err := m.broadcaster.Publish(context.WithoutCancel(ctx), inv); err != nil {
		m.logger.Warn("rentauth: broadcast publish failed",
			"op", "broadcast", "user_id", userID, "reason", string(reason), "error", err)
	}
}

func (m *Manager) listen(ctx context.Context, ch <-chan session.Invalidation) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case inv, ok := <-ch:
			if !ok {
				return
			}
			m.handleInvalidation(ctx, inv)
		}
	}
}

// handleInvalidation applies an invalidation published by another instance to
// the Manager's own session.
func (m *Manager) handleInvalidation(ctx context.Context, inv session.Invalidation) {
	if inv.Origin == m.origin {
		return
	}
	s := m.Scope
	current := s.Current(ctx)
	if current.UserID() == "" || current.UserID() != inv.UserID {
		return
	}

	switch inv.Reason {
	case session.ReasonLogout, session.ReasonExpired:
		s.mu.Lock()
		s.gen++
		err := s.store.Clear(ctx)
		s.mu.Unlock()
		if err != nil {
			m.logger.Warn("rentauth: session clear failed", "op", "invalidate", "user_id", inv.UserID, "error", err)
		}
		m.metrics.Inc(MetricSessionCleared)
		m.emitAudit(ctx, AuditEvent{
			EventType: AuditInvalidated,
			UserID:    inv.UserID,
			Success:   err == nil,
			Metadata:  map[string]string{"reason": string(inv.Reason), "origin": inv.Origin},
		})
		s.changed(StateAnonymous, session.Anonymous(), string(inv.Reason))

	case session.ReasonRoleChanged:
		rctx, cancel := context.WithTimeout(ctx, m.cfg.API.Timeout)
		defer cancel()
		if _, err := s.Refresh(rctx); err != nil {
			m.logger.Warn("rentauth: reload after role change failed", "op", "invalidate", "user_id", inv.UserID, "error", err)
		}

	case session.ReasonProfileUpdated:
		rctx, cancel := context.WithTimeout(ctx, m.cfg.API.Timeout)
		defer cancel()
		if _, err := s.Hydrate(rctx); err != nil {
			m.logger.Warn("rentauth: profile reload failed", "op", "invalidate", "user_id", inv.UserID, "error", err)
		}
	}
}

/*
====================================
CLOSE
====================================
*/

// Close stops the invalidation listener, waits for detached refreshes, closes
// the broadcaster, drains the audit dispatcher and closes subscriber channels.
// Operations after Close return ErrManagerClosed.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.detachMu.Lock()
		m.closed.Store(true)
		m.detachMu.Unlock()
		if m.stopListen != nil {
			m.stopListen()
		}
		m.wg.Wait()
		if m.broadcaster != nil {
			m.closeErr = m.broadcaster.Close()
		}
		m.audit.Close()

		m.subMu.Lock()
		for sub := range m.subs {
			close(sub.ch)
		}
		m.subs = nil
		m.subMu.Unlock()
	})
	return m.closeErr
}

/*
====================================
ROTATION MEMO
====================================
*/

type memoKey struct {
	store *session.Store
	token string
}

type memoEntry struct {
	resp    *transport.AuthResponse
	expires time.Time
}

// rotationMemo remembers recent refresh responses by the store and refresh
// token that produced them, so a caller of that store still holding a
// just-rotated token receives the same result instead of a rejection. Other
// stores presenting the token always reach the API.
type rotationMemo struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[memoKey]memoEntry
}

func (r *rotationMemo) get(store *session.Store, token string, now time.Time) (*transport.AuthResponse, bool) {
	if r.ttl <= 0 || store == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[memoKey{store, token}]
	if !ok || !now.Before(e.expires) {
		return nil, false
	}
	return e.resp, true
}

func (r *rotationMemo) put(store *session.Store, token string, resp *transport.AuthResponse, now time.Time) {
	if r.ttl <= 0 || store == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[memoKey]memoEntry)
	}
	for k, e := range r.entries {
		if !now.Before(e.expires) {
			delete(r.entries, k)
		}
	}
	r.entries[memoKey{store, token}] = memoEntry{resp: resp, expires: now.Add(r.ttl)}
}

func (r *rotationMemo) forget(token string) {
	if token == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// nor may an entry that hands token out to a late caller
	for k, e := range r.entries {
		if k.token == token || (e.resp != nil && e.resp.RefreshToken == token) {
			delete(r.entries, k)
		}
	}
}

func failureError(op string, f flows.FailureKind, err error) *AuthError {
	var kind Kind
	switch f {
	case flows.FailureInvalidCredentials:
		kind = KindInvalidCredentials
	case flows.FailureUserNotFound:
		kind = KindUserNotFound
	case flows.FailureRejected, flows.FailureSubjectMismatch:
		kind = KindInvalidToken
	case flows.FailureNetwork:
		kind = KindNetwork
	case flows.FailureServer, flows.FailureBadResponse:
		kind = KindServer
	case flows.FailureNoRefreshToken:
		kind = KindSessionExpired
	case flows.FailureCancelled:
		kind = KindCancelled
	default:
		kind = KindUnknown
	}
	return newAuthError(op, kind, transport.StatusOf(err), err)
}
