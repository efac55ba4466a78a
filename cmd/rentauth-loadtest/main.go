package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/rentauth"
	"github.com/MrEthical07/rentauth/authtest"
	"github.com/MrEthical07/rentauth/permission"
	"github.com/MrEthical07/rentauth/session"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		sessions    = flag.Int("sessions", 200, "number of logged-in sessions to seed")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "operations per phase (validate, refresh)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "lt", "session key prefix")
		latency     = flag.Duration("api-latency", 2*time.Millisecond, "artificial auth API latency")
	)
	flag.Parse()

	if *sessions <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "sessions, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	client, closeRedis, err := dialRedis(*redisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer closeRedis()

	srv, err := authtest.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "auth server: %v\n", err)
		os.Exit(1)
	}
	srv.Start()
	defer srv.Close()

	m, err := rentauth.New().
		WithBaseURL(srv.URL()).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build manager: %v\n", err)
		os.Exit(1)
	}
	defer m.Close()

	fmt.Printf("seeding %d sessions...\n", *sessions)
	startSeed := time.Now()
	scopes, err := seed(ctx, m, srv, client, *prefix, *sessions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	srv.SetLatency(*latency)
	before := srv.Calls()
	validate := runPhase(ctx, scopes, *ops, *concurrency, func(ctx context.Context, s *rentauth.Scope) error {
		sess, err := s.ValidateAndRefresh(ctx)
		if err == nil && sess == nil {
			err = rentauth.ErrNotAuthenticated
		}
		return err
	})
	refresh := runPhase(ctx, scopes, *ops, *concurrency, func(ctx context.Context, s *rentauth.Scope) error {
		_, err := s.Refresh(ctx)
		return err
	})
	after := srv.Calls()

	fmt.Println("---- results ----")
	validate.print("validate")
	refresh.print("refresh")
	fmt.Printf("refresh calls reaching the API: %d of %d requested\n", after.Refresh-before.Refresh, len(refresh.samples))
	fmt.Printf("metrics: %v\n", m.MetricsSnapshot().Counters)
}

// dialRedis connects to addr, then REDIS_ADDR, and falls back to an
// in-process miniredis.
func dialRedis(addr string) (redis.UniversalClient, func(), error) {
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		fmt.Printf("using redis at %s\n", addr)
		return client, func() { _ = client.Close() }, nil
	}
	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	fmt.Printf("using miniredis at %s\n", mr.Addr())
	return client, func() { _ = client.Close(); mr.Close() }, nil
}

// seed logs in one account per session, each persisted under its own redis
// prefix.
func seed(ctx context.Context, m *rentauth.Manager, srv *authtest.Server, client redis.UniversalClient, prefix string, n int) ([]*rentauth.Scope, error) {
	scopes := make([]*rentauth.Scope, n)
	for i := 0; i < n; i++ {
		email := fmt.Sprintf("load-%d@example.com", i)
		role := permission.Roles()[i%len(permission.Roles())]
		if _, err := srv.AddUser(authtest.Account{Email: email, Password: "load-test-password", Role: role}); err != nil {
			return nil, err
		}
		backend := session.NewRedisBackend(client, fmt.Sprintf("%s:%d", prefix, i))
		scope := m.Scoped(m.NewStore(backend, backend))
		if _, err := scope.Login(ctx, rentauth.Credentials{Email: email, Password: "load-test-password"}); err != nil {
			return nil, fmt.Errorf("login %s: %w", email, err)
		}
		scopes[i] = scope
	}
	return scopes, nil
}

// phase collects per-operation latencies of one benchmark phase.
type phase struct {
	mu       sync.Mutex
	samples  []time.Duration
	failures atomic.Int64
	elapsed  time.Duration
}

func (p *phase) record(d time.Duration, err error) {
	if err != nil {
		p.failures.Add(1)
	}
	p.mu.Lock()
	p.samples = append(p.samples, d)
	p.mu.Unlock()
}

// quantile expects samples to be sorted.
func (p *phase) quantile(q float64) time.Duration {
	if len(p.samples) == 0 {
		return 0
	}
	return p.samples[int(q*float64(len(p.samples)-1))]
}

func (p *phase) print(name string) {
	slices.Sort(p.samples)
	rate := 0.0
	if p.elapsed > 0 {
		rate = float64(len(p.samples)) / p.elapsed.Seconds()
	}
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name, len(p.samples), p.failures.Load(), p.elapsed.Round(time.Millisecond), rate,
		p.quantile(0.50).Round(time.Microsecond),
		p.quantile(0.95).Round(time.Microsecond),
		p.quantile(0.99).Round(time.Microsecond))
}

// runPhase spreads ops calls of op over concurrency workers, each picking a
// random session per call.
func runPhase(ctx context.Context, scopes []*rentauth.Scope, ops, concurrency int, op func(context.Context, *rentauth.Scope) error) *phase {
	p := &phase{samples: make([]time.Duration, 0, ops)}
	var next atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	start := time.Now()
	for w := 0; w < concurrency; w++ {
		g.Go(func() error {
			for next.Add(1) <= int64(ops) {
				s := scopes[rand.IntN(len(scopes))]
				t0 := time.Now()
				err := op(gctx, s)
				p.record(time.Since(t0), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	p.elapsed = time.Since(start)
	return p
}
