package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, cfg Config) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return New(rdb, cfg), mr
}

func TestLimiterBlocksAfterMaxFailures(t *testing.T) {
	l, mr := newLimiter(t, Config{MaxFailures: 3, Window: time.Minute, Prefix: "t"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Fail(ctx, "renter@example.com", ""); err != nil {
			t.Fatalf("failure %d: %v", i+1, err)
		}
		if err := l.Check(ctx, "renter@example.com", ""); err != nil {
			t.Fatalf("check after %d failures: %v", i+1, err)
		}
	}
	if err := l.Fail(ctx, "renter@example.com", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected limit on third failure, got %v", err)
	}
	if err := l.Check(ctx, " Renter@Example.com", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected normalized email to be limited, got %v", err)
	}
	if ttl := mr.TTL("t:login:renter@example.com"); ttl != time.Minute {
		t.Fatalf("unexpected window ttl %s", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if err := l.Check(ctx, "renter@example.com", ""); err != nil {
		t.Fatalf("expected window to reset, got %v", err)
	}
}

func TestLimiterResetAndCount(t *testing.T) {
	l, _ := newLimiter(t, Config{MaxFailures: 2})
	ctx := context.Background()

	_ = l.Fail(ctx, "a@example.com", "")
	if n, err := l.Failures(ctx, "a@example.com"); err != nil || n != 1 {
		t.Fatalf("expected 1 failure, got %d (%v)", n, err)
	}
	if err := l.Reset(ctx, "a@example.com", ""); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n, _ := l.Failures(ctx, "a@example.com"); n != 0 {
		t.Fatalf("expected reset counter, got %d", n)
	}
	if n, _ := l.Failures(ctx, "never@example.com"); n != 0 {
		t.Fatalf("unknown account should have no failures, got %d", n)
	}
}

func TestLimiterPerIP(t *testing.T) {
	l, _ := newLimiter(t, Config{MaxFailures: 2, PerIP: true})
	ctx := context.Background()

	_ = l.Fail(ctx, "a@example.com", "10.0.0.1")
	_ = l.Fail(ctx, "b@example.com", "10.0.0.1")
	if err := l.Check(ctx, "c@example.com", "10.0.0.1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected address to be limited, got %v", err)
	}
	if err := l.Check(ctx, "c@example.com", "10.0.0.2"); err != nil {
		t.Fatalf("other address should pass, got %v", err)
	}
}

func TestLimiterRedisDown(t *testing.T) {
	l, mr := newLimiter(t, Config{})
	mr.Close()
	if err := l.Check(context.Background(), "a@example.com", ""); !errors.Is(err, ErrRedisUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}
