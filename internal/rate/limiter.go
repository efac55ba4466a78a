package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config tunes the login throttle.
type Config struct {
	// MaxFailures is the number of failed logins allowed per window.
	MaxFailures int
	Window      time.Duration
	// PerIP also counts failures per client address.
	PerIP  bool
	Prefix string
}

// Limiter counts failed logins per account and, optionally, per address.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New returns a Limiter over client. Zero values fall back to 5 failures
// per minute under the "rentauth:throttle" prefix.
func New(client redis.UniversalClient, cfg Config) *Limiter {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rentauth:throttle"
	}
	return &Limiter{redis: client, config: cfg}
}

// Check returns ErrRateLimited when email or ip has no attempts left.
func (l *Limiter) Check(ctx context.Context, email, ip string) error {
	for _, key := range l.keys(email, ip) {
		count, err := l.redis.Get(ctx, key).Int64()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if count >= int64(l.config.MaxFailures) {
			return ErrRateLimited
		}
	}
	return nil
}

// Fail records a failed login. It returns ErrRateLimited when this failure
// used up the budget.
func (l *Limiter) Fail(ctx context.Context, email, ip string) error {
	limited := false
	for _, key := range l.keys(email, ip) {
		count, err := l.incrementWithTTL(ctx, key)
		if err != nil {
			return err
		}
		if count >= int64(l.config.MaxFailures) {
			limited = true
		}
	}
	if limited {
		return ErrRateLimited
	}
	return nil
}

// Reset clears the counters after a successful login.
func (l *Limiter) Reset(ctx context.Context, email, ip string) error {
	if err := l.redis.Del(ctx, l.keys(email, ip)...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Failures returns the failure count of email in the current window.
func (l *Limiter) Failures(ctx context.Context, email string) (int, error) {
	count, err := l.redis.Get(ctx, l.accountKey(email)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(max(count, 0)), nil
}

func (l *Limiter) accountKey(email string) string {
	return l.config.Prefix + ":login:" + strings.ToLower(strings.TrimSpace(email))
}

func (l *Limiter) keys(email, ip string) []string {
	keys := []string{l.accountKey(email)}
	if l.config.PerIP && ip != "" {
		keys = append(keys, l.config.Prefix+":ip:"+ip)
	}
	return keys
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	// fixed window: the first hit starts it
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.config.Window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return count, nil
}
