package authtest

import (
	"time"

	"github.com/MrEthical07/rentauth/internal/rate"
	"github.com/redis/go-redis/v9"
)

type options struct {
	secret            []byte
	issuer            string
	accessTTL         time.Duration
	refreshTTL        time.Duration
	rotate            bool
	omitUserOnRefresh bool
	now               func() time.Time
	throttle          *rate.Limiter
}

func defaultOptions() options {
	return options{
		issuer:     "rentauth-authtest",
		accessTTL:  15 * time.Minute,
		refreshTTL: 30 * 24 * time.Hour,
		rotate:     true,
		now:        time.Now,
	}
}

// Option configures a Server.
type Option func(*options)

// WithSecret sets the HS256 signing secret. The default is random.
func WithSecret(secret []byte) Option {
	return func(o *options) {
		o.secret = append([]byte(nil), secret...)
	}
}

// WithAccessTTL sets the access token lifetime.
func WithAccessTTL(d time.Duration) Option {
	return func(o *options) {
		o.accessTTL = d
	}
}

// WithRefreshTTL sets the refresh session lifetime.
func WithRefreshTTL(d time.Duration) Option {
	return func(o *options) {
		o.refreshTTL = d
	}
}

// WithoutRotation makes refresh keep the presented refresh token and omit it
// from the response.
func WithoutRotation() Option {
	return func(o *options) {
		o.rotate = false
	}
}

// OmitUserOnRefresh drops the user from refresh responses.
func OmitUserOnRefresh() Option {
	return func(o *options) {
		o.omitUserOnRefresh = true
	}
}

// WithClock overrides time.Now for token issuance and session expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithLoginThrottle rejects logins with 429 once an account has failed
// maxFailures times within window. Counters live in client.
func WithLoginThrottle(client redis.UniversalClient, maxFailures int, window time.Duration) Option {
	return func(o *options) {
		o.throttle = rate.New(client, rate.Config{
			MaxFailures: maxFailures,
			Window:      window,
			Prefix:      "authtest:throttle",
		})
	}
}
