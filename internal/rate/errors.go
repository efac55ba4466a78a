package rate

import "errors"

var (
	// ErrRateLimited is returned once an account or address used up its
	// failure budget for the current window.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps counter backend failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
