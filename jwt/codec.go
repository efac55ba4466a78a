package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSkew is the safety margin subtracted from a token's expiry so that a
// refresh happens before the server starts rejecting it.
const DefaultSkew = 300 * time.Second

var (
	// ErrMalformed is returned when the token is not a decodable JWT.
	ErrMalformed = errors.New("jwt: malformed token")
	// ErrNoExpiry is returned when the token carries no exp claim.
	ErrNoExpiry = errors.New("jwt: token has no expiry")
)

// Codec decodes access tokens without verifying their signature. Verification
// belongs to the server that issued them.
type Codec struct {
	now func() time.Time
}

// NewCodec returns a Codec reading time from now, or from time.Now when nil.
func NewCodec(now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{now: now}
}

var defaultCodec = NewCodec(nil)

// Peek decodes the claim segment of token.
func (c *Codec) Peek(token string) (*AccessClaims, error) {
	if token == "" {
		return nil, ErrMalformed
	}
	claims := &AccessClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	// An unknown alg still leaves the claims decoded.
	if err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return claims, nil
}

// DecodeExpiry returns the exp claim of token.
func (c *Codec) DecodeExpiry(token string) (time.Time, error) {
	claims, err := c.Peek(token)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// DecodeSubject returns the sub claim of token.
func (c *Codec) DecodeSubject(token string) (string, error) {
	claims, err := c.Peek(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// IsExpired reports whether token expires within skew of now. Tokens that
// cannot be decoded, or carry no expiry, are reported as expired.
func (c *Codec) IsExpired(token string, skew time.Duration) bool {
	exp, err := c.DecodeExpiry(token)
	if err != nil {
		return true
	}
	return exp.UnixMilli() < c.now().Add(skew).UnixMilli()
}

// Remaining returns how long token stays usable once skew is applied. It is
// zero or negative for expired or undecodable tokens.
func (c *Codec) Remaining(token string, skew time.Duration) time.Duration {
	exp, err := c.DecodeExpiry(token)
	if err != nil {
		return 0
	}
	return exp.Sub(c.now().Add(skew))
}

// DecodeExpiry decodes the exp claim using the wall clock codec.
func DecodeExpiry(token string) (time.Time, error) { return defaultCodec.DecodeExpiry(token) }

// DecodeSubject decodes the sub claim using the wall clock codec.
func DecodeSubject(token string) (string, error) { return defaultCodec.DecodeSubject(token) }

// IsExpired checks token against the wall clock.
func IsExpired(token string, skew time.Duration) bool { return defaultCodec.IsExpired(token, skew) }
