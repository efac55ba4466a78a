package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// SessionID names one server-side refresh session.
type SessionID [16]byte

// RefreshSecret is the part of a refresh token that changes on rotation.
// Servers keep only its digest.
type RefreshSecret [32]byte

// Digest returns the value a server stores in place of the secret.
func (s RefreshSecret) Digest() [sha256.Size]byte { return sha256.Sum256(s[:]) }

// Matches reports, in constant time, whether s hashes to digest.
func (s RefreshSecret) Matches(digest [sha256.Size]byte) bool {
	d := s.Digest()
	return subtle.ConstantTimeCompare(d[:], digest[:]) == 1
}

// RefreshToken is the opaque refresh credential handed to clients: a session
// id followed by a secret, base64url encoded without padding.
type RefreshToken struct {
	Session SessionID
	Secret  RefreshSecret
}

const refreshTokenLen = len(SessionID{}) + len(RefreshSecret{})

var tokenEncoding = base64.RawURLEncoding

// NewRefreshToken opens a new session with a fresh secret.
func NewRefreshToken() (RefreshToken, error) {
	var t RefreshToken
	if _, err := rand.Read(t.Session[:]); err != nil {
		return t, err
	}
	return t.Rotate()
}

// Rotate keeps the session and draws a new secret.
func (t RefreshToken) Rotate() (RefreshToken, error) {
	_, err := rand.Read(t.Secret[:])
	return t, err
}

func (t RefreshToken) String() string {
	buf := make([]byte, 0, refreshTokenLen)
	buf = append(buf, t.Session[:]...)
	buf = append(buf, t.Secret[:]...)
	return tokenEncoding.EncodeToString(buf)
}

// ParseRefreshToken decodes the String form.
func ParseRefreshToken(s string) (RefreshToken, error) {
	var t RefreshToken
	if len(s) != tokenEncoding.EncodedLen(refreshTokenLen) {
		return t, fmt.Errorf("refresh token: length %d", len(s))
	}
	raw, err := tokenEncoding.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("refresh token: %w", err)
	}
	if len(raw) != refreshTokenLen {
		return t, fmt.Errorf("refresh token: %d bytes, want %d", len(raw), refreshTokenLen)
	}
	n := copy(t.Session[:], raw)
	copy(t.Secret[:], raw[n:])
	return t, nil
}
