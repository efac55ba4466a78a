package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the algorithm used by [Manager].
type SigningMethod string

const (
	// MethodEd25519 signs with EdDSA over Ed25519 keys.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 signs with HMAC-SHA256 over a shared secret.
	MethodHS256 SigningMethod = "hs256"
)

const maxLeeway = 2 * time.Minute

// Config configures token issuance and verification for [Manager].
//
// For HS256 PrivateKey is the shared secret and PublicKey is ignored. For
// Ed25519 both keys accept raw bytes or PEM. When VerifyKeys is set, tokens
// must carry a kid naming one of its entries.
type Config struct {
	AccessTTL     time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
	// Now overrides the clock used for iat/exp. Defaults to time.Now.
	Now func() time.Time
}

// AccessClaims is the claim set carried by access tokens.
type AccessClaims struct {
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// keyring is the decoded key material of a Config.
type keyring struct {
	alg    jwt.SigningMethod
	sign   any // nil when the manager only verifies
	verify any
	byKid  map[string]any
}

// Manager issues and verifies access tokens. It is the server-side half of
// the token contract and is used by the reference auth server; portal clients
// only ever decode tokens through [Codec].
type Manager struct {
	ttl      time.Duration
	issuer   string
	audience string
	kid      string
	now      func() time.Time
	keys     keyring
	parser   *jwt.Parser
}

// NewManager decodes the keys in cfg once and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	switch {
	case cfg.AccessTTL <= 0:
		return nil, errors.New("jwt: access TTL must be positive")
	case cfg.Leeway < 0 || cfg.Leeway > maxLeeway:
		return nil, fmt.Errorf("jwt: leeway must be within [0, %s]", maxLeeway)
	}

	keys, err := loadKeyring(cfg)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		ttl:      cfg.AccessTTL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		kid:      strings.TrimSpace(cfg.KeyID),
		now:      cfg.Now,
		keys:     keys,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.kid != "" && keys.byKid != nil {
		if _, ok := keys.byKid[m.kid]; !ok {
			return nil, fmt.Errorf("jwt: key id %q has no verify key", m.kid)
		}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{keys.alg.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
		jwt.WithLeeway(cfg.Leeway),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	m.parser = jwt.NewParser(opts...)
	return m, nil
}

func loadKeyring(cfg Config) (keyring, error) {
	var (
		k      keyring
		decode func([]byte) (any, error)
	)
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return k, errors.New("jwt: hs256 needs a secret")
		}
		k.alg = jwt.SigningMethodHS256
		k.sign, k.verify = cfg.PrivateKey, cfg.PrivateKey
		decode = func(b []byte) (any, error) { return b, nil }
	case MethodEd25519:
		k.alg = jwt.SigningMethodEdDSA
		decode = func(b []byte) (any, error) { return edPublic(b) }
		if len(cfg.PrivateKey) > 0 {
			priv, err := edPrivate(cfg.PrivateKey)
			if err != nil {
				return k, err
			}
			k.sign = priv
		}
		if len(cfg.PublicKey) > 0 {
			pub, err := edPublic(cfg.PublicKey)
			if err != nil {
				return k, err
			}
			k.verify = pub
		}
		if k.verify == nil && len(cfg.VerifyKeys) == 0 {
			return k, errors.New("jwt: ed25519 needs a public key or verify keys")
		}
	default:
		return k, fmt.Errorf("jwt: unsupported signing method %q", cfg.SigningMethod)
	}

	if len(cfg.VerifyKeys) > 0 {
		k.byKid = make(map[string]any, len(cfg.VerifyKeys))
		for kid, raw := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return k, errors.New("jwt: verify keys contain an empty kid")
			}
			key, err := decode(raw)
			if err != nil {
				return k, fmt.Errorf("jwt: verify key %q: %w", kid, err)
			}
			k.byKid[kid] = key
		}
	}
	return k, nil
}

// CreateAccess signs an access token for subject with the configured TTL.
func (m *Manager) CreateAccess(subject, role, email string) (string, error) {
	return m.CreateAccessWithTTL(subject, role, email, m.ttl)
}

// CreateAccessWithTTL signs an access token that expires ttl from now. A
// non-positive ttl yields a token that is already expired.
func (m *Manager) CreateAccessWithTTL(subject, role, email string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("jwt: subject is required")
	}
	if m.keys.sign == nil {
		return "", errors.New("jwt: manager has no signing key")
	}

	issued := m.now()
	claims := AccessClaims{Role: role, Email: email}
	claims.Subject = subject
	claims.Issuer = m.issuer
	claims.IssuedAt = jwt.NewNumericDate(issued)
	claims.ExpiresAt = jwt.NewNumericDate(issued.Add(ttl))
	if m.audience != "" {
		claims.Audience = jwt.ClaimStrings{m.audience}
	}

	tok := jwt.NewWithClaims(m.keys.alg, claims)
	if m.kid != "" {
		tok.Header["kid"] = m.kid
	}
	return tok.SignedString(m.keys.sign)
}

// ParseAccess verifies signature, algorithm, issuer, audience and expiry, and
// requires a subject.
func (m *Manager) ParseAccess(raw string) (*AccessClaims, error) {
	claims := new(AccessClaims)
	if _, err := m.parser.ParseWithClaims(raw, claims, m.keyFor); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("jwt: token has no subject")
	}
	return claims, nil
}

func (m *Manager) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	switch {
	case m.keys.byKid != nil:
		key, ok := m.keys.byKid[kid]
		if !ok {
			return nil, fmt.Errorf("jwt: unknown kid %q", kid)
		}
		return key, nil
	case m.kid != "" && kid != m.kid:
		return nil, fmt.Errorf("jwt: unknown kid %q", kid)
	case m.keys.verify == nil:
		return nil, errors.New("jwt: manager has no verify key")
	}
	return m.keys.verify, nil
}

func edPrivate(b []byte) (ed25519.PrivateKey, error) {
	if len(b) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(b), nil
	}
	key, err := jwt.ParseEdPrivateKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("jwt: ed25519 private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("jwt: PEM is not an ed25519 private key")
	}
	return priv, nil
}

func edPublic(b []byte) (ed25519.PublicKey, error) {
	if len(b) == ed25519.PublicKeySize {
		return ed25519.PublicKey(b), nil
	}
	key, err := jwt.ParseEdPublicKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("jwt: ed25519 public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("jwt: PEM is not an ed25519 public key")
	}
	return pub, nil
}
