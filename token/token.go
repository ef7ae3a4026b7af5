// Package token issues and verifies quotagate capability tokens.
//
// A capability token is a compact JWS (JWT) binding a subscriber to one
// subscription: application, tier and subscription id travel in private
// claims next to the registered sub, iat, exp, jti and iss claims.
// Verification is local; it never touches the ledger or the cache.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ineyio/quotagate"
)

const (
	// DefaultTTL is the lifetime of tokens requested without a TTL.
	DefaultTTL = 24 * time.Hour

	// DefaultIssuer is the iss claim of issued tokens.
	DefaultIssuer = "quotagate"
)

// Signer issues and verifies capability tokens with a single pinned algorithm.
type Signer struct {
	method     jwt.SigningMethod
	signKey    any
	verifyKey  any
	issuer     string
	defaultTTL time.Duration
	now        func() time.Time
}

var (
	_ quotagate.TokenIssuer   = (*Signer)(nil)
	_ quotagate.TokenVerifier = (*Signer)(nil)
)

// Option configures a Signer.
type Option func(*Signer)

// WithIssuer sets the issuer written to and required from tokens.
func WithIssuer(iss string) Option {
	return func(s *Signer) { s.issuer = iss }
}

// WithDefaultTTL sets the lifetime of tokens requested without a TTL.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Signer) { s.defaultTTL = d }
}

// WithClock sets the time source for issuance and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

func newSigner(method jwt.SigningMethod, signKey, verifyKey any, opts []Option) *Signer {
	s := &Signer{
		method:    method,
		signKey:   signKey,
		verifyKey: verifyKey,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.issuer == "" {
		s.issuer = DefaultIssuer
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = DefaultTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// NewHS256 creates a Signer using HMAC-SHA256 with a shared secret.
func NewHS256(secret []byte, opts ...Option) (*Signer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token: HS256 secret is empty")
	}
	return newSigner(jwt.SigningMethodHS256, secret, secret, opts), nil
}

// NewES256K creates a Signer using ECDSA over secp256k1.
func NewES256K(key *secp256k1.PrivateKey, opts ...Option) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("token: ES256K private key is nil")
	}
	return newSigner(SigningMethodES256K, key, key.PubKey(), opts), nil
}

// NewES256KVerifier creates a verify-only Signer from a public key. Issue
// always fails on it.
func NewES256KVerifier(key *secp256k1.PublicKey, opts ...Option) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("token: ES256K public key is nil")
	}
	return newSigner(SigningMethodES256K, nil, key, opts), nil
}

// FromConfig creates the Signer described by cfg.
func FromConfig(cfg quotagate.TokenConfig, opts ...Option) (*Signer, error) {
	opts = append([]Option{WithIssuer(cfg.Issuer), WithDefaultTTL(cfg.DefaultTTL)}, opts...)
	switch cfg.Algorithm {
	case "", "HS256":
		return NewHS256([]byte(cfg.Secret), opts...)
	case "ES256K":
		key, err := ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		return NewES256K(key, opts...)
	default:
		return nil, fmt.Errorf("token: unsupported algorithm %q", cfg.Algorithm)
	}
}

// Algorithm returns the pinned JWS algorithm.
func (s *Signer) Algorithm() string {
	return s.method.Alg()
}

type claims struct {
	Role           string `json:"role"`
	SubscriptionID string `json:"sid"`
	Application    string `json:"app"`
	Tier           string `json:"tier"`
	jwt.RegisteredClaims
}

// Issue mints a token for the grant. The expiry is the earlier of now+TTL and
// the subscription's expiry; a grant whose expiry would not lie in the future
// fails with ErrSubscriptionExpired.
func (s *Signer) Issue(g quotagate.Grant) (quotagate.Token, error) {
	id, sub := g.Identity, g.Subscription
	switch {
	case s.signKey == nil:
		return quotagate.Token{}, fmt.Errorf("%w: signer has no private key", quotagate.ErrIssuance)
	case id.ID == "":
		return quotagate.Token{}, fmt.Errorf("%w: identity is empty", quotagate.ErrIssuance)
	case !id.Role.Valid():
		return quotagate.Token{}, fmt.Errorf("%w: invalid role %q", quotagate.ErrIssuance, id.Role)
	case sub.ID == "" || sub.Application == "" || !sub.Tier.Valid():
		return quotagate.Token{}, fmt.Errorf("%w: incomplete subscription", quotagate.ErrIssuance)
	case sub.Subscriber != id.ID:
		return quotagate.Token{}, fmt.Errorf("%w: subscription belongs to another subscriber", quotagate.ErrIssuance)
	case !sub.Active:
		return quotagate.Token{}, quotagate.ErrSubscriptionNotFound
	}

	ttl := g.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	// Registered dates have second precision.
	now := s.now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)
	if sub.ExpiresAt != nil && sub.ExpiresAt.Before(exp) {
		exp = sub.ExpiresAt.UTC().Truncate(time.Second)
	}
	if !exp.After(now) {
		return quotagate.Token{}, quotagate.ErrSubscriptionExpired
	}

	c := quotagate.Claims{
		ID:             uuid.New().String(),
		Subscriber:     id.ID,
		Role:           id.Role,
		SubscriptionID: sub.ID,
		Application:    sub.Application,
		Tier:           sub.Tier,
		IssuedAt:       now,
		ExpiresAt:      exp,
	}
	raw, err := jwt.NewWithClaims(s.method, claims{
		Role:           string(c.Role),
		SubscriptionID: c.SubscriptionID,
		Application:    c.Application,
		Tier:           string(c.Tier),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        c.ID,
			Issuer:    s.issuer,
			Subject:   c.Subscriber,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
	}).SignedString(s.signKey)
	if err != nil {
		return quotagate.Token{}, fmt.Errorf("%w: %w", quotagate.ErrIssuance, err)
	}
	return quotagate.Token{Raw: raw, Claims: c}, nil
}

// Verify checks the signature, algorithm, issuer and expiry of raw and
// returns its claims. Expired tokens fail with ErrTokenExpired, everything
// else with ErrTokenInvalid.
func (s *Signer) Verify(raw string) (quotagate.Claims, error) {
	var tc claims
	_, err := jwt.ParseWithClaims(raw, &tc,
		func(*jwt.Token) (any, error) { return s.verifyKey, nil },
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return quotagate.Claims{}, fmt.Errorf("%w: %w", quotagate.ErrTokenExpired, err)
	}
	if err != nil {
		return quotagate.Claims{}, fmt.Errorf("%w: %w", quotagate.ErrTokenInvalid, err)
	}

	c := quotagate.Claims{
		ID:             tc.ID,
		Subscriber:     tc.Subject,
		Role:           quotagate.Role(tc.Role),
		SubscriptionID: tc.SubscriptionID,
		Application:    tc.Application,
		Tier:           quotagate.Tier(tc.Tier),
		ExpiresAt:      tc.ExpiresAt.Time,
	}
	if tc.IssuedAt != nil {
		c.IssuedAt = tc.IssuedAt.Time
	}
	switch {
	case c.Subscriber == "" || c.SubscriptionID == "" || c.Application == "" || c.ID == "":
		return quotagate.Claims{}, fmt.Errorf("%w: missing claims", quotagate.ErrTokenInvalid)
	case !c.Tier.Valid():
		return quotagate.Claims{}, fmt.Errorf("%w: unknown tier %q", quotagate.ErrTokenInvalid, c.Tier)
	case !c.Role.Valid():
		return quotagate.Claims{}, fmt.Errorf("%w: unknown role %q", quotagate.ErrTokenInvalid, c.Role)
	}
	return c, nil
}
