package quotagate

import (
	"fmt"
	"time"
)

// Claims is the verified content of a capability token.
type Claims struct {
	ID             string
	Subscriber     string
	Role           Role
	SubscriptionID string
	Application    string
	Tier           Tier
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// Key returns the quota key the claims are metered under.
func (c Claims) Key() Key {
	return Key{Subscriber: c.Subscriber, Application: c.Application, Tier: c.Tier}
}

// Token is a signed capability token and the claims it carries.
type Token struct {
	Raw    string
	Claims Claims
}

// Grant is a request to mint a token for a subscription.
type Grant struct {
	Identity     Identity
	Subscription Subscription
	// TTL is the requested lifetime. Zero selects the issuer's default.
	TTL time.Duration
}

// TokenIssuer mints capability tokens.
type TokenIssuer interface {
	Issue(g Grant) (Token, error)
}

// TokenVerifier verifies capability tokens without I/O.
type TokenVerifier interface {
	Verify(raw string) (Claims, error)
}

// VerifyApplication binds claims to a single application.
func VerifyApplication(c Claims, application string) (Claims, error) {
	if c.Application != application {
		return Claims{}, fmt.Errorf("%w: token is bound to application %q, not %q",
			ErrPermissionDenied, c.Application, application)
	}
	return c, nil
}
