package quotagate

import (
	"fmt"
	"net/url"
	"strings"
)

// keyNamespace prefixes every balance key.
const keyNamespace = "balance"

// TrackedSet is the name of the set holding keys with unreconciled consumption.
const TrackedSet = "balance:keys"

// Key identifies the quota counter of a (subscriber, application, tier) triple.
type Key struct {
	Subscriber  string
	Application string
	Tier        Tier
}

// String renders the key as balance:<subscriber>:<application>:<tier>.
// Components are query-escaped so that ':' inside them cannot break ParseKey.
func (k Key) String() string {
	return keyNamespace + ":" +
		url.QueryEscape(k.Subscriber) + ":" +
		url.QueryEscape(k.Application) + ":" +
		url.QueryEscape(string(k.Tier))
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 || parts[0] != keyNamespace {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	var out [3]string
	for i, p := range parts[1:] {
		v, err := url.QueryUnescape(p)
		if err != nil || v == "" {
			return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
		}
		out[i] = v
	}
	tier, err := ParseTier(out[2])
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return Key{Subscriber: out[0], Application: out[1], Tier: tier}, nil
}
