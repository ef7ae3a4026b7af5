// Package redis provides a Redis-backed QuotaCache for quotagate.
//
// Counters are plain integer keys mutated by Lua scripts, so every gate
// decision is one round trip and safe across gate instances. Each counter has
// a companion key naming the subscription that seeded it and a hash recording
// the balances released per subscription. All three share a hash tag and live
// in the same cluster slot.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotagate"
)

// DefaultFenceTTL is how long released balances are remembered.
const DefaultFenceTTL = 24 * time.Hour

// Store is a Redis-backed QuotaCache.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	fenceTTL  time.Duration
}

var _ quotagate.QuotaCache = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "quotagate:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithFenceTTL sets how long a released balance keeps refusing stale seeds.
// It only has to outlive the slowest cold admission.
func WithFenceTTL(d time.Duration) Option {
	return func(s *Store) { s.fenceTTL = d }
}

// New creates a new Redis-backed QuotaCache.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "quotagate:",
		fenceTTL:  DefaultFenceTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) counterKey(key string) string {
	return s.keyPrefix + "{" + key + "}"
}

func (s *Store) releasedKey(key string) string {
	return s.keyPrefix + "{" + key + "}:released"
}

func (s *Store) ownerKey(key string) string {
	return s.keyPrefix + "{" + key + "}:owner"
}

func (s *Store) trackedKey() string {
	return s.keyPrefix + quotagate.TrackedSet
}

// decrementScript decrements an existing counter charged to a subscription.
// KEYS[1] = counter key
// KEYS[2] = owner key
// ARGV[1] = subscription id
//
// Returns {0, 0, ""} when the key is missing, {2, value, owner} when the
// counter belongs to another subscription and {1, value, owner} otherwise.
var decrementScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return {0, 0, ""}
end
local owner = redis.call("GET", KEYS[2]) or ""
if owner ~= "" and owner ~= ARGV[1] then
    return {2, tonumber(redis.call("GET", KEYS[1])), owner}
end
return {1, redis.call("DECR", KEYS[1]), owner}
`)

// seedScript sets a missing counter unless the fence is stale.
// KEYS[1] = counter key
// KEYS[2] = released hash key
// KEYS[3] = owner key
// ARGV[1] = value
// ARGV[2] = subscription id ("" for no fence)
// ARGV[3] = fence balance
//
// Returns:
//
//	1  = seeded
//	0  = counter already present
//	-1 = fence older than the last released balance
var seedScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
if ARGV[2] ~= "" then
    local last = redis.call("HGET", KEYS[2], ARGV[2])
    if last and tonumber(ARGV[3]) < tonumber(last) then
        return -1
    end
    redis.call("SET", KEYS[3], ARGV[2])
else
    redis.call("DEL", KEYS[3])
end
redis.call("SET", KEYS[1], ARGV[1])
return 1
`)

// getScript reads a counter and its owner.
// KEYS[1] = counter key
// KEYS[2] = owner key
//
// Returns {0, 0, ""} when the key is missing, {1, value, owner} otherwise.
var getScript = goredis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
    return {0, 0, ""}
end
return {1, tonumber(v), redis.call("GET", KEYS[2]) or ""}
`)

// clearScript deletes a counter that still holds the expected value and
// owner and records the released balance.
// KEYS[1] = counter key
// KEYS[2] = released hash key
// KEYS[3] = owner key
// ARGV[1] = expected value
// ARGV[2] = subscription id ("" for no fence)
// ARGV[3] = fence balance
// ARGV[4] = fence ttl (seconds, 0 for none)
// ARGV[5] = expected owner
var clearScript = goredis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v or tonumber(v) ~= tonumber(ARGV[1]) then
    return 0
end
local owner = redis.call("GET", KEYS[3]) or ""
if owner ~= ARGV[5] then
    return 0
end
redis.call("DEL", KEYS[1], KEYS[3])
if ARGV[2] ~= "" then
    local last = redis.call("HGET", KEYS[2], ARGV[2])
    if not last or tonumber(ARGV[3]) > tonumber(last) then
        redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
    end
    local ttl = tonumber(ARGV[4])
    if ttl > 0 then
        redis.call("EXPIRE", KEYS[2], ttl)
    end
end
return 1
`)

// parseCounter converts a {state, value, owner} script reply.
func parseCounter(op string, res []any) (quotagate.Counter, error) {
	if len(res) != 3 {
		return quotagate.Counter{}, fmt.Errorf("quotagate/redis: unexpected %s result: %v", op, res)
	}
	state, ok1 := res[0].(int64)
	value, ok2 := res[1].(int64)
	owner, ok3 := res[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return quotagate.Counter{}, fmt.Errorf("quotagate/redis: unexpected %s result: %v", op, res)
	}
	if state == 0 {
		return quotagate.Absent, nil
	}
	return quotagate.Owned(value, owner), nil
}

// Decrement atomically decrements the counter at key when it may be charged
// to subscriptionID.
func (s *Store) Decrement(ctx context.Context, key, subscriptionID string) (quotagate.Counter, error) {
	res, err := decrementScript.Run(ctx, s.client,
		[]string{s.counterKey(key), s.ownerKey(key)}, subscriptionID,
	).Slice()
	if err != nil {
		return quotagate.Counter{}, fmt.Errorf("quotagate/redis: decrement: %w: %w", quotagate.ErrCacheUnavailable, err)
	}
	return parseCounter("decrement", res)
}

// Seed sets a missing counter unless the fence is stale.
func (s *Store) Seed(ctx context.Context, key string, value int64, fence quotagate.Fence) (bool, error) {
	result, err := seedScript.Run(ctx, s.client,
		[]string{s.counterKey(key), s.releasedKey(key), s.ownerKey(key)},
		value, fence.SubscriptionID, fence.Balance,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("quotagate/redis: seed: %w: %w", quotagate.ErrCacheUnavailable, err)
	}

	switch result {
	case 1:
		return true, nil
	case 0, -1:
		return false, nil
	default:
		return false, fmt.Errorf("quotagate/redis: unexpected seed result: %d", result)
	}
}

// Get returns the counter at key.
func (s *Store) Get(ctx context.Context, key string) (quotagate.Counter, error) {
	res, err := getScript.Run(ctx, s.client, []string{s.counterKey(key), s.ownerKey(key)}).Slice()
	if err != nil {
		return quotagate.Counter{}, fmt.Errorf("quotagate/redis: get: %w: %w", quotagate.ErrCacheUnavailable, err)
	}
	return parseCounter("get", res)
}

// Clear deletes the counter at key if it still holds expected.
func (s *Store) Clear(ctx context.Context, key string, expected quotagate.Counter, fence quotagate.Fence) (bool, error) {
	if !expected.Present {
		return false, nil
	}
	result, err := clearScript.Run(ctx, s.client,
		[]string{s.counterKey(key), s.releasedKey(key), s.ownerKey(key)},
		expected.Value, fence.SubscriptionID, fence.Balance, int64(s.fenceTTL/time.Second),
		expected.SubscriptionID,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("quotagate/redis: clear: %w: %w", quotagate.ErrCacheUnavailable, err)
	}
	return result == 1, nil
}

// Track adds key to the tracked set.
func (s *Store) Track(ctx context.Context, key string) error {
	if err := s.client.SAdd(ctx, s.trackedKey(), key).Err(); err != nil {
		return fmt.Errorf("quotagate/redis: track: %w: %w", quotagate.ErrCacheUnavailable, err)
	}
	return nil
}

// Untrack removes key from the tracked set.
func (s *Store) Untrack(ctx context.Context, key string) error {
	if err := s.client.SRem(ctx, s.trackedKey(), key).Err(); err != nil {
		return fmt.Errorf("quotagate/redis: untrack: %w: %w", quotagate.ErrCacheUnavailable, err)
	}
	return nil
}

// Tracked returns the members of the tracked set.
func (s *Store) Tracked(ctx context.Context) ([]string, error) {
	keys, err := s.client.SMembers(ctx, s.trackedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("quotagate/redis: tracked: %w: %w", quotagate.ErrCacheUnavailable, err)
	}
	return keys, nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("quotagate/redis: ping: %w: %w", quotagate.ErrCacheUnavailable, err)
	}
	return nil
}
