package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// hitScript runs the fixed-window check-and-increment atomically on the server.
// KEYS[1] = counter, ARGV[1] = window in ms, ARGV[2] = max requests.
// Returns {count, ttl_ms, allowed}.
var hitScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local allowed = 1
if current >= max then
  allowed = 0
else
  current = redis.call("INCR", KEYS[1])
  if current == 1 then
    redis.call("PEXPIRE", KEYS[1], window)
  end
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], window)
  ttl = window
end
return {current, ttl, allowed}
`)

// RedisLimiter shares fixed-window counters across replicas through redis
type RedisLimiter struct {
	client redis.UniversalClient
	rules  Rules
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter whose keys live under prefix
func NewRedisLimiter(client redis.UniversalClient, rules Rules, prefix string) *RedisLimiter {
	return &RedisLimiter{client: client, rules: rules, prefix: prefix, now: time.Now}
}

// Rule implements Limiter
func (l *RedisLimiter) Rule(limitType LimitType) (Rule, bool) {
	r, ok := l.rules[limitType]
	return r, ok
}

func (l *RedisLimiter) key(limitType LimitType, id string) string {
	return l.prefix + string(limitType) + ":" + id
}

// Hit implements Limiter
func (l *RedisLimiter) Hit(ctx context.Context, limitType LimitType, key string) (Entry, error) {
	rule, ok := l.rules[limitType]
	if !ok {
		return Entry{}, unknownLimitType(limitType)
	}

	res, err := hitScript.Run(ctx, l.client, []string{l.key(limitType, key)},
		rule.Window.Milliseconds(), rule.MaxRequests).Int64Slice()
	if err != nil {
		return Entry{}, fmt.Errorf("ratelimit: redis hit: %w", err)
	}
	if len(res) != 3 {
		return Entry{}, fmt.Errorf("ratelimit: unexpected redis reply %v", res)
	}

	ttl := time.Duration(res[1]) * time.Millisecond
	entry := Entry{Count: int(res[0]), ResetAt: l.now().Add(ttl)}
	if res[2] == 0 {
		return entry, &RateLimitError{LimitType: limitType, RetryAfter: ttl}
	}
	return entry, nil
}

// Reset deletes every counter under the limiter's prefix
func (l *RedisLimiter) Reset(ctx context.Context) error {
	iter := l.client.Scan(ctx, 0, l.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return l.client.Del(ctx, keys...).Err()
}
