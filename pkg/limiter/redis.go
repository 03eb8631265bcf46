package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the refill-and-consume step atomically in
// Redis so concurrent replicas never double-spend a bucket.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, fractional)
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return {allowed, tostring(tokens)}
`)

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client *redis.Client
	clock  func() time.Time
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, clock: time.Now}
}

// WithClock substitutes the time source.
func (s *RedisStore) WithClock(clock func() time.Time) *RedisStore {
	s.clock = clock
	return s
}

func (s *RedisStore) Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error) {
	policy = policy.normalized()
	now := float64(s.clock().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, s.client,
		[]string{"limiter:" + key},
		policy.perSecond(), policy.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("limiter: redis script: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("limiter: unexpected script response %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
