package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// tokenBucketScript runs the bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
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
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisStore shares token buckets across kernel replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "tiller:limiter"}
}

// Allow executes the Lua script to check and update the bucket.
func (s *RedisStore) Allow(ctx context.Context, tool string, limit contracts.RateLimit) (bool, error) {
	if limit.Max <= 0 || limit.WindowMs <= 0 {
		return false, fmt.Errorf("limiter: invalid limit for %s: max=%d window_ms=%d", tool, limit.Max, limit.WindowMs)
	}

	key := fmt.Sprintf("%s:%s", s.prefix, tool)
	ratePerSec := float64(limit.Max) / (float64(limit.WindowMs) / 1000.0)
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, s.client, []string{key}, ratePerSec, limit.Max, 1, now).Result()
	if err != nil {
		return false, fmt.Errorf("limiter: redis error: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("limiter: invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
