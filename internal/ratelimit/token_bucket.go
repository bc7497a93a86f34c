package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a Redis-backed token bucket shared by every instance of the
// host. It throttles both the ops API and per-recipient notification
// delivery.
type TokenBucket struct {
	client *redis.Client
	prefix string
	burst  int
	refill float64 // tokens per second
	ttl    time.Duration
}

// NewTokenBucket builds a bucket family. Each distinct key gets its own
// bucket of `burst` tokens refilled at `refillPerSecond`.
func NewTokenBucket(client *redis.Client, prefix string, burst int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client: client,
		prefix: prefix,
		burst:  burst,
		refill: refillPerSecond,
		ttl:    ttl,
	}
}

// Allow consumes one token for key if available. It returns the allowed flag
// and the remaining token count.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := refillScript.Run(ctx, b.client, []string{b.prefix + key},
		b.burst, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var remaining float64
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case float64:
		remaining = v
	}
	return allowed, remaining, nil
}

var refillScript = redis.NewScript(`
local key = KEYS[1]
local burst = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then tokens = burst end
if last == nil then last = now end

local elapsed = math.max(0, now - last)
tokens = math.min(burst, tokens + elapsed / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
