package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow prunes, counts and conditionally records in one round trip.
// KEYS[1] zset key; ARGV: now_ms, window_ms, limit, member.
// Returns {allowed, count, oldest_ms}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestMs = now
if oldest[2] then
  oldestMs = tonumber(oldest[2])
end
return {allowed, count, oldestMs}
`)

// Redis is a Limiter shared by every gateway instance pointed at the same
// server. Timestamps live in a sorted set per key.
type Redis struct {
	client redis.Scripter
	prefix string
	window time.Duration
	now    func() time.Time
}

// NewRedis creates a Redis backed limiter. Keys are stored under prefix.
func NewRedis(client redis.Scripter, prefix string) *Redis {
	if prefix == "" {
		prefix = "agentgate:ratelimit:"
	}
	return &Redis{
		client: client,
		prefix: prefix,
		window: Window,
		now:    time.Now,
	}
}

// Check implements Limiter.
func (r *Redis) Check(ctx context.Context, key string, limit int) (Result, error) {
	if limit <= 0 {
		return unlimited(), nil
	}

	nowMs := r.now().UnixMilli()
	windowMs := r.window.Milliseconds()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())

	raw, err := slidingWindow.Run(ctx, r.client, []string{r.prefix + key}, nowMs, windowMs, limit, member).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(raw) != 3 {
		return Result{}, fmt.Errorf("rate limit script: unexpected reply length %d", len(raw))
	}

	allowed := raw[0] == 1
	count := int(raw[1])
	reset := raw[2] + windowMs - nowMs
	if reset < 0 {
		reset = 0
	}

	remaining := limit - count
	if remaining < 0 || !allowed {
		remaining = 0
	}
	return Result{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetMs:   reset,
	}, nil
}
