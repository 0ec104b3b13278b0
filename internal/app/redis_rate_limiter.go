package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the window counter and arms its expiry on the first hit.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RateLimitDecision is the outcome of counting one request.
type RateLimitDecision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// RedisRateLimiter implements distributed fixed-window rate limiting using Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "billing:rate_limit"
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

// Allow counts one request for subject within scope. A nil limiter, a
// non-positive limit or an empty subject always allows.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (RateLimitDecision, error) {
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if r == nil || r.client == nil || limit <= 0 || window <= 0 || scope == "" || subject == "" {
		return RateLimitDecision{Allowed: true}, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	raw, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Int64Slice()
	if err != nil {
		return RateLimitDecision{}, fmt.Errorf("rate limit %s: %w", scope, err)
	}
	if len(raw) != 2 {
		return RateLimitDecision{}, fmt.Errorf("rate limit %s: unexpected response length %d", scope, len(raw))
	}

	ttl := time.Duration(raw[1]) * time.Millisecond
	if ttl <= 0 {
		ttl = time.Duration(windowMs) * time.Millisecond
	}
	retryAfter := ttl.Round(time.Second)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	count := int(raw[0])
	return RateLimitDecision{
		Allowed:    count <= limit,
		Count:      count,
		RetryAfter: retryAfter,
	}, nil
}
