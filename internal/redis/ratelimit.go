package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum events allowed
	Window time.Duration // Sliding window length
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Trims the window, then admits ARGV[4] events only if they all fit.
// Returns {allowed, count after}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local n = tonumber(ARGV[4])
local member = ARGV[5]
local ttl = tonumber(ARGV[6])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count + n > limit then
  return {0, count}
end
for i = 1, n do
  redis.call("ZADD", key, now, member .. ":" .. i)
end
redis.call("PEXPIRE", key, ttl)
return {1, count + n}
`)

// RateLimiter implements a sliding window limit on a Redis sorted set.
// Check and admission run in one script so concurrent workers cannot both
// take the last slot.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	prefix string
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		prefix: "ratelimit",
		now:    time.Now,
	}
}

// WithPrefix returns a limiter sharing the client but keyed under prefix, so
// separate limits never collide.
func (r *RateLimiter) WithPrefix(prefix string) *RateLimiter {
	cp := *r
	cp.prefix = prefix
	return &cp
}

// Config returns the configured limit.
func (r *RateLimiter) Config() RateLimitConfig {
	return r.config
}

// Allow checks if one event is allowed under the rate limit.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	return r.AllowN(ctx, key, 1)
}

// AllowN checks if n events are allowed and records them when they are.
func (r *RateLimiter) AllowN(ctx context.Context, key string, n int) (*RateLimitResult, error) {
	now := r.now()
	resetAt := now.Add(r.config.Window)
	redisKey := fmt.Sprintf("%s:%s", r.prefix, key)

	res, err := slidingWindowScript.Run(ctx, r.client.rdb, []string{redisKey},
		now.UnixMilli(),
		r.config.Window.Milliseconds(),
		r.config.Limit,
		n,
		uuid.NewString(),
		(r.config.Window + time.Second).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit script failed: %w", err)
	}

	allowed, count := res[0] == 1, int(res[1])
	remaining := max(0, r.config.Limit-count)

	if !allowed {
		r.logger.Debug("rate limit exceeded",
			zap.String("key", redisKey),
			zap.Int("current", count),
			zap.Int("limit", r.config.Limit),
		)
	}

	return &RateLimitResult{
		Allowed:   allowed,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
