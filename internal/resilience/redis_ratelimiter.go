package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/clock"
)

// RedisRateLimiter enforces the same sliding window as SlidingWindowLimiter
// but keeps state in Redis sorted sets so every instance shares one counter.
//
// Each admitted request is a member scored by its millisecond timestamp.
// Expired members are trimmed, the remainder counted, and a new member added
// only when under the limit. All of it runs atomically in a Lua script.
type RedisRateLimiter struct {
	client      *redis.Client
	maxRequests int
	window      time.Duration
	keyPrefix   string
	fallback    *SlidingWindowLimiter
	clock       clock.Clock
	logger      *slog.Logger
}

// NewRedisRateLimiter creates a Redis-backed limiter. When Redis errors, the
// decision is taken by fallback instead. Window timestamps come from the
// fallback's clock so both paths agree on the current time.
func NewRedisRateLimiter(client *redis.Client, config SlidingWindowConfig, fallback *SlidingWindowLimiter, logger *slog.Logger) *RedisRateLimiter {
	if config.MaxRequests <= 0 {
		config.MaxRequests = 10
	}
	if config.Window <= 0 {
		config.Window = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if fallback == nil {
		fallback = NewSlidingWindowLimiter(config, nil, logger)
	}

	return &RedisRateLimiter{
		client:      client,
		maxRequests: config.MaxRequests,
		window:      config.Window,
		keyPrefix:   "contact:ratelimit:",
		fallback:    fallback,
		clock:       fallback.clock,
		logger:      logger,
	}
}

// WithClock overrides the clock used to score window members.
func (r *RedisRateLimiter) WithClock(c clock.Clock) *RedisRateLimiter {
	if c != nil {
		r.clock = c
	}
	return r
}

// admitScript returns {allowed, count, oldest_score}.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window)
    count = count + 1
    allowed = 1
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local oldestScore = now
if oldest[2] then
    oldestScore = tonumber(oldest[2])
end

return {allowed, count, oldestScore}
`)

// Admit implements RateLimiter.
func (r *RedisRateLimiter) Admit(ctx context.Context, clientID string) (Decision, error) {
	key := r.keyPrefix + clientID
	now := r.clock.Now().UnixMilli()
	windowMs := r.window.Milliseconds()
	member := fmt.Sprintf("%d:%s", now, uuid.NewString())

	vals, err := admitScript.Run(ctx, r.client, []string{key}, now, windowMs, r.maxRequests, member).Int64Slice()
	if err != nil || len(vals) != 3 {
		r.logger.Warn("redis rate limiter failed, using fallback",
			"error", err,
			"client_id", clientID,
		)
		return r.fallback.Admit(ctx, clientID)
	}

	remaining := r.maxRequests - int(vals[1])
	if remaining < 0 {
		remaining = 0
	}
	resetAfter := time.Duration(vals[2]+windowMs-now) * time.Millisecond
	if resetAfter < 0 {
		resetAfter = 0
	}

	return Decision{
		Allowed:    vals[0] == 1,
		Remaining:  remaining,
		ResetAfter: resetAfter,
	}, nil
}

// Ping reports whether the backing Redis is reachable.
func (r *RedisRateLimiter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}

// NewRedisClient parses a redis:// URL and applies pool settings.
func NewRedisClient(config RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}
	if config.WriteTimeout > 0 {
		opts.WriteTimeout = config.WriteTimeout
	}
	return redis.NewClient(opts), nil
}
