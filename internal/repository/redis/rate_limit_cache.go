package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trust-engine/internal/client"
)

const (
	rateLimitPrefix = "trust_engine:rate_limit:"
	opTimeout       = 500 * time.Millisecond
)

// slidingWindowScript keeps one sorted-set member per admitted request,
// scored by its unix-millisecond timestamp. Members are unique so two
// requests inside the same millisecond are both counted.
const slidingWindowScript = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now_ms - window_ms)

local current = redis.call('ZCARD', key)
if current < limit then
    redis.call('ZADD', key, now_ms, member)
    redis.call('PEXPIRE', key, window_ms)
    return {1, current + 1}
end
return {0, current}
`

// RateLimitCache is the Redis-backed sliding-window limiter. Replicas that
// share one Redis enforce one shared budget per service and per user.
type RateLimitCache struct {
	client *client.RedisClient
	logger *zap.Logger
}

func NewRateLimitCache(client *client.RedisClient, logger *zap.Logger) *RateLimitCache {
	return &RateLimitCache{client: client, logger: logger}
}

// Allow admits the request when fewer than limit requests were admitted for
// key within window before now.
func (c *RateLimitCache) Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result, err := c.client.Eval(ctx, slidingWindowScript, []string{rateLimitPrefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, uuid.New().String())
	if err != nil {
		c.logger.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}

	allowed, count, err := parseWindowResult(result)
	if err != nil {
		return false, 0, err
	}

	c.logger.Debug("Sliding window rate limit check",
		zap.String("key", key),
		zap.Bool("allowed", allowed),
		zap.Int("current_count", count),
		zap.Int("limit", limit))

	return allowed, count, nil
}

func parseWindowResult(result interface{}) (bool, int, error) {
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected result format from sliding window script: %v", result)
	}
	flag, ok1 := values[0].(int64)
	count, ok2 := values[1].(int64)
	if !ok1 || !ok2 {
		return false, 0, fmt.Errorf("unexpected result types from sliding window script: %T, %T", values[0], values[1])
	}
	return flag == 1, int(count), nil
}

// Prune removes rate buckets that lost their expiry and are empty. Buckets
// with a TTL are reclaimed by Redis itself.
func (c *RateLimitCache) Prune(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	keys, err := c.client.Scan(ctx, rateLimitPrefix+"*", 100)
	if err != nil {
		return 0, fmt.Errorf("failed to scan rate limit keys: %w", err)
	}

	removed := 0
	for _, key := range keys {
		ttl, err := c.client.TTL(ctx, key)
		if err != nil || ttl != -1 {
			continue
		}
		// no expiry: drop entries older than a day, then the key if empty
		cutoff := strconv.FormatInt(now.Add(-24*time.Hour).UnixMilli(), 10)
		if _, err := c.client.ZRemRangeByScore(ctx, key, "-inf", cutoff); err != nil {
			continue
		}
		if n, err := c.client.ZCard(ctx, key); err == nil && n == 0 {
			if err := c.client.Del(ctx, key); err == nil {
				removed++
			}
		}
	}

	c.logger.Debug("Rate limit cleanup completed",
		zap.Int("keys_checked", len(keys)),
		zap.Int("keys_removed", removed))
	return removed, nil
}
