package data

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ReplyRelay/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript prunes entries with score <= ARGV[2] (now-window), then records
// the hit only when the remaining count is below the limit. Returns
// {allowed, count, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)
local oldest = 0
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end

if count >= limit then
  return {0, count, oldest}
end

redis.call('ZADD', key, ARGV[1], ARGV[4])
redis.call('PEXPIRE', key, ARGV[5])
if count == 0 then
  oldest = tonumber(ARGV[1])
end
return {1, count + 1, oldest}
`)

// windowPeekScript prunes like slidingWindowScript but records nothing.
// Returns {fits, count, oldest_ms}.
var windowPeekScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[2])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[1])
local count = redis.call('ZCARD', key)
local oldest = 0
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end

if count >= limit then
  return {0, count, oldest}
end
return {1, count, oldest}
`)

// RateLimitRepo implements biz.RateLimitRepo on Redis sorted sets.
// Following Kratos v2 DDD architecture, interface is defined in biz layer.
type RateLimitRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewRateLimitRepo creates a new Redis rate limit repository.
func NewRateLimitRepo(rdb *redis.Client, logger log.Logger) *RateLimitRepo {
	return &RateLimitRepo{
		rdb:    rdb,
		logger: log.NewHelper(logger),
	}
}

// Peek reports whether key's window has room for one more request.
func (r *RateLimitRepo) Peek(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (model.WindowHit, error) {
	if r.rdb == nil {
		return model.WindowHit{}, fmt.Errorf("redis client is nil")
	}

	res, err := windowPeekScript.Run(ctx, r.rdb,
		[]string{windowKey(key)},
		now.Add(-window).UnixMilli(), limit,
	).Int64Slice()
	if err != nil {
		return model.WindowHit{}, fmt.Errorf("failed to peek rate limit window: %w", err)
	}
	return windowReply(res, now, "")
}

// Hit records one request in key's window unless the window is full.
func (r *RateLimitRepo) Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int64) (model.WindowHit, error) {
	if r.rdb == nil {
		return model.WindowHit{}, fmt.Errorf("redis client is nil")
	}

	member := uuid.NewString()
	res, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{windowKey(key)},
		now.UnixMilli(), now.Add(-window).UnixMilli(), limit, member, window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return model.WindowHit{}, fmt.Errorf("failed to record rate limit hit: %w", err)
	}
	hit, err := windowReply(res, now, member)
	if err != nil || !hit.Allowed {
		hit.Member = ""
	}
	return hit, err
}

func windowReply(res []int64, now time.Time, member string) (model.WindowHit, error) {
	if len(res) != 3 {
		return model.WindowHit{}, fmt.Errorf("unexpected sliding window reply length %d", len(res))
	}
	hit := model.WindowHit{Allowed: res[0] == 1, Count: res[1], At: now, Member: member}
	if res[2] > 0 {
		hit.Oldest = time.UnixMilli(res[2])
	}
	return hit, nil
}

// Forget removes the entry a previous Hit recorded.
func (r *RateLimitRepo) Forget(ctx context.Context, key string, hit model.WindowHit) error {
	if r.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	if hit.Member == "" {
		return nil
	}
	if err := r.rdb.ZRem(ctx, windowKey(key), hit.Member).Err(); err != nil {
		return fmt.Errorf("failed to forget rate limit hit for %s: %w", key, err)
	}
	return nil
}

// BlockedUntil returns key's block expiry, or the zero time when not blocked.
func (r *RateLimitRepo) BlockedUntil(ctx context.Context, key string, now time.Time) (time.Time, error) {
	if r.rdb == nil {
		return time.Time{}, fmt.Errorf("redis client is nil")
	}

	val, err := r.rdb.Get(ctx, blockKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get block for %s: %w", key, err)
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse block for %s: %w", key, err)
	}
	until := time.UnixMilli(ms)
	if !now.Before(until) {
		return time.Time{}, nil
	}
	return until, nil
}

// Block rejects key until the given time and drops its window. The Redis key
// expires with the block.
func (r *RateLimitRepo) Block(ctx context.Context, key string, now, until time.Time) error {
	if r.rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	ttl := until.Sub(now)
	if ttl <= 0 {
		return nil
	}
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, blockKey(key), until.UnixMilli(), ttl)
		pipe.Del(ctx, windowKey(key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set block for %s: %w", key, err)
	}
	r.logger.Debugw("msg", "rate limit block set", "key", key, "until", until)
	return nil
}

// windowKey generates the sorted set key: ratelimit:{scope}:{value}
func windowKey(key string) string {
	return BuildCacheKey(CacheKeyRateLimit, key)
}

// blockKey generates the block key: ratelimit:block:{scope}:{value}
func blockKey(key string) string {
	return BuildCacheKey(CacheKeyRateLimit, "block", key)
}
