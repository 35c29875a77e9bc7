package rate

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	rdb "github.com/redis/go-redis/v9"
)

// KEYS[1] zset de timestamps; ARGV: now_ms, window_ms, max, member
var slidingScript = rdb.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local n = redis.call('ZCARD', KEYS[1])
if n < max then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], window)
  return {1, max - n - 1, 0, n + 1}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local retry = window
if oldest[2] then retry = tonumber(oldest[2]) + window - now end
return {0, 0, retry, n}
`)

// RedisLimiter: ventana deslizante sobre un ZSET por key (ZREMRANGEBYSCORE + ZCARD + ZADD),
// compartida entre réplicas.
type RedisLimiter struct {
	Client *rdb.Client
	Prefix string
	Limit  Limit
	Now    func() time.Time
}

func NewRedisLimiter(client *rdb.Client, prefix string, limit Limit) *RedisLimiter {
	if prefix == "" {
		prefix = "rl:"
	}
	return &RedisLimiter{Client: client, Prefix: prefix, Limit: limit, Now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	now := l.Now()
	redisKey := l.Prefix + strings.ReplaceAll(key, " ", "_")
	vals, err := slidingScript.Run(ctx, l.Client, []string{redisKey},
		now.UnixMilli(), l.Limit.Window.Milliseconds(), l.Limit.Max,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Result{}, err
	}
	res := Result{
		Allowed:     vals[0] == 1,
		Remaining:   vals[1],
		CurrentHits: vals[3],
	}
	if !res.Allowed {
		res.RetryAfter = time.Duration(vals[2]) * time.Millisecond
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Millisecond
		}
	}
	return res, nil
}
