package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// reserveScript is the Memory.Reserve algorithm run atomically in Redis.
// Times are unix milliseconds. The key expires once its last slot closed.
var reserveScript = redis.NewScript(`
local limit  = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now    = tonumber(ARGV[3])
local start  = tonumber(redis.call('HGET', KEYS[1], 'start'))
local count  = tonumber(redis.call('HGET', KEYS[1], 'count'))
if start == nil or count == nil or now >= start + window * math.ceil(count / limit) then
  start = now
  count = 0
end
local idx = math.floor((now - start) / window)
if count < idx * limit then
  count = idx * limit
end
local slot = math.floor(count / limit)
count = count + 1
redis.call('HSET', KEYS[1], 'start', start, 'count', count)
redis.call('PEXPIREAT', KEYS[1], start + (slot + 1) * window)
local at = start + slot * window
if at < now then
  at = now
end
return at
`)

// RedisConfig configures a Redis-backed WindowStore.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis is a WindowStore shared by every process pointing at one server.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("ratelimit.redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return NewRedisWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "relaybot:ratelimit:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Reserve(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (time.Time, error) {
	ms, err := reserveScript.Run(ctx, r.client, []string{r.prefix + key},
		limit, window.Milliseconds(), now.UnixMilli()).Int64()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (r *Redis) Close() error { return r.client.Close() }
