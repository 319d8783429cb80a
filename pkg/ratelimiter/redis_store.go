package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript refills and takes tokens atomically. Times are unix millis.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local n = tonumber(ARGV[5])
local ttl = tonumber(ARGV[6])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'refilled')
local tokens = tonumber(state[1])
local refilled = tonumber(state[2])
if tokens == nil or refilled == nil then
	tokens = capacity
	refilled = now
end

if now > refilled then
	local intervals = math.floor((now - refilled) / interval)
	if intervals > 0 then
		tokens = math.min(tokens + intervals * rate, capacity)
		refilled = now
	end
end

local remaining
if tokens < n then
	remaining = tokens - n
else
	tokens = tokens - n
	remaining = tokens
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'refilled', refilled)
redis.call('PEXPIRE', KEYS[1], ttl)
return {remaining, refilled + interval}
`)

// RedisStore shares buckets between instances.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	if client == nil {
		panic("ratelimiter: redis client is required")
	}
	return &RedisStore{client: client}
}

func (s *RedisStore) Take(ctx context.Context, key string, n int, cfg Config, now time.Time) (int, time.Time, error) {
	interval := cfg.RefillInterval.Milliseconds()
	// long enough for an empty bucket to refill completely
	ttl := interval * int64(cfg.Capacity/cfg.RefillRate+2)

	res, err := takeScript.Run(ctx, s.client, []string{key},
		cfg.Capacity, cfg.RefillRate, interval, now.UnixMilli(), n, ttl,
	).Int64Slice()
	if err != nil {
		return 0, time.Time{}, err
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected script result: %v", res)
	}
	return int(res[0]), time.UnixMilli(res[1]), nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}
