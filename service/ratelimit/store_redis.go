package ratelimit

import (
	"context"
	"github.com/go-redis/redis/v8"
	"time"
)

// incrScript keeps {count, start} in a hash expiring together with the window.
var incrScript = redis.NewScript(`
local start = redis.call('HGET', KEYS[1], 'start')
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if (not start) or (now - tonumber(start) >= window) then
	redis.call('HSET', KEYS[1], 'count', 1, 'start', now)
	redis.call('PEXPIRE', KEYS[1], window)
	return 1
end
return redis.call('HINCRBY', KEYS[1], 'count', 1)
`)

type redisStore struct {
	client redis.Scripter
	prefix string
}

// NewRedisStore shares the counters between every process using the same redis and prefix.
func NewRedisStore(client redis.Scripter, prefix string) Store {
	return redisStore{
		client: client,
		prefix: prefix,
	}
}

func (rs redisStore) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (count int64, err error) {
	count, err = incrScript.Run(ctx, rs.client, []string{rs.prefix + ":rl:" + key}, now.UnixMilli(), window.Milliseconds()).Int64()
	return
}
