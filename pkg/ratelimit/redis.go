package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drawmind/modelmux/pkg/cache"
)

// Lua scripts keep the read-check-write sequences atomic across workers.
// The in-flight semaphore is a sorted set: member = hold token, score =
// expiry in unix milliseconds. Expired members are pruned on every touch,
// which is what auto-releases slots held by dead acquirers.

var incrMinuteScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return v
`)

var acquireSlotScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return 1
end
return 0
`)

var releaseSlotScript = redis.NewScript(`
return redis.call('ZREM', KEYS[1], ARGV[1])
`)

var extendSlotScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

var countSlotsScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
return redis.call('ZCARD', KEYS[1])
`)

// RedisStore implements Store on the shared cache.
type RedisStore struct {
	c *cache.Store
}

// NewRedisStore wraps the shared cache client.
func NewRedisStore(c *cache.Store) *RedisStore {
	return &RedisStore{c: c}
}

func (r *RedisStore) IncrMinute(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := r.c.RunScript(ctx, incrMinuteScript, []string{key}, int(ttl.Seconds()))
	if err != nil {
		return 0, err
	}
	n, _ := v.(int64)
	return n, nil
}

func (r *RedisStore) GetCount(ctx context.Context, key string) (int64, error) {
	v, err := r.c.Get(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (r *RedisStore) AcquireSlot(ctx context.Context, key, member string, limit int, expiresAt, now time.Time) (bool, error) {
	// Key-level TTL bounds zombie sets from decommissioned limiter keys.
	keyTTL := expiresAt.Sub(now) + time.Minute
	v, err := r.c.RunScript(ctx, acquireSlotScript, []string{key},
		now.UnixMilli(), limit, expiresAt.UnixMilli(), member, keyTTL.Milliseconds())
	if err != nil {
		return false, err
	}
	n, _ := v.(int64)
	return n == 1, nil
}

func (r *RedisStore) ReleaseSlot(ctx context.Context, key, member string) error {
	_, err := r.c.RunScript(ctx, releaseSlotScript, []string{key}, member)
	return err
}

func (r *RedisStore) ExtendSlot(ctx context.Context, key, member string, expiresAt time.Time) (bool, error) {
	v, err := r.c.RunScript(ctx, extendSlotScript, []string{key}, member, expiresAt.UnixMilli())
	if err != nil {
		return false, err
	}
	n, _ := v.(int64)
	return n == 1, nil
}

func (r *RedisStore) CountSlots(ctx context.Context, key string, now time.Time) (int64, error) {
	v, err := r.c.RunScript(ctx, countSlotsScript, []string{key}, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := v.(int64)
	return n, nil
}

func (r *RedisStore) Available(ctx context.Context) bool {
	return r.c.Available(ctx)
}
