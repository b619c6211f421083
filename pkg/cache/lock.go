package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the lock only when the caller still owns it.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lock is a held distributed lock. Release before the TTL expires; the TTL
// bounds how long a crashed holder can block others.
type Lock struct {
	store *Store
	key   string
	token string
}

// AcquireLock takes a named lock with a TTL. Returns ErrLockHeld when
// another owner holds it.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	key := "lock:" + name
	token := uuid.NewString()
	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, translate(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}
	return &Lock{store: s, key: key, token: token}, nil
}

// Release frees the lock. Returns ErrLockNotHeld when the lock expired or
// was taken over by another owner.
func (l *Lock) Release(ctx context.Context) error {
	v, err := l.store.RunScript(ctx, unlockScript, []string{l.key}, l.token)
	if err != nil {
		return err
	}
	if n, ok := v.(int64); !ok || n == 0 {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, l.key)
	}
	return nil
}
