// Package cache provides typed operations over the shared Redis store:
// key/value with TTL, hashes, sets, atomic counters, server-side scripts,
// and a distributed lock. All operations fail fast with typed errors;
// callers decide how to degrade.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drawmind/modelmux/pkg/config"
)

const (
	dialTimeout  = 5 * time.Second
	opTimeout    = 3 * time.Second
	probeTimeout = 2 * time.Second
)

// Store wraps a Redis client. Safe for concurrent use; Store itself holds
// no mutable state.
type Store struct {
	rdb redis.UniversalClient
}

// New creates a Store connected to the configured Redis instance.
// Connection establishment is lazy; use Available to probe.
func New(cfg config.CacheConfig) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})
	return &Store{rdb: rdb}
}

// NewFromClient wraps an existing client (useful for testing)
func NewFromClient(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Available reports whether the cache answers a ping within a short
// timeout. Higher layers consult this to degrade gracefully.
func (s *Store) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return s.rdb.Ping(probeCtx).Err() == nil
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Get returns the string value at key, or ErrNotFound
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", translate(err)
	}
	return v, nil
}

// Set stores a value without expiry
func (s *Store) Set(ctx context.Context, key, value string) error {
	return translate(s.rdb.Set(ctx, key, value, 0).Err())
}

// SetEx stores a value with a TTL
func (s *Store) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return translate(s.rdb.Set(ctx, key, value, ttl).Err())
}

// Del removes keys; missing keys are not an error
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return translate(s.rdb.Del(ctx, keys...).Err())
}

// Expire sets a TTL on an existing key
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return translate(s.rdb.Expire(ctx, key, ttl).Err())
}

// Incr atomically increments the integer at key and returns the new value
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, translate(err)
	}
	return v, nil
}

// HSet writes hash fields
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return translate(s.rdb.HSet(ctx, key, args...).Err())
}

// HGetAll returns all hash fields; an empty map when the key is missing
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, translate(err)
	}
	return m, nil
}

// SAdd adds members to a set
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return translate(s.rdb.SAdd(ctx, key, args...).Err())
}

// SMembers returns all members of a set
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, translate(err)
	}
	return members, nil
}

// SIsMember reports set membership
func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, translate(err)
	}
	return ok, nil
}

// SRem removes members from a set
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return translate(s.rdb.SRem(ctx, key, args...).Err())
}

// RunScript executes a server-side script atomically (EVALSHA with EVAL
// fallback, handled by go-redis).
func (s *Store) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	v, err := script.Run(ctx, s.rdb, keys, args...).Result()
	if err != nil {
		return nil, translate(err)
	}
	return v, nil
}

// translate maps driver errors onto the package sentinels. Context
// cancellation passes through untouched so callers can distinguish a
// cancelled request from a dead cache.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, context.Canceled):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
