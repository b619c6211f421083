package ratelimit

import (
	"context"
	"time"
)

// Store is the semantic persistence surface the limiter needs. The Redis
// implementation backs every operation with a server-side script so the
// check-and-mutate steps stay atomic across workers; tests substitute an
// in-memory implementation.
type Store interface {
	// IncrMinute atomically increments the QPM counter for the given
	// epoch-minute key and returns the post-increment value. The TTL is
	// applied when the key is created.
	IncrMinute(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// GetCount returns the current counter value, 0 when absent.
	GetCount(ctx context.Context, key string) (int64, error)

	// AcquireSlot prunes expired members, then adds member with the given
	// expiry if cardinality is below limit. Returns false when the
	// semaphore is full.
	AcquireSlot(ctx context.Context, key, member string, limit int, expiresAt, now time.Time) (bool, error)

	// ReleaseSlot removes a held member. Unknown members are not an error.
	ReleaseSlot(ctx context.Context, key, member string) error

	// ExtendSlot refreshes the expiry of a held member. Returns false when
	// the member no longer exists (expired and pruned).
	ExtendSlot(ctx context.Context, key, member string, expiresAt time.Time) (bool, error)

	// CountSlots prunes expired members and returns the live count.
	CountSlots(ctx context.Context, key string, now time.Time) (int64, error)

	// Available reports whether the backing store is reachable.
	Available(ctx context.Context) bool
}
