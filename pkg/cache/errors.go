package cache

import "errors"

var (
	// ErrNotFound indicates the key does not exist
	ErrNotFound = errors.New("cache key not found")

	// ErrUnavailable indicates the cache could not be reached; callers
	// decide whether to degrade or fail
	ErrUnavailable = errors.New("cache unavailable")

	// ErrLockHeld indicates the lock is currently held by another owner
	ErrLockHeld = errors.New("lock already held")

	// ErrLockNotHeld indicates a release was attempted by a non-owner
	// (expired or stolen lock)
	ErrLockNotHeld = errors.New("lock not held")
)
