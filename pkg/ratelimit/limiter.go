// Package ratelimit enforces per-provider concurrency and queries-per-minute
// limits shared across worker processes through the cache.
//
// Each limiter key owns two pieces of shared state: an in-flight semaphore
// (sorted set of hold tokens with per-member expiry, so slots held by dead
// acquirers free themselves) and a counter keyed by the current epoch
// minute. Acquire blocks until both admit the caller or the context is
// cancelled. When the cache is unreachable, limiting is bypassed with a
// warning rather than failing the request.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drawmind/modelmux/pkg/config"
	"github.com/drawmind/modelmux/pkg/metrics"
)

const (
	// defaultHoldTTL bounds the auto-release window for a slot whose
	// holder died: provider timeout (70s) plus margin.
	defaultHoldTTL = 100 * time.Second

	// qpmKeyTTL outlives the minute it counts so late readers still see it.
	qpmKeyTTL = 70 * time.Second

	// slotPollInterval paces retries while the semaphore is full.
	slotPollInterval = 50 * time.Millisecond

	releaseTimeout = 3 * time.Second
)

// Key identifies the enforcement scope: one provider, optionally narrowed
// to a single endpoint.
type Key struct {
	Provider string
	Endpoint string
}

// String renders the cache key prefix: "rate:<provider>[:<endpoint>]".
func (k Key) String() string {
	if k.Endpoint == "" {
		return "rate:" + k.Provider
	}
	return "rate:" + k.Provider + ":" + k.Endpoint
}

// Limiter enforces the concurrency and QPM limits for one key.
// A nil *Limiter is valid and means "no limiting".
type Limiter struct {
	key             Key
	qpmLimit        int
	concurrentLimit int
	enabled         bool
	holdTTL         time.Duration
	store           Store

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a limiter for key with the configured limits.
func New(key Key, cfg config.RateLimitConfig, store Store) *Limiter {
	return &Limiter{
		key:             key,
		qpmLimit:        cfg.QPM,
		concurrentLimit: cfg.Concurrent,
		enabled:         cfg.Enabled,
		holdTTL:         defaultHoldTTL,
		store:           store,
		now:             time.Now,
		sleep:           sleepCtx,
	}
}

// Hold represents an acquired slot. Release returns it; a keepalive
// refreshes the member expiry until then so long requests are not pruned.
type Hold struct {
	limiter *Limiter
	member  string
	stop    chan struct{}
	once    sync.Once
}

// Release returns the concurrency slot and stops the keepalive.
// Safe to call multiple times and on holds from disabled or nil limiters.
func (h *Hold) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		if h.stop != nil {
			close(h.stop)
		}
		if h.limiter == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := h.limiter.store.ReleaseSlot(ctx, h.limiter.inflightKey(), h.member); err != nil {
			slog.Warn("Failed to release rate limiter slot",
				"key", h.limiter.key.String(), "error", err)
		}
	})
}

// Acquire blocks until a concurrency slot and QPM budget are available, or
// ctx is cancelled. Disabled and nil limiters admit immediately.
//
// The slot is taken first; the QPM increment happens last, immediately
// before returning, so the per-minute count matches what actually
// dispatches in that minute.
func (l *Limiter) Acquire(ctx context.Context) (*Hold, error) {
	if l == nil || !l.enabled {
		return &Hold{}, nil
	}

	member := uuid.NewString()

	// Concurrency semaphore.
	for {
		ok, err := l.store.AcquireSlot(ctx, l.inflightKey(), member,
			l.concurrentLimit, l.now().Add(l.holdTTL), l.now())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return l.bypass(err), nil
		}
		if ok {
			break
		}
		metrics.ObserveLimiterWait(l.key.String(), "slot")
		if err := l.sleep(ctx, slotPollInterval+randJitter(slotPollInterval)); err != nil {
			return nil, err
		}
	}

	// QPM window. Sleeping to the boundary keeps the slot: the caller is
	// committed and queued, not abandoned.
	for {
		n, err := l.store.IncrMinute(ctx, l.qpmKey(l.now()), qpmKeyTTL)
		if err != nil {
			if ctx.Err() != nil {
				l.releaseBestEffort(member)
				return nil, ctx.Err()
			}
			l.releaseBestEffort(member)
			return l.bypass(err), nil
		}
		if n <= int64(l.qpmLimit) {
			break
		}
		metrics.ObserveLimiterWait(l.key.String(), "qpm")
		if err := l.sleep(ctx, l.untilNextMinute()); err != nil {
			l.releaseBestEffort(member)
			return nil, err
		}
	}

	hold := &Hold{limiter: l, member: member, stop: make(chan struct{})}
	go l.keepalive(hold)
	return hold, nil
}

// AvailableSlots returns the current concurrency headroom.
func (l *Limiter) AvailableSlots(ctx context.Context) (int, error) {
	if l == nil || !l.enabled {
		return 0, fmt.Errorf("limiter not enforcing")
	}
	n, err := l.store.CountSlots(ctx, l.inflightKey(), l.now())
	if err != nil {
		return 0, err
	}
	free := l.concurrentLimit - int(n)
	if free < 0 {
		free = 0
	}
	return free, nil
}

// QPMUsed returns the acquisition count for the current minute.
func (l *Limiter) QPMUsed(ctx context.Context) (int64, error) {
	if l == nil || !l.enabled {
		return 0, fmt.Errorf("limiter not enforcing")
	}
	return l.store.GetCount(ctx, l.qpmKey(l.now()))
}

// QPMLimit returns the configured per-minute ceiling.
func (l *Limiter) QPMLimit() int {
	if l == nil {
		return 0
	}
	return l.qpmLimit
}

// NextWindow returns when the next QPM window opens.
func (l *Limiter) NextWindow() time.Time {
	now := time.Now()
	if l != nil {
		now = l.now()
	}
	return now.Truncate(time.Minute).Add(time.Minute)
}

// Enforcing reports whether this limiter actually limits.
func (l *Limiter) Enforcing() bool {
	return l != nil && l.enabled
}

// KeyString returns the cache key prefix for logs and metrics.
func (l *Limiter) KeyString() string {
	if l == nil {
		return ""
	}
	return l.key.String()
}

func (l *Limiter) inflightKey() string {
	return l.key.String() + ":inflight"
}

func (l *Limiter) qpmKey(now time.Time) string {
	return fmt.Sprintf("%s:qpm:%d", l.key.String(), now.Unix()/60)
}

// untilNextMinute returns the wait to the next minute boundary plus a small
// jitter so workers across the fleet do not stampede the new window.
func (l *Limiter) untilNextMinute() time.Duration {
	now := l.now()
	boundary := now.Truncate(time.Minute).Add(time.Minute)
	return boundary.Sub(now) + randJitter(250*time.Millisecond)
}

// bypass returns a no-op hold after a cache failure. Limiting degrades
// open: a dead cache must not take the LLM path down with it.
func (l *Limiter) bypass(err error) *Hold {
	slog.Warn("Rate limiting bypassed, cache unavailable",
		"key", l.key.String(), "error", err)
	metrics.ObserveLimiterBypass(l.key.String())
	return &Hold{}
}

func (l *Limiter) releaseBestEffort(member string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := l.store.ReleaseSlot(ctx, l.inflightKey(), member); err != nil {
		slog.Warn("Failed to release rate limiter slot",
			"key", l.key.String(), "error", err)
	}
}

// keepalive extends the member expiry at a third of the TTL until released.
func (l *Limiter) keepalive(h *Hold) {
	interval := l.holdTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			ok, err := l.store.ExtendSlot(ctx, l.inflightKey(), h.member, l.now().Add(l.holdTTL))
			cancel()
			if err != nil {
				slog.Debug("Rate limiter keepalive failed",
					"key", l.key.String(), "error", err)
			} else if !ok {
				// Member was pruned; nothing left to extend.
				return
			}
		}
	}
}

func randJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
