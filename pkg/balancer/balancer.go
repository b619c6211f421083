// Package balancer maps logical model names onto physical routes.
package balancer

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/drawmind/modelmux/pkg/config"
	"github.com/drawmind/modelmux/pkg/ratelimit"
)

// Balancer resolves a logical model to one of its physical candidates using
// the configured strategy. When disabled, MapModel is the identity.
type Balancer struct {
	cfg      config.LoadBalancingConfig
	registry *config.ModelRegistry
	limiters *ratelimit.Limiters

	randInt func(n int) int

	mu        sync.Mutex
	rrCounter map[string]uint64
	providers map[config.Provider]*providerWindow
}

// New creates a balancer over the model registry. limiters may be nil; the
// rate-aware strategy then treats every candidate as having headroom.
func New(cfg config.LoadBalancingConfig, registry *config.ModelRegistry, limiters *ratelimit.Limiters) *Balancer {
	return &Balancer{
		cfg:       cfg,
		registry:  registry,
		limiters:  limiters,
		randInt:   rand.IntN,
		rrCounter: make(map[string]uint64),
		providers: make(map[config.Provider]*providerWindow),
	}
}

// Enabled reports whether mapping is active.
func (b *Balancer) Enabled() bool {
	return b != nil && b.cfg.Enabled
}

// MapModel returns the physical model to dispatch for logical. Disabled
// balancers, unknown logical names, and single-candidate models all resolve
// to identity-or-the-only-candidate without strategy work.
func (b *Balancer) MapModel(ctx context.Context, logical string) string {
	if !b.Enabled() {
		return logical
	}
	candidates := b.registry.Candidates(logical)
	if len(candidates) == 1 {
		return candidates[0]
	}

	var physical string
	switch b.cfg.Strategy {
	case config.StrategyRoundRobin:
		physical = b.roundRobin(logical, candidates)
	case config.StrategyRateAware:
		physical = b.rateAware(ctx, logical, candidates)
	default:
		physical = b.weighted(candidates)
	}

	if physical != logical {
		slog.Debug("Load balancer mapped model",
			"logical", logical,
			"physical", physical,
			"strategy", string(b.cfg.Strategy))
	}
	return physical
}

// ProviderOf returns the provider tag for a physical model so the caller
// can resolve the matching rate limiter.
func (b *Balancer) ProviderOf(physical string) (config.Provider, error) {
	return b.registry.ProviderOf(physical)
}

// weighted picks proportionally to configured integer weights. Candidates
// keep registry order, so equal draws resolve the same way on every worker.
// Unconfigured candidates get weight 1; a zero or negative weight excludes
// the candidate unless every weight is excluded.
func (b *Balancer) weighted(candidates []string) string {
	total := 0
	weights := make([]int, len(candidates))
	for i, name := range candidates {
		w, ok := b.cfg.Weights[name]
		if !ok {
			w = 1
		}
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total == 0 {
		return candidates[0]
	}

	n := b.randInt(total)
	for i, w := range weights {
		if n < w {
			return candidates[i]
		}
		n -= w
	}
	return candidates[len(candidates)-1]
}

// rateAware keeps candidates whose limiter reports headroom and picks among
// them by weight. With no survivors it falls back to the candidate whose
// next QPM window opens earliest. Limiter probes that fail (cache down)
// count as headroom so a degraded cache never blocks routing.
func (b *Balancer) rateAware(ctx context.Context, logical string, candidates []string) string {
	type readiness struct {
		name string
		next time.Time
	}

	var (
		survivors []string
		fallback  []readiness
	)
	for _, name := range candidates {
		l := b.limiterFor(logical, name)
		if !l.Enforcing() {
			survivors = append(survivors, name)
			continue
		}

		slots, slotsErr := l.AvailableSlots(ctx)
		used, usedErr := l.QPMUsed(ctx)
		if slotsErr != nil || usedErr != nil {
			survivors = append(survivors, name)
			continue
		}
		if slots > 0 && used < int64(l.QPMLimit()) {
			survivors = append(survivors, name)
			continue
		}
		fallback = append(fallback, readiness{name: name, next: l.NextWindow()})
	}

	if len(survivors) > 0 {
		return b.weighted(survivors)
	}

	best := fallback[0]
	for _, r := range fallback[1:] {
		if r.next.Before(best.next) {
			best = r
		}
	}
	slog.Debug("No candidate has rate headroom, using earliest window",
		"logical", logical, "physical", best.name)
	return best.name
}

func (b *Balancer) limiterFor(logical, physical string) *ratelimit.Limiter {
	if b.limiters == nil {
		return nil
	}
	provider, err := b.registry.ProviderOf(physical)
	if err != nil {
		return nil
	}
	return b.limiters.ForModel(logical, physical, provider)
}

// roundRobin cycles through candidates with a per-logical process counter.
func (b *Balancer) roundRobin(logical string, candidates []string) string {
	b.mu.Lock()
	n := b.rrCounter[logical]
	b.rrCounter[logical] = n + 1
	b.mu.Unlock()
	return candidates[n%uint64(len(candidates))]
}

// providerWindow keeps a small rolling view of provider health.
type providerWindow struct {
	total     int64
	failures  int64
	totalTime time.Duration
	lastError string
	lastSeen  time.Time
}

// ProviderStats is a read-only snapshot of provider-level telemetry.
type ProviderStats struct {
	Provider    config.Provider
	Requests    int64
	SuccessRate float64
	AvgDuration time.Duration
	LastError   string
}

// RecordProviderMetrics feeds provider-level telemetry after each dispatch.
func (b *Balancer) RecordProviderMetrics(provider config.Provider, success bool, d time.Duration, errKind string) {
	if b == nil || provider == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	w := b.providers[provider]
	if w == nil {
		w = &providerWindow{}
		b.providers[provider] = w
	}
	w.total++
	w.totalTime += d
	w.lastSeen = time.Now()
	if !success {
		w.failures++
		w.lastError = errKind
	}
}

// ProviderStats snapshots telemetry for every provider seen so far.
func (b *Balancer) ProviderStats() map[config.Provider]ProviderStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[config.Provider]ProviderStats, len(b.providers))
	for provider, w := range b.providers {
		s := ProviderStats{
			Provider:  provider,
			Requests:  w.total,
			LastError: w.lastError,
		}
		if w.total > 0 {
			s.SuccessRate = float64(w.total-w.failures) / float64(w.total)
			s.AvgDuration = w.totalTime / time.Duration(w.total)
		}
		out[provider] = s
	}
	return out
}
