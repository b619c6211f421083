// Package breaker tracks per-model health and latency inside one worker
// process and gates dispatch with a circuit breaker.
//
// State is keyed by physical model, never logical: under load balancing a
// failing route must not suppress its healthy sibling. Each worker keeps its
// own view; breaker state is deliberately not shared through the cache, so a
// worker that can still reach a provider keeps using it.
package breaker

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/drawmind/modelmux/pkg/metrics"
)

// State is the circuit position for one physical model.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Outcome classifies a finished request for recording purposes. Cancelled
// requests are counted separately: a caller giving up is not a provider
// failure and must not trip the circuit.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
)

// Config tunes the circuit thresholds.
type Config struct {
	// RingSize bounds the rolling sample window per model.
	RingSize int
	// OpenThreshold opens the circuit after this many consecutive failures.
	OpenThreshold int
	// FailureRateBound opens the circuit when the rolling failure rate
	// exceeds it, once MinSamples are present.
	FailureRateBound float64
	// MinSamples gates the failure-rate check.
	MinSamples int
	// Cooldown is the initial open duration. It doubles on each failed
	// half-open probe, capped at MaxCooldown, and resets on recovery.
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		RingSize:         100,
		OpenThreshold:    5,
		FailureRateBound: 0.5,
		MinSamples:       20,
		Cooldown:         60 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

type sample struct {
	duration time.Duration
	success  bool
	errKind  string
}

type modelState struct {
	mu sync.Mutex

	ring  []sample
	next  int
	count int

	state               State
	consecutiveFailures int
	lastFailure         time.Time
	openUntil           time.Time
	cooldown            time.Duration
	probeInFlight       bool

	cancelled int64
}

// ModelMetrics is a read-only snapshot of one model's rolling window.
// Latency percentiles cover successful requests; failures and cancellations
// are visible through SuccessRate and Cancelled.
type ModelMetrics struct {
	Model               string
	State               State
	Samples             int
	SuccessRate         float64
	P50                 time.Duration
	P95                 time.Duration
	ConsecutiveFailures int
	Cancelled           int64
}

// Tracker holds breaker state and rolling metrics for every physical model
// this worker has called. Safe for concurrent use.
type Tracker struct {
	cfg Config

	mu     sync.RWMutex
	models map[string]*modelState

	now func() time.Time
}

// NewTracker creates a tracker with the given thresholds.
func NewTracker(cfg Config) *Tracker {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 100
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	return &Tracker{
		cfg:    cfg,
		models: make(map[string]*modelState),
		now:    time.Now,
	}
}

func (t *Tracker) state(model string) *modelState {
	t.mu.RLock()
	ms := t.models[model]
	t.mu.RUnlock()
	if ms != nil {
		return ms
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if ms = t.models[model]; ms == nil {
		ms = &modelState{
			ring:     make([]sample, t.cfg.RingSize),
			state:    StateClosed,
			cooldown: t.cfg.Cooldown,
		}
		t.models[model] = ms
	}
	return ms
}

// CanCall reports whether a request to model may be dispatched now. While
// open it returns false until the cooldown elapses; the first caller after
// that becomes the half-open probe and all others stay blocked until the
// probe resolves.
func (t *Tracker) CanCall(model string) bool {
	ms := t.state(model)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	switch ms.state {
	case StateClosed:
		return true
	case StateOpen:
		if t.now().Before(ms.openUntil) {
			return false
		}
		t.transitionLocked(ms, model, StateHalfOpen)
		ms.probeInFlight = true
		return true
	case StateHalfOpen:
		if ms.probeInFlight {
			return false
		}
		ms.probeInFlight = true
		return true
	default:
		return true
	}
}

// Record updates the rolling window and circuit state for model after a
// request finishes. Cancelled outcomes release a half-open probe without
// counting for or against the model.
func (t *Tracker) Record(model string, d time.Duration, outcome Outcome, errKind string) {
	ms := t.state(model)
	ms.mu.Lock()
	defer ms.mu.Unlock()

	switch outcome {
	case OutcomeCancelled:
		ms.cancelled++
		if ms.state == StateHalfOpen {
			ms.probeInFlight = false
		}
		return

	case OutcomeSuccess:
		ms.append(sample{duration: d, success: true})
		ms.consecutiveFailures = 0
		if ms.state == StateHalfOpen {
			ms.probeInFlight = false
			ms.cooldown = t.cfg.Cooldown
			t.transitionLocked(ms, model, StateClosed)
		}

	case OutcomeFailure:
		ms.append(sample{duration: d, success: false, errKind: errKind})
		ms.consecutiveFailures++
		ms.lastFailure = t.now()

		switch ms.state {
		case StateHalfOpen:
			ms.probeInFlight = false
			ms.cooldown = min(ms.cooldown*2, t.cfg.MaxCooldown)
			t.openLocked(ms, model)
		case StateClosed:
			if ms.consecutiveFailures >= t.cfg.OpenThreshold {
				t.openLocked(ms, model)
				return
			}
			total, failures := ms.tally()
			if total >= t.cfg.MinSamples && float64(failures)/float64(total) > t.cfg.FailureRateBound {
				t.openLocked(ms, model)
			}
		}
	}
}

func (t *Tracker) openLocked(ms *modelState, model string) {
	ms.openUntil = t.now().Add(ms.cooldown)
	t.transitionLocked(ms, model, StateOpen)
}

func (t *Tracker) transitionLocked(ms *modelState, model string, to State) {
	from := ms.state
	ms.state = to
	metrics.SetBreakerState(model, stateGauge(to))
	if from != to {
		slog.Info("Circuit breaker state change",
			"model", model,
			"from", string(from),
			"to", string(to),
			"consecutive_failures", ms.consecutiveFailures)
	}
}

func stateGauge(s State) int {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func (ms *modelState) append(s sample) {
	ms.ring[ms.next] = s
	ms.next = (ms.next + 1) % len(ms.ring)
	if ms.count < len(ms.ring) {
		ms.count++
	}
}

func (ms *modelState) tally() (total, failures int) {
	for i := 0; i < ms.count; i++ {
		if !ms.ring[i].success {
			failures++
		}
	}
	return ms.count, failures
}

func (ms *modelState) successDurations() []time.Duration {
	out := make([]time.Duration, 0, ms.count)
	for i := 0; i < ms.count; i++ {
		if ms.ring[i].success {
			out = append(out, ms.ring[i].duration)
		}
	}
	return out
}

// Metrics returns the rolling snapshot for one model. The second return is
// false when the model has never been recorded or gated.
func (t *Tracker) Metrics(model string) (ModelMetrics, bool) {
	t.mu.RLock()
	ms := t.models[model]
	t.mu.RUnlock()
	if ms == nil {
		return ModelMetrics{}, false
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	return t.snapshotLocked(model, ms), true
}

// AllMetrics returns snapshots for every tracked model.
func (t *Tracker) AllMetrics() map[string]ModelMetrics {
	t.mu.RLock()
	names := make([]string, 0, len(t.models))
	for name := range t.models {
		names = append(names, name)
	}
	t.mu.RUnlock()

	out := make(map[string]ModelMetrics, len(names))
	for _, name := range names {
		if m, ok := t.Metrics(name); ok {
			out[name] = m
		}
	}
	return out
}

func (t *Tracker) snapshotLocked(model string, ms *modelState) ModelMetrics {
	total, failures := ms.tally()
	m := ModelMetrics{
		Model:               model,
		State:               ms.state,
		Samples:             total,
		ConsecutiveFailures: ms.consecutiveFailures,
		Cancelled:           ms.cancelled,
	}
	if total > 0 {
		m.SuccessRate = float64(total-failures) / float64(total)
	}
	durs := ms.successDurations()
	m.P50 = percentile(durs, 0.50)
	m.P95 = percentile(durs, 0.95)
	return m
}

// FastestModel picks the candidate with the lowest median latency among
// those whose circuit is closed. Candidates without samples rank after
// measured ones; if every circuit is open the first candidate is returned
// so the caller's own gate produces the error.
func (t *Tracker) FastestModel(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}

	best := ""
	bestP50 := time.Duration(-1)
	firstClosed := ""

	for _, name := range candidates {
		t.mu.RLock()
		ms := t.models[name]
		t.mu.RUnlock()
		if ms == nil {
			// Never called: usable, but ranks after measured candidates.
			if firstClosed == "" {
				firstClosed = name
			}
			continue
		}

		ms.mu.Lock()
		state := ms.state
		durs := ms.successDurations()
		ms.mu.Unlock()

		if state != StateClosed {
			continue
		}
		if firstClosed == "" {
			firstClosed = name
		}
		if len(durs) == 0 {
			continue
		}
		p50 := percentile(durs, 0.50)
		if bestP50 < 0 || p50 < bestP50 {
			best = name
			bestP50 = p50
		}
	}

	if best != "" {
		return best
	}
	if firstClosed != "" {
		return firstClosed
	}
	return candidates[0]
}

// percentile returns the p-th percentile of durs using nearest-rank.
func percentile(durs []time.Duration, p float64) time.Duration {
	if len(durs) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(durs))
	copy(sorted, durs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(float64(len(sorted))*p+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
