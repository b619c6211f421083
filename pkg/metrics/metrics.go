// Package metrics exposes Prometheus collectors for the orchestration core.
// Label cardinality is bounded: models and providers come from the fixed
// registry, outcomes from a small enum.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for request counters.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modelmux_requests_total",
		Help: "Provider requests by physical model, provider, and outcome",
	}, []string{"model", "provider", "outcome"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modelmux_request_duration_seconds",
		Help:    "Provider request duration by physical model",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 70},
	}, []string{"model"})

	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modelmux_breaker_state",
		Help: "Circuit breaker state by physical model (0=closed, 1=open, 2=half-open)",
	}, []string{"model"})

	limiterWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modelmux_limiter_waits_total",
		Help: "Rate limiter waits by key and reason (slot, qpm)",
	}, []string{"key", "reason"})

	limiterBypasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "modelmux_limiter_bypasses_total",
		Help: "Acquisitions that bypassed limiting because the cache was unavailable",
	}, []string{"key"})

	usageFlushBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modelmux_usage_flush_batches_total",
		Help: "Token usage batches flushed to the store",
	})

	usageFlushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modelmux_usage_flush_errors_total",
		Help: "Token usage batch flushes that failed after retry",
	})

	usageDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "modelmux_usage_dropped_total",
		Help: "Token usage records dropped because the buffer was full",
	})
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		requestDuration,
		breakerState,
		limiterWaits,
		limiterBypasses,
		usageFlushBatches,
		usageFlushErrors,
		usageDropped,
	)
}

// ObserveRequest records one provider request outcome.
func ObserveRequest(model, provider, outcome string, d time.Duration) {
	requestsTotal.WithLabelValues(model, provider, outcome).Inc()
	requestDuration.WithLabelValues(model).Observe(d.Seconds())
}

// SetBreakerState publishes a breaker transition.
func SetBreakerState(model string, state int) {
	breakerState.WithLabelValues(model).Set(float64(state))
}

// ObserveLimiterWait counts a wait on a limiter key. reason is "slot" or "qpm".
func ObserveLimiterWait(key, reason string) {
	limiterWaits.WithLabelValues(key, reason).Inc()
}

// ObserveLimiterBypass counts a cache-unavailable bypass.
func ObserveLimiterBypass(key string) {
	limiterBypasses.WithLabelValues(key).Inc()
}

// ObserveUsageFlush records a flushed batch or a terminal flush failure.
func ObserveUsageFlush(ok bool) {
	if ok {
		usageFlushBatches.Inc()
	} else {
		usageFlushErrors.Inc()
	}
}

// ObserveUsageDropped counts records dropped on a full buffer.
func ObserveUsageDropped(n int) {
	usageDropped.Add(float64(n))
}
