package orchestrator

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drawmind/modelmux/pkg/config"
	"github.com/drawmind/modelmux/pkg/llm"
	"github.com/drawmind/modelmux/pkg/ratelimit"
	"github.com/drawmind/modelmux/pkg/usage"
)

func TestGenerateMultiHasEntryPerModel(t *testing.T) {
	clients := map[string]llm.Client{
		"qwen":     &fakeClient{response: &llm.Response{Content: "from qwen"}},
		"deepseek": &fakeClient{response: &llm.Response{Content: "from deepseek"}},
		"doubao":   &fakeClient{errs: []error{&llm.Error{Kind: llm.KindAccessDenied}}},
	}
	r := newRig(t, clients)

	results := r.orch.GenerateMulti(context.Background(), &ChatRequest{Prompt: "hi"}, nil)

	// Default fan-out set; every requested model reports, failures included.
	require.Len(t, results, 3)
	assert.Equal(t, "from qwen", results["qwen"].Response)
	assert.True(t, results["qwen"].Success)
	assert.Equal(t, "from deepseek", results["deepseek"].Response)
	assert.False(t, results["doubao"].Success)
	require.Error(t, results["doubao"].Err)

	recs := r.usage.records()
	require.Len(t, recs, 3)
	for _, rec := range recs {
		assert.Equal(t, usage.RequestTypeMulti, rec.RequestType)
	}
}

func TestGenerateMultiExplicitModelList(t *testing.T) {
	clients := map[string]llm.Client{
		"kimi": &fakeClient{response: &llm.Response{Content: "from kimi"}},
	}
	r := newRig(t, clients)

	results := r.orch.GenerateMulti(context.Background(), &ChatRequest{Prompt: "hi"}, []string{"kimi"})
	require.Len(t, results, 1)
	assert.Equal(t, "from kimi", results["kimi"].Response)
}

func TestGenerateProgressiveYieldsInCompletionOrder(t *testing.T) {
	clients := map[string]llm.Client{
		"qwen":     &fakeClient{delay: 120 * time.Millisecond, response: &llm.Response{Content: "slow"}},
		"deepseek": &fakeClient{delay: 10 * time.Millisecond, response: &llm.Response{Content: "fast"}},
		"doubao":   &fakeClient{delay: 60 * time.Millisecond, response: &llm.Response{Content: "middle"}},
	}
	r := newRig(t, clients)

	ch := r.orch.GenerateProgressive(context.Background(), &ChatRequest{Prompt: "hi"},
		[]string{"qwen", "deepseek", "doubao"})

	var order []string
	for res := range ch {
		require.True(t, res.Success, "model %s failed: %v", res.Model, res.Err)
		order = append(order, res.Model)
	}
	assert.Equal(t, []string{"deepseek", "doubao", "qwen"}, order)
}

func TestGenerateProgressiveCarriesFailures(t *testing.T) {
	clients := map[string]llm.Client{
		"qwen":   &fakeClient{response: &llm.Response{Content: "ok"}},
		"doubao": &fakeClient{errs: []error{&llm.Error{Kind: llm.KindQuotaExhausted}}},
	}
	r := newRig(t, clients)

	ch := r.orch.GenerateProgressive(context.Background(), &ChatRequest{Prompt: "hi"},
		[]string{"qwen", "doubao"})

	seen := make(map[string]Result)
	for res := range ch {
		seen[res.Model] = res
	}
	require.Len(t, seen, 2)
	assert.True(t, seen["qwen"].Success)
	assert.False(t, seen["doubao"].Success)
}

func TestGenerateRaceReturnsFirstSuccess(t *testing.T) {
	fast := &fakeClient{delay: 10 * time.Millisecond, response: &llm.Response{Content: "winner"}}
	slow := &fakeClient{delay: 2 * time.Second, response: &llm.Response{Content: "loser"}}
	r := newRig(t, map[string]llm.Client{"deepseek": fast, "qwen": slow})

	start := time.Now()
	res, err := r.orch.GenerateRace(context.Background(), &ChatRequest{Prompt: "hi"},
		[]string{"deepseek", "qwen"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "deepseek", res.Model)
	assert.Equal(t, "winner", res.Response)
	// The slow sibling was cancelled, not awaited to completion.
	assert.Less(t, elapsed, time.Second)

	// The cancelled sibling records as cancelled, not failed: its breaker
	// stays clean.
	m, ok := r.tracker.Metrics("qwen")
	require.True(t, ok)
	assert.Equal(t, int64(1), m.Cancelled)
	assert.Equal(t, 0, m.ConsecutiveFailures)
}

func TestGenerateRaceAllFail(t *testing.T) {
	clients := map[string]llm.Client{
		"qwen":     &fakeClient{errs: []error{&llm.Error{Kind: llm.KindAccessDenied}}},
		"deepseek": &fakeClient{errs: []error{&llm.Error{Kind: llm.KindQuotaExhausted}}},
	}
	r := newRig(t, clients)

	res, err := r.orch.GenerateRace(context.Background(), &ChatRequest{Prompt: "hi"},
		[]string{"qwen", "deepseek"})
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, err.Error(), "all 2 models failed")
}

func TestGenerateRaceReleasesAllSlots(t *testing.T) {
	store := newFakeSlotStore()
	limiters := ratelimit.NewLimiters(config.RateLimits{
		Dashscope:        config.RateLimitConfig{QPM: 100, Concurrent: 10, Enabled: true},
		VolcengineKimi:   config.RateLimitConfig{QPM: 100, Concurrent: 10, Enabled: true},
		VolcengineDoubao: config.RateLimitConfig{QPM: 100, Concurrent: 10, Enabled: true},
		VolcengineLB:     config.RateLimitConfig{QPM: 100, Concurrent: 10, Enabled: true},
	}, store)

	fast := &fakeClient{delay: 5 * time.Millisecond, response: &llm.Response{Content: "w"}}
	slow := &fakeClient{delay: 2 * time.Second, response: &llm.Response{Content: "l"}}
	r := newRig(t, map[string]llm.Client{"qwen": fast, "doubao": slow})
	r.orch.limiters = limiters

	_, err := r.orch.GenerateRace(context.Background(), &ChatRequest{Prompt: "hi"},
		[]string{"qwen", "doubao"})
	require.NoError(t, err)

	// Both routes took a slot; by the time the race returns, every hold has
	// unwound.
	assert.GreaterOrEqual(t, store.acquires("rate:dashscope:inflight"), 1)
	assert.GreaterOrEqual(t, store.acquires("rate:volcengine:doubao:inflight"), 1)
	assert.Equal(t, int64(0), store.held("rate:dashscope:inflight"))
	assert.Equal(t, int64(0), store.held("rate:volcengine:doubao:inflight"))
}

func TestStreamProgressiveEventAccounting(t *testing.T) {
	clients := map[string]llm.Client{
		"qwen": &fakeClient{chunks: []llm.Chunk{
			&llm.TokenChunk{Content: "q1"},
			&llm.TokenChunk{Content: "q2"},
			&llm.UsageChunk{Usage: llm.Usage{TotalTokens: 2}},
		}},
		"deepseek": &fakeClient{chunks: []llm.Chunk{
			&llm.TokenChunk{Content: "d1"},
			&llm.UsageChunk{Usage: llm.Usage{TotalTokens: 1}},
		}},
		"doubao": &fakeClient{errs: []error{&llm.Error{Kind: llm.KindAccessDenied}}},
	}
	r := newRig(t, clients)

	events := r.orch.StreamProgressive(context.Background(), &ChatRequest{Prompt: "hi"}, nil)

	tokens := make(map[string][]string)
	terminal := make(map[string]StreamEvent)
	for ev := range events {
		switch ev.Type {
		case EventToken:
			tokens[ev.Model] = append(tokens[ev.Model], ev.Token)
		case EventComplete, EventError:
			_, dup := terminal[ev.Model]
			require.False(t, dup, "model %s terminated twice", ev.Model)
			terminal[ev.Model] = ev
		}
	}

	// Exactly one terminal event per model.
	require.Len(t, terminal, 3)
	assert.Equal(t, EventComplete, terminal["qwen"].Type)
	assert.Equal(t, 2, terminal["qwen"].TokenCount)
	assert.Equal(t, EventComplete, terminal["deepseek"].Type)
	assert.Equal(t, EventError, terminal["doubao"].Type)
	require.Error(t, terminal["doubao"].Err)

	// Per-model token order is preserved through the interleaving.
	assert.Equal(t, []string{"q1", "q2"}, tokens["qwen"])
	assert.Equal(t, []string{"d1"}, tokens["deepseek"])
	assert.Empty(t, tokens["doubao"])
}

func TestStreamProgressiveTracksStreamUsage(t *testing.T) {
	clients := map[string]llm.Client{
		"qwen": &fakeClient{chunks: []llm.Chunk{
			&llm.TokenChunk{Content: "a"},
			&llm.UsageChunk{Usage: llm.Usage{TotalTokens: 7}},
		}},
	}
	r := newRig(t, clients)

	events := r.orch.StreamProgressive(context.Background(), &ChatRequest{Prompt: "hi"}, []string{"qwen"})
	for range events {
	}

	recs := r.usage.records()
	require.Len(t, recs, 1)
	assert.Equal(t, usage.RequestTypeStreamProg, recs[0].RequestType)
	assert.Equal(t, 7, recs[0].TotalTokens)
}

func TestEventQueuePreservesOrderAndNeverBlocksProducers(t *testing.T) {
	q := newEventQueue(nil)

	// Push far more than any channel buffer before the consumer starts.
	const n = 10_000
	for i := 0; i < n; i++ {
		q.push(StreamEvent{Type: EventToken, Model: "m", TokenCount: i})
	}
	q.closeQueue()

	var got int
	for ev := range q.out() {
		assert.Equal(t, got, ev.TokenCount)
		got++
	}
	assert.Equal(t, n, got)
}

func TestEventQueuePumpExitsWhenConsumerAbandons(t *testing.T) {
	before := runtime.NumGoroutine()

	// Undelivered events with nobody reading: every pump must still exit
	// once the consumer's context is done.
	for i := 0; i < 40; i++ {
		done := make(chan struct{})
		q := newEventQueue(done)
		q.push(StreamEvent{Type: EventToken, Model: "m"})
		q.push(StreamEvent{Type: EventComplete, Model: "m"})
		q.closeQueue()
		close(done)
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 20*time.Millisecond, "abandoned pumps must not linger")
}

func TestStreamProgressiveStopsAfterContextCancel(t *testing.T) {
	clients := map[string]llm.Client{
		"qwen": &fakeClient{chunks: []llm.Chunk{
			&llm.TokenChunk{Content: "a"},
			&llm.TokenChunk{Content: "b"},
		}},
	}
	r := newRig(t, clients)

	ctx, cancel := context.WithCancel(context.Background())
	events := r.orch.StreamProgressive(ctx, &ChatRequest{Prompt: "hi"}, []string{"qwen"})

	// Read one event, then walk away like a disconnected client.
	<-events
	cancel()

	// The channel still closes: producers unwind on cancellation and the
	// pump stops instead of blocking on the next undelivered event.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
