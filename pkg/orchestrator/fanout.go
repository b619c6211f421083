package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drawmind/modelmux/pkg/llm"
	"github.com/drawmind/modelmux/pkg/usage"
)

// Result is the outcome of one model's call in a fan-out.
type Result struct {
	// Model is the logical model that was asked.
	Model    string
	Response string
	Usage    llm.Usage
	Duration time.Duration
	Success  bool
	Err      error
}

// fanoutModels returns the requested set or the configured default.
func (o *Orchestrator) resolveFanout(models []string) []string {
	if len(models) > 0 {
		return models
	}
	return o.fanoutModels
}

// callSingleModel times one blocking call and tracks its usage under
// requestType. The envelope inside doChat records breaker and provider
// metrics; this wrapper owns the fan-out-level accounting.
func (o *Orchestrator) callSingleModel(ctx context.Context, base *ChatRequest, model, requestType string) Result {
	req := *base
	req.Model = model

	start := o.now()
	resp, r, _, err := o.doChat(ctx, &req, "")
	d := o.now().Sub(start)

	res := Result{Model: model, Duration: d, Success: err == nil, Err: err}
	if resp != nil {
		res.Response = resp.Content
		res.Usage = resp.Usage
	}
	if r != nil {
		o.trackUsage(&req, r.physical, requestType, res.Usage, d, err)
	}
	return res
}

// GenerateMulti fans the prompt out to every requested model concurrently
// and waits for all of them. The result map has an entry per requested
// model; individual failures populate Err without failing the call.
func (o *Orchestrator) GenerateMulti(ctx context.Context, base *ChatRequest, models []string) map[string]Result {
	models = o.resolveFanout(models)

	var (
		mu      sync.Mutex
		results = make(map[string]Result, len(models))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, model := range models {
		g.Go(func() error {
			res := o.callSingleModel(gctx, base, model, usage.RequestTypeMulti)
			mu.Lock()
			results[model] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// GenerateProgressive fans out like GenerateMulti but yields each model's
// Result as it completes, in completion order. The channel closes after
// every model has reported. Each goroutine carries its model name from the
// moment of spawn, so results are never attributed by task inspection.
func (o *Orchestrator) GenerateProgressive(ctx context.Context, base *ChatRequest, models []string) <-chan Result {
	models = o.resolveFanout(models)
	out := make(chan Result, len(models))

	var wg sync.WaitGroup
	for _, model := range models {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out <- o.callSingleModel(ctx, base, model, usage.RequestTypeProgressive)
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// GenerateRace fans out and returns the first successful result, cancelling
// the rest. Cancelled siblings unwind their limiter holds and record as
// cancelled, not failed, so the breaker is not biased against a
// slow-but-healthy route. When every model fails, the last failure is
// wrapped in an aggregate error.
func (o *Orchestrator) GenerateRace(ctx context.Context, base *ChatRequest, models []string) (Result, error) {
	models = o.resolveFanout(models)

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan Result, len(models))
	var wg sync.WaitGroup
	for _, model := range models {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- o.callSingleModel(raceCtx, base, model, usage.RequestTypeRace)
		}()
	}

	var winner *Result
	var lastFailure Result
	for range models {
		res := <-results
		if res.Success && winner == nil {
			w := res
			winner = &w
			cancel()
			continue
		}
		if !res.Success {
			lastFailure = res
		}
	}

	// All producers have sent; wait for their deferred cleanup (limiter
	// releases happen inside the envelope before the send, but the
	// goroutines themselves must not outlive the call).
	wg.Wait()

	if winner != nil {
		slog.Debug("Race won", "model", winner.Model, "duration", winner.Duration)
		return *winner, nil
	}
	return lastFailure, aggregateError(models, lastFailure.Err)
}

// EventType tags StreamProgressive events.
type EventType string

const (
	EventToken    EventType = "token"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// StreamEvent is one multiplexed event from a progressive stream: a token
// from some model, or a per-model terminal marker.
type StreamEvent struct {
	Type  EventType
	Model string

	// Token is set for EventToken.
	Token string

	// Duration and TokenCount are set on terminal events.
	Duration   time.Duration
	TokenCount int

	// Err is set for EventError.
	Err error
}

// StreamProgressive streams all requested models concurrently into one
// event sequence, interleaved in arrival order. Every model terminates with
// exactly one EventComplete or EventError; the channel closes when all
// have. Physical routes are pre-mapped once, then inner streams dispatch
// with load balancing skipped so the breaker and limiter see the same route
// the stream uses.
func (o *Orchestrator) StreamProgressive(ctx context.Context, base *ChatRequest, models []string) <-chan StreamEvent {
	models = o.resolveFanout(models)

	q := newEventQueue(ctx.Done())
	var wg sync.WaitGroup
	for _, model := range models {
		physical := model
		if !base.SkipLoadBalancing {
			physical = o.balancer.MapModel(ctx, model)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			o.streamOneModel(ctx, base, model, physical, q)
		}()
	}
	go func() {
		wg.Wait()
		q.closeQueue()
	}()
	return q.out()
}

// streamOneModel runs one model's stream and pushes its events. Exactly one
// terminal event is pushed on every path.
func (o *Orchestrator) streamOneModel(ctx context.Context, base *ChatRequest, model, physical string, q *eventQueue) {
	req := *base
	req.Model = model
	req.SkipLoadBalancing = true
	req.streamType = usage.RequestTypeStreamProg

	start := o.now()
	chunks, err := o.chatStreamChunks(ctx, &req, physical)
	if err != nil {
		q.push(StreamEvent{Type: EventError, Model: model, Err: err, Duration: o.now().Sub(start)})
		return
	}

	tokenCount := 0
	var streamErr error
	for chunk := range chunks {
		switch c := chunk.(type) {
		case *llm.TokenChunk:
			tokenCount++
			q.push(StreamEvent{Type: EventToken, Model: model, Token: c.Content})
		case *llm.ErrorChunk:
			streamErr = c.Err
		}
	}

	d := o.now().Sub(start)
	if streamErr != nil {
		q.push(StreamEvent{Type: EventError, Model: model, Err: streamErr, Duration: d})
		return
	}
	q.push(StreamEvent{Type: EventComplete, Model: model, Duration: d, TokenCount: tokenCount})
}

// eventQueue is an unbounded FIFO between stream producers and the single
// consumer. Producers never block; the pump goroutine feeds the outbound
// channel in push order. done lets the pump exit when the consumer stops
// reading (a disconnected SSE client), instead of blocking on the send
// forever.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []StreamEvent
	closed bool
	ch     chan StreamEvent
	done   <-chan struct{}
}

func newEventQueue(done <-chan struct{}) *eventQueue {
	q := &eventQueue{ch: make(chan StreamEvent), done: done}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

func (q *eventQueue) push(ev StreamEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *eventQueue) closeQueue() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *eventQueue) out() <-chan StreamEvent { return q.ch }

func (q *eventQueue) pump() {
	defer close(q.ch)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		ev := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.ch <- ev:
		case <-q.done:
			return
		}
	}
}
