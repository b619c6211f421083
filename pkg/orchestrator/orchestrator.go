// Package orchestrator is the public façade over the LLM core: it routes
// logical models onto physical routes, gates dispatch with the circuit
// breaker, holds rate-limiter slots for the duration of each call, retries
// retryable failures with backoff, and records usage and performance
// metrics for every terminal outcome.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/drawmind/modelmux/pkg/balancer"
	"github.com/drawmind/modelmux/pkg/breaker"
	"github.com/drawmind/modelmux/pkg/config"
	"github.com/drawmind/modelmux/pkg/knowledge"
	"github.com/drawmind/modelmux/pkg/llm"
	"github.com/drawmind/modelmux/pkg/metrics"
	"github.com/drawmind/modelmux/pkg/ratelimit"
	"github.com/drawmind/modelmux/pkg/usage"
)

const (
	defaultMaxRetries  = 3
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 10 * time.Second
)

// ContextProvider supplies RAG context for knowledge-base-enabled requests.
// Implemented by knowledge.Client; a nil provider disables injection.
type ContextProvider interface {
	FetchContext(ctx context.Context, userID, query string) ([]knowledge.ContextChunk, error)
	BuildContext(chunks []knowledge.ContextChunk) string
}

// UsageTracker records token accounting. Implemented by usage.Tracker.
type UsageTracker interface {
	Track(rec usage.Record)
}

// Orchestrator coordinates the core's subcomponents. It holds no mutable
// state of its own; everything shared lives in the components it references.
type Orchestrator struct {
	registry  *config.ModelRegistry
	clients   map[string]llm.Client
	limiters  *ratelimit.Limiters
	balancer  *balancer.Balancer
	tracker   *breaker.Tracker
	usage     UsageTracker
	knowledge ContextProvider

	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration

	fanoutModels []string

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Options tunes orchestrator behavior; zero values select defaults.
type Options struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// FanoutModels overrides the default model set for fan-out calls with
	// an empty model list.
	FanoutModels []string
}

// New wires the orchestrator. clients is keyed by physical model name.
// limiters, lb, usageTracker, and kb may be nil; the corresponding concern
// is then skipped (no limiting, identity mapping, no accounting, no RAG).
// tracker is required: the breaker gate is not optional.
func New(
	registry *config.ModelRegistry,
	clients map[string]llm.Client,
	limiters *ratelimit.Limiters,
	lb *balancer.Balancer,
	tracker *breaker.Tracker,
	usageTracker UsageTracker,
	kb ContextProvider,
	opts Options,
) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = defaultBackoffCap
	}
	if len(opts.FanoutModels) == 0 {
		opts.FanoutModels = config.DefaultFanoutModels()
	}
	if tracker == nil {
		tracker = breaker.NewTracker(breaker.DefaultConfig())
	}
	return &Orchestrator{
		registry:     registry,
		clients:      clients,
		limiters:     limiters,
		balancer:     lb,
		tracker:      tracker,
		usage:        usageTracker,
		knowledge:    kb,
		maxRetries:   opts.MaxRetries,
		backoffBase:  opts.BackoffBase,
		backoffCap:   opts.BackoffCap,
		fanoutModels: opts.FanoutModels,
		sleep:        sleepCtx,
		now:          time.Now,
	}
}

// Tracker exposes the performance tracker for stats surfaces.
func (o *Orchestrator) Tracker() *breaker.Tracker { return o.tracker }

// ChatRequest describes one chat call against a logical model.
type ChatRequest struct {
	// Model is the logical model name.
	Model string

	// Prompt plus optional SystemMessage builds a two-message conversation.
	Prompt        string
	SystemMessage string

	// Messages, when set, overrides Prompt/SystemMessage for multi-turn
	// conversations. The last user-role message is the RAG query source.
	Messages []llm.Message

	Temperature *float64
	MaxTokens   *int

	// Options carries provider-specific knobs passed through opaquely.
	Options map[string]any

	// UseKnowledgeBase injects retrieved context into the last user message
	// when a UserID is present.
	UseKnowledgeBase bool

	// Accounting dimensions; empty values stay unrecorded.
	UserID         string
	OrgID          string
	SessionID      string
	ConversationID string
	EndpointPath   string

	// SkipLoadBalancing dispatches to Model as a physical route directly.
	// Fan-out methods set this after pre-mapping so breaker and limiter
	// selection see the route they will actually use.
	SkipLoadBalancing bool

	// IncludeThinking surfaces reasoning chunks in streaming calls.
	IncludeThinking bool

	// streamType overrides the usage request type for streams spawned by
	// fan-out methods.
	streamType string
}

// route is one resolved dispatch target.
type route struct {
	logical  string
	physical string
	provider config.Provider
	client   llm.Client
	limiter  *ratelimit.Limiter
}

// resolve maps the request onto a physical route. No metrics are touched
// here: an unknown model must fail without polluting per-model state.
// premapped, when non-empty, is a physical model chosen earlier (fan-out
// pre-mapping); it bypasses the balancer but keeps the logical name for
// limiter selection.
func (o *Orchestrator) resolve(ctx context.Context, req *ChatRequest, premapped string) (*route, error) {
	logical := req.Model

	physical := premapped
	if physical == "" {
		physical = logical
		if !req.SkipLoadBalancing {
			physical = o.balancer.MapModel(ctx, logical)
		}
	}

	mc, err := o.registry.Get(physical)
	if err != nil {
		return nil, &llm.Error{Kind: llm.KindModelNotFound, Model: physical, Err: err}
	}
	client := o.clients[physical]
	if client == nil {
		return nil, &llm.Error{
			Kind:    llm.KindModelNotFound,
			Model:   physical,
			Message: "no client configured for model",
		}
	}

	r := &route{
		logical:  logical,
		physical: physical,
		provider: mc.Provider,
		client:   client,
	}
	if o.limiters != nil {
		r.limiter = o.limiters.ForModel(logical, physical, mc.Provider)
	}
	return r, nil
}

// validate rejects requests that must never reach a provider.
func (o *Orchestrator) validate(req *ChatRequest) error {
	if req.Model == "" {
		return &llm.Error{Kind: llm.KindValidation, Message: "model name is required"}
	}
	if len(req.Messages) == 0 && req.Prompt == "" {
		return &llm.Error{Kind: llm.KindValidation, Model: req.Model, Message: "empty prompt"}
	}
	for _, m := range req.Messages {
		if m.Role == "" {
			return &llm.Error{Kind: llm.KindValidation, Model: req.Model, Message: "message with empty role"}
		}
	}
	return nil
}

// buildMessages assembles the conversation and applies RAG injection once,
// before any dispatch attempt, so retries do not re-query the knowledge
// service.
func (o *Orchestrator) buildMessages(ctx context.Context, req *ChatRequest) []llm.Message {
	var messages []llm.Message
	if len(req.Messages) > 0 {
		messages = make([]llm.Message, len(req.Messages))
		copy(messages, req.Messages)
	} else {
		if req.SystemMessage != "" {
			messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: req.SystemMessage})
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Prompt})
	}

	if req.UseKnowledgeBase && req.UserID != "" && o.knowledge != nil {
		o.injectContext(ctx, req.UserID, messages)
	}
	return messages
}

// injectContext rewrites the last user-role message to carry retrieved
// context. Retrieval failures degrade to the original prompt.
func (o *Orchestrator) injectContext(ctx context.Context, userID string, messages []llm.Message) {
	idx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	query, ok := messages[idx].Content.(string)
	if !ok || query == "" {
		// Multimodal content passes through untouched.
		return
	}

	chunks, err := o.knowledge.FetchContext(ctx, userID, query)
	if err != nil || len(chunks) == 0 {
		return
	}
	block := o.knowledge.BuildContext(chunks)
	if block == "" {
		return
	}
	messages[idx].Content = knowledge.Augment(query, block)
}

// acquire gates on the breaker and takes the rate-limiter slot. On success
// the returned release func must be called exactly once after recording.
func (o *Orchestrator) acquire(ctx context.Context, r *route) (func(), error) {
	if !o.tracker.CanCall(r.physical) {
		return nil, &llm.Error{
			Kind:     llm.KindCircuitOpen,
			Provider: string(r.provider),
			Model:    r.physical,
			Message:  "circuit breaker is open",
		}
	}

	hold, err := r.limiter.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &llm.Error{
				Kind:     llm.KindCancelled,
				Provider: string(r.provider),
				Model:    r.physical,
				Err:      ctx.Err(),
			}
		}
		return nil, &llm.Error{
			Kind:     llm.KindTransport,
			Provider: string(r.provider),
			Model:    r.physical,
			Message:  "rate limiter acquisition failed",
			Err:      err,
		}
	}
	return hold.Release, nil
}

// record publishes the terminal outcome of one dispatch to the breaker,
// Prometheus, and provider telemetry, keyed by physical model.
func (o *Orchestrator) record(r *route, d time.Duration, err error) {
	outcome := breaker.OutcomeSuccess
	label := metrics.OutcomeSuccess
	errKind := ""

	if err != nil {
		if e, ok := llm.AsError(err); ok {
			errKind = string(e.Kind)
			if e.Kind == llm.KindCancelled {
				outcome = breaker.OutcomeCancelled
				label = metrics.OutcomeCancelled
			} else {
				outcome = breaker.OutcomeFailure
				label = metrics.OutcomeFailure
			}
		} else {
			errKind = "unknown"
			outcome = breaker.OutcomeFailure
			label = metrics.OutcomeFailure
		}
	}

	o.tracker.Record(r.physical, d, outcome, errKind)
	metrics.ObserveRequest(r.physical, string(r.provider), label, d)
	o.balancer.RecordProviderMetrics(r.provider, err == nil, d, errKind)
}

// trackUsage queues one accounting record; nil trackers and failed calls
// with no usage still record the attempt dimensions.
func (o *Orchestrator) trackUsage(req *ChatRequest, physical, requestType string, u llm.Usage, d time.Duration, err error) {
	if o.usage == nil {
		return
	}
	rec := usage.Record{
		ModelAlias:     physical,
		InputTokens:    u.InputTokens,
		OutputTokens:   u.OutputTokens,
		TotalTokens:    u.TotalTokens,
		RequestType:    requestType,
		UserID:         req.UserID,
		OrgID:          req.OrgID,
		SessionID:      req.SessionID,
		ConversationID: req.ConversationID,
		EndpointPath:   req.EndpointPath,
		ResponseTimeMS: d.Milliseconds(),
		Success:        err == nil,
		Timestamp:      o.now(),
	}
	if e, ok := llm.AsError(err); ok {
		rec.ErrorKind = string(e.Kind)
	}
	o.usage.Track(rec)
}

// backoff returns the delay before the given retry attempt (1-based),
// doubling from the base and honoring a provider-suggested wait when it is
// longer.
func (o *Orchestrator) backoff(attempt int, lastErr error) time.Duration {
	d := o.backoffBase << (attempt - 1)
	if d > o.backoffCap {
		d = o.backoffCap
	}
	if e, ok := llm.AsError(lastErr); ok && e.RetryAfter > d {
		d = e.RetryAfter
		if d > o.backoffCap {
			d = o.backoffCap
		}
	}
	return d
}

// retryable reports whether the orchestrator may retry after err.
// CircuitOpen and Cancelled are never retried.
func retryable(err error) bool {
	return llm.IsRetryable(err)
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

// aggregateError summarizes an all-failed fan-out.
func aggregateError(models []string, lastErr error) error {
	return fmt.Errorf("all %d models failed, last error: %w", len(models), lastErr)
}
