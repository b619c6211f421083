package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/drawmind/modelmux/pkg/llm"
	"github.com/drawmind/modelmux/pkg/usage"
)

// Chat sends one conversation and returns the assistant's content. Usage is
// recorded against the chat request type.
func (o *Orchestrator) Chat(ctx context.Context, req *ChatRequest) (string, error) {
	resp, r, d, err := o.doChat(ctx, req, "")
	if r != nil {
		var u llm.Usage
		if resp != nil {
			u = resp.Usage
		}
		o.trackUsage(req, r.physical, usage.RequestTypeChat, u, d, err)
	}
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// ChatWithUsage is Chat returning the normalized usage so the caller can
// account tokens against a dimension the orchestrator does not know (e.g.
// diagram type). The caller owns usage tracking for this variant.
func (o *Orchestrator) ChatWithUsage(ctx context.Context, req *ChatRequest) (string, llm.Usage, error) {
	resp, _, _, err := o.doChat(ctx, req, "")
	if err != nil {
		return "", llm.Usage{}, err
	}
	return resp.Content, resp.Usage, nil
}

// doChat runs the full dispatch envelope with retries for one blocking
// completion. premapped carries a fan-out pre-mapped physical model, empty
// otherwise. The returned route and duration describe the last attempt.
func (o *Orchestrator) doChat(ctx context.Context, req *ChatRequest, premapped string) (*llm.Response, *route, time.Duration, error) {
	if err := o.validate(req); err != nil {
		return nil, nil, 0, err
	}
	messages := o.buildMessages(ctx, req)

	var (
		lastErr   error
		lastRoute *route
		lastDur   time.Duration
	)
	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		if attempt > 1 {
			delay := o.backoff(attempt-1, lastErr)
			slog.Debug("Retrying chat call",
				"model", req.Model, "attempt", attempt, "delay", delay)
			if err := o.sleep(ctx, delay); err != nil {
				return nil, lastRoute, lastDur, &llm.Error{
					Kind:  llm.KindCancelled,
					Model: req.Model,
					Err:   err,
				}
			}
		}

		resp, r, d, err := o.attemptChat(ctx, req, premapped, messages)
		if r != nil {
			lastRoute, lastDur = r, d
		}
		if err == nil {
			return resp, r, d, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, lastRoute, lastDur, err
		}
		slog.Warn("Chat call failed",
			"model", req.Model, "attempt", attempt, "error", err)
	}
	return nil, lastRoute, lastDur, lastErr
}

// attemptChat is one pass through the envelope: map, gate, acquire, call,
// record, release. Each attempt is a fresh limiter acquisition.
func (o *Orchestrator) attemptChat(ctx context.Context, req *ChatRequest, premapped string, messages []llm.Message) (*llm.Response, *route, time.Duration, error) {
	r, err := o.resolve(ctx, req, premapped)
	if err != nil {
		return nil, nil, 0, err
	}

	release, err := o.acquire(ctx, r)
	if err != nil {
		return nil, r, 0, err
	}
	defer release()

	start := o.now()
	resp, err := r.client.ChatCompletion(ctx, &llm.Request{
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Options:     req.Options,
	})
	d := o.now().Sub(start)

	o.record(r, d, err)
	if err != nil {
		return nil, r, d, err
	}
	return resp, r, d, nil
}

// ChatStream streams the assistant's answer as plain content strings. The
// channel closes when the stream ends. Failures after the first token
// surface as a truncated stream (still logged and recorded); use
// ChatStreamChunks when errors and usage must be observed explicitly.
func (o *Orchestrator) ChatStream(ctx context.Context, req *ChatRequest) (<-chan string, error) {
	chunks, err := o.ChatStreamChunks(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		for chunk := range chunks {
			if tok, ok := chunk.(*llm.TokenChunk); ok {
				select {
				case out <- tok.Content:
				case <-ctx.Done():
					// Keep draining so the producer can finish recording.
				}
			}
		}
	}()
	return out, nil
}

// ChatStreamChunks streams structured chunks: TokenChunk (and ThinkingChunk
// when IncludeThinking is set), closing with a UsageChunk when the provider
// reported totals. An ErrorChunk, always last, signals a failed stream.
func (o *Orchestrator) ChatStreamChunks(ctx context.Context, req *ChatRequest) (<-chan llm.Chunk, error) {
	return o.chatStreamChunks(ctx, req, "")
}

func (o *Orchestrator) chatStreamChunks(ctx context.Context, req *ChatRequest, premapped string) (<-chan llm.Chunk, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}
	messages := o.buildMessages(ctx, req)

	// The retry loop covers the connection phase only. Once the provider
	// starts emitting, a mid-stream failure is surfaced, not retried: the
	// caller already consumed partial output.
	var lastErr error
	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		if attempt > 1 {
			delay := o.backoff(attempt-1, lastErr)
			slog.Debug("Retrying stream call",
				"model", req.Model, "attempt", attempt, "delay", delay)
			if err := o.sleep(ctx, delay); err != nil {
				return nil, &llm.Error{Kind: llm.KindCancelled, Model: req.Model, Err: err}
			}
		}

		out, err := o.attemptStream(ctx, req, premapped, messages)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		slog.Warn("Stream call failed to start",
			"model", req.Model, "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

func (o *Orchestrator) attemptStream(ctx context.Context, req *ChatRequest, premapped string, messages []llm.Message) (<-chan llm.Chunk, error) {
	r, err := o.resolve(ctx, req, premapped)
	if err != nil {
		return nil, err
	}

	release, err := o.acquire(ctx, r)
	if err != nil {
		return nil, err
	}

	start := o.now()
	inner, err := r.client.StreamChatCompletion(ctx, &llm.Request{
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Options:     req.Options,
	})
	if err != nil {
		d := o.now().Sub(start)
		o.record(r, d, err)
		release()
		return nil, err
	}

	out := make(chan llm.Chunk, 64)
	go o.pumpStream(ctx, req, r, inner, out, start, release)
	return out, nil
}

// pumpStream forwards provider chunks to the caller, applying the thinking
// filter, and settles all bookkeeping when the stream ends: breaker and
// provider metrics, usage accounting, limiter release.
func (o *Orchestrator) pumpStream(ctx context.Context, req *ChatRequest, r *route, inner <-chan llm.Chunk, out chan<- llm.Chunk, start time.Time, release func()) {
	defer close(out)
	defer release()

	var (
		streamErr *llm.Error
		totals    llm.Usage
		gotUsage  bool
	)

	forward := func(chunk llm.Chunk) {
		select {
		case out <- chunk:
		case <-ctx.Done():
			// Caller is gone; keep consuming inner so the provider
			// goroutine can close and bookkeeping below still runs.
		}
	}

	for chunk := range inner {
		switch c := chunk.(type) {
		case *llm.TokenChunk:
			forward(c)
		case *llm.ThinkingChunk:
			if req.IncludeThinking {
				forward(c)
			}
		case *llm.UsageChunk:
			totals = c.Usage
			gotUsage = true
		case *llm.ErrorChunk:
			streamErr = c.Err
		}
	}

	d := o.now().Sub(start)
	var err error
	if streamErr != nil {
		err = streamErr
	}
	requestType := usage.RequestTypeChatStream
	if req.streamType != "" {
		requestType = req.streamType
	}
	o.record(r, d, err)
	o.trackUsage(req, r.physical, requestType, totals, d, err)

	// Terminal chunks, in contract order: usage, then the error if any.
	if gotUsage && streamErr == nil {
		forward(&llm.UsageChunk{Usage: totals})
	}
	if streamErr != nil {
		forward(&llm.ErrorChunk{Err: streamErr})
	}
}
