package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// streamFrame is one SSE data payload. Reasoning models put their thinking
// in delta.reasoning_content; usage arrives in a trailing frame with empty
// choices when stream_options.include_usage is set.
type streamFrame struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usagePayload `json:"usage"`
}

type streamParams struct {
	provider string
	model    string
	// idle cuts the stream when no frame arrives for this long. Streams
	// have no overall deadline, only this liveness bound.
	idle time.Duration
}

// decodeStream reads "data:" SSE frames from body until [DONE] or EOF,
// emitting TokenChunk/ThinkingChunk deltas as they arrive and holding the
// usage totals back so UsageChunk is always the final chunk. send reports
// false when the consumer is gone; decoding stops immediately.
//
// An idle watchdog closes body when the provider stalls; the resulting read
// error is reported as a Timeout.
func decodeStream(ctx context.Context, body io.ReadCloser, p streamParams, send func(Chunk) bool) {
	var stalled atomic.Bool
	watchdog := time.AfterFunc(p.idle, func() {
		stalled.Store(true)
		body.Close()
	})
	defer watchdog.Stop()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)

	var usage *Usage
	emitUsage := func() {
		if usage != nil {
			send(&UsageChunk{Usage: *usage})
		}
	}

	for scanner.Scan() {
		watchdog.Reset(p.idle)

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// event:/id: fields are irrelevant to this dialect.
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			emitUsage()
			return
		}

		var frame streamFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			slog.Debug("Skipping malformed stream frame",
				"model", p.model, "error", err)
			continue
		}
		if frame.Usage != nil {
			u := frame.Usage.normalize()
			usage = &u
		}
		for _, choice := range frame.Choices {
			if choice.Delta.ReasoningContent != "" {
				if !send(&ThinkingChunk{Content: choice.Delta.ReasoningContent}) {
					return
				}
			}
			if choice.Delta.Content != "" {
				if !send(&TokenChunk{Content: choice.Delta.Content}) {
					return
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		switch {
		case ctx.Err() != nil:
			send(&ErrorChunk{Err: classifyTransport(p.provider, p.model, ctx.Err())})
		case stalled.Load():
			send(&ErrorChunk{Err: &Error{
				Kind:     KindTimeout,
				Provider: p.provider,
				Model:    p.model,
				Message:  fmt.Sprintf("no stream activity for %s", p.idle),
				Err:      err,
			}})
		default:
			send(&ErrorChunk{Err: classifyTransport(p.provider, p.model, err)})
		}
		return
	}

	// Clean EOF without [DONE]; some providers just close the stream.
	emitUsage()
}
