package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/drawmind/modelmux/pkg/config"
	"github.com/drawmind/modelmux/pkg/version"
)

// defaultTimeout bounds one blocking completion. Diagram-sized prompts on
// reasoning models routinely run close to a minute.
const defaultTimeout = 70 * time.Second

// maxErrorBody caps how much of a provider error payload is read for
// classification.
const maxErrorBody = 64 << 10

// OpenAIClient adapts one physical model's OpenAI-compatible chat endpoint
// to the Client interface. Both Dashscope's compatible mode and Volcengine
// Ark speak this dialect.
type OpenAIClient struct {
	cfg    *config.ModelConfig
	apiKey string
	http   *http.Client
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient builds the adapter for model using the shared pooled HTTP
// client. A missing API key is not an error here; calls fail with
// AccessDenied so health checks can report the misconfiguration.
func NewOpenAIClient(cfg *config.ModelConfig, httpClient *http.Client) *OpenAIClient {
	return &OpenAIClient{
		cfg:    cfg,
		apiKey: os.Getenv(cfg.APIKeyEnv),
		http:   httpClient,
	}
}

// Close drops idle pooled connections.
func (c *OpenAIClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *OpenAIClient) timeout() time.Duration {
	if c.cfg.Timeout > 0 {
		return c.cfg.Timeout
	}
	return defaultTimeout
}

// buildBody assembles the request payload. Options entries are merged in
// last and never override keys the adapter already set.
func (c *OpenAIClient) buildBody(req *Request, stream bool) map[string]any {
	body := map[string]any{
		"model":    c.cfg.RequestModel,
		"messages": req.Messages,
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		body["max_tokens"] = *req.MaxTokens
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	for k, v := range req.Options {
		if _, taken := body[k]; !taken {
			body[k] = v
		}
	}
	return body
}

func (c *OpenAIClient) newRequest(ctx context.Context, body map[string]any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{
			Kind:     KindInvalidParameter,
			Provider: string(c.cfg.Provider),
			Model:    c.cfg.Name,
			Message:  "request body not serializable",
			Err:      err,
		}
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{
			Kind:     KindInvalidParameter,
			Provider: string(c.cfg.Provider),
			Model:    c.cfg.Name,
			Err:      err,
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("User-Agent", version.Full())
	return httpReq, nil
}

// chatResponse is the blocking completion payload. reasoning_content is the
// non-standard field reasoning models return alongside the answer.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage usagePayload `json:"usage"`
}

// usagePayload absorbs both token-count dialects providers use.
type usagePayload struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// normalize maps either dialect onto the canonical Usage. total is trusted
// when present, derived otherwise.
func (u usagePayload) normalize() Usage {
	in := u.PromptTokens
	if in == 0 {
		in = u.InputTokens
	}
	out := u.CompletionTokens
	if out == 0 {
		out = u.OutputTokens
	}
	total := u.TotalTokens
	if total == 0 {
		total = in + out
	}
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: total}
}

// ChatCompletion performs a blocking completion with the model's timeout.
func (c *OpenAIClient) ChatCompletion(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	httpReq, err := c.newRequest(ctx, c.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	if c.apiKey == "" {
		return nil, c.missingKeyError()
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(string(c.cfg.Provider), c.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, classifyHTTP(string(c.cfg.Provider), c.cfg.Name, resp.StatusCode,
			string(body), parseRetryAfter(resp.Header.Get("Retry-After")))
	}

	var payload chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &Error{
			Kind:     KindProvider,
			Provider: string(c.cfg.Provider),
			Model:    c.cfg.Name,
			Message:  "malformed response body",
			Err:      err,
		}
	}
	if len(payload.Choices) == 0 || strings.TrimSpace(payload.Choices[0].Message.Content) == "" {
		return nil, &Error{
			Kind:     KindValidation,
			Provider: string(c.cfg.Provider),
			Model:    c.cfg.Name,
			Message:  "provider returned an empty completion",
		}
	}

	choice := payload.Choices[0]
	return &Response{
		Content:  choice.Message.Content,
		Thinking: choice.Message.ReasoningContent,
		Usage:    payload.Usage.normalize(),
	}, nil
}

// StreamChatCompletion performs a streaming completion. The connection
// phase (request and status check) runs synchronously so a stream that
// never starts returns a classified error the caller can retry; only frame
// decoding happens behind the channel. The channel is closed when the
// stream ends; a UsageChunk is the final content chunk when the provider
// reported totals. There is no overall deadline; a stalled stream is cut by
// the idle watchdog instead.
func (c *OpenAIClient) StreamChatCompletion(ctx context.Context, req *Request) (<-chan Chunk, error) {
	httpReq, err := c.newRequest(ctx, c.buildBody(req, true))
	if err != nil {
		return nil, err
	}
	if c.apiKey == "" {
		return nil, c.missingKeyError()
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(string(c.cfg.Provider), c.cfg.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, classifyHTTP(string(c.cfg.Provider), c.cfg.Name, resp.StatusCode,
			string(body), parseRetryAfter(resp.Header.Get("Retry-After")))
	}

	chunks := make(chan Chunk, 100)
	go c.stream(ctx, resp, chunks)
	return chunks, nil
}

func (c *OpenAIClient) stream(ctx context.Context, resp *http.Response, chunks chan<- Chunk) {
	defer close(chunks)
	defer resp.Body.Close()

	// Buffered fast path first: terminal chunks (usage, the cancellation
	// error itself) must still land when ctx is already done.
	send := func(chunk Chunk) bool {
		select {
		case chunks <- chunk:
			return true
		default:
		}
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	decodeStream(ctx, resp.Body, streamParams{
		provider: string(c.cfg.Provider),
		model:    c.cfg.Name,
		idle:     c.timeout(),
	}, send)
}

func (c *OpenAIClient) missingKeyError() *Error {
	return &Error{
		Kind:     KindAccessDenied,
		Provider: string(c.cfg.Provider),
		Model:    c.cfg.Name,
		Message:  fmt.Sprintf("API key env %s is not set", c.cfg.APIKeyEnv),
	}
}
