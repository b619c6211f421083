// Package knowledge fetches RAG context from the external knowledge service
// and assembles it into prompt-ready blocks.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/drawmind/modelmux/pkg/config"
	"github.com/drawmind/modelmux/pkg/version"
)

// retryLogger adapts retryablehttp's LeveledLogger to slog. Retries are
// routine, so only warnings and errors surface.
type retryLogger struct{}

func (retryLogger) Error(msg string, kv ...any) { slog.Error("Knowledge service: "+msg, kv...) }
func (retryLogger) Warn(msg string, kv ...any)  { slog.Warn("Knowledge service: "+msg, kv...) }
func (retryLogger) Info(string, ...any)         {}
func (retryLogger) Debug(string, ...any)        {}

// ContextChunk is one retrieved passage.
type ContextChunk struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// Client talks to the knowledge service. A nil Client (or one built from an
// empty base URL) is valid and fetches nothing, so callers need no
// feature-flag plumbing.
type Client struct {
	http    *http.Client
	baseURL string
	topK    int
	maxLen  int
}

// NewClient builds the client, wrapping the shared settings in a retrying
// HTTP client. Returns nil when no service URL is configured.
func NewClient(cfg config.KnowledgeConfig) *Client {
	if cfg.BaseURL == "" {
		return nil
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.HTTPClient.Timeout = cfg.Timeout
	retryClient.Logger = retryLogger{}

	return &Client{
		http:    retryClient.StandardClient(),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		topK:    cfg.TopK,
		maxLen:  cfg.MaxContextLength,
	}
}

type searchRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
	TopK   int    `json:"top_k"`
}

type searchResponse struct {
	Chunks []ContextChunk `json:"chunks"`
}

// FetchContext retrieves the top-K passages for query scoped to the user's
// knowledge base.
func (c *Client) FetchContext(ctx context.Context, userID, query string) ([]ContextChunk, error) {
	if c == nil {
		return nil, nil
	}

	payload, err := json.Marshal(searchRequest{UserID: userID, Query: query, TopK: c.topK})
	if err != nil {
		return nil, fmt.Errorf("failed to encode context search: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/context/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build context search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Full())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("context search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("context search returned %d: %s", resp.StatusCode, string(body))
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode context search response: %w", err)
	}
	return result.Chunks, nil
}

// BuildContext renders chunks into a numbered reference block bounded by
// the configured maximum length. Chunks that would cross the bound are
// dropped whole; a truncated passage misleads more than a missing one.
func (c *Client) BuildContext(chunks []ContextChunk) string {
	if c == nil || len(chunks) == 0 {
		return ""
	}

	var b strings.Builder
	const header = "Reference material:\n"
	b.WriteString(header)

	wrote := 0
	for i, chunk := range chunks {
		entry := fmt.Sprintf("[%d] %s\n", i+1, strings.TrimSpace(chunk.Content))
		if b.Len()+len(entry) > c.maxLen {
			break
		}
		b.WriteString(entry)
		wrote++
	}
	if wrote == 0 {
		return ""
	}
	return b.String()
}

// Augment rewrites a user prompt to carry the retrieved context ahead of
// the original question.
func Augment(prompt, contextBlock string) string {
	if contextBlock == "" {
		return prompt
	}
	return contextBlock + "\nUser question: " + prompt
}
