// Package llm defines the provider client contract: a uniform adapter over
// OpenAI-compatible chat APIs with blocking and streaming calls, a tagged
// chunk taxonomy for streams, and a universal error taxonomy.
package llm

import "context"

// Client is the adapter interface one physical model's endpoint implements.
type Client interface {
	// ChatCompletion sends the conversation and blocks for the whole
	// response.
	ChatCompletion(ctx context.Context, req *Request) (*Response, error)

	// StreamChatCompletion sends the conversation and returns a stream of
	// chunks. A stream that fails to start returns the classified error
	// directly; once underway, failures are delivered as ErrorChunk values
	// in the channel, which is closed when the stream completes. The final
	// content-bearing stream always ends with a UsageChunk when the
	// provider reports totals.
	StreamChatCompletion(ctx context.Context, req *Request) (<-chan Chunk, error)

	// Close releases pooled connections.
	Close() error
}

// Message is one turn of a conversation. Content is a string for plain text
// or a provider-shaped parts list for multimodal input (image/video URLs),
// passed through opaquely.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is a normalized chat request. Options carries provider-specific
// knobs merged into the request body; core keys already set by the adapter
// are never overridden.
type Request struct {
	Messages    []Message
	Temperature *float64
	MaxTokens   *int
	Options     map[string]any
}

// Usage is the normalized token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is a complete blocking chat result. Thinking is the model's
// reasoning text when the provider returns it alongside the answer.
type Response struct {
	Content  string
	Thinking string
	Usage    Usage
}

// Chunk is one element of a streaming response.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeToken    ChunkType = "token"
	ChunkTypeThinking ChunkType = "thinking"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeError    ChunkType = "error"
)

// TokenChunk is a delta of answer content.
type TokenChunk struct{ Content string }

// ThinkingChunk is a delta of the model's reasoning stream.
type ThinkingChunk struct{ Content string }

// UsageChunk reports token consumption; always the last content chunk of a
// stream when the provider emits totals.
type UsageChunk struct{ Usage Usage }

// ErrorChunk signals a failure after the stream started.
type ErrorChunk struct{ Err *Error }

func (c *TokenChunk) chunkType() ChunkType    { return ChunkTypeToken }
func (c *ThinkingChunk) chunkType() ChunkType { return ChunkTypeThinking }
func (c *UsageChunk) chunkType() ChunkType    { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType    { return ChunkTypeError }

// Type exposes the chunk tag for callers outside the package.
func Type(c Chunk) ChunkType { return c.chunkType() }
