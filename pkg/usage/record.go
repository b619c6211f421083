// Package usage buffers per-request token accounting in memory and flushes
// it to the durable store in batches, off the request path.
package usage

import "time"

// Request types recorded against usage rows.
const (
	RequestTypeChat        = "chat"
	RequestTypeChatStream  = "chat_stream"
	RequestTypeMulti       = "generate_multi"
	RequestTypeProgressive = "generate_progressive"
	RequestTypeStreamProg  = "stream_progressive"
	RequestTypeRace        = "generate_race"
	RequestTypeHealthCheck = "health_check"
)

// Record is one request's token accounting. Token counts are already
// normalized by the provider layer; optional dimensions stay empty when
// unknown.
type Record struct {
	ModelAlias     string
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	RequestType    string
	DiagramType    string
	UserID         string
	OrgID          string
	APIKeyID       string
	SessionID      string
	ConversationID string
	EndpointPath   string
	ResponseTimeMS int64
	Success        bool
	ErrorKind      string
	Timestamp      time.Time
}
