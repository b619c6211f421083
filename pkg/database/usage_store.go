package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/drawmind/modelmux/pkg/usage"
)

// usageColumns matches the token_usage table; the insert builder below relies
// on this order.
const usageColumns = "model_alias, input_tokens, output_tokens, total_tokens, request_type, " +
	"diagram_type, user_id, org_id, api_key_id, session_id, conversation_id, endpoint_path, " +
	"response_time_ms, success, error_kind, created_at"

const usageColumnCount = 16

// UsageStore persists token usage batches produced by the usage tracker.
type UsageStore struct {
	client *Client
}

// NewUsageStore creates a usage store backed by the given database client.
func NewUsageStore(client *Client) *UsageStore {
	return &UsageStore{client: client}
}

var _ usage.Store = (*UsageStore)(nil)

// InsertUsageBatch writes all records in a single multi-row INSERT. The batch
// sizes used by the tracker stay far below the Postgres parameter limit.
func (s *UsageStore) InsertUsageBatch(ctx context.Context, records []usage.Record) error {
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO token_usage (")
	sb.WriteString(usageColumns)
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(records)*usageColumnCount)
	for i, r := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(valuesPlaceholder(i*usageColumnCount, usageColumnCount))
		args = append(args,
			r.ModelAlias,
			r.InputTokens,
			r.OutputTokens,
			r.TotalTokens,
			string(r.RequestType),
			nullIfEmpty(r.DiagramType),
			nullIfEmpty(r.UserID),
			nullIfEmpty(r.OrgID),
			nullIfEmpty(r.APIKeyID),
			nullIfEmpty(r.SessionID),
			nullIfEmpty(r.ConversationID),
			nullIfEmpty(r.EndpointPath),
			r.ResponseTimeMS,
			r.Success,
			nullIfEmpty(r.ErrorKind),
			r.Timestamp,
		)
	}

	if _, err := s.client.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert usage batch of %d: %w", len(records), err)
	}
	return nil
}

// valuesPlaceholder renders "($1, $2, ...)" starting after offset parameters.
func valuesPlaceholder(offset, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", offset+i+1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
