package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/telequery/internal/agent"
	"github.com/matheus3301/telequery/internal/expand"
	"github.com/matheus3301/telequery/internal/indexer"
	"google.golang.org/protobuf/types/known/structpb"
)

func stringField(s *structpb.Struct, key string) string {
	return strings.TrimSpace(s.GetFields()[key].GetStringValue())
}

func boolField(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func intField(s *structpb.Struct, key string) int {
	return int(s.GetFields()[key].GetNumberValue())
}

// QueryRequest is the decoded form of a Query call.
type QueryRequest struct {
	Question string
	UserID   string
	ChatID   string
	From     time.Time // zero means unbounded
	To       time.Time // zero means unbounded
	Debug    bool
}

// Struct encodes r for the wire.
func (r QueryRequest) Struct() (*structpb.Struct, error) {
	m := map[string]any{
		"question": r.Question,
		"user_id":  r.UserID,
		"debug":    r.Debug,
	}
	if r.ChatID != "" {
		m["chat_id"] = r.ChatID
	}
	if !r.From.IsZero() {
		m["from"] = r.From.UTC().Format(time.RFC3339Nano)
	}
	if !r.To.IsZero() {
		m["to"] = r.To.UTC().Format(time.RFC3339Nano)
	}
	return structpb.NewStruct(m)
}

func decodeQueryRequest(s *structpb.Struct) (QueryRequest, error) {
	req := QueryRequest{
		Question: stringField(s, "question"),
		UserID:   stringField(s, "user_id"),
		ChatID:   stringField(s, "chat_id"),
		Debug:    boolField(s, "debug"),
	}
	var err error
	if req.From, err = timeField(s, "from"); err != nil {
		return req, err
	}
	if req.To, err = timeField(s, "to"); err != nil {
		return req, err
	}
	if !req.From.IsZero() && !req.To.IsZero() && req.To.Before(req.From) {
		return req, fmt.Errorf("to %s is before from %s", req.To.Format(time.RFC3339), req.From.Format(time.RFC3339))
	}
	return req, nil
}

// timeField parses an optional RFC 3339 field. A missing field is the zero time.
func timeField(s *structpb.Struct, key string) (time.Time, error) {
	v := stringField(s, key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return t, nil
}

func encodeResponse(resp agent.Response) (*structpb.Struct, error) {
	sources := make([]any, len(resp.SourceMessages))
	for i, src := range resp.SourceMessages {
		m := map[string]any{
			"message_id": src.MessageID,
			"sender":     src.Sender,
			"timestamp":  src.Timestamp.UTC().Format(time.RFC3339),
			"text":       src.Text,
		}
		if src.RelevanceScore != nil {
			m["relevance_score"] = *src.RelevanceScore
			m["expanded_text"] = src.ExpandedText
		}
		sources[i] = m
	}
	out := map[string]any{
		"request_id":      resp.RequestID,
		"answer_text":     resp.AnswerText,
		"source_messages": sources,
		"status":          resp.Status,
	}
	if resp.RewrittenQuery != "" {
		out["rewritten_query"] = resp.RewrittenQuery
	}
	return structpb.NewStruct(out)
}

func encodeStats(s expand.Stats) map[string]any {
	return map[string]any{
		"total_messages":        s.Total,
		"expanded_messages":     s.Expanded,
		"pending_messages":      s.Pending,
		"completion_percentage": s.CompletionPercentage,
	}
}

func encodeRun(r expand.RunResult) map[string]any {
	return map[string]any{
		"pending":        r.Pending,
		"batches":        r.Batches,
		"failed_batches": r.FailedBatches,
		"saved":          r.Saved,
		"duration_ms":    r.Duration.Milliseconds(),
	}
}

func encodeIndex(r indexer.Result) map[string]any {
	return map[string]any{
		"indexed":     r.Indexed,
		"expanded":    r.Expanded,
		"duration_ms": r.Duration.Milliseconds(),
	}
}
