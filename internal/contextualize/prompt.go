package contextualize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/matheus3301/telequery/internal/store"
)

const systemPrompt = "You are an AI assistant that rewrites Telegram messages to include conversational context, making them standalone and searchable. Always respond with valid JSON."

// buildPrompt renders the conversation (context then batch) and the list of
// ids to expand.
func buildPrompt(context, batch []store.Message) string {
	var sb strings.Builder
	sb.WriteString("You are processing a chat chunk of Telegram messages to make them searchable. ")
	sb.WriteString("You will be given a conversation with multiple messages and need to expand specific messages ")
	sb.WriteString("to be self-contained by incorporating relevant context from the conversation.\n\n")
	sb.WriteString("Here is the chat chunk:\n\n")
	for _, group := range [][]store.Message{context, batch} {
		for _, m := range group {
			fmt.Fprintf(&sb, "message_id: %s\nauthor: %s\noriginal_text: %s\n---\n", m.ID, m.SenderName, m.Text)
		}
	}

	ids := make([]string, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	fmt.Fprintf(&sb, "\nExpand the following message IDs to include all necessary context so they can be understood standalone: %s\n\n", strings.Join(ids, ", "))

	sb.WriteString(`Rules:
1. Only use information from the provided conversation
2. Do not add new information or make assumptions
3. Keep the original message's intent and tone
4. Make it a complete, searchable sentence or paragraph
5. If a message is already self-contained, you may keep it mostly unchanged

Return your response as a JSON object with this exact structure:
{
  "expansions": [
    {
      "message_id": "exact_message_id_here",
      "original_text": "original message text",
      "expanded_text": "rewritten self-contained version"
    }
  ]
}

Only include expansions for the specified message IDs. Ensure the JSON is valid.
`)
	return sb.String()
}

// item is one element of the model's "expansions" array.
type item struct {
	MessageID    flexID `json:"message_id"`
	OriginalText string `json:"original_text"`
	ExpandedText string `json:"expanded_text"`
}

// flexID accepts a message id written as a JSON string or number.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("message_id: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("message_id: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

var errNoJSON = errors.New("response contains no JSON")

// parseExpansions decodes {"expansions":[...]} or a bare array. Markdown code
// fences around the JSON are tolerated.
func parseExpansions(content string) ([]item, error) {
	raw := strings.TrimSpace(stripFence(content))
	if raw == "" {
		return nil, errNoJSON
	}
	if strings.HasPrefix(raw, "[") {
		var items []item
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, fmt.Errorf("decode expansions array: %w", err)
		}
		return items, nil
	}
	var env struct {
		Expansions []item `json:"expansions"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decode expansions object: %w", err)
	}
	return env.Expansions, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
