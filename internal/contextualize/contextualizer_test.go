package contextualize

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/matheus3301/telequery/internal/llm"
	"github.com/matheus3301/telequery/internal/store"
	"go.uber.org/zap"
)

type fakeMessages struct {
	msgs []store.Message
}

func (f *fakeMessages) ListBefore(_ context.Context, chatID string, beforeTs int64, limit int) ([]store.Message, error) {
	var out []store.Message
	for _, m := range f.msgs {
		if m.ChatID == chatID && m.Timestamp < beforeTs {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeMessages) GetByIDs(_ context.Context, ids []string) ([]store.Message, error) {
	var out []store.Message
	for _, m := range f.msgs {
		for _, id := range ids {
			if m.ID == id {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

type fakeExpansions struct {
	mu     sync.Mutex
	rows   map[string]string
	models map[string]string
	failOn string
}

func newFakeExpansions() *fakeExpansions {
	return &fakeExpansions{rows: map[string]string{}, models: map[string]string{}}
}

func (f *fakeExpansions) Put(_ context.Context, id, text, model string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.failOn {
		return false, errors.New("disk full")
	}
	if _, ok := f.rows[id]; ok {
		return false, nil
	}
	f.rows[id] = text
	f.models[id] = model
	return true, nil
}

type fakeCompleter struct {
	content string
	err     error
	reqs    []llm.Request
}

func (f *fakeCompleter) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Content: f.content, Model: "gpt-4o-mini"}, nil
}

func (f *fakeCompleter) Model() string { return "fallback-model" }

func conversation() []store.Message {
	return []store.Message{
		{ID: "c1", ChatID: "chat", SenderName: "Alice", Text: "anyone up for lunch tomorrow?", Timestamp: 1000},
		{ID: "c2", ChatID: "chat", SenderName: "Bob", Text: "where?", Timestamp: 2000},
		{ID: "other", ChatID: "elsewhere", SenderName: "Eve", Text: "unrelated", Timestamp: 2500},
		{ID: "b1", ChatID: "chat", SenderName: "Alice", Text: "the ramen place", Timestamp: 3000},
		{ID: "b2", ChatID: "chat", SenderName: "Bob", Text: "ok see u there", Timestamp: 4000},
	}
}

func newTestContextualizer(content string) (*Contextualizer, *fakeCompleter, *fakeExpansions) {
	comp := &fakeCompleter{content: content}
	exp := newFakeExpansions()
	c := New(&fakeMessages{msgs: conversation()}, exp, comp, Options{ContextWindow: 10, Temperature: 0.1}, zap.NewNop())
	return c, comp, exp
}

func batch() []store.Message {
	msgs := conversation()
	// Deliberately out of order.
	return []store.Message{msgs[4], msgs[3]}
}

func TestExpandBatchSavesRequestedIDs(t *testing.T) {
	c, comp, exp := newTestContextualizer(`{"expansions": [
		{"message_id": "b1", "original_text": "the ramen place", "expanded_text": "Alice suggests the ramen place for lunch tomorrow."},
		{"message_id": "b2", "original_text": "ok see u there", "expanded_text": "Bob agrees to meet Alice at the ramen place for lunch tomorrow."},
		{"message_id": "c1", "original_text": "x", "expanded_text": "context rows are never saved"},
		{"message_id": "invented", "original_text": "x", "expanded_text": "made up"}
	]}`)

	saved, err := c.ExpandBatch(context.Background(), batch())
	if err != nil {
		t.Fatal(err)
	}
	if saved != 2 {
		t.Errorf("saved = %d, want 2", saved)
	}
	want := map[string]string{
		"b1": "Alice suggests the ramen place for lunch tomorrow.",
		"b2": "Bob agrees to meet Alice at the ramen place for lunch tomorrow.",
	}
	if diff := cmp.Diff(want, exp.rows); diff != "" {
		t.Errorf("saved rows mismatch (-want +got):\n%s", diff)
	}
	if exp.models["b1"] != "gpt-4o-mini" {
		t.Errorf("model_used = %q, want response model", exp.models["b1"])
	}

	if len(comp.reqs) != 1 {
		t.Fatalf("completion calls = %d, want 1", len(comp.reqs))
	}
	req := comp.reqs[0]
	if !req.JSON || req.Temperature != 0.1 {
		t.Errorf("request = %+v, want JSON at temperature 0.1", req)
	}
	if req.System != systemPrompt {
		t.Errorf("system prompt = %q", req.System)
	}
}

func TestPromptOrdersContextThenBatch(t *testing.T) {
	c, comp, _ := newTestContextualizer(`{"expansions": []}`)
	if _, err := c.ExpandBatch(context.Background(), batch()); err != nil {
		t.Fatal(err)
	}
	prompt := comp.reqs[0].User

	order := []string{"message_id: c1\n", "message_id: c2\n", "message_id: b1\n", "message_id: b2\n"}
	last := -1
	for _, marker := range order {
		i := strings.Index(prompt, marker)
		if i < 0 {
			t.Fatalf("prompt missing %q", marker)
		}
		if i < last {
			t.Errorf("%q appears out of chronological order", marker)
		}
		last = i
	}
	if strings.Contains(prompt, "message_id: other") {
		t.Error("prompt contains a message from another chat")
	}
	if strings.Count(prompt, "message_id: b1\n") != 1 {
		t.Error("batch message rendered more than once")
	}
	if !strings.Contains(prompt, "author: Bob\noriginal_text: ok see u there\n---\n") {
		t.Error("prompt missing author/original_text block")
	}
	if !strings.Contains(prompt, "understood standalone: b1, b2") {
		t.Error("prompt missing list of ids to expand in timestamp order")
	}
}

func TestContextWindowLimit(t *testing.T) {
	comp := &fakeCompleter{content: `{"expansions": []}`}
	c := New(&fakeMessages{msgs: conversation()}, newFakeExpansions(), comp, Options{ContextWindow: 1}, nil)
	if _, err := c.ExpandBatch(context.Background(), batch()); err != nil {
		t.Fatal(err)
	}
	prompt := comp.reqs[0].User
	if strings.Contains(prompt, "message_id: c1\n") {
		t.Error("context window 1 included the older message c1")
	}
	if !strings.Contains(prompt, "message_id: c2\n") {
		t.Error("context window 1 missing the nearest message c2")
	}
}

func TestEmptyBatchNoModelCall(t *testing.T) {
	c, comp, _ := newTestContextualizer(`{}`)
	for _, b := range [][]store.Message{nil, {{ID: "x", ChatID: "chat", Text: "   ", Timestamp: 10}}} {
		saved, err := c.ExpandBatch(context.Background(), b)
		if err != nil || saved != 0 {
			t.Errorf("ExpandBatch() = %d, %v; want 0, nil", saved, err)
		}
	}
	if len(comp.reqs) != 0 {
		t.Errorf("completion calls = %d, want 0", len(comp.reqs))
	}
}

func TestMalformedJSONSavesNothing(t *testing.T) {
	c, _, exp := newTestContextualizer(`Sure! Here are the expansions: {"expansions": [`)
	saved, err := c.ExpandBatch(context.Background(), batch())
	if err == nil {
		t.Fatal("ExpandBatch() expected parse error")
	}
	if saved != 0 || len(exp.rows) != 0 {
		t.Errorf("saved = %d, rows = %v; want nothing persisted", saved, exp.rows)
	}
}

func TestModelErrorSavesNothing(t *testing.T) {
	c, comp, exp := newTestContextualizer("")
	comp.err = &llm.ProviderError{Provider: "openai", StatusCode: 500, Err: errors.New("overloaded")}

	saved, err := c.ExpandBatch(context.Background(), batch())
	var pe *llm.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("ExpandBatch() error = %v, want wrapped ProviderError", err)
	}
	if saved != 0 || len(exp.rows) != 0 {
		t.Errorf("saved = %d, rows = %v; want nothing persisted", saved, exp.rows)
	}
}

func TestBareArrayFencedAndNumericIDs(t *testing.T) {
	comp := &fakeCompleter{content: "```json\n[{\"message_id\": 42, \"expanded_text\": \"Dana confirms the deploy finished.\"}]\n```"}
	exp := newFakeExpansions()
	msgs := &fakeMessages{msgs: []store.Message{{ID: "42", ChatID: "ops", SenderName: "Dana", Text: "done", Timestamp: 100}}}
	c := New(msgs, exp, comp, Options{}, nil)

	saved, err := c.ExpandBatch(context.Background(), msgs.msgs)
	if err != nil {
		t.Fatal(err)
	}
	if saved != 1 || exp.rows["42"] != "Dana confirms the deploy finished." {
		t.Errorf("saved = %d, rows = %v", saved, exp.rows)
	}
}

func TestExistingAndFailingRowsSkipped(t *testing.T) {
	c, _, exp := newTestContextualizer(`{"expansions": [
		{"message_id": "b1", "expanded_text": "new b1"},
		{"message_id": "b2", "expanded_text": "new b2"},
		{"message_id": "b2", "expanded_text": "duplicate b2"}
	]}`)
	exp.rows["b1"] = "already there"
	exp.failOn = "b2"

	saved, err := c.ExpandBatch(context.Background(), batch())
	if err != nil {
		t.Fatal(err)
	}
	if saved != 0 {
		t.Errorf("saved = %d, want 0", saved)
	}
	if exp.rows["b1"] != "already there" {
		t.Errorf("existing row overwritten: %q", exp.rows["b1"])
	}
}

func TestEmptyExpandedTextSkipped(t *testing.T) {
	c, _, exp := newTestContextualizer(`{"expansions": [{"message_id": "b1", "expanded_text": "  "}]}`)
	saved, err := c.ExpandBatch(context.Background(), batch())
	if err != nil {
		t.Fatal(err)
	}
	if saved != 0 || len(exp.rows) != 0 {
		t.Errorf("saved = %d, rows = %v; want none", saved, exp.rows)
	}
}

func TestExpandMessage(t *testing.T) {
	c, _, exp := newTestContextualizer(`{"expansions": [{"message_id": "b2", "expanded_text": "Bob will meet Alice at the ramen place."}]}`)
	saved, err := c.ExpandMessage(context.Background(), "b2")
	if err != nil {
		t.Fatal(err)
	}
	if saved != 1 || exp.rows["b2"] == "" {
		t.Errorf("saved = %d, rows = %v", saved, exp.rows)
	}

	if _, err := c.ExpandMessage(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ExpandMessage(nope) error = %v, want ErrNotFound", err)
	}
}

func TestParseExpansions(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int
		wantErr bool
	}{
		{"object", `{"expansions": [{"message_id": "a", "expanded_text": "x"}]}`, 1, false},
		{"array", `[{"message_id": "a", "expanded_text": "x"}]`, 1, false},
		{"empty object", `{}`, 0, false},
		{"fenced", "```\n{\"expansions\": []}\n```", 0, false},
		{"blank", "   ", 0, true},
		{"garbage", "not json", 0, true},
		{"bad id", `[{"message_id": true}]`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseExpansions(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseExpansions() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}
