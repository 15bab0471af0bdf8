package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type captured struct {
	path string
	body map[string]any
}

func fakeServer(t *testing.T, status int, reply string, got *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if got != nil {
			got.path = r.URL.Path
			_ = json.Unmarshal(raw, &got.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

const openAIReply = `{
	"id": "resp_1",
	"object": "response",
	"created_at": 0,
	"model": "gpt-4o-mini",
	"status": "completed",
	"output": [{
		"type": "message",
		"id": "msg_1",
		"role": "assistant",
		"status": "completed",
		"content": [{"type": "output_text", "text": " rewritten query ", "annotations": []}]
	}],
	"usage": {
		"input_tokens": 12,
		"output_tokens": 3,
		"total_tokens": 15,
		"input_tokens_details": {"cached_tokens": 0},
		"output_tokens_details": {"reasoning_tokens": 0}
	}
}`

func TestOpenAIGenerate(t *testing.T) {
	var got captured
	srv := fakeServer(t, http.StatusOK, openAIReply, &got)

	c, err := New(Config{Provider: "openai", Model: "gpt-4o-mini", APIKey: "sk-test", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Generate(context.Background(), Request{
		System:      "be brief",
		User:        "hello",
		Temperature: 0.1,
		JSON:        true,
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Content != "rewritten query" {
		t.Errorf("Content = %q, want trimmed text", resp.Content)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 {
		t.Errorf("Usage = %+v", resp.Usage)
	}

	if !strings.HasSuffix(got.path, "/responses") {
		t.Errorf("path = %q, want .../responses", got.path)
	}
	if got.body["instructions"] != "be brief" {
		t.Errorf("instructions = %v", got.body["instructions"])
	}
	if got.body["input"] != "hello" {
		t.Errorf("input = %v", got.body["input"])
	}
	if got.body["temperature"] != 0.1 {
		t.Errorf("temperature = %v", got.body["temperature"])
	}
	text, _ := got.body["text"].(map[string]any)
	format, _ := text["format"].(map[string]any)
	if format["type"] != "json_object" {
		t.Errorf("text.format = %v, want json_object", text["format"])
	}
}

func TestOpenAIEmptyResponse(t *testing.T) {
	srv := fakeServer(t, http.StatusOK, `{"id":"r","object":"response","model":"m","status":"completed","output":[]}`, nil)

	c, err := New(Config{Provider: "openai_compatible", Model: "m", APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Generate(context.Background(), Request{User: "hi"})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("Generate() error = %v, want ErrEmptyResponse", err)
	}
}

func TestOpenAIProviderError(t *testing.T) {
	srv := fakeServer(t, http.StatusBadRequest, `{"error":{"message":"bad request","type":"invalid_request_error"}}`, nil)

	c, err := New(Config{Provider: "openai", Model: "m", APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Generate(context.Background(), Request{User: "hi"})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("Generate() error = %v, want *ProviderError", err)
	}
	if pe.StatusCode != http.StatusBadRequest || pe.Provider != "openai" {
		t.Errorf("ProviderError = %+v", pe)
	}
}

func TestAnthropicGenerate(t *testing.T) {
	var got captured
	srv := fakeServer(t, http.StatusOK, `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-3-5-haiku-latest",
		"content": [{"type": "text", "text": "{\"expansions\": []}"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 7, "output_tokens": 4}
	}`, &got)

	c, err := New(Config{Provider: "anthropic", Model: "claude-3-5-haiku-latest", APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Generate(context.Background(), Request{System: "expand", User: "msgs", Temperature: 0.1, JSON: true})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Content != `{"expansions": []}` {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Model != "claude-3-5-haiku-latest" || resp.Usage.OutputTokens != 4 {
		t.Errorf("Response = %+v", resp)
	}

	if !strings.HasSuffix(got.path, "/v1/messages") {
		t.Errorf("path = %q, want /v1/messages", got.path)
	}
	system, _ := got.body["system"].([]any)
	if len(system) != 1 {
		t.Fatalf("system = %v, want one block", got.body["system"])
	}
	block, _ := system[0].(map[string]any)
	if s, _ := block["text"].(string); !strings.Contains(s, "expand") || !strings.Contains(s, jsonOnlyInstruction) {
		t.Errorf("system text = %q, want prompt plus JSON instruction", s)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing key", Config{Provider: "openai", Model: "m"}},
		{"missing model", Config{Provider: "openai", APIKey: "k"}},
		{"unknown provider", Config{Provider: "mystery", Model: "m", APIKey: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Fatal("New() expected error")
			}
		})
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := error(&ProviderError{Provider: "openai", StatusCode: 500, Err: inner})
	if !errors.Is(err, inner) {
		t.Error("errors.Is(ProviderError, inner) = false")
	}
	if !strings.Contains(err.Error(), "status 500") {
		t.Errorf("Error() = %q", err.Error())
	}
}
