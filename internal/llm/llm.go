// Package llm is the text completion capability: a system and user prompt go
// in and generated text comes out. Providers are thin adapters over the
// vendor SDKs.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Request is one completion call.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
	// JSON asks the provider for a JSON object response when it supports it.
	JSON bool
}

// Usage reports token accounting when the provider returns it.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the generated text plus provider metadata.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Completer generates text from a prompt.
type Completer interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Model() string
}

// ProviderError wraps a failure reported by a provider API.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Config selects and configures a provider.
type Config struct {
	Provider string // openai, openai_compatible, anthropic
	Model    string
	APIKey   string
	BaseURL  string
}

const defaultMaxTokens = 4096

// New builds the Completer for cfg.Provider.
func New(cfg Config) (Completer, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("missing model")
	}
	switch provider {
	case "openai", "openai_compatible":
		return newOpenAI(provider, cfg), nil
	case "anthropic":
		return newAnthropic(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", cfg.Provider)
	}
}
