// Package embedding turns text into vectors for the vector index.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Embedder generates embeddings.
type Embedder interface {
	// Embed embeds a search query.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds indexed documents, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

// Config selects and configures an embedding provider.
type Config struct {
	Provider string // openai, genai
	Model    string
	APIKey   string
	BaseURL  string
	TaskType string // genai only
}

// New builds the Embedder for cfg.Provider.
func New(ctx context.Context, cfg Config) (Embedder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("missing embedding api key")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai", "":
		return NewOpenAI(cfg), nil
	case "genai", "gemini":
		return NewGenAI(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Provider)
	}
}
