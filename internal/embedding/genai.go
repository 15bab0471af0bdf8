package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGenAIModel = "gemini-embedding-001"

// GenAI generates embeddings using Google's Gemini API.
type GenAI struct {
	client        *genai.Client
	model         string
	taskType      string // documents
	queryTaskType string // search queries
}

// NewGenAI creates a Gemini embedder.
func NewGenAI(ctx context.Context, cfg Config) (*GenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("genai api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimSpace(cfg.BaseURL)}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" || strings.HasPrefix(model, "text-embedding-3") {
		model = defaultGenAIModel
	}
	docTask := taskType(cfg.TaskType)
	return &GenAI{client: client, model: model, taskType: docTask, queryTaskType: queryTaskType(docTask)}, nil
}

// queryTaskType pairs a document task type with the one for the queries
// searched against it.
func queryTaskType(docTask string) string {
	if docTask == "RETRIEVAL_DOCUMENT" {
		return "RETRIEVAL_QUERY"
	}
	return docTask
}

func taskType(s string) string {
	switch s := strings.ToUpper(strings.TrimSpace(s)); s {
	case "SEMANTIC_SIMILARITY", "CLASSIFICATION", "CLUSTERING", "RETRIEVAL_DOCUMENT",
		"RETRIEVAL_QUERY", "QUESTION_ANSWERING", "FACT_VERIFICATION":
		return s
	default:
		return "SEMANTIC_SIMILARITY"
	}
}

// Embed generates the embedding of a search query.
func (e *GenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.embed(ctx, []string{text}, e.queryTaskType)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch generates document embeddings in one request.
func (e *GenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embed(ctx, texts, e.taskType)
}

func (e *GenAI) embed(ctx context.Context, texts []string, task string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: task,
	})
	if err != nil {
		return nil, fmt.Errorf("genai embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("genai embed: got %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

// Name returns the engine name.
func (e *GenAI) Name() string {
	return "genai:" + e.model
}
