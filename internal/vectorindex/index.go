// Package vectorindex stores one embedding per message with metadata and
// answers nearest-neighbour queries by cosine distance.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/matheus3301/telequery/internal/embedding"
)

// Metadata keys written by the indexer.
const (
	MetaChatID     = "chat_id"
	MetaSenderID   = "sender_id"
	MetaSenderName = "sender_name"
	MetaTimestamp  = "timestamp"
)

// ErrDimensionMismatch is returned when an embedding does not match the
// dimensionality of the stored collection.
var ErrDimensionMismatch = errors.New("vectorindex: embedding dimension mismatch")

// Entry is one indexed message. Embedding may be left nil, in which case
// the index embeds Document itself.
type Entry struct {
	ID        string
	Document  string
	Metadata  map[string]string
	Embedding []float32
}

// Hit is a query result. Distance is the cosine distance in [0, 2].
type Hit struct {
	ID       string
	Document string
	Metadata map[string]string
	Distance float64
}

// Query describes a nearest-neighbour lookup.
type Query struct {
	Text             string
	TopK             int
	Filter           map[string]string // exact match on metadata values
	IncludeDocuments bool
}

// Index is a vector collection.
type Index interface {
	Upsert(ctx context.Context, e Entry) error
	UpsertBatch(ctx context.Context, entries []Entry) error
	// Replace swaps the whole collection for entries in one step.
	Replace(ctx context.Context, entries []Entry) error
	Query(ctx context.Context, q Query) ([]Hit, error)
	Reset(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Config selects a backend.
type Config struct {
	Backend string // sqlite, memory
	Path    string // sqlite only
}

// New builds the Index for cfg.Backend.
func New(cfg Config, embedder embedding.Embedder) (Index, error) {
	if embedder == nil {
		return nil, errors.New("vectorindex: nil embedder")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "sqlite", "":
		return OpenSQLite(cfg.Path, embedder)
	case "memory":
		return NewMemory(embedder), nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", cfg.Backend)
	}
}

// embedMissing fills in the embedding of entries that have none.
func embedMissing(ctx context.Context, embedder embedding.Embedder, entries []Entry) error {
	var (
		idx   []int
		texts []string
	)
	for i := range entries {
		if entries[i].Embedding == nil {
			idx = append(idx, i)
			texts = append(texts, entries[i].Document)
		}
	}
	if len(texts) == 0 {
		return nil
	}
	vecs, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed documents: %w", err)
	}
	if len(vecs) != len(texts) {
		return fmt.Errorf("embed documents: got %d vectors for %d documents", len(vecs), len(texts))
	}
	for j, i := range idx {
		entries[i].Embedding = vecs[j]
	}
	return nil
}

// CosineDistance returns 1 - cosine similarity. A zero vector is at
// distance 1 from everything.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

func matches(meta, filter map[string]string) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}
