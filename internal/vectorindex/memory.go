package vectorindex

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/matheus3301/telequery/internal/embedding"
)

// Memory is an in-process Index. Contents are lost on Close.
type Memory struct {
	embedder embedding.Embedder

	mu      sync.RWMutex
	dims    int
	entries map[string]Entry
}

// NewMemory creates an empty in-memory index.
func NewMemory(embedder embedding.Embedder) *Memory {
	return &Memory{embedder: embedder, entries: make(map[string]Entry)}
}

func (m *Memory) Upsert(ctx context.Context, e Entry) error {
	return m.UpsertBatch(ctx, []Entry{e})
}

func (m *Memory) UpsertBatch(ctx context.Context, entries []Entry) error {
	entries = cloneEntries(entries)
	if err := embedMissing(ctx, m.embedder, entries); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	dims := m.dims
	if len(m.entries) == 0 {
		dims = 0
	}
	if err := checkDims(&dims, entries); err != nil {
		return err
	}
	m.dims = dims
	for _, e := range entries {
		m.entries[e.ID] = e
	}
	return nil
}

func (m *Memory) Replace(ctx context.Context, entries []Entry) error {
	entries = cloneEntries(entries)
	if err := embedMissing(ctx, m.embedder, entries); err != nil {
		return err
	}
	dims := 0
	if err := checkDims(&dims, entries); err != nil {
		return err
	}

	next := make(map[string]Entry, len(entries))
	for _, e := range entries {
		next[e.ID] = e
	}
	m.mu.Lock()
	m.entries = next
	m.dims = dims
	m.mu.Unlock()
	return nil
}

func (m *Memory) Query(ctx context.Context, q Query) ([]Hit, error) {
	if q.TopK <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	empty := len(m.entries) == 0
	m.mu.RUnlock()
	if empty {
		return nil, nil
	}

	vec, err := m.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(vec) != m.dims {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(vec), m.dims)
	}

	hits := make([]Hit, 0, len(m.entries))
	for _, e := range m.entries {
		if !matches(e.Metadata, q.Filter) {
			continue
		}
		h := Hit{ID: e.ID, Metadata: maps.Clone(e.Metadata), Distance: CosineDistance(vec, e.Embedding)}
		if q.IncludeDocuments {
			h.Document = e.Document
		}
		hits = append(hits, h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]Entry)
	m.dims = 0
	return nil
}

func (m *Memory) Count(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries)), nil
}

func (m *Memory) Close() error { return nil }

func cloneEntries(in []Entry) []Entry {
	out := make([]Entry, len(in))
	copy(out, in)
	return out
}

// checkDims verifies every entry has the same dimension as *dims, setting it
// from the first entry when *dims is 0.
func checkDims(dims *int, entries []Entry) error {
	for _, e := range entries {
		if len(e.Embedding) == 0 {
			return fmt.Errorf("entry %q has an empty embedding", e.ID)
		}
		if *dims == 0 {
			*dims = len(e.Embedding)
		}
		if len(e.Embedding) != *dims {
			return fmt.Errorf("%w: entry %q has %d, want %d", ErrDimensionMismatch, e.ID, len(e.Embedding), *dims)
		}
	}
	return nil
}
