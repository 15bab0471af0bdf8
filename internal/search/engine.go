// Package search turns a natural-language question into a ranked,
// deduplicated set of source messages.
package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/telequery/internal/llm"
	"github.com/matheus3301/telequery/internal/logging"
	"github.com/matheus3301/telequery/internal/store"
	"github.com/matheus3301/telequery/internal/tracing"
	"github.com/matheus3301/telequery/internal/vectorindex"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Defaults for Options fields left unset.
const (
	DefaultMaxDistance = 0.75
	DefaultTopK        = 100
)

// Index is the query side of the vector index.
type Index interface {
	Query(ctx context.Context, q vectorindex.Query) ([]vectorindex.Hit, error)
}

// MessageStore hydrates ids into messages. Order of the result is not
// significant.
type MessageStore interface {
	GetByIDs(ctx context.Context, ids []string) ([]store.Message, error)
}

// ExpansionStore looks up cached expansions for debug output.
type ExpansionStore interface {
	GetMany(ctx context.Context, ids []string) (map[string]string, error)
}

// Options tunes retrieval.
type Options struct {
	MaxDistance  *float64 // nil means DefaultMaxDistance; 0 keeps exact matches only
	TopK         int
	RewriteQuery bool
}

// Request is one search.
type Request struct {
	Query    string
	ChatID   string    // optional chat filter
	SenderID string    // optional sender filter
	From     time.Time // inclusive; zero means unbounded
	To       time.Time // inclusive; zero means unbounded
	Debug    bool
}

// InRange reports whether t falls within the request's time range.
func (r Request) InRange(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Hit is a hydrated result. ExpandedText is only set in debug mode.
type Hit struct {
	Message      store.Message
	Score        float64 // 1 - cosine distance
	ExpandedText string
}

// Result holds hits in relevance order.
type Result struct {
	Query          string
	RewrittenQuery string
	Hits           []Hit
}

// Engine runs the search pipeline.
type Engine struct {
	index      Index
	messages   MessageStore
	expansions ExpansionStore
	rewriter   llm.Completer
	opts       Options
	maxDist    float64
	logger     *zap.Logger
}

// New creates an engine. rewriter may be nil, which disables query rewriting.
func New(index Index, messages MessageStore, expansions ExpansionStore, rewriter llm.Completer, opts Options, logger *zap.Logger) *Engine {
	maxDist := DefaultMaxDistance
	if opts.MaxDistance != nil {
		maxDist = *opts.MaxDistance
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	return &Engine{
		index:      index,
		messages:   messages,
		expansions: expansions,
		rewriter:   rewriter,
		opts:       opts,
		maxDist:    maxDist,
		logger:     logging.OrNop(logger),
	}
}

// Search rewrites the query, queries the index, drops candidates farther
// than MaxDistance, and hydrates the survivors in index order, keeping
// only messages inside the request's time range. An index
// failure yields an empty result rather than an error.
func (e *Engine) Search(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := tracing.Start(ctx, "search.search",
		attribute.Bool("search.debug", req.Debug),
		attribute.String("search.chat_id", req.ChatID),
	)
	defer func() {
		span.SetAttributes(attribute.Int("search.hits", len(res.Hits)))
		tracing.End(span, err)
	}()

	res.Query = req.Query
	res.RewrittenQuery = e.rewrite(ctx, req.Query)

	filter := map[string]string{}
	if req.ChatID != "" {
		filter[vectorindex.MetaChatID] = req.ChatID
	}
	if req.SenderID != "" {
		filter[vectorindex.MetaSenderID] = req.SenderID
	}
	candidates, err := e.index.Query(ctx, vectorindex.Query{
		Text:   res.RewrittenQuery,
		TopK:   e.opts.TopK,
		Filter: filter,
	})
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		e.logger.Error("vector query failed", zap.String("query", res.RewrittenQuery), zap.Error(err))
		return res, nil
	}

	ranked := Filter(candidates, e.maxDist)
	if len(ranked) == 0 {
		return res, nil
	}

	ids := make([]string, len(ranked))
	for i, c := range ranked {
		ids[i] = c.ID
	}
	msgs, err := e.messages.GetByIDs(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("hydrate messages: %w", err)
	}
	byID := make(map[string]store.Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}

	var expanded map[string]string
	if req.Debug && e.expansions != nil {
		expanded, err = e.expansions.GetMany(ctx, ids)
		if err != nil {
			return res, fmt.Errorf("load expansions: %w", err)
		}
	}

	res.Hits = make([]Hit, 0, len(ranked))
	for _, c := range ranked {
		m, ok := byID[c.ID]
		if !ok {
			e.logger.Debug("indexed message missing from store", zap.String("message_id", c.ID))
			continue
		}
		if !req.InRange(m.Time()) {
			continue
		}
		h := Hit{Message: m, Score: 1 - c.Distance}
		if req.Debug {
			h.ExpandedText = expanded[c.ID]
		}
		res.Hits = append(res.Hits, h)
	}
	return res, nil
}

// Filter keeps candidates with distance <= maxDistance, in input order,
// keeping the first occurrence of each id.
func Filter(candidates []vectorindex.Hit, maxDistance float64) []vectorindex.Hit {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]vectorindex.Hit, 0, len(candidates))
	for _, c := range candidates {
		if c.Distance > maxDistance {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}

const rewriteSystemPrompt = `You rewrite search queries for semantic search over Telegram chat messages.
Expand abbreviations and slang, add close synonyms, and surface the concepts the question implies.
Keep the original language and intent. Reply with only the rewritten query, no explanation.`

// rewrite returns the model's rewrite of query, or query itself when
// rewriting is disabled, fails, or comes back empty.
func (e *Engine) rewrite(ctx context.Context, query string) string {
	if !e.opts.RewriteQuery || e.rewriter == nil || strings.TrimSpace(query) == "" {
		return query
	}
	ctx, span := tracing.Start(ctx, "search.rewrite")
	resp, err := e.rewriter.Generate(ctx, llm.Request{
		System:      rewriteSystemPrompt,
		User:        query,
		Temperature: 0.3,
		MaxTokens:   256,
	})
	tracing.End(span, err)
	if err != nil {
		e.logger.Warn("query rewrite failed, using original query", zap.Error(err))
		return query
	}
	rewritten := strings.TrimSpace(resp.Content)
	if rewritten == "" {
		return query
	}
	return rewritten
}
