// Package indexer rebuilds the vector index from the message and expansion
// stores.
package indexer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/matheus3301/telequery/internal/bus"
	"github.com/matheus3301/telequery/internal/embedding"
	"github.com/matheus3301/telequery/internal/expansion"
	"github.com/matheus3301/telequery/internal/logging"
	"github.com/matheus3301/telequery/internal/store"
	"github.com/matheus3301/telequery/internal/tracing"
	"github.com/matheus3301/telequery/internal/vectorindex"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options tunes embedding fan-out during a rebuild.
type Options struct {
	BatchSize   int // documents per embedding request
	Concurrency int // embedding requests in flight
}

// Indexer owns full rebuilds of the vector index.
type Indexer struct {
	messages   *store.DB
	expansions *expansion.Store
	index      vectorindex.Index
	embedder   embedding.Embedder
	opts       Options
	bus        *bus.Bus
	logger     *zap.Logger
}

// New creates an indexer.
func New(messages *store.DB, expansions *expansion.Store, index vectorindex.Index, embedder embedding.Embedder, opts Options, b *bus.Bus, logger *zap.Logger) *Indexer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Indexer{
		messages:   messages,
		expansions: expansions,
		index:      index,
		embedder:   embedder,
		opts:       opts,
		bus:        b,
		logger:     logging.OrNop(logger),
	}
}

// Result summarizes a rebuild.
type Result struct {
	Indexed  int
	Expanded int // entries whose document came from an expansion
	Duration time.Duration
}

// Reindex replaces the whole index with one entry per message with text.
// The previous collection stays in place if any step fails.
func (ix *Indexer) Reindex(ctx context.Context) (res Result, err error) {
	ctx, span := tracing.Start(ctx, "indexer.reindex")
	defer func() { tracing.End(span, err) }()
	start := time.Now()

	msgs, err := ix.messages.ListWithText(ctx)
	if err != nil {
		return res, fmt.Errorf("list messages: %w", err)
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	expanded, err := ix.expansions.GetMany(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("load expansions: %w", err)
	}

	entries := make([]vectorindex.Entry, len(msgs))
	for i, m := range msgs {
		text, ok := expanded[m.ID]
		if ok {
			res.Expanded++
		}
		entries[i] = EntryFor(m, text)
	}

	if err := ix.embed(ctx, entries); err != nil {
		return res, err
	}
	if err := ix.index.Replace(ctx, entries); err != nil {
		return res, fmt.Errorf("replace index: %w", err)
	}

	expCount, err := ix.expansions.Count(ctx)
	if err != nil {
		return res, fmt.Errorf("count expansions: %w", err)
	}
	if err := ix.expansions.SetCheckpoint(ctx, expansion.CheckpointIndexedExpansions, strconv.FormatInt(expCount, 10)); err != nil {
		return res, fmt.Errorf("write checkpoint: %w", err)
	}
	if err := ix.expansions.SetCheckpoint(ctx, expansion.CheckpointIndexedMessages, strconv.Itoa(len(msgs))); err != nil {
		return res, fmt.Errorf("write checkpoint: %w", err)
	}

	res.Indexed = len(entries)
	res.Duration = time.Since(start)
	span.SetAttributes(attribute.Int("indexer.entries", res.Indexed), attribute.Int("indexer.expanded", res.Expanded))
	ix.logger.Info("vector index rebuilt",
		zap.Int("entries", res.Indexed),
		zap.Int("expanded", res.Expanded),
		zap.Duration("took", res.Duration),
	)
	ix.bus.Emit(bus.KindIndexRebuilt, res)
	return res, nil
}

func (ix *Indexer) embed(ctx context.Context, entries []vectorindex.Entry) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.opts.Concurrency)
	for start := 0; start < len(entries); start += ix.opts.BatchSize {
		chunk := entries[start:min(start+ix.opts.BatchSize, len(entries))]
		g.Go(func() error {
			texts := make([]string, len(chunk))
			for i := range chunk {
				texts[i] = chunk[i].Document
			}
			vecs, err := ix.embedder.EmbedBatch(gctx, texts)
			if err != nil {
				return fmt.Errorf("embed batch: %w", err)
			}
			if len(vecs) != len(chunk) {
				return fmt.Errorf("embed batch: got %d vectors for %d documents", len(vecs), len(chunk))
			}
			for i := range chunk {
				chunk[i].Embedding = vecs[i]
			}
			return nil
		})
	}
	return g.Wait()
}

// Stale reports whether the index is out of date with the stores: it has
// never been built, or the expansion or message count changed since.
func (ix *Indexer) Stale(ctx context.Context) (bool, error) {
	n, err := ix.index.Count(ctx)
	if err != nil {
		return false, err
	}
	msgCount, err := ix.messages.CountWithText(ctx)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return msgCount > 0, nil
	}
	expCount, err := ix.expansions.Count(ctx)
	if err != nil {
		return false, err
	}
	indexedExp, err := ix.expansions.Checkpoint(ctx, expansion.CheckpointIndexedExpansions)
	if err != nil {
		return false, err
	}
	indexedMsgs, err := ix.expansions.Checkpoint(ctx, expansion.CheckpointIndexedMessages)
	if err != nil {
		return false, err
	}
	return indexedExp != strconv.FormatInt(expCount, 10) || indexedMsgs != strconv.FormatInt(msgCount, 10), nil
}

// Document renders the searchable text for a message: the expansion when
// present, else the raw text, followed by sender and time lines.
func Document(m store.Message, expanded string) string {
	text := m.Text
	if expanded != "" {
		text = expanded
	}
	return fmt.Sprintf("%s\nSender: %s\nTime: %s", text, m.SenderName, m.Time().Format(time.RFC3339))
}

// EntryFor builds the index entry for a message.
func EntryFor(m store.Message, expanded string) vectorindex.Entry {
	return vectorindex.Entry{
		ID:       m.ID,
		Document: Document(m, expanded),
		Metadata: map[string]string{
			vectorindex.MetaChatID:     m.ChatID,
			vectorindex.MetaSenderID:   m.SenderID,
			vectorindex.MetaSenderName: m.SenderName,
			vectorindex.MetaTimestamp:  m.Time().Format(time.RFC3339),
		},
	}
}
