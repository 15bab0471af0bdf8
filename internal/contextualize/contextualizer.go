// Package contextualize rewrites batches of terse chat messages into
// self-contained statements using the surrounding conversation, and stores
// the results in the expansion cache.
package contextualize

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/matheus3301/telequery/internal/llm"
	"github.com/matheus3301/telequery/internal/logging"
	"github.com/matheus3301/telequery/internal/store"
	"github.com/matheus3301/telequery/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// MessageStore is the read side of the chat message database.
type MessageStore interface {
	ListBefore(ctx context.Context, chatID string, beforeTs int64, limit int) ([]store.Message, error)
	GetByIDs(ctx context.Context, ids []string) ([]store.Message, error)
}

// ExpansionWriter persists expansions, write-once per id.
type ExpansionWriter interface {
	Put(ctx context.Context, id, text, model string) (bool, error)
}

// Options tunes the expansion call.
type Options struct {
	ContextWindow int
	Temperature   float64
}

// Contextualizer expands message batches.
type Contextualizer struct {
	messages   MessageStore
	expansions ExpansionWriter
	completer  llm.Completer
	opts       Options
	logger     *zap.Logger
}

// New creates a contextualizer. A zero ContextWindow means 10.
func New(messages MessageStore, expansions ExpansionWriter, completer llm.Completer, opts Options, logger *zap.Logger) *Contextualizer {
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = 10
	}
	return &Contextualizer{
		messages:   messages,
		expansions: expansions,
		completer:  completer,
		opts:       opts,
		logger:     logging.OrNop(logger),
	}
}

// ExpandBatch asks the model to expand every message in batch that has text,
// saves the valid results, and returns how many rows were inserted. On a
// model or JSON error nothing is saved and the count is 0.
func (c *Contextualizer) ExpandBatch(ctx context.Context, batch []store.Message) (saved int, err error) {
	valid := make([]store.Message, 0, len(batch))
	for _, m := range batch {
		if m.HasText() {
			valid = append(valid, m)
		}
	}
	if len(valid) == 0 {
		return 0, nil
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Timestamp < valid[j].Timestamp })

	ctx, span := tracing.Start(ctx, "contextualize.expand_batch", attribute.Int("batch.size", len(valid)))
	defer func() {
		span.SetAttributes(attribute.Int("batch.saved", saved))
		tracing.End(span, err)
	}()

	convo, err := c.contextFor(ctx, valid[0])
	if err != nil {
		return 0, err
	}

	resp, err := c.completer.Generate(ctx, llm.Request{
		System:      systemPrompt,
		User:        buildPrompt(convo, valid),
		Temperature: c.opts.Temperature,
		JSON:        true,
	})
	if err != nil {
		return 0, fmt.Errorf("generate expansions: %w", err)
	}

	items, err := parseExpansions(resp.Content)
	if err != nil {
		c.logger.Warn("unparseable expansion response",
			zap.Error(err),
			zap.String("content", truncate(resp.Content, 500)),
		)
		return 0, fmt.Errorf("parse expansions: %w", err)
	}

	model := resp.Model
	if model == "" {
		model = c.completer.Model()
	}
	requested := make(map[string]struct{}, len(valid))
	for _, m := range valid {
		requested[m.ID] = struct{}{}
	}

	for _, it := range items {
		id := strings.TrimSpace(string(it.MessageID))
		if _, ok := requested[id]; !ok {
			c.logger.Debug("skipping expansion for unrequested id", zap.String("message_id", id))
			continue
		}
		text := strings.TrimSpace(it.ExpandedText)
		if text == "" {
			c.logger.Debug("skipping empty expansion", zap.String("message_id", id))
			continue
		}
		inserted, err := c.expansions.Put(ctx, id, text, model)
		if err != nil {
			if ctx.Err() != nil {
				return saved, ctx.Err()
			}
			c.logger.Error("failed to save expansion", zap.String("message_id", id), zap.Error(err))
			continue
		}
		if inserted {
			saved++
		}
		// Each id is saved at most once per batch even if the model repeats it.
		delete(requested, id)
	}
	return saved, nil
}

// ExpandMessage expands a single message by id.
func (c *Contextualizer) ExpandMessage(ctx context.Context, id string) (int, error) {
	msgs, err := c.messages.GetByIDs(ctx, []string{id})
	if err != nil {
		return 0, fmt.Errorf("load message: %w", err)
	}
	if len(msgs) == 0 {
		return 0, fmt.Errorf("message %q: %w", id, ErrNotFound)
	}
	return c.ExpandBatch(ctx, msgs)
}

// ErrNotFound is returned when a requested message does not exist.
var ErrNotFound = errors.New("message not found")

// contextFor returns up to ContextWindow messages sent before earliest in
// the same chat, oldest first.
func (c *Contextualizer) contextFor(ctx context.Context, earliest store.Message) ([]store.Message, error) {
	before, err := c.messages.ListBefore(ctx, earliest.ChatID, earliest.Timestamp, c.opts.ContextWindow)
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}
	for i, j := 0, len(before)-1; i < j; i, j = i+1, j-1 {
		before[i], before[j] = before[j], before[i]
	}
	return before, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
