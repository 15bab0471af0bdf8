// Package expand drives contextual expansion over every pending message in
// overlapping batches.
package expand

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/matheus3301/telequery/internal/bus"
	"github.com/matheus3301/telequery/internal/expansion"
	"github.com/matheus3301/telequery/internal/logging"
	"github.com/matheus3301/telequery/internal/store"
	"go.uber.org/zap"
)

// DefaultBatchSize is used when Run is given a non-positive batch size.
const DefaultBatchSize = 50

// maxOverlap caps how many messages consecutive batches share.
const maxOverlap = 10

// Messages is the read side of the message store used by the orchestrator.
type Messages interface {
	ListWithText(ctx context.Context) ([]store.Message, error)
	CountWithText(ctx context.Context) (int64, error)
}

// Expansions is the expansion store as seen by the orchestrator.
type Expansions interface {
	ExpandedIDs(ctx context.Context) (map[string]struct{}, error)
	GetMany(ctx context.Context, ids []string) (map[string]string, error)
	Count(ctx context.Context) (int64, error)
	SetCheckpoint(ctx context.Context, key, value string) error
}

// BatchExpander expands one batch and reports how many rows it saved.
type BatchExpander interface {
	ExpandBatch(ctx context.Context, batch []store.Message) (int, error)
}

// Orchestrator plans and runs expansion passes.
type Orchestrator struct {
	messages   Messages
	expansions Expansions
	expander   BatchExpander
	batchSize  int
	bus        *bus.Bus
	logger     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. batchSize is the default for background
// passes and for Run calls with a non-positive size.
func New(messages Messages, expansions Expansions, expander BatchExpander, batchSize int, b *bus.Bus, logger *zap.Logger) *Orchestrator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Orchestrator{
		messages:   messages,
		expansions: expansions,
		expander:   expander,
		batchSize:  batchSize,
		bus:        b,
		logger:     logging.OrNop(logger),
	}
}

// Window is a half-open range [Start, End) over the pending list.
type Window struct {
	Start int
	End   int
}

// Windows plans batches of batchSize over n items. Consecutive windows
// overlap by min(10, batchSize/5); every item is covered and the last
// window ends at n.
func Windows(n, batchSize int) []Window {
	if n <= 0 {
		return nil
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	overlap := min(maxOverlap, batchSize/5)

	var out []Window
	start := 0
	for {
		end := min(start+batchSize, n)
		out = append(out, Window{Start: start, End: end})
		if end >= n {
			return out
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
}

// Pending returns every message with text that has no expansion yet,
// oldest first.
func (o *Orchestrator) Pending(ctx context.Context) ([]store.Message, error) {
	msgs, err := o.messages.ListWithText(ctx)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	done, err := o.expansions.ExpandedIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list expanded ids: %w", err)
	}
	pending := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := done[m.ID]; !ok {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// RunResult summarizes one expansion pass.
type RunResult struct {
	Pending       int // messages pending when the pass started
	Batches       int // batches sent to the model
	FailedBatches int
	Saved         int // expansion rows inserted
	Duration      time.Duration
	Background    bool // started by Start rather than a direct Run call
}

// BatchDone is the payload of bus.KindExpansionBatchDone.
type BatchDone struct {
	Window Window
	Sent   int
	Saved  int
	Err    error
}

// Run expands every pending message. A failing batch is logged and counted
// and the pass continues. Cancellation stops between batches and returns
// the partial result with ctx.Err().
func (o *Orchestrator) Run(ctx context.Context, batchSize int) (RunResult, error) {
	return o.run(ctx, batchSize, false)
}

func (o *Orchestrator) run(ctx context.Context, batchSize int, background bool) (RunResult, error) {
	if batchSize <= 0 {
		batchSize = o.batchSize
	}
	start := time.Now()
	res := RunResult{Background: background}

	pending, err := o.Pending(ctx)
	if err != nil {
		return res, err
	}
	res.Pending = len(pending)
	windows := Windows(len(pending), batchSize)
	o.logger.Info("expansion pass starting",
		zap.Int("pending", len(pending)),
		zap.Int("batch_size", batchSize),
		zap.Int("batches", len(windows)),
	)

	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}

		batch, err := o.stillPending(ctx, pending[w.Start:w.End])
		if err != nil {
			o.logger.Error("failed to check batch against expansion store", zap.Int("batch", i), zap.Error(err))
			res.FailedBatches++
			continue
		}
		if len(batch) == 0 {
			continue
		}

		saved, err := o.expander.ExpandBatch(ctx, batch)
		res.Batches++
		res.Saved += saved
		if err != nil {
			if ctx.Err() != nil {
				res.Duration = time.Since(start)
				return res, ctx.Err()
			}
			res.FailedBatches++
			o.logger.Error("expansion batch failed",
				zap.Int("batch", i),
				zap.Int("start", w.Start),
				zap.Int("end", w.End),
				zap.Error(err),
			)
		} else {
			o.logger.Debug("expansion batch done", zap.Int("batch", i), zap.Int("sent", len(batch)), zap.Int("saved", saved))
		}
		o.bus.Emit(bus.KindExpansionBatchDone, BatchDone{Window: w, Sent: len(batch), Saved: saved, Err: err})
	}

	res.Duration = time.Since(start)
	if err := o.expansions.SetCheckpoint(ctx, expansion.CheckpointLastRun, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		o.logger.Warn("failed to record expansion checkpoint", zap.Error(err))
	}
	o.logger.Info("expansion pass finished",
		zap.Int("saved", res.Saved),
		zap.Int("batches", res.Batches),
		zap.Int("failed_batches", res.FailedBatches),
		zap.Duration("took", res.Duration),
	)
	o.bus.Emit(bus.KindExpansionCompleted, res)
	return res, nil
}

// stillPending drops batch members that gained an expansion since the
// pending list was built, such as the overlap with the previous batch.
func (o *Orchestrator) stillPending(ctx context.Context, window []store.Message) ([]store.Message, error) {
	ids := make([]string, len(window))
	for i, m := range window {
		ids[i] = m.ID
	}
	done, err := o.expansions.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]store.Message, 0, len(window))
	for _, m := range window {
		if _, ok := done[m.ID]; !ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// Stats reports expansion coverage.
type Stats struct {
	Total                int64
	Expanded             int64
	Pending              int64
	CompletionPercentage float64
}

// Stats returns current coverage. Pending never goes below zero.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	total, err := o.messages.CountWithText(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count messages: %w", err)
	}
	expanded, err := o.expansions.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count expansions: %w", err)
	}
	s := Stats{Total: total, Expanded: expanded, Pending: max(total-expanded, 0)}
	if total > 0 {
		s.CompletionPercentage = float64(expanded) / float64(total) * 100
	}
	return s, nil
}

// Start runs one background pass: it checks the stats and runs only when
// something is pending. The pass ends with either an expansion.completed or
// an expansion.failed event.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		stats, err := o.Stats(ctx)
		if err != nil {
			o.logger.Error("expansion stats failed", zap.Error(err))
			o.bus.Emit(bus.KindExpansionFailed, err)
			return
		}
		if stats.Pending == 0 {
			o.logger.Info("no messages pending expansion", zap.Int64("total", stats.Total))
			o.bus.Emit(bus.KindExpansionCompleted, RunResult{Background: true})
			return
		}
		if _, err := o.run(ctx, o.batchSize, true); err != nil {
			o.logger.Warn("background expansion stopped", zap.Error(err))
			o.bus.Emit(bus.KindExpansionFailed, err)
		}
	}()
}

// Stop cancels a background pass and waits for it to return.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}
