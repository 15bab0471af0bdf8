package daemon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/telequery/internal/bus"
	"github.com/matheus3301/telequery/internal/expand"
	"github.com/matheus3301/telequery/internal/indexer"
	"github.com/matheus3301/telequery/internal/logging"
	"github.com/matheus3301/telequery/internal/status"
	"github.com/matheus3301/telequery/internal/vectorindex"
	"go.uber.org/zap"
)

// MaintenanceOptions selects the startup work.
type MaintenanceOptions struct {
	ExpandOnStart  bool
	ReindexOnStart bool // rebuild at startup when the index is stale
}

// MessageExpander expands a single message on request.
type MessageExpander interface {
	ExpandMessage(ctx context.Context, id string) (int, error)
}

// MessageCounter counts stored messages.
type MessageCounter interface {
	MessageCount(ctx context.Context) (int64, error)
}

// Maintenance coordinates background expansion and index rebuilds with the
// daemon state machine. Rebuilds are serialized.
type Maintenance struct {
	orch     *expand.Orchestrator
	expander MessageExpander
	ix       *indexer.Indexer
	messages MessageCounter
	index    vectorindex.Index
	machine  *status.Machine
	bus      *bus.Bus
	opts     MaintenanceOptions
	logger   *zap.Logger

	reindexMu sync.Mutex
	starting  atomic.Bool // startup sequence still running

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMaintenance creates the coordinator.
func NewMaintenance(orch *expand.Orchestrator, expander MessageExpander, ix *indexer.Indexer, messages MessageCounter, index vectorindex.Index, machine *status.Machine, b *bus.Bus, opts MaintenanceOptions, logger *zap.Logger) *Maintenance {
	return &Maintenance{
		orch:     orch,
		expander: expander,
		ix:       ix,
		messages: messages,
		index:    index,
		machine:  machine,
		bus:      b,
		opts:     opts,
		logger:   logging.OrNop(logger),
	}
}

// Start runs the startup sequence in the background: an expansion pass,
// a rebuild when the pass saved rows or the index is stale, then Ready.
func (m *Maintenance) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.starting.Store(true)

	completed, unsubCompleted := m.bus.Subscribe(bus.KindExpansionCompleted, 4)
	failed, unsubFailed := m.bus.Subscribe(bus.KindExpansionFailed, 4)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.starting.Store(false)
		defer unsubCompleted()
		defer unsubFailed()

		var (
			saved       int
			degradedWhy string
		)
		if m.opts.ExpandOnStart {
			m.transition(status.Expanding, "")
			m.orch.Start(ctx)
		wait:
			for {
				select {
				case evt := <-completed:
					res, ok := evt.Payload.(expand.RunResult)
					if !ok {
						continue
					}
					saved += res.Saved
					if !res.Background {
						// A foreground RunExpansion finished; keep waiting for the startup pass.
						continue
					}
					if res.FailedBatches > 0 {
						m.logger.Warn("expansion pass had failed batches", zap.Int("failed_batches", res.FailedBatches))
					}
					break wait
				case evt := <-failed:
					if ctx.Err() != nil {
						return
					}
					degradedWhy = fmt.Sprintf("expansion failed: %v", evt.Payload)
					break wait
				case <-ctx.Done():
					return
				}
			}
		}
		m.settle(ctx, saved > 0, degradedWhy)
	}()
}

// settle rebuilds the index if needed and records the resulting state.
func (m *Maintenance) settle(ctx context.Context, force bool, degradedWhy string) {
	rebuild := force
	if !rebuild && m.opts.ReindexOnStart {
		stale, err := m.ix.Stale(ctx)
		if err != nil {
			m.logger.Warn("index staleness check failed", zap.Error(err))
		}
		rebuild = stale
	}
	if rebuild {
		if _, err := m.Reindex(ctx); err != nil {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	if degradedWhy != "" {
		m.transition(status.Degraded, degradedWhy)
		return
	}
	m.transition(status.Ready, "")
}

// Stop cancels background work and waits for it.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.orch.Stop()
	m.wg.Wait()
}

// ExpansionStats reports expansion coverage.
func (m *Maintenance) ExpansionStats(ctx context.Context) (expand.Stats, error) {
	return m.orch.Stats(ctx)
}

// RunExpansion runs one foreground expansion pass. While the startup
// sequence is running it owns the final state.
func (m *Maintenance) RunExpansion(ctx context.Context, batchSize int) (expand.RunResult, error) {
	m.transition(status.Expanding, "")
	res, err := m.orch.Run(ctx, batchSize)
	if !m.starting.Load() && m.machine.Current() == status.Expanding {
		m.transition(status.Ready, "")
	}
	return res, err
}

// Reindex rebuilds the vector index. A failure leaves the previous index
// in place and moves the daemon to Degraded.
func (m *Maintenance) Reindex(ctx context.Context) (indexer.Result, error) {
	m.reindexMu.Lock()
	defer m.reindexMu.Unlock()

	m.transition(status.Indexing, "")
	res, err := m.ix.Reindex(ctx)
	if err != nil {
		m.logger.Error("reindex failed", zap.Error(err))
		if ctx.Err() == nil {
			m.transition(status.Degraded, "reindex failed: "+err.Error())
		}
		return res, err
	}
	m.transition(status.Ready, "")
	return res, nil
}

// ExpandMessage expands one message by id. An existing expansion is kept
// and the returned count is 0.
func (m *Maintenance) ExpandMessage(ctx context.Context, id string) (int, error) {
	return m.expander.ExpandMessage(ctx, id)
}

// MessageCount returns the number of stored messages, with or without text.
func (m *Maintenance) MessageCount(ctx context.Context) (int64, error) {
	return m.messages.MessageCount(ctx)
}

// DroppedEvents returns how many bus events full subscribers missed.
func (m *Maintenance) DroppedEvents() uint64 {
	return m.bus.Dropped()
}

// IndexCount returns the number of indexed messages.
func (m *Maintenance) IndexCount(ctx context.Context) (int64, error) {
	return m.index.Count(ctx)
}

func (m *Maintenance) transition(to status.State, reason string) {
	if err := m.machine.TransitionWithReason(to, reason); err != nil {
		m.logger.Debug("state transition skipped", zap.Error(err))
	}
}
