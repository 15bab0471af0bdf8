package daemon

import (
	"context"

	"github.com/matheus3301/telequery/internal/agent"
	"github.com/matheus3301/telequery/internal/api"
	"github.com/matheus3301/telequery/internal/bus"
	"github.com/matheus3301/telequery/internal/config"
	"github.com/matheus3301/telequery/internal/contextualize"
	"github.com/matheus3301/telequery/internal/embedding"
	"github.com/matheus3301/telequery/internal/expand"
	"github.com/matheus3301/telequery/internal/expansion"
	"github.com/matheus3301/telequery/internal/indexer"
	"github.com/matheus3301/telequery/internal/llm"
	"github.com/matheus3301/telequery/internal/lock"
	"github.com/matheus3301/telequery/internal/logging"
	"github.com/matheus3301/telequery/internal/paths"
	"github.com/matheus3301/telequery/internal/search"
	"github.com/matheus3301/telequery/internal/status"
	"github.com/matheus3301/telequery/internal/store"
	"github.com/matheus3301/telequery/internal/tracing"
	"github.com/matheus3301/telequery/internal/vectorindex"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config     *config.Config
	SocketPath string // optional override for testing; empty = use config

	// Optional capability overrides, used instead of the configured providers.
	Completer llm.Completer
	Embedder  embedding.Embedder
	Logger    *zap.Logger
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideExpansionStore,
			provideCompleter,
			provideEmbedder,
			provideIndex,
			provideIndexer,
			provideContextualizer,
			provideOrchestrator,
			provideSearchEngine,
			provideAgent,
			provideMaintenance,
			provideQueryService,
			NewServer,
		),
		fx.Invoke(registerTracing, registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		loaded, err := config.LoadOrDefault(config.DefaultPath())
		if err != nil {
			return nil, err
		}
		loaded.ApplyEnv(nil)
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(cfg.Log.Path, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := paths.EnsureDir(cfg.DataDir); err != nil {
		return nil, err
	}
	logger.Info("acquiring data directory lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data directory lock acquired")
	return l, nil
}

func provideStore(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.MessagesDBPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("message store initialized", zap.String("path", cfg.MessagesDBPath))
	lc.Append(fx.StopHook(db.Close))
	return db, nil
}

func provideExpansionStore(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*expansion.Store, error) {
	s, err := expansion.Open(cfg.ExpansionsPath)
	if err != nil {
		return nil, err
	}
	logger.Info("expansion store initialized", zap.String("path", cfg.ExpansionsPath))
	lc.Append(fx.StopHook(s.Close))
	return s, nil
}

func provideCompleter(p Params, cfg *config.Config) (llm.Completer, error) {
	if p.Completer != nil {
		return p.Completer, nil
	}
	return llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
	})
}

func provideEmbedder(p Params, cfg *config.Config) (embedding.Embedder, error) {
	if p.Embedder != nil {
		return p.Embedder, nil
	}
	return embedding.New(context.Background(), embedding.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		APIKey:   cfg.Embedding.APIKey,
		BaseURL:  cfg.Embedding.BaseURL,
		TaskType: cfg.Embedding.TaskType,
	})
}

func provideIndex(lc fx.Lifecycle, cfg *config.Config, embedder embedding.Embedder, logger *zap.Logger) (vectorindex.Index, error) {
	idx, err := vectorindex.New(vectorindex.Config{Backend: cfg.Index.Backend, Path: cfg.VectorsDBPath}, embedder)
	if err != nil {
		return nil, err
	}
	if s, ok := idx.(*vectorindex.SQLite); ok {
		if v, err := s.Version(context.Background()); err == nil {
			logger.Info("vector index opened", zap.String("path", cfg.VectorsDBPath), zap.String("sqlite_vec", v))
		}
	}
	lc.Append(fx.StopHook(idx.Close))
	return idx, nil
}

func provideIndexer(db *store.DB, exp *expansion.Store, idx vectorindex.Index, embedder embedding.Embedder, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *indexer.Indexer {
	return indexer.New(db, exp, idx, embedder, indexer.Options{
		BatchSize:   cfg.Index.EmbedBatchSize,
		Concurrency: cfg.Index.EmbedConcurrency,
	}, b, logger.Named("indexer"))
}

func provideContextualizer(db *store.DB, exp *expansion.Store, completer llm.Completer, cfg *config.Config, logger *zap.Logger) *contextualize.Contextualizer {
	return contextualize.New(db, exp, completer, contextualize.Options{
		ContextWindow: cfg.Expansion.ContextWindow,
		Temperature:   cfg.Expansion.Temperature,
	}, logger.Named("contextualize"))
}

func provideOrchestrator(db *store.DB, exp *expansion.Store, c *contextualize.Contextualizer, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *expand.Orchestrator {
	return expand.New(db, exp, c, cfg.Expansion.BatchSize, b, logger.Named("expand"))
}

func provideSearchEngine(idx vectorindex.Index, db *store.DB, exp *expansion.Store, completer llm.Completer, cfg *config.Config, logger *zap.Logger) *search.Engine {
	return search.New(idx, db, exp, completer, search.Options{
		MaxDistance:  &cfg.Search.MaxDistance,
		TopK:         cfg.Search.TopK,
		RewriteQuery: cfg.Search.RewriteQuery,
	}, logger.Named("search"))
}

func provideAgent(engine *search.Engine, completer llm.Completer, cfg *config.Config, logger *zap.Logger) *agent.Agent {
	return agent.New(engine, completer, agent.Options{
		MaxContextMessages: cfg.Agent.MaxContextMessages,
		Temperature:        &cfg.Agent.Temperature,
		MaxTokens:          cfg.Agent.MaxTokens,
	}, logger.Named("agent"))
}

func provideMaintenance(orch *expand.Orchestrator, c *contextualize.Contextualizer, ix *indexer.Indexer, db *store.DB, idx vectorindex.Index, machine *status.Machine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Maintenance {
	return NewMaintenance(orch, c, ix, db, idx, machine, b, MaintenanceOptions{
		ExpandOnStart:  cfg.Expansion.RunOnStart,
		ReindexOnStart: cfg.Index.ReindexOnStart,
	}, logger.Named("maintenance"))
}

func provideQueryService(a *agent.Agent, m *Maintenance, machine *status.Machine, logger *zap.Logger) *api.QueryService {
	return api.NewQueryService(a, m, machine, logger.Named("api"))
}

func registerTracing(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) error {
	shutdown, err := tracing.Init(context.Background(), tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
		ServiceName: "telequeryd",
		Version:     api.Version,
	}, logger)
	if err != nil {
		return err
	}
	lc.Append(fx.StopHook(shutdown))
	return nil
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, srv *Server, maint *Maintenance, machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	watchCtx, stopWatch := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Mirror the state machine into the gRPC health service.
			events, unsub := b.Subscribe(bus.KindStatusChanged, 16)
			srv.SetServing(machine.Serving())
			go func() {
				defer close(done)
				defer unsub()
				for {
					select {
					case <-events:
						srv.SetServing(machine.Serving())
					case <-watchCtx.Done():
						return
					}
				}
			}()

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			maint.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			maint.Stop()
			srv.Stop(ctx)
			stopWatch()
			<-done
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
