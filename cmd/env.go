package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bom-pipeline/internal/cache"
	"github.com/sells-group/bom-pipeline/internal/enrichment"
	"github.com/sells-group/bom-pipeline/internal/pipeline"
	"github.com/sells-group/bom-pipeline/internal/progress"
	"github.com/sells-group/bom-pipeline/internal/resilience"
	"github.com/sells-group/bom-pipeline/internal/risk"
	"github.com/sells-group/bom-pipeline/internal/store"
	"github.com/sells-group/bom-pipeline/pkg/supplier"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "bom-pipeline.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.Pool.MaxConns,
			MinConns: cfg.Store.Pool.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore connects and migrates the configured store.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initBus(ctx context.Context) (progress.Bus, error) {
	switch cfg.Progress.Driver {
	case "redis":
		return progress.NewRedisBus(ctx, cfg.Progress.RedisAddr)
	case "memory", "":
		return progress.NewMemoryBus(64), nil
	default:
		return nil, eris.Errorf("unsupported progress driver: %s", cfg.Progress.Driver)
	}
}

// pipelineEnv holds the initialized store, progress bus and pipeline
// manager needed by the run and serve commands.
type pipelineEnv struct {
	Store   store.Store
	Bus     progress.Bus
	Manager *pipeline.Manager
	Breaker *resilience.CircuitBreaker
	Cache   *cache.Service[*supplier.Part]
}

// Close releases resources held by the pipeline environment. Callers shut
// the manager down first.
func (pe *pipelineEnv) Close() {
	if pe.Bus != nil {
		_ = pe.Bus.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline sets up the store, progress bus, supplier client and the
// pipeline manager. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	bus, err := initBus(ctx)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	env := &pipelineEnv{Store: st, Bus: bus}
	env.Manager, env.Breaker, env.Cache = buildManager(st, progress.NewPublisher(bus, cfg.Progress.ChannelPrefix))

	zap.L().Info("pipeline environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("progress", cfg.Progress.Driver),
		zap.Int("concurrency", cfg.Enrichment.Concurrency),
	)
	return env, nil
}

// buildManager wires the supplier-backed enrichment runner, the risk scorer
// and the orchestrator for st.
func buildManager(st store.Store, pub progress.Publisher) (*pipeline.Manager, *resilience.CircuitBreaker, *cache.Service[*supplier.Part]) {
	client := supplier.NewClient(cfg.Supplier.Key,
		supplier.WithBaseURL(cfg.Supplier.BaseURL),
		supplier.WithTimeout(time.Duration(cfg.Supplier.TimeoutSecs)*time.Second),
	)

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	if cfg.Enrichment.BreakerThreshold > 0 {
		breakerCfg.FailureThreshold = cfg.Enrichment.BreakerThreshold
	}
	if cfg.Enrichment.BreakerReset() > 0 {
		breakerCfg.ResetTimeout = cfg.Enrichment.BreakerReset()
	}
	breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("supplier: circuit state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	breaker := resilience.NewCircuitBreaker(breakerCfg)
	parts := cache.New[*supplier.Part](cfg.Cache.Size, cfg.Cache.TTL())

	proc := enrichment.NewProcessor(client, enrichment.ProcessorConfig{
		ItemTimeout: cfg.Enrichment.ItemTimeout(),
		MaxAttempts: cfg.Enrichment.ItemMaxAttempts,
		RatePerSec:  cfg.Enrichment.RatePerSec,
		Burst:       cfg.Enrichment.Burst,
	}, enrichment.WithCache(parts), enrichment.WithBreaker(breaker))

	runner := enrichment.NewRunner(st, proc, pub, enrichment.Config{
		Concurrency:      cfg.Enrichment.Concurrency,
		AuditBatchSize:   cfg.Enrichment.AuditBatchSize,
		ProgressInterval: cfg.Enrichment.ProgressInterval(),
		Prefilter:        cfg.Enrichment.Prefilter,
	})

	orch := pipeline.New(st, pipeline.Collaborators{
		Verifier: pipeline.FileVerifier{Dir: cfg.Uploads.Dir},
		Counter:  pipeline.StoredItemCounter{Store: st, Dir: cfg.Uploads.Dir},
		Enricher: runner,
		Scorer:   risk.NewScorer(risk.DefaultConfig()),
	}, pub, pipeline.Config{
		ParseMaxAttempts:      cfg.Pipeline.ParseMaxAttempts,
		RiskMaxAttempts:       cfg.Pipeline.RiskMaxAttempts,
		EnrichmentMaxAttempts: cfg.Pipeline.EnrichmentMaxAttempts,
		StageBackoff:          cfg.Pipeline.StageBackoff(),
	})

	mgr := pipeline.NewManager(orch, st, pipeline.ManagerConfig{
		SignalPollInterval: cfg.Pipeline.SignalPollInterval(),
		SweepMinAge:        cfg.Sweep.MinAge(),
	})
	return mgr, breaker, parts
}
