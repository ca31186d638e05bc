package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bom-pipeline/internal/metrics"
	"github.com/sells-group/bom-pipeline/internal/model"
	"github.com/sells-group/bom-pipeline/internal/store"
)

// ManagerConfig tunes the Manager.
type ManagerConfig struct {
	// SignalPollInterval is how often the durable signal log is read for
	// pipelines running in this process.
	SignalPollInterval time.Duration
	// SweepMinAge is how long a pending pipeline must sit unclaimed before
	// Sweep adopts it.
	SweepMinAge time.Duration
}

// Manager owns the pipelines executing in this process. Control signals
// go through the durable log first and are then applied to the owning
// Execution, here or in another process via its poller.
type Manager struct {
	orch  *Orchestrator
	store Store
	cfg   ManagerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	execs map[string]*Execution

	// sigMu orders appends and applications of signals so a poll never
	// replays a signal behind a newer one.
	sigMu sync.Mutex
}

// NewManager creates a Manager. Executions run on a context that is only
// cancelled by Shutdown.
func NewManager(orch *Orchestrator, st Store, cfg ManagerConfig) *Manager {
	if cfg.SignalPollInterval <= 0 {
		cfg.SignalPollInterval = 2 * time.Second
	}
	if cfg.SweepMinAge <= 0 {
		cfg.SweepMinAge = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		orch:   orch,
		store:  st,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		execs:  make(map[string]*Execution),
	}
}

// Start creates or loads the pipeline for req and executes it in the
// background. Starting a pipeline that is already running here or already
// terminal returns its current state.
func (m *Manager) Start(ctx context.Context, req model.BOMProcessingRequest) (*model.PipelineState, error) {
	if ex := m.lookup(req.BOMID); ex != nil {
		return ex.Snapshot(), nil
	}

	ex, err := m.orch.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if ex.Terminal() {
		return ex.Snapshot(), nil
	}
	ex = m.launch(ex)
	if err := m.applyPending(ctx, ex); err != nil {
		zap.L().Warn("pipeline: apply queued signals failed", zap.String("bom_id", req.BOMID), zap.Error(err))
	}
	return ex.Snapshot(), nil
}

func (m *Manager) lookup(bomID string) *Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execs[bomID]
}

// launch registers ex and runs it. If another Execution for the same BOM
// won the race, that one is returned and ex is discarded.
func (m *Manager) launch(ex *Execution) *Execution {
	m.mu.Lock()
	if cur, ok := m.execs[ex.BOMID()]; ok {
		m.mu.Unlock()
		return cur
	}
	m.execs[ex.BOMID()] = ex
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.PipelinesActive.Inc()
	go func() {
		defer m.wg.Done()
		defer metrics.PipelinesActive.Dec()
		defer m.forget(ex)

		st, err := ex.Execute(m.ctx)
		if err != nil {
			zap.L().Warn("pipeline: execution stopped", zap.String("bom_id", ex.BOMID()), zap.Error(err))
			return
		}
		zap.L().Info("pipeline: execution finished",
			zap.String("bom_id", st.BOMID),
			zap.String("status", string(st.Status)),
		)
	}()
	return ex
}

func (m *Manager) forget(ex *Execution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.execs[ex.BOMID()] == ex {
		delete(m.execs, ex.BOMID())
	}
}

// Pause records and applies a pause signal.
func (m *Manager) Pause(ctx context.Context, bomID string) (bool, error) {
	return m.Signal(ctx, bomID, model.SignalPause)
}

// Resume records and applies a resume signal.
func (m *Manager) Resume(ctx context.Context, bomID string) (bool, error) {
	return m.Signal(ctx, bomID, model.SignalResume)
}

// Cancel records and applies a cancel signal.
func (m *Manager) Cancel(ctx context.Context, bomID string) (bool, error) {
	return m.Signal(ctx, bomID, model.SignalCancel)
}

// Signal appends kind to the durable log and applies it if the pipeline is
// executing in this process. It reports whether the state changed; a
// signal left for another process's poller reports false.
func (m *Manager) Signal(ctx context.Context, bomID string, kind model.SignalKind) (bool, error) {
	if !kind.Valid() {
		return false, eris.Errorf("pipeline: unknown signal %q", kind)
	}

	m.sigMu.Lock()
	defer m.sigMu.Unlock()

	ex := m.lookup(bomID)
	var stored *model.PipelineState
	if ex == nil {
		var err error
		stored, err = m.getPipeline(ctx, bomID)
		if err != nil {
			return false, err
		}
	}

	sig := model.Signal{ID: uuid.NewString(), BOMID: bomID, Kind: kind, CreatedAt: time.Now().UTC()}
	if err := m.store.AppendSignal(ctx, sig); err != nil {
		return false, eris.Wrapf(err, "pipeline: append %s signal", kind)
	}

	if ex == nil {
		if stored.Status.IsTerminal() {
			return false, m.markApplied(ctx, sig)
		}
		zap.L().Info("pipeline: signal queued",
			zap.String("bom_id", bomID),
			zap.String("signal", string(kind)),
		)
		return false, nil
	}

	changed, err := ex.Apply(ctx, kind)
	if err != nil {
		return changed, err
	}
	return changed, m.markApplied(ctx, sig)
}

func (m *Manager) markApplied(ctx context.Context, sig model.Signal) error {
	if err := m.store.MarkSignalApplied(ctx, sig.ID, time.Now().UTC()); err != nil {
		return eris.Wrapf(err, "pipeline: mark signal %s applied", sig.ID)
	}
	return nil
}

// applyPending applies every unapplied signal for ex in log order.
func (m *Manager) applyPending(ctx context.Context, ex *Execution) error {
	m.sigMu.Lock()
	defer m.sigMu.Unlock()

	sigs, err := m.store.PendingSignals(ctx, ex.BOMID())
	if err != nil {
		return eris.Wrapf(err, "pipeline: load signals %s", ex.BOMID())
	}
	for _, sig := range sigs {
		if _, err := ex.Apply(ctx, sig.Kind); err != nil {
			return err
		}
		if err := m.markApplied(ctx, sig); err != nil {
			return err
		}
	}
	return nil
}

// PollSignals applies pending signals for every local pipeline once.
func (m *Manager) PollSignals(ctx context.Context) {
	m.mu.Lock()
	execs := make([]*Execution, 0, len(m.execs))
	for _, ex := range m.execs {
		execs = append(execs, ex)
	}
	m.mu.Unlock()

	for _, ex := range execs {
		if err := m.applyPending(ctx, ex); err != nil {
			zap.L().Warn("pipeline: poll signals failed", zap.String("bom_id", ex.BOMID()), zap.Error(err))
		}
	}
}

// RunPoller polls the signal log until ctx ends.
func (m *Manager) RunPoller(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SignalPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PollSignals(ctx)
		}
	}
}

// Status returns the current state of a pipeline. It never mutates state.
func (m *Manager) Status(ctx context.Context, bomID string) (*model.PipelineState, error) {
	if ex := m.lookup(bomID); ex != nil {
		return ex.Snapshot(), nil
	}
	return m.getPipeline(ctx, bomID)
}

// List returns stored pipelines matching filter.
func (m *Manager) List(ctx context.Context, filter model.PipelineFilter) ([]*model.PipelineState, error) {
	out, err := m.store.ListPipelines(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list")
	}
	for i, st := range out {
		if ex := m.lookup(st.BOMID); ex != nil {
			out[i] = ex.Snapshot()
		}
	}
	return out, nil
}

// Wait blocks until the local execution for bomID returns, then reports
// its final state. Pipelines not executing here return their stored state.
func (m *Manager) Wait(ctx context.Context, bomID string) (*model.PipelineState, error) {
	ex := m.lookup(bomID)
	if ex == nil {
		return m.getPipeline(ctx, bomID)
	}
	select {
	case <-ex.Done():
		return ex.Result()
	case <-ctx.Done():
		return ex.Snapshot(), ctx.Err()
	}
}

// Recover adopts every non-terminal pipeline from the store. Call it once
// at process start, before other processes could own the same pipelines.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	return m.adopt(ctx, []model.PipelineStatus{
		model.PipelineStatusPending,
		model.PipelineStatusRunning,
		model.PipelineStatusPaused,
	}, 0)
}

// Sweep adopts pending pipelines that no process has started within
// SweepMinAge.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	return m.adopt(ctx, []model.PipelineStatus{model.PipelineStatusPending}, m.cfg.SweepMinAge)
}

func (m *Manager) adopt(ctx context.Context, statuses []model.PipelineStatus, minAge time.Duration) (int, error) {
	states, err := m.store.ListPipelines(ctx, model.PipelineFilter{Statuses: statuses, Limit: 1000})
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: list for recovery")
	}

	cutoff := time.Now().UTC().Add(-minAge)
	n := 0
	for _, st := range states {
		if m.lookup(st.BOMID) != nil || st.Status.IsTerminal() {
			continue
		}
		if minAge > 0 && st.CreatedAt.After(cutoff) {
			continue
		}
		// st belongs to the execution once launched.
		bomID, status, stage := st.BOMID, st.Status, st.CurrentStage
		ex := m.launch(m.orch.Attach(st))
		if err := m.applyPending(ctx, ex); err != nil {
			zap.L().Warn("pipeline: apply queued signals failed", zap.String("bom_id", bomID), zap.Error(err))
		}
		n++
		zap.L().Info("pipeline: recovered",
			zap.String("bom_id", bomID),
			zap.String("status", string(status)),
			zap.String("stage", string(stage)),
		)
	}
	return n, nil
}

// Shutdown stops local executions and waits for them to return. Their
// persisted state is left for Recover.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "pipeline: shutdown")
	}
}

func (m *Manager) getPipeline(ctx context.Context, bomID string) (*model.PipelineState, error) {
	st, err := m.store.GetPipeline(ctx, bomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrUnknownPipeline, "pipeline: %s", bomID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: get %s", bomID)
	}
	return st, nil
}
