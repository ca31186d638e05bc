package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bom-pipeline/internal/control"
	"github.com/sells-group/bom-pipeline/internal/metrics"
	"github.com/sells-group/bom-pipeline/internal/model"
)

// Execution is one in-process run of a pipeline and the single writer of
// its orchestrator-owned fields. Signals and the stage loop both mutate
// state under mu, and every mutation is persisted before mu is released.
type Execution struct {
	o   *Orchestrator
	ctl *control.Control
	log *zap.Logger

	mu    sync.Mutex
	state *model.PipelineState

	once   sync.Once
	done   chan struct{}
	result *model.PipelineState
	err    error
}

func newExecution(o *Orchestrator, st *model.PipelineState) *Execution {
	e := &Execution{
		o:     o,
		ctl:   control.New(),
		log:   zap.L().With(zap.String("bom_id", st.BOMID)),
		state: st,
		done:  make(chan struct{}),
	}
	if st.Status == model.PipelineStatusPaused {
		e.ctl.Pause()
	}
	return e
}

// BOMID returns the pipeline identity.
func (e *Execution) BOMID() string {
	return e.state.BOMID
}

// Control returns the control shared with the enrichment sub-pipeline.
func (e *Execution) Control() *control.Control {
	return e.ctl
}

// Snapshot returns a copy of the current state.
func (e *Execution) Snapshot() *model.PipelineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Terminal reports whether the pipeline has reached a terminal status.
func (e *Execution) Terminal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Status.IsTerminal()
}

// Done is closed when Execute returns.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Result returns what Execute returned. Valid after Done is closed.
func (e *Execution) Result() (*model.PipelineState, error) {
	return e.result, e.err
}

// Execute drives the pipeline from its current stage to a terminal status.
// It returns early with an error if ctx ends or the store fails; the
// persisted state is then left where the next Execute can resume it.
func (e *Execution) Execute(ctx context.Context) (*model.PipelineState, error) {
	err := e.execute(ctx)
	snap := e.Snapshot()
	e.once.Do(func() {
		e.result, e.err = snap, err
		close(e.done)
	})
	return snap, err
}

func (e *Execution) execute(ctx context.Context) error {
	if e.Terminal() {
		return nil
	}
	if err := e.begin(ctx); err != nil {
		return err
	}

	for {
		if e.ctl.Paused() {
			e.log.Info("pipeline: paused at stage boundary", zap.String("stage", string(e.currentStage())))
			if err := e.ctl.WaitIfPaused(ctx); err != nil {
				return eris.Wrap(err, "pipeline: interrupted while paused")
			}
		}
		if e.ctl.Cancelled() {
			return e.finishCancelled(ctx)
		}

		stage := e.currentStage()
		if stage == model.StageComplete {
			return e.finishCompleted(ctx)
		}
		if err := e.runStage(ctx, stage); err != nil {
			return err
		}
		if e.Terminal() {
			return nil
		}
	}
}

func (e *Execution) currentStage() model.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.CurrentStage
}

func (e *Execution) begin(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.o.now().UTC()
	if e.state.StartedAt == nil {
		e.state.StartedAt = &now
	}
	if e.state.Status == model.PipelineStatusPending {
		e.state.Status = model.PipelineStatusRunning
	}
	e.log.Info("pipeline: starting",
		zap.String("status", string(e.state.Status)),
		zap.String("stage", string(e.state.CurrentStage)),
	)
	return e.persistLocked(ctx)
}

// runStage runs one stage to completion, skip or failure. A returned error
// means the run was interrupted; stage failures are recorded in state.
func (e *Execution) runStage(ctx context.Context, stage model.Stage) error {
	log := e.log.With(zap.String("stage", string(stage)))

	e.mu.Lock()
	info := e.state.Stage(stage)
	switch {
	case info.Status.Done():
		e.advanceLocked(stage)
		err := e.persistLocked(ctx)
		e.mu.Unlock()
		return err
	case e.skippedLocked(stage):
		now := e.o.now().UTC()
		info.Status = model.StageStatusSkipped
		info.Progress = 0
		info.Message = "skipped by request"
		info.CompletedAt = &now
		e.advanceLocked(stage)
		err := e.persistLocked(ctx)
		e.mu.Unlock()
		log.Info("pipeline: stage skipped")
		metrics.RecordStage(string(stage), string(model.StageStatusSkipped), 0)
		return err
	}
	now := e.o.now().UTC()
	info.Status = model.StageStatusInProgress
	if info.StartedAt == nil {
		info.StartedAt = &now
	}
	info.Message = ""
	err := e.persistLocked(ctx)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	log.Info("pipeline: stage started")
	timer := metrics.NewTimer()

	var cancelled bool
	switch stage {
	case model.StageRawUpload:
		err = e.verifyUpload(ctx)
	case model.StageParsing:
		err = e.parse(ctx)
	case model.StageEnrichment:
		cancelled, err = e.enrich(ctx)
	case model.StageRiskAnalysis:
		err = e.analyzeRisk(ctx)
	default:
		err = eris.Errorf("pipeline: unknown stage %q", stage)
	}

	if err != nil {
		if ctx.Err() != nil {
			log.Warn("pipeline: stage interrupted", zap.Error(err))
			return eris.Wrapf(ctx.Err(), "pipeline: interrupted in %s", stage)
		}
		metrics.RecordStage(string(stage), string(model.StageStatusFailed), timer.Duration())
		return e.failStage(ctx, stage, err)
	}
	if cancelled {
		log.Info("pipeline: stage stopped by cancel")
		return nil
	}

	e.mu.Lock()
	done := e.o.now().UTC()
	info = e.state.Stage(stage)
	info.Status = model.StageStatusCompleted
	info.Progress = 100
	info.CompletedAt = &done
	e.advanceLocked(stage)
	err = e.persistLocked(ctx)
	e.mu.Unlock()

	log.Info("pipeline: stage complete", zap.Int64("duration_ms", timer.Duration().Milliseconds()))
	metrics.RecordStage(string(stage), string(model.StageStatusCompleted), timer.Duration())
	return err
}

func (e *Execution) skippedLocked(stage model.Stage) bool {
	switch stage {
	case model.StageEnrichment:
		return e.state.Request.SkipEnrichment
	case model.StageRiskAnalysis:
		return e.state.Request.SkipRiskAnalysis
	}
	return false
}

func (e *Execution) advanceLocked(stage model.Stage) {
	if next, ok := stage.Next(); ok {
		e.state.CurrentStage = next
	}
}

func (e *Execution) failStage(ctx context.Context, stage model.Stage, cause error) error {
	e.refreshCounters(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.o.now().UTC()
	info := e.state.Stage(stage)
	info.Status = model.StageStatusFailed
	info.Message = cause.Error()
	info.CompletedAt = &now
	e.state.ErrorMessage = fmt.Sprintf("%s: %s", stage, cause.Error())
	e.state.Status = model.PipelineStatusFailed
	e.state.CompletedAt = &now

	e.log.Error("pipeline: stage failed",
		zap.String("stage", string(stage)),
		zap.Int("enriched_items", e.state.EnrichedItems),
		zap.Int("failed_items", e.state.FailedItems),
		zap.Error(cause),
	)
	metrics.RecordPipelineFinished(string(model.PipelineStatusFailed))
	return e.persistLocked(ctx)
}

func (e *Execution) finishCancelled(ctx context.Context) error {
	e.refreshCounters(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.o.now().UTC()
	if info := e.state.Stage(e.state.CurrentStage); info.Status == model.StageStatusInProgress {
		info.Message = "cancelled"
		info.CompletedAt = &now
	}
	e.state.Status = model.PipelineStatusCancelled
	e.state.CompletedAt = &now

	e.log.Info("pipeline: cancelled",
		zap.String("stage", string(e.state.CurrentStage)),
		zap.Int("enriched_items", e.state.EnrichedItems),
		zap.Int("failed_items", e.state.FailedItems),
	)
	metrics.RecordPipelineFinished(string(model.PipelineStatusCancelled))
	return e.persistLocked(ctx)
}

func (e *Execution) finishCompleted(ctx context.Context) error {
	e.refreshCounters(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.o.now().UTC()
	info := e.state.Stage(model.StageComplete)
	if info.StartedAt == nil {
		info.StartedAt = &now
	}
	info.Status = model.StageStatusCompleted
	info.Progress = 100
	info.CompletedAt = &now
	e.state.Status = model.PipelineStatusCompleted
	e.state.CompletedAt = &now

	e.log.Info("pipeline: complete",
		zap.Int("total_items", e.state.TotalItems),
		zap.Int("enriched_items", e.state.EnrichedItems),
		zap.Int("failed_items", e.state.FailedItems),
		zap.String("health_grade", e.state.HealthGrade),
		zap.Bool("degraded", e.state.Degraded()),
	)
	metrics.RecordPipelineFinished(string(model.PipelineStatusCompleted))
	return e.persistLocked(ctx)
}

// refreshCounters copies the enrichment counters from the store, where only
// the sub-pipeline's batch deltas move them.
func (e *Execution) refreshCounters(ctx context.Context) {
	stored, err := e.o.store.GetPipeline(ctx, e.state.BOMID)
	if err != nil {
		e.log.Warn("pipeline: reload counters failed", zap.Error(err))
		return
	}
	e.mu.Lock()
	e.state.EnrichedItems = stored.EnrichedItems
	e.state.FailedItems = stored.FailedItems
	e.mu.Unlock()
}

func (e *Execution) persistLocked(ctx context.Context) error {
	e.state.UpdatedAt = e.o.now().UTC()
	if err := e.o.store.SavePipeline(ctx, e.state); err != nil {
		return eris.Wrapf(err, "pipeline: save state %s", e.state.BOMID)
	}
	e.o.pub.PublishPipeline(ctx, e.state.Clone())
	return nil
}

// Apply applies a control signal. It reports whether the state changed;
// repeated signals and signals against a terminal pipeline are no-ops.
func (e *Execution) Apply(ctx context.Context, kind model.SignalKind) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !kind.Valid() {
		return false, eris.Errorf("pipeline: unknown signal %q", kind)
	}
	if e.state.Status.IsTerminal() {
		metrics.RecordSignal(string(kind), false)
		return false, nil
	}

	now := e.o.now().UTC()
	var changed bool
	switch kind {
	case model.SignalPause:
		if changed = e.ctl.Pause(); changed {
			e.state.Status = model.PipelineStatusPaused
			e.state.PausedAt = &now
		}
	case model.SignalResume:
		if changed = e.ctl.Resume(); changed {
			e.state.Status = model.PipelineStatusRunning
			e.state.PausedAt = nil
		}
	case model.SignalCancel:
		// Status moves to cancelled once in-flight work has drained.
		changed = e.ctl.Cancel()
	}
	metrics.RecordSignal(string(kind), changed)
	if !changed {
		return false, nil
	}

	e.log.Info("pipeline: signal applied",
		zap.String("signal", string(kind)),
		zap.String("stage", string(e.state.CurrentStage)),
	)
	return true, e.persistLocked(ctx)
}
