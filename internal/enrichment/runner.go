// Package enrichment implements the enrichment sub-pipeline: a resumable,
// bounded fan-out of supplier lookups over the line items of one BOM.
package enrichment

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/bom-pipeline/internal/control"
	"github.com/sells-group/bom-pipeline/internal/metrics"
	"github.com/sells-group/bom-pipeline/internal/model"
	"github.com/sells-group/bom-pipeline/internal/progress"
)

// Store is the persistence the sub-pipeline needs.
type Store interface {
	ListLineItems(ctx context.Context, bomID string) ([]model.LineItem, error)
	AttachEnrichmentRun(ctx context.Context, runID, bomID string, total int) (*model.EnrichmentRun, error)
	ProcessedLineItems(ctx context.Context, runID string) (map[string]bool, error)
	WriteEnrichmentBatch(ctx context.Context, batch model.EnrichmentBatch) error
	FinishEnrichmentRun(ctx context.Context, runID string, status model.EnrichmentRunStatus) (*model.EnrichmentRun, error)
	LookupCatalog(ctx context.Context, keys []string) (map[string]model.CatalogEntry, error)
}

// Config tunes the sub-pipeline.
type Config struct {
	Concurrency      int
	AuditBatchSize   int
	ProgressInterval time.Duration
	Prefilter        bool
}

// Job is one invocation of the sub-pipeline.
type Job struct {
	BOMID          string
	OrganizationID string
	Level          model.EnrichmentLevel
	// Control is shared with the orchestrator. Nil means never paused or cancelled.
	Control *control.Control
	// OnProgress receives each coalesced snapshot, including the final one.
	OnProgress func(model.EnrichmentProgressState)
}

// Result is the narrow contract handed back to the orchestrator.
type Result struct {
	RunID    string
	Total    int
	Enriched int
	Failed   int
	Status   model.EnrichmentRunStatus
	Attempt  int
}

// RunID derives the deterministic sub-pipeline identity for a BOM.
func RunID(bomID string) string {
	return "enrich-" + bomID
}

// Runner executes enrichment jobs.
type Runner struct {
	store Store
	proc  ItemProcessor
	pub   progress.Publisher
	cfg   Config
	now   func() time.Time
}

// NewRunner creates a Runner. A nil publisher discards progress.
func NewRunner(st Store, proc ItemProcessor, pub progress.Publisher, cfg Config) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.AuditBatchSize <= 0 {
		cfg.AuditBatchSize = 50
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 500 * time.Millisecond
	}
	if pub == nil {
		pub = progress.Nop{}
	}
	return &Runner{store: st, proc: proc, pub: pub, cfg: cfg, now: time.Now}
}

// Run processes every not-yet-processed line item of the BOM. Re-running
// the same BOM attaches to the existing run record; items already audited are
// not processed again. A cancel stops dispatch, drains in-flight items and
// returns status cancelled. Errors are infrastructure failures only; item
// failures are counted.
func (r *Runner) Run(ctx context.Context, job Job) (*Result, error) {
	ctl := job.Control
	if ctl == nil {
		ctl = control.New()
	}
	runID := RunID(job.BOMID)
	log := zap.L().With(zap.String("bom_id", job.BOMID), zap.String("run_id", runID))

	items, err := r.store.ListLineItems(ctx, job.BOMID)
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: load line items")
	}

	run, err := r.store.AttachEnrichmentRun(ctx, runID, job.BOMID, len(items))
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: attach run")
	}
	if run.Status == model.EnrichmentRunCompleted {
		log.Info("enrichment: run already completed", zap.Int("enriched", run.Enriched), zap.Int("failed", run.Failed))
		res := resultFrom(run)
		r.emit(ctx, job, r.finalSnapshot(job.BOMID, runID, res))
		return res, nil
	}

	processed, err := r.store.ProcessedLineItems(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: load processed items")
	}
	pending := make([]model.LineItem, 0, len(items))
	for _, li := range items {
		if !processed[li.ID] {
			pending = append(pending, li)
		}
	}

	log.Info("enrichment: run started",
		zap.Int("attempt", run.Attempt),
		zap.Int("total", len(items)),
		zap.Int("pending", len(pending)),
		zap.Int("concurrency", r.cfg.Concurrency),
	)

	tr := newTracker(job.BOMID, runID, len(items), run.Enriched, run.Failed, r.cfg.Concurrency, r.now)
	b := newBatcher(r.store, runID, job.BOMID, r.cfg.AuditBatchSize)

	stopReporter := r.startReporter(ctx, job, tr)

	var dispatchErr error
	if r.cfg.Prefilter && len(pending) > 0 {
		pending, dispatchErr = r.prefilter(ctx, pending, tr, b, log)
	}
	if dispatchErr == nil {
		dispatchErr = r.dispatch(ctx, job, ctl, pending, tr, b)
	}
	stopReporter()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := b.flush(flushCtx); err != nil && dispatchErr == nil {
		dispatchErr = err
	}

	if ctx.Err() != nil {
		// Shutdown: leave the run open so the next attach resumes it.
		log.Warn("enrichment: interrupted", zap.Int("processed", tr.processed()), zap.Error(dispatchErr))
		r.emit(ctx, job, tr.snapshot(true))
		return nil, eris.Wrap(ctx.Err(), "enrichment: interrupted")
	}
	if dispatchErr != nil {
		if _, ferr := r.store.FinishEnrichmentRun(flushCtx, runID, model.EnrichmentRunFailed); ferr != nil {
			log.Error("enrichment: mark run failed", zap.Error(ferr))
		}
		r.emit(ctx, job, tr.snapshot(true))
		return nil, eris.Wrap(dispatchErr, "enrichment: run failed")
	}

	status := model.EnrichmentRunCompleted
	if tr.processed() < len(items) {
		status = model.EnrichmentRunCancelled
	}
	final, err := r.store.FinishEnrichmentRun(flushCtx, runID, status)
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: finish run")
	}

	res := resultFrom(final)
	r.emit(ctx, job, r.finalSnapshot(job.BOMID, runID, res))
	log.Info("enrichment: run finished",
		zap.String("status", string(res.Status)),
		zap.Int("enriched", res.Enriched),
		zap.Int("failed", res.Failed),
		zap.Int("total", res.Total),
	)
	return res, nil
}

// prefilter resolves pending items from the catalog in one batched lookup.
// Failure only costs throughput, so errors are logged and ignored.
func (r *Runner) prefilter(ctx context.Context, pending []model.LineItem, tr *tracker, b *batcher, log *zap.Logger) ([]model.LineItem, error) {
	keys := make([]string, 0, len(pending))
	seen := make(map[string]bool, len(pending))
	for _, li := range pending {
		if model.NormalizeMPN(li.MPN) == "" {
			continue
		}
		k := li.Key()
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return pending, nil
	}

	hits, err := r.store.LookupCatalog(ctx, keys)
	if err != nil {
		log.Warn("enrichment: catalog pre-filter failed", zap.Error(err))
		return pending, nil
	}
	if len(hits) == 0 {
		return pending, nil
	}

	rest := pending[:0:0]
	for _, li := range pending {
		entry, ok := hits[li.Key()]
		if !ok || model.NormalizeMPN(li.MPN) == "" {
			rest = append(rest, li)
			continue
		}
		ec := entry.Component(li)
		if err := r.record(ctx, li, Outcome{Component: &ec}, 0, tr, b); err != nil {
			return nil, err
		}
		metrics.PrefilterHits.Inc()
	}
	log.Info("enrichment: catalog pre-filter", zap.Int("resolved", len(pending)-len(rest)), zap.Int("remaining", len(rest)))
	return rest, nil
}

// dispatch fans pending items out to the processor. Pause and cancel are
// checked after a worker slot is free and before each item is handed off.
func (r *Runner) dispatch(ctx context.Context, job Job, ctl *control.Control, pending []model.LineItem, tr *tracker, b *batcher) error {
	if len(pending) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(r.cfg.Concurrency))

	for _, li := range pending {
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		if ctl.Paused() {
			zap.L().Info("enrichment: dispatch paused", zap.String("bom_id", job.BOMID))
		}
		if err := ctl.WaitIfPaused(gctx); err != nil {
			sem.Release(1)
			break
		}
		if ctl.Cancelled() {
			sem.Release(1)
			zap.L().Info("enrichment: dispatch cancelled, draining", zap.String("bom_id", job.BOMID))
			break
		}

		tr.start(li)
		g.Go(func() error {
			defer sem.Release(1)
			start := time.Now()
			out := r.proc.Process(gctx, li, job.Level)
			if out.Err != nil && gctx.Err() != nil {
				// Interrupted, not an item outcome; the item stays pending.
				return nil
			}
			return r.record(gctx, li, out, time.Since(start), tr, b)
		})
	}

	return g.Wait()
}

// record counts one terminal item outcome and stages its audit row.
func (r *Runner) record(ctx context.Context, li model.LineItem, out Outcome, took time.Duration, tr *tracker, b *batcher) error {
	ev := model.AuditEvent{
		LineItemID: li.ID,
		MPN:        li.MPN,
		Attempts:   out.Attempts,
		CreatedAt:  r.now().UTC(),
	}
	if out.Err != nil {
		ev.Outcome = model.AuditFailed
		ev.Error = out.Err.Error()
		metrics.RecordItem(string(model.AuditFailed), "", out.Attempts)
	} else {
		ev.Outcome = model.AuditEnriched
		ev.Source = out.Component.Source
		metrics.RecordItem(string(model.AuditEnriched), string(ev.Source), out.Attempts)
	}

	tr.finish(li, out, took)
	return b.add(ctx, ev, out.Component)
}

func (r *Runner) startReporter(ctx context.Context, job Job, tr *tracker) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(r.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if snap, ok := tr.takeDirty(); ok {
					r.emit(ctx, job, snap)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func (r *Runner) emit(ctx context.Context, job Job, snap model.EnrichmentProgressState) {
	r.pub.PublishEnrichment(ctx, &snap)
	if job.OnProgress != nil {
		job.OnProgress(snap)
	}
}

func (r *Runner) finalSnapshot(bomID, runID string, res *Result) model.EnrichmentProgressState {
	snap := model.EnrichmentProgressState{
		BOMID:         bomID,
		RunID:         runID,
		TotalItems:    res.Total,
		EnrichedItems: res.Enriched,
		FailedItems:   res.Failed,
		Final:         true,
		UpdatedAt:     r.now().UTC(),
	}
	snap.PercentComplete = percent(snap.Processed(), snap.TotalItems)
	return snap
}

func resultFrom(run *model.EnrichmentRun) *Result {
	return &Result{
		RunID:    run.RunID,
		Total:    run.Total,
		Enriched: run.Enriched,
		Failed:   run.Failed,
		Status:   run.Status,
		Attempt:  run.Attempt,
	}
}
