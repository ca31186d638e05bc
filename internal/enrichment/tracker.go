package enrichment

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/bom-pipeline/internal/model"
)

// tracker holds the sub-pipeline's live counters. Counters start from the
// persisted run totals so a resumed run reports cumulative progress.
type tracker struct {
	bomID       string
	runID       string
	total       int
	concurrency int
	now         func() time.Time

	enriched atomic.Int64
	failed   atomic.Int64

	mu         sync.Mutex
	current    *model.ComponentQueueItem
	dirty      bool
	latencySum time.Duration
	latencyN   int
}

func newTracker(bomID, runID string, total, enriched, failed, concurrency int, now func() time.Time) *tracker {
	t := &tracker{bomID: bomID, runID: runID, total: total, concurrency: concurrency, now: now, dirty: true}
	t.enriched.Store(int64(enriched))
	t.failed.Store(int64(failed))
	return t
}

func (t *tracker) processed() int {
	return int(t.enriched.Load() + t.failed.Load())
}

func (t *tracker) start(li model.LineItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = &model.ComponentQueueItem{
		MPN:          li.MPN,
		Manufacturer: li.Manufacturer,
		Status:       model.QueueItemProcessing,
	}
	t.dirty = true
}

func (t *tracker) finish(li model.LineItem, out Outcome, took time.Duration) {
	item := &model.ComponentQueueItem{MPN: li.MPN, Manufacturer: li.Manufacturer}
	if out.Err != nil {
		t.failed.Add(1)
		item.Status = model.QueueItemFailed
		item.ErrorMessage = out.Err.Error()
	} else {
		t.enriched.Add(1)
		item.Status = model.QueueItemDone
		conf := out.Component.MatchConfidence
		item.MatchConfidence = &conf
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = item
	t.dirty = true
	if took > 0 {
		t.latencySum += took
		t.latencyN++
	}
}

// takeDirty returns a snapshot if anything changed since the last one.
func (t *tracker) takeDirty() (model.EnrichmentProgressState, bool) {
	t.mu.Lock()
	dirty := t.dirty
	t.dirty = false
	t.mu.Unlock()
	if !dirty {
		return model.EnrichmentProgressState{}, false
	}
	return t.snapshot(false), true
}

func (t *tracker) snapshot(final bool) model.EnrichmentProgressState {
	enriched := int(t.enriched.Load())
	failed := int(t.failed.Load())

	t.mu.Lock()
	var current *model.ComponentQueueItem
	if t.current != nil {
		c := *t.current
		current = &c
	}
	latencySum, latencyN := t.latencySum, t.latencyN
	t.mu.Unlock()

	snap := model.EnrichmentProgressState{
		BOMID:           t.bomID,
		RunID:           t.runID,
		TotalItems:      t.total,
		EnrichedItems:   enriched,
		FailedItems:     failed,
		PercentComplete: percent(enriched+failed, t.total),
		CurrentItem:     current,
		Final:           final,
		UpdatedAt:       t.now().UTC(),
	}

	remaining := t.total - enriched - failed
	if !final && latencyN > 0 && remaining > 0 {
		workers := t.concurrency
		if remaining < workers {
			workers = remaining
		}
		mean := latencySum.Seconds() / float64(latencyN)
		eta := math.Round(mean*float64(remaining)/float64(workers)*10) / 10
		snap.EstimatedTimeRemaining = &eta
	}
	return snap
}

func percent(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	if done > total {
		done = total
	}
	return math.Round(float64(done)/float64(total)*10000) / 100
}

// batcher stages audit rows and components and writes them with their
// counter deltas in one store call per batch.
type batcher struct {
	store Store
	size  int

	mu      sync.Mutex
	pending model.EnrichmentBatch
}

func newBatcher(st Store, runID, bomID string, size int) *batcher {
	return &batcher{
		store:   st,
		size:    size,
		pending: model.EnrichmentBatch{RunID: runID, BOMID: bomID},
	}
}

func (b *batcher) add(ctx context.Context, ev model.AuditEvent, comp *model.EnrichedComponent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev.ID = uuid.NewString()
	ev.RunID = b.pending.RunID
	ev.BOMID = b.pending.BOMID
	b.pending.Events = append(b.pending.Events, ev)
	if ev.Outcome == model.AuditEnriched {
		b.pending.EnrichedDelta++
		if comp != nil {
			b.pending.Components = append(b.pending.Components, *comp)
		}
	} else {
		b.pending.FailedDelta++
	}

	if len(b.pending.Events) >= b.size {
		return b.flushLocked(ctx)
	}
	return nil
}

func (b *batcher) flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

func (b *batcher) flushLocked(ctx context.Context) error {
	if b.pending.Empty() {
		return nil
	}
	if err := b.store.WriteEnrichmentBatch(ctx, b.pending); err != nil {
		return eris.Wrapf(err, "enrichment: write batch of %d", len(b.pending.Events))
	}
	b.pending = model.EnrichmentBatch{RunID: b.pending.RunID, BOMID: b.pending.BOMID}
	return nil
}
