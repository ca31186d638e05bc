package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bom-pipeline/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedPipeline(t *testing.T, st Store, bomID string) *model.PipelineState {
	t.Helper()
	req := model.BOMProcessingRequest{BOMID: bomID, OrganizationID: "org-1", Filename: bomID + ".csv"}
	ps, created, err := st.CreatePipeline(context.Background(), model.NewPipelineState(req, time.Now().UTC()))
	require.NoError(t, err)
	require.True(t, created)
	return ps
}

func lineItems(bomID string, n int) []model.LineItem {
	items := make([]model.LineItem, n)
	for i := range items {
		items[i] = model.LineItem{
			ID:           bomID + ":" + string(rune('a'+i)),
			BOMID:        bomID,
			Position:     i + 1,
			MPN:          "MPN" + string(rune('A'+i)),
			Manufacturer: "Acme",
			Quantity:     i + 1,
		}
	}
	return items
}

// --- Pipelines ---

func TestSQLite_CreatePipeline_InsertOrGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ps := seedPipeline(t, st, "bom-1")
	assert.Equal(t, model.PipelineStatusPending, ps.Status)

	again := model.NewPipelineState(model.BOMProcessingRequest{BOMID: "bom-1", OrganizationID: "other"}, time.Now())
	got, created, err := st.CreatePipeline(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "org-1", got.OrganizationID)
	assert.Equal(t, "bom-1.csv", got.Request.Filename)
}

func TestSQLite_GetPipeline_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetPipeline(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_SavePipeline_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	ps := seedPipeline(t, st, "bom-1")

	now := time.Now().UTC().Truncate(time.Second)
	ps.Status = model.PipelineStatusRunning
	ps.CurrentStage = model.StageEnrichment
	ps.StartedAt = &now
	ps.TotalItems = 12
	ps.Stage(model.StageParsing).Status = model.StageStatusCompleted
	ps.Stage(model.StageParsing).SetProgress(12, 12)
	ps.Stage(model.StageEnrichment).Status = model.StageStatusInProgress
	ps.UpdatedAt = now
	require.NoError(t, st.SavePipeline(ctx, ps))

	got, err := st.GetPipeline(ctx, "bom-1")
	require.NoError(t, err)
	assert.Equal(t, model.PipelineStatusRunning, got.Status)
	assert.Equal(t, model.StageEnrichment, got.CurrentStage)
	assert.Equal(t, 12, got.TotalItems)
	require.NotNil(t, got.StartedAt)
	assert.True(t, now.Equal(*got.StartedAt))
	assert.Nil(t, got.PausedAt)
	assert.Equal(t, model.StageStatusCompleted, got.Stages[model.StageParsing].Status)
	assert.Equal(t, 100, got.Stages[model.StageParsing].Progress)
	assert.Equal(t, model.StageStatusPending, got.Stages[model.StageRiskAnalysis].Status)
}

func TestSQLite_SavePipeline_DoesNotTouchEnrichmentCounters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	ps := seedPipeline(t, st, "bom-1")

	require.NoError(t, st.WriteEnrichmentBatch(ctx, model.EnrichmentBatch{
		RunID: "enrich-bom-1", BOMID: "bom-1", EnrichedDelta: 3, FailedDelta: 1,
	}))

	// A stale in-memory copy with zero counters must not clobber the store.
	ps.Status = model.PipelineStatusRunning
	require.NoError(t, st.SavePipeline(ctx, ps))

	got, err := st.GetPipeline(ctx, "bom-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.EnrichedItems)
	assert.Equal(t, 1, got.FailedItems)
}

func TestSQLite_SavePipeline_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)
	ps := model.NewPipelineState(model.BOMProcessingRequest{BOMID: "ghost"}, time.Now())

	err := st.SavePipeline(context.Background(), ps)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ListPipelines_Filter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := seedPipeline(t, st, "bom-a")
	seedPipeline(t, st, "bom-b")
	a.Status = model.PipelineStatusRunning
	require.NoError(t, st.SavePipeline(ctx, a))

	all, err := st.ListPipelines(ctx, model.PipelineFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := st.ListPipelines(ctx, model.PipelineFilter{
		Statuses: []model.PipelineStatus{model.PipelineStatusRunning, model.PipelineStatusPaused},
	})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "bom-a", running[0].BOMID)

	none, err := st.ListPipelines(ctx, model.PipelineFilter{OrganizationID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

// --- Line items ---

func TestSQLite_LineItems(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertLineItems(ctx, "bom-1", lineItems("bom-1", 3)))
	n, err := st.CountLineItems(ctx, "bom-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Re-import replaces the previous set.
	require.NoError(t, st.InsertLineItems(ctx, "bom-1", lineItems("bom-1", 2)))
	items, err := st.ListLineItems(ctx, "bom-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].Position)
	assert.Equal(t, "MPNB", items[1].MPN)

	n, err = st.CountLineItems(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// --- Enrichment runs ---

func TestSQLite_AttachEnrichmentRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.AttachEnrichmentRun(ctx, "enrich-bom-1", "bom-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, model.EnrichmentRunRunning, run.Status)
	assert.Equal(t, 10, run.Total)

	// Re-attach after a cancel bumps the attempt and reopens the run.
	_, err = st.FinishEnrichmentRun(ctx, "enrich-bom-1", model.EnrichmentRunCancelled)
	require.NoError(t, err)
	run, err = st.AttachEnrichmentRun(ctx, "enrich-bom-1", "bom-1", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Attempt)
	assert.Equal(t, model.EnrichmentRunRunning, run.Status)

	// A completed run is returned untouched.
	done, err := st.FinishEnrichmentRun(ctx, "enrich-bom-1", model.EnrichmentRunCompleted)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	run, err = st.AttachEnrichmentRun(ctx, "enrich-bom-1", "bom-1", 99)
	require.NoError(t, err)
	assert.Equal(t, 2, run.Attempt)
	assert.Equal(t, model.EnrichmentRunCompleted, run.Status)
	assert.Equal(t, 10, run.Total)
}

func TestSQLite_FinishEnrichmentRun_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.FinishEnrichmentRun(context.Background(), "nope", model.EnrichmentRunCompleted)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_WriteEnrichmentBatch(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	seedPipeline(t, st, "bom-1")
	_, err := st.AttachEnrichmentRun(ctx, "enrich-bom-1", "bom-1", 2)
	require.NoError(t, err)

	now := time.Now().UTC()
	batch := model.EnrichmentBatch{
		RunID: "enrich-bom-1",
		BOMID: "bom-1",
		Events: []model.AuditEvent{
			{ID: "ev-1", LineItemID: "bom-1:1", MPN: "LM317T", Outcome: model.AuditEnriched, Source: model.SourceSupplier, Attempts: 2, CreatedAt: now},
			{ID: "ev-2", LineItemID: "bom-1:2", MPN: "BOGUS", Outcome: model.AuditFailed, Attempts: 1, Error: "no match", CreatedAt: now},
		},
		Components: []model.EnrichedComponent{{
			LineItemID:      "bom-1:1",
			MPN:             "LM317T",
			Manufacturer:    "TI",
			MatchConfidence: 0.95,
			Source:          model.SourceSupplier,
			LifecycleStatus: "active",
			Stock:           500,
			SupplierCount:   4,
			Fields:          map[string]any{"package": "TO-220"},
		}},
		EnrichedDelta: 1,
		FailedDelta:   1,
	}
	require.NoError(t, st.WriteEnrichmentBatch(ctx, batch))

	processed, err := st.ProcessedLineItems(ctx, "enrich-bom-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"bom-1:1": true, "bom-1:2": true}, processed)

	run, err := st.GetEnrichmentRun(ctx, "enrich-bom-1")
	require.NoError(t, err)
	assert.Equal(t, 1, run.Enriched)
	assert.Equal(t, 1, run.Failed)

	ps, err := st.GetPipeline(ctx, "bom-1")
	require.NoError(t, err)
	assert.Equal(t, 1, ps.EnrichedItems)
	assert.Equal(t, 1, ps.FailedItems)

	comps, err := st.ListEnrichedComponents(ctx, "bom-1")
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, "TO-220", comps[0].Fields["package"])
	assert.Equal(t, model.SourceSupplier, comps[0].Source)

	// Supplier results feed the catalog.
	cat, err := st.LookupCatalog(ctx, []string{model.ComponentKey("LM317T", "TI"), "UNKNOWN|X"})
	require.NoError(t, err)
	require.Len(t, cat, 1)
	assert.Equal(t, 500, cat["LM317T|TI"].Stock)

	// Duplicate audit rows for the same item are rejected with the whole batch.
	err = st.WriteEnrichmentBatch(ctx, model.EnrichmentBatch{
		RunID:         "enrich-bom-1",
		BOMID:         "bom-1",
		Events:        []model.AuditEvent{{ID: "ev-3", LineItemID: "bom-1:1", MPN: "LM317T", Outcome: model.AuditEnriched, CreatedAt: now}},
		EnrichedDelta: 1,
	})
	require.Error(t, err)
	run, err = st.GetEnrichmentRun(ctx, "enrich-bom-1")
	require.NoError(t, err)
	assert.Equal(t, 1, run.Enriched)
}

func TestSQLite_WriteEnrichmentBatch_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.WriteEnrichmentBatch(context.Background(), model.EnrichmentBatch{RunID: "r"}))
}

func TestSQLite_Catalog(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	entries := []model.CatalogEntry{
		{Key: "A|X", MPN: "A", Manufacturer: "X", Stock: 1, UpdatedAt: time.Now()},
		{Key: "B|Y", MPN: "B", Manufacturer: "Y", Stock: 2, UpdatedAt: time.Now()},
	}
	require.NoError(t, st.UpsertCatalog(ctx, entries))

	entries[0].Stock = 10
	require.NoError(t, st.UpsertCatalog(ctx, entries[:1]))

	got, err := st.LookupCatalog(ctx, []string{"A|X", "B|Y"})
	require.NoError(t, err)
	assert.Equal(t, 10, got["A|X"].Stock)
	assert.Equal(t, 2, got["B|Y"].Stock)

	empty, err := st.LookupCatalog(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// --- Signals ---

func TestSQLite_Signals(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.AppendSignal(ctx, model.Signal{ID: "s1", BOMID: "bom-1", Kind: model.SignalPause, CreatedAt: now}))
	require.NoError(t, st.AppendSignal(ctx, model.Signal{ID: "s2", BOMID: "bom-1", Kind: model.SignalResume, CreatedAt: now}))
	require.NoError(t, st.AppendSignal(ctx, model.Signal{ID: "s3", BOMID: "bom-2", Kind: model.SignalCancel, CreatedAt: now}))
	// Re-appending the same id is a no-op.
	require.NoError(t, st.AppendSignal(ctx, model.Signal{ID: "s1", BOMID: "bom-1", Kind: model.SignalPause, CreatedAt: now}))

	pending, err := st.PendingSignals(ctx, "bom-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, model.SignalPause, pending[0].Kind)
	assert.Equal(t, model.SignalResume, pending[1].Kind)

	require.NoError(t, st.MarkSignalApplied(ctx, "s1", now))
	pending, err = st.PendingSignals(ctx, "bom-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "s2", pending[0].ID)
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
