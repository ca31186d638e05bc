package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bom-pipeline/internal/enrichment"
	"github.com/sells-group/bom-pipeline/internal/model"
	"github.com/sells-group/bom-pipeline/internal/resilience"
)

func assertStageOrder(t *testing.T, snaps []*model.PipelineState) {
	t.Helper()
	last := -1
	skipped := map[model.Stage]bool{}
	for _, s := range snaps {
		idx := s.CurrentStage.Index()
		assert.GreaterOrEqual(t, idx, last, "current_stage moved backwards to %s", s.CurrentStage)
		last = idx
		for stage, info := range s.Stages {
			if info.Status == model.StageStatusSkipped {
				skipped[stage] = true
			}
			if skipped[stage] {
				assert.NotEqual(t, model.StageStatusInProgress, info.Status, "skipped stage %s re-entered", stage)
			}
		}
	}
}

func TestOrchestrator_PartialEnrichmentCompletes(t *testing.T) {
	var fail []string
	for _, i := range []int{7, 33, 64, 120, 150} {
		fail = append(fail, fmt.Sprintf("MPN%d", i))
	}
	proc := newStubProcessor(fail...)
	h := newHarness(t, proc, 8)
	req := writeBOM(t, h.store, h.dir, "bom-150", 150)

	st, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.PipelineStatusCompleted, st.Status)
	assert.Equal(t, model.StageComplete, st.CurrentStage)
	assert.Equal(t, 150, st.TotalItems)
	assert.Equal(t, 145, st.EnrichedItems)
	assert.Equal(t, 5, st.FailedItems)
	assert.Equal(t, st.TotalItems, st.EnrichedItems+st.FailedItems)
	assert.True(t, st.Degraded())
	assert.Empty(t, st.ErrorMessage)
	assert.NotNil(t, st.StartedAt)
	assert.NotNil(t, st.CompletedAt)

	for _, stage := range model.Stages() {
		assert.Equal(t, model.StageStatusCompleted, st.Stages[stage].Status, stage)
	}
	enrich := st.Stages[model.StageEnrichment]
	assert.Equal(t, 150, enrich.ItemsProcessed)
	assert.Equal(t, 100, enrich.Progress)

	assert.Equal(t, 145, st.RiskScoredItems)
	assert.Equal(t, "A", st.HealthGrade)
	assert.Equal(t, 150, proc.calls())

	stored, err := h.store.GetPipeline(context.Background(), "bom-150")
	require.NoError(t, err)
	assert.Equal(t, model.PipelineStatusCompleted, stored.Status)
	assert.Equal(t, 145, stored.EnrichedItems)
	assert.Equal(t, 5, stored.FailedItems)

	assertStageOrder(t, h.pub.snapshots())
}

func TestOrchestrator_SkipEnrichment(t *testing.T) {
	proc := newStubProcessor()
	h := newHarness(t, proc, 2)
	req := writeBOM(t, h.store, h.dir, "bom-1", 10)
	req.SkipEnrichment = true

	st, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, model.PipelineStatusCompleted, st.Status)
	enrich := st.Stages[model.StageEnrichment]
	assert.Equal(t, model.StageStatusSkipped, enrich.Status)
	assert.Zero(t, enrich.Progress)
	assert.Nil(t, enrich.StartedAt)
	assert.Equal(t, model.StageStatusCompleted, st.Stages[model.StageRiskAnalysis].Status)
	assert.Zero(t, proc.calls())
	assert.Zero(t, st.RiskScoredItems)
	assert.Equal(t, "N/A", st.HealthGrade)

	for _, s := range h.pub.snapshots() {
		assert.NotEqual(t, model.StageStatusInProgress, s.Stages[model.StageEnrichment].Status)
	}
	assertStageOrder(t, h.pub.snapshots())
}

func TestOrchestrator_SkipRiskAnalysis(t *testing.T) {
	h := newHarness(t, newStubProcessor(), 2)
	req := writeBOM(t, h.store, h.dir, "bom-1", 3)
	req.SkipRiskAnalysis = true

	st, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.PipelineStatusCompleted, st.Status)
	assert.Equal(t, model.StageStatusSkipped, st.Stages[model.StageRiskAnalysis].Status)
	assert.Empty(t, st.HealthGrade)
	assert.Equal(t, 3, st.EnrichedItems)
}

func TestOrchestrator_MissingArtifactFails(t *testing.T) {
	h := newHarness(t, newStubProcessor(), 2)

	st, err := h.orch.Run(context.Background(), testRequest("bom-missing"))
	require.NoError(t, err)

	assert.Equal(t, model.PipelineStatusFailed, st.Status)
	assert.Equal(t, model.StageRawUpload, st.CurrentStage)
	assert.Equal(t, model.StageStatusFailed, st.Stages[model.StageRawUpload].Status)
	assert.Equal(t, model.StageStatusPending, st.Stages[model.StageParsing].Status)
	assert.Contains(t, st.ErrorMessage, "raw_upload")
	assert.Contains(t, st.ErrorMessage, "does not exist")
	assert.NotNil(t, st.CompletedAt)
}

func TestOrchestrator_ParsingInputErrorNotRetried(t *testing.T) {
	v := &mockVerifier{}
	v.On("Verify", mock.Anything, mock.Anything).Return(nil)
	c := &mockCounter{}
	c.On("Count", mock.Anything, mock.Anything).
		Return(0, fmt.Errorf("wrapped: %w", ErrInputInvalid)).Once()
	h := newMockHarness(t, v, c, &mockEnricher{})

	st, err := h.orch.Run(context.Background(), testRequest("bom-1"))
	require.NoError(t, err)

	assert.Equal(t, model.PipelineStatusFailed, st.Status)
	assert.Equal(t, model.StageStatusFailed, st.Stages[model.StageParsing].Status)
	assert.Contains(t, st.ErrorMessage, "parsing")
	c.AssertNumberOfCalls(t, "Count", 1)
}

func TestOrchestrator_ParsingTransientRetried(t *testing.T) {
	v := &mockVerifier{}
	v.On("Verify", mock.Anything, mock.Anything).Return(nil)
	c := &mockCounter{}
	c.On("Count", mock.Anything, mock.Anything).
		Return(0, resilience.NewTransientError(errors.New("db unavailable"), 0)).Once()
	c.On("Count", mock.Anything, mock.Anything).Return(12, nil).Once()
	e := &mockEnricher{}
	e.On("Run", mock.Anything, mock.Anything).Return(&enrichment.Result{
		RunID: "enrich-bom-1", Total: 12, Enriched: 12, Status: model.EnrichmentRunCompleted, Attempt: 1,
	}, nil)
	h := newMockHarness(t, v, c, e)

	st, err := h.orch.Run(context.Background(), testRequest("bom-1"))
	require.NoError(t, err)

	assert.Equal(t, model.PipelineStatusCompleted, st.Status)
	assert.Equal(t, 12, st.TotalItems)
	c.AssertNumberOfCalls(t, "Count", 2)
}

func TestOrchestrator_ZeroItemsIsInputError(t *testing.T) {
	v := &mockVerifier{}
	v.On("Verify", mock.Anything, mock.Anything).Return(nil)
	c := &mockCounter{}
	c.On("Count", mock.Anything, mock.Anything).Return(0, nil)
	h := newMockHarness(t, v, c, &mockEnricher{})

	st, err := h.orch.Run(context.Background(), testRequest("bom-1"))
	require.NoError(t, err)
	assert.Equal(t, model.PipelineStatusFailed, st.Status)
	assert.Contains(t, st.ErrorMessage, "no line items")
}

func TestOrchestrator_EnrichmentRetriedThenFails(t *testing.T) {
	v := &mockVerifier{}
	v.On("Verify", mock.Anything, mock.Anything).Return(nil)
	c := &mockCounter{}
	c.On("Count", mock.Anything, mock.Anything).Return(10, nil)
	e := &mockEnricher{}
	e.On("Run", mock.Anything, mock.MatchedBy(func(j enrichment.Job) bool { return j.BOMID == "bom-1" })).
		Return(nil, errors.New("supplier outage"))
	h := newMockHarness(t, v, c, e)
	ctx := context.Background()

	ex, err := h.orch.Prepare(ctx, testRequest("bom-1"))
	require.NoError(t, err)

	// Counts committed by an earlier partial attempt.
	runID := enrichment.RunID("bom-1")
	_, err = h.store.AttachEnrichmentRun(ctx, runID, "bom-1", 10)
	require.NoError(t, err)
	require.NoError(t, h.store.WriteEnrichmentBatch(ctx, model.EnrichmentBatch{
		RunID: runID,
		BOMID: "bom-1",
		Events: []model.AuditEvent{
			{ID: "a1", LineItemID: "bom-1:1", MPN: "MPN1", Outcome: model.AuditEnriched, CreatedAt: time.Now()},
			{ID: "a2", LineItemID: "bom-1:2", MPN: "MPN2", Outcome: model.AuditEnriched, CreatedAt: time.Now()},
			{ID: "a3", LineItemID: "bom-1:3", MPN: "MPN3", Outcome: model.AuditFailed, CreatedAt: time.Now()},
		},
		EnrichedDelta: 2,
		FailedDelta:   1,
	}))

	st, err := ex.Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.PipelineStatusFailed, st.Status)
	assert.Equal(t, model.StageEnrichment, st.CurrentStage)
	assert.Equal(t, model.StageStatusFailed, st.Stages[model.StageEnrichment].Status)
	assert.Equal(t, model.StageStatusPending, st.Stages[model.StageRiskAnalysis].Status)
	assert.Contains(t, st.ErrorMessage, "supplier outage")
	assert.Equal(t, 2, st.EnrichedItems)
	assert.Equal(t, 1, st.FailedItems)
	e.AssertNumberOfCalls(t, "Run", 3)
}

func TestOrchestrator_EnrichmentRetrySucceeds(t *testing.T) {
	v := &mockVerifier{}
	v.On("Verify", mock.Anything, mock.Anything).Return(nil)
	c := &mockCounter{}
	c.On("Count", mock.Anything, mock.Anything).Return(4, nil)
	e := &mockEnricher{}
	e.On("Run", mock.Anything, mock.Anything).Return(nil, errors.New("store timeout")).Once()
	e.On("Run", mock.Anything, mock.Anything).Return(&enrichment.Result{
		RunID: "enrich-bom-1", Total: 4, Enriched: 3, Failed: 1, Status: model.EnrichmentRunCompleted, Attempt: 2,
	}, nil).Once()
	h := newMockHarness(t, v, c, e)

	st, err := h.orch.Run(context.Background(), testRequest("bom-1"))
	require.NoError(t, err)

	assert.Equal(t, model.PipelineStatusCompleted, st.Status)
	assert.Equal(t, model.StageStatusCompleted, st.Stages[model.StageEnrichment].Status)
	e.AssertNumberOfCalls(t, "Run", 2)
}

func TestOrchestrator_ResumesFromCurrentStage(t *testing.T) {
	proc := newStubProcessor()
	st := newTestStore(t)
	dir := t.TempDir()
	req := writeBOM(t, st, dir, "bom-1", 5)

	// Verifier and counter have no expectations: calling either fails the test.
	v := &mockVerifier{}
	c := &mockCounter{}
	runner := enrichment.NewRunner(st, proc, nil, enrichment.Config{Concurrency: 2, AuditBatchSize: 2})
	orch := New(st, Collaborators{Verifier: v, Counter: c, Enricher: runner, Scorer: scorerStub{}}, nil, testConfig())

	ctx := context.Background()
	ps := model.NewPipelineState(req, time.Now().UTC())
	_, _, err := st.CreatePipeline(ctx, ps)
	require.NoError(t, err)
	now := time.Now().UTC()
	ps.Status = model.PipelineStatusRunning
	ps.StartedAt = &now
	ps.TotalItems = 5
	ps.CurrentStage = model.StageEnrichment
	ps.Stages[model.StageRawUpload].Status = model.StageStatusCompleted
	ps.Stages[model.StageParsing].Status = model.StageStatusCompleted
	ps.Stages[model.StageEnrichment].Status = model.StageStatusInProgress
	require.NoError(t, st.SavePipeline(ctx, ps))

	got, err := orch.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.PipelineStatusCompleted, got.Status)
	assert.Equal(t, 5, got.EnrichedItems)
	assert.Equal(t, 5, proc.calls())
	v.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
	c.AssertNotCalled(t, "Count", mock.Anything, mock.Anything)
}

func TestOrchestrator_TerminalStateNotRerun(t *testing.T) {
	proc := newStubProcessor()
	h := newHarness(t, proc, 2)
	req := writeBOM(t, h.store, h.dir, "bom-1", 3)

	first, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, model.PipelineStatusCompleted, first.Status)

	second, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.PipelineStatusCompleted, second.Status)
	assert.Equal(t, first.CompletedAt.Unix(), second.CompletedAt.Unix())
	assert.Equal(t, 3, proc.calls())
}

func TestOrchestrator_InterruptedRunResumes(t *testing.T) {
	gated := newGatedProcessor(10)
	h := newHarness(t, gated, 2)
	req := writeBOM(t, h.store, h.dir, "bom-1", 4)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(ctx, req)
		errc <- err
	}()
	gated.waitStarted(t, 2)
	cancel()

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	stored, err := h.store.GetPipeline(context.Background(), "bom-1")
	require.NoError(t, err)
	assert.Equal(t, model.PipelineStatusRunning, stored.Status)
	assert.Equal(t, model.StageEnrichment, stored.CurrentStage)

	close(gated.gate)
	st, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.PipelineStatusCompleted, st.Status)
	assert.Equal(t, 4, st.EnrichedItems)
	assert.Zero(t, st.FailedItems)
}

func TestOrchestrator_InvalidRequest(t *testing.T) {
	h := newHarness(t, newStubProcessor(), 1)

	_, err := h.orch.Run(context.Background(), model.BOMProcessingRequest{BOMID: "bom-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInputInvalid)

	_, err = h.store.GetPipeline(context.Background(), "bom-1")
	assert.Error(t, err)
}

func TestOrchestrator_RiskRetriedOnTransient(t *testing.T) {
	v := &mockVerifier{}
	v.On("Verify", mock.Anything, mock.Anything).Return(nil)
	c := &mockCounter{}
	c.On("Count", mock.Anything, mock.Anything).Return(1, nil)
	e := &mockEnricher{}
	e.On("Run", mock.Anything, mock.Anything).Return(&enrichment.Result{Total: 1, Enriched: 1, Status: model.EnrichmentRunCompleted}, nil)
	st := newTestStore(t)
	scorer := &flakyScorer{failures: 2}
	orch := New(st, Collaborators{Verifier: v, Counter: c, Enricher: e, Scorer: scorer}, nil, testConfig())

	got, err := orch.Run(context.Background(), testRequest("bom-1"))
	require.NoError(t, err)
	assert.Equal(t, model.PipelineStatusCompleted, got.Status)
	assert.Equal(t, 3, scorer.calls)
	assert.Equal(t, "B", got.HealthGrade)
}

func TestFileVerifier(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	req := writeBOM(t, st, dir, "bom-1", 1)

	v := FileVerifier{Dir: dir}
	assert.NoError(t, v.Verify(context.Background(), req))

	err := v.Verify(context.Background(), testRequest("nope"))
	assert.ErrorIs(t, err, ErrInputInvalid)

	err = v.Verify(context.Background(), model.BOMProcessingRequest{Filename: "."})
	assert.ErrorIs(t, err, ErrInputInvalid)
}

func TestUploadPath(t *testing.T) {
	dir := t.TempDir()

	path, err := UploadPath(dir, "boms/a.csv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "boms", "a.csv"), path)

	for _, name := range []string{"", "/etc/passwd", "../a.csv", "boms/../../a.csv"} {
		_, err := UploadPath(dir, name)
		assert.ErrorIs(t, err, ErrInputInvalid, name)
	}
}

func TestStoredItemCounter(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	req := writeBOM(t, st, dir, "bom-1", 7)
	ctx := context.Background()

	n, err := StoredItemCounter{Store: st, Dir: dir}.Count(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	// Stored rows no longer match the artifact.
	items, err := st.ListLineItems(ctx, "bom-1")
	require.NoError(t, err)
	require.NoError(t, st.InsertLineItems(ctx, "bom-1", items[:5]))
	_, err = StoredItemCounter{Store: st, Dir: dir}.Count(ctx, req)
	assert.ErrorIs(t, err, ErrInputInvalid)
	assert.False(t, resilience.IsTransient(err))

	_, err = StoredItemCounter{Store: st, Dir: dir}.Count(ctx, testRequest("bom-none"))
	assert.ErrorIs(t, err, ErrInputInvalid)
}

type scorerStub struct{}

func (scorerStub) Score(_ context.Context, comps []model.EnrichedComponent) (*model.RiskResult, error) {
	return &model.RiskResult{ScoredItems: len(comps), HealthGrade: "A"}, nil
}

type flakyScorer struct {
	failures int
	calls    int
}

func (s *flakyScorer) Score(context.Context, []model.EnrichedComponent) (*model.RiskResult, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, resilience.NewTransientError(errors.New("scoring service busy"), 503)
	}
	return &model.RiskResult{AverageScore: 25, HealthGrade: "B"}, nil
}
