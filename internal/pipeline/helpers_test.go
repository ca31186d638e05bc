package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bom-pipeline/internal/bomfile"
	"github.com/sells-group/bom-pipeline/internal/enrichment"
	"github.com/sells-group/bom-pipeline/internal/model"
	"github.com/sells-group/bom-pipeline/internal/risk"
	"github.com/sells-group/bom-pipeline/internal/store"
)

// --- Store and fixtures ---

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// writeBOM writes an n-row CSV into dir and imports its line items.
func writeBOM(t *testing.T, st *store.SQLiteStore, dir, bomID string, n int) model.BOMProcessingRequest {
	t.Helper()
	var b strings.Builder
	b.WriteString("MPN,Manufacturer,Qty\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "MPN%d,Acme,%d\n", i, i)
	}
	name := bomID + ".csv"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644))

	items, err := bomfile.Parse(context.Background(), bomID, filepath.Join(dir, name))
	require.NoError(t, err)
	require.NoError(t, st.InsertLineItems(context.Background(), bomID, items))

	return model.BOMProcessingRequest{BOMID: bomID, OrganizationID: "org-1", Filename: name}
}

// --- Item processors ---

// stubProcessor enriches every item except the MPNs in fail.
type stubProcessor struct {
	fail map[string]bool
	mu   sync.Mutex
	seen map[string]int
}

func newStubProcessor(fail ...string) *stubProcessor {
	p := &stubProcessor{fail: map[string]bool{}, seen: map[string]int{}}
	for _, mpn := range fail {
		p.fail[mpn] = true
	}
	return p
}

func (p *stubProcessor) Process(_ context.Context, li model.LineItem, _ model.EnrichmentLevel) enrichment.Outcome {
	p.mu.Lock()
	p.seen[li.ID]++
	p.mu.Unlock()
	if p.fail[li.MPN] {
		return enrichment.Outcome{Attempts: 1, Err: enrichment.ErrNoMatch}
	}
	return enrichment.Outcome{Component: component(li), Attempts: 1}
}

func (p *stubProcessor) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.seen {
		n += c
	}
	return n
}

func component(li model.LineItem) *model.EnrichedComponent {
	return &model.EnrichedComponent{
		LineItemID:      li.ID,
		MPN:             li.MPN,
		Manufacturer:    li.Manufacturer,
		Source:          model.SourceSupplier,
		MatchConfidence: 0.95,
		LifecycleStatus: "active",
		Stock:           5000,
		SupplierCount:   4,
		LeadTimeDays:    7,
	}
}

// gatedProcessor blocks each item until gate yields.
type gatedProcessor struct {
	started chan string
	gate    chan struct{}
}

func newGatedProcessor(n int) *gatedProcessor {
	return &gatedProcessor{started: make(chan string, n), gate: make(chan struct{})}
}

func (p *gatedProcessor) Process(ctx context.Context, li model.LineItem, _ model.EnrichmentLevel) enrichment.Outcome {
	p.started <- li.ID
	select {
	case <-p.gate:
	case <-ctx.Done():
		return enrichment.Outcome{Err: ctx.Err()}
	}
	return enrichment.Outcome{Component: component(li), Attempts: 1}
}

func (p *gatedProcessor) waitStarted(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.started:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for item %d", i+1)
		}
	}
}

// holdingProcessor behaves like stubProcessor but holds one MPN until
// release is closed.
type holdingProcessor struct {
	*stubProcessor
	hold    string
	release chan struct{}
}

func (p *holdingProcessor) Process(ctx context.Context, li model.LineItem, level model.EnrichmentLevel) enrichment.Outcome {
	if li.MPN == p.hold {
		select {
		case <-p.release:
		case <-ctx.Done():
			return enrichment.Outcome{Err: ctx.Err()}
		}
	}
	return p.stubProcessor.Process(ctx, li, level)
}

// --- Mocks ---

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Verify(ctx context.Context, req model.BOMProcessingRequest) error {
	return m.Called(ctx, req).Error(0)
}

type mockCounter struct {
	mock.Mock
}

func (m *mockCounter) Count(ctx context.Context, req model.BOMProcessingRequest) (int, error) {
	args := m.Called(ctx, req)
	return args.Int(0), args.Error(1)
}

type mockEnricher struct {
	mock.Mock
}

func (m *mockEnricher) Run(ctx context.Context, job enrichment.Job) (*enrichment.Result, error) {
	args := m.Called(ctx, job)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*enrichment.Result), args.Error(1)
}

// recordingPublisher keeps every pipeline snapshot.
type recordingPublisher struct {
	mu        sync.Mutex
	pipelines []*model.PipelineState
	items     int
}

func (p *recordingPublisher) PublishPipeline(_ context.Context, st *model.PipelineState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pipelines = append(p.pipelines, st.Clone())
}

func (p *recordingPublisher) PublishEnrichment(context.Context, *model.EnrichmentProgressState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items++
}

func (p *recordingPublisher) snapshots() []*model.PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*model.PipelineState(nil), p.pipelines...)
}

// --- Harness ---

type harness struct {
	store *store.SQLiteStore
	dir   string
	pub   *recordingPublisher
	orch  *Orchestrator
}

func testConfig() Config {
	return Config{ParseMaxAttempts: 3, RiskMaxAttempts: 3, EnrichmentMaxAttempts: 3, StageBackoff: time.Millisecond}
}

// newHarness wires the real collaborators around proc.
func newHarness(t *testing.T, proc enrichment.ItemProcessor, concurrency int) *harness {
	t.Helper()
	st := newTestStore(t)
	dir := t.TempDir()
	pub := &recordingPublisher{}
	runner := enrichment.NewRunner(st, proc, pub, enrichment.Config{
		Concurrency:      concurrency,
		AuditBatchSize:   10,
		ProgressInterval: 5 * time.Millisecond,
	})
	orch := New(st, Collaborators{
		Verifier: FileVerifier{Dir: dir},
		Counter:  StoredItemCounter{Store: st, Dir: dir},
		Enricher: runner,
		Scorer:   risk.NewScorer(risk.DefaultConfig()),
	}, pub, testConfig())
	return &harness{store: st, dir: dir, pub: pub, orch: orch}
}

// newMockHarness wires mocks for the verifier, counter and enricher.
func newMockHarness(t *testing.T, v ArtifactVerifier, c LineItemCounter, e Enricher) *harness {
	t.Helper()
	st := newTestStore(t)
	pub := &recordingPublisher{}
	orch := New(st, Collaborators{
		Verifier: v,
		Counter:  c,
		Enricher: e,
		Scorer:   risk.NewScorer(risk.DefaultConfig()),
	}, pub, testConfig())
	return &harness{store: st, dir: t.TempDir(), pub: pub, orch: orch}
}

func testRequest(bomID string) model.BOMProcessingRequest {
	return model.BOMProcessingRequest{BOMID: bomID, OrganizationID: "org-1", Filename: bomID + ".csv"}
}
