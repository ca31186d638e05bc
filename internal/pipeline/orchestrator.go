// Package pipeline drives a BOM through raw_upload, parsing, enrichment,
// risk_analysis and complete. State is persisted after every mutation so a
// restarted process resumes from the last committed stage.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bom-pipeline/internal/enrichment"
	"github.com/sells-group/bom-pipeline/internal/model"
	"github.com/sells-group/bom-pipeline/internal/progress"
)

var (
	// ErrInputInvalid marks malformed input. It is never retried.
	ErrInputInvalid = eris.New("pipeline: invalid input")
	// ErrUnknownPipeline is returned for a bom_id with no pipeline record.
	ErrUnknownPipeline = eris.New("pipeline: unknown pipeline")
)

// Store is the persistence the orchestrator and manager need.
type Store interface {
	CreatePipeline(ctx context.Context, st *model.PipelineState) (*model.PipelineState, bool, error)
	GetPipeline(ctx context.Context, bomID string) (*model.PipelineState, error)
	SavePipeline(ctx context.Context, st *model.PipelineState) error
	ListPipelines(ctx context.Context, filter model.PipelineFilter) ([]*model.PipelineState, error)
	ListEnrichedComponents(ctx context.Context, bomID string) ([]model.EnrichedComponent, error)

	AppendSignal(ctx context.Context, sig model.Signal) error
	PendingSignals(ctx context.Context, bomID string) ([]model.Signal, error)
	MarkSignalApplied(ctx context.Context, id string, at time.Time) error
}

// ArtifactVerifier checks that the uploaded BOM artifact exists and is readable.
type ArtifactVerifier interface {
	Verify(ctx context.Context, req model.BOMProcessingRequest) error
}

// LineItemCounter returns the verified number of line items produced from
// the artifact. A zero or inconsistent count is an ErrInputInvalid.
type LineItemCounter interface {
	Count(ctx context.Context, req model.BOMProcessingRequest) (int, error)
}

// Enricher runs the enrichment sub-pipeline.
type Enricher interface {
	Run(ctx context.Context, job enrichment.Job) (*enrichment.Result, error)
}

// RiskScorer scores the enriched components of a BOM.
type RiskScorer interface {
	Score(ctx context.Context, components []model.EnrichedComponent) (*model.RiskResult, error)
}

// Collaborators groups the per-stage units of work.
type Collaborators struct {
	Verifier ArtifactVerifier
	Counter  LineItemCounter
	Enricher Enricher
	Scorer   RiskScorer
}

// Config holds stage retry budgets.
type Config struct {
	ParseMaxAttempts      int
	RiskMaxAttempts       int
	EnrichmentMaxAttempts int
	StageBackoff          time.Duration
}

// Orchestrator sequences the stages of a pipeline.
type Orchestrator struct {
	store  Store
	collab Collaborators
	pub    progress.Publisher
	cfg    Config
	now    func() time.Time
}

// New creates an Orchestrator. A nil publisher discards progress.
func New(st Store, collab Collaborators, pub progress.Publisher, cfg Config) *Orchestrator {
	if cfg.ParseMaxAttempts <= 0 {
		cfg.ParseMaxAttempts = 3
	}
	if cfg.RiskMaxAttempts <= 0 {
		cfg.RiskMaxAttempts = 3
	}
	if cfg.EnrichmentMaxAttempts <= 0 {
		cfg.EnrichmentMaxAttempts = 3
	}
	if cfg.StageBackoff <= 0 {
		cfg.StageBackoff = time.Second
	}
	if pub == nil {
		pub = progress.Nop{}
	}
	return &Orchestrator{store: st, collab: collab, pub: pub, cfg: cfg, now: time.Now}
}

// Prepare creates the durable state for req, or loads it if the bom_id is
// already known. The stored request wins over req for a known bom_id.
func (o *Orchestrator) Prepare(ctx context.Context, req model.BOMProcessingRequest) (*Execution, error) {
	if err := req.Validate(); err != nil {
		return nil, eris.Wrapf(ErrInputInvalid, "pipeline: %v", err)
	}

	st, created, err := o.store.CreatePipeline(ctx, model.NewPipelineState(req, o.now().UTC()))
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: create state %s", req.BOMID)
	}
	if !created {
		zap.L().Info("pipeline: attached to existing state",
			zap.String("bom_id", st.BOMID),
			zap.String("status", string(st.Status)),
			zap.String("stage", string(st.CurrentStage)),
		)
	}
	return o.Attach(st), nil
}

// Attach wraps an already persisted state in an Execution.
func (o *Orchestrator) Attach(st *model.PipelineState) *Execution {
	return newExecution(o, st)
}

// Run prepares and executes a pipeline to a terminal status in the calling
// goroutine. Failed and cancelled pipelines are results, not errors; the
// error is reserved for invalid requests, store failures and ctx ending.
func (o *Orchestrator) Run(ctx context.Context, req model.BOMProcessingRequest) (*model.PipelineState, error) {
	ex, err := o.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return ex.Execute(ctx)
}
