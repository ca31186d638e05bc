// Package store persists pipeline state, line items, enrichment runs and the
// control signal log. Postgres is the production backend; SQLite serves the
// CLI and tests.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bom-pipeline/internal/model"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = eris.New("store: not found")

// Store defines the persistence interface for the BOM pipeline.
type Store interface {
	// Pipelines. CreatePipeline returns the existing row and false when the
	// bom_id is already known. SavePipeline never writes enriched_items or
	// failed_items; only WriteEnrichmentBatch moves those.
	CreatePipeline(ctx context.Context, st *model.PipelineState) (*model.PipelineState, bool, error)
	GetPipeline(ctx context.Context, bomID string) (*model.PipelineState, error)
	SavePipeline(ctx context.Context, st *model.PipelineState) error
	ListPipelines(ctx context.Context, filter model.PipelineFilter) ([]*model.PipelineState, error)

	// Line items
	InsertLineItems(ctx context.Context, bomID string, items []model.LineItem) error
	ListLineItems(ctx context.Context, bomID string) ([]model.LineItem, error)
	CountLineItems(ctx context.Context, bomID string) (int, error)

	// Enrichment runs
	AttachEnrichmentRun(ctx context.Context, runID, bomID string, total int) (*model.EnrichmentRun, error)
	GetEnrichmentRun(ctx context.Context, runID string) (*model.EnrichmentRun, error)
	ProcessedLineItems(ctx context.Context, runID string) (map[string]bool, error)
	WriteEnrichmentBatch(ctx context.Context, batch model.EnrichmentBatch) error
	FinishEnrichmentRun(ctx context.Context, runID string, status model.EnrichmentRunStatus) (*model.EnrichmentRun, error)
	ListEnrichedComponents(ctx context.Context, bomID string) ([]model.EnrichedComponent, error)

	// Catalog
	LookupCatalog(ctx context.Context, keys []string) (map[string]model.CatalogEntry, error)
	UpsertCatalog(ctx context.Context, entries []model.CatalogEntry) error

	// Signals
	AppendSignal(ctx context.Context, sig model.Signal) error
	PendingSignals(ctx context.Context, bomID string) ([]model.Signal, error)
	MarkSignalApplied(ctx context.Context, id string, at time.Time) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

func listLimit(n int) int {
	if n <= 0 || n > 1000 {
		return 100
	}
	return n
}

func supplierCatalogEntries(comps []model.EnrichedComponent, now time.Time) []model.CatalogEntry {
	var out []model.CatalogEntry
	for _, c := range comps {
		if c.Source != model.SourceSupplier {
			continue
		}
		out = append(out, model.CatalogEntryFrom(c, now))
	}
	return out
}

type scannable interface {
	Scan(dest ...any) error
}

func marshalPipeline(st *model.PipelineState) (reqJSON, stagesJSON []byte, err error) {
	reqJSON, err = json.Marshal(st.Request)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal request")
	}
	stagesJSON, err = json.Marshal(st.Stages)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal stages")
	}
	return reqJSON, stagesJSON, nil
}

func unmarshalPipeline(st *model.PipelineState, reqJSON, stagesJSON []byte) error {
	if err := json.Unmarshal(reqJSON, &st.Request); err != nil {
		return eris.Wrap(err, "store: unmarshal request")
	}
	if err := json.Unmarshal(stagesJSON, &st.Stages); err != nil {
		return eris.Wrap(err, "store: unmarshal stages")
	}
	for _, s := range model.Stages() {
		st.Stage(s)
	}
	return nil
}
