package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/bom-pipeline/internal/db"
	"github.com/sells-group/bom-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS bom_pipelines (
	bom_id             TEXT PRIMARY KEY,
	organization_id    TEXT NOT NULL,
	request            JSONB NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	current_stage      TEXT NOT NULL DEFAULT 'raw_upload',
	stages             JSONB NOT NULL DEFAULT '{}'::jsonb,
	total_items        INTEGER NOT NULL DEFAULT 0,
	enriched_items     INTEGER NOT NULL DEFAULT 0,
	failed_items       INTEGER NOT NULL DEFAULT 0,
	risk_scored_items  INTEGER NOT NULL DEFAULT 0,
	health_grade       TEXT NOT NULL DEFAULT '',
	average_risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_message      TEXT NOT NULL DEFAULT '',
	started_at         TIMESTAMPTZ,
	paused_at          TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_bom_pipelines_status ON bom_pipelines(status);
CREATE INDEX IF NOT EXISTS idx_bom_pipelines_org ON bom_pipelines(organization_id, created_at DESC);

CREATE TABLE IF NOT EXISTS bom_line_items (
	id           TEXT PRIMARY KEY,
	bom_id       TEXT NOT NULL,
	position     INTEGER NOT NULL,
	mpn          TEXT NOT NULL,
	manufacturer TEXT NOT NULL DEFAULT '',
	quantity     INTEGER NOT NULL DEFAULT 1,
	description  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_bom_line_items_bom ON bom_line_items(bom_id, position);

CREATE TABLE IF NOT EXISTS enrichment_runs (
	run_id       TEXT PRIMARY KEY,
	bom_id       TEXT NOT NULL,
	attempt      INTEGER NOT NULL DEFAULT 1,
	status       TEXT NOT NULL DEFAULT 'running',
	total        INTEGER NOT NULL DEFAULT 0,
	enriched     INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS enrichment_audit (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	bom_id       TEXT NOT NULL,
	line_item_id TEXT NOT NULL,
	mpn          TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	source       TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, line_item_id)
);

CREATE TABLE IF NOT EXISTS enriched_components (
	line_item_id     TEXT PRIMARY KEY,
	bom_id           TEXT NOT NULL,
	mpn              TEXT NOT NULL,
	manufacturer     TEXT NOT NULL DEFAULT '',
	match_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	source           TEXT NOT NULL,
	lifecycle_status TEXT NOT NULL DEFAULT '',
	stock            INTEGER NOT NULL DEFAULT 0,
	supplier_count   INTEGER NOT NULL DEFAULT 0,
	lead_time_days   INTEGER NOT NULL DEFAULT 0,
	unit_price       DOUBLE PRECISION NOT NULL DEFAULT 0,
	fields           JSONB
);

CREATE INDEX IF NOT EXISTS idx_enriched_components_bom ON enriched_components(bom_id);

CREATE TABLE IF NOT EXISTS component_catalog (
	key              TEXT PRIMARY KEY,
	mpn              TEXT NOT NULL,
	manufacturer     TEXT NOT NULL DEFAULT '',
	lifecycle_status TEXT NOT NULL DEFAULT '',
	stock            INTEGER NOT NULL DEFAULT 0,
	supplier_count   INTEGER NOT NULL DEFAULT 0,
	lead_time_days   INTEGER NOT NULL DEFAULT 0,
	unit_price       DOUBLE PRECISION NOT NULL DEFAULT 0,
	match_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline_signals (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	bom_id     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	applied_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_pipeline_signals_pending ON pipeline_signals(bom_id, seq) WHERE applied_at IS NULL;
`

var (
	lineItemUpsert = db.UpsertConfig{
		Table:        "bom_line_items",
		Columns:      []string{"id", "bom_id", "position", "mpn", "manufacturer", "quantity", "description"},
		ConflictKeys: []string{"id"},
	}
	componentUpsert = db.UpsertConfig{
		Table: "enriched_components",
		Columns: []string{"line_item_id", "bom_id", "mpn", "manufacturer", "match_confidence", "source",
			"lifecycle_status", "stock", "supplier_count", "lead_time_days", "unit_price", "fields"},
		ConflictKeys: []string{"line_item_id"},
	}
	catalogUpsert = db.UpsertConfig{
		Table: "component_catalog",
		Columns: []string{"key", "mpn", "manufacturer", "lifecycle_status", "stock", "supplier_count",
			"lead_time_days", "unit_price", "match_confidence", "updated_at"},
		ConflictKeys: []string{"key"},
	}
	auditColumns = []string{"id", "run_id", "bom_id", "line_item_id", "mpn", "outcome", "source", "attempts", "error", "created_at"}
)

const pipelineColumns = `bom_id, organization_id, request, status, current_stage, stages, total_items,
	enriched_items, failed_items, risk_scored_items, health_grade, average_risk_score, error_message,
	started_at, paused_at, completed_at, created_at, updated_at`

const runColumns = `run_id, bom_id, attempt, status, total, enriched, failed, started_at, completed_at`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreatePipeline(ctx context.Context, st *model.PipelineState) (*model.PipelineState, bool, error) {
	reqJSON, stagesJSON, err := marshalPipeline(st)
	if err != nil {
		return nil, false, err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO bom_pipelines (bom_id, organization_id, request, status, current_stage, stages, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (bom_id) DO NOTHING`,
		st.BOMID, st.OrganizationID, reqJSON, string(st.Status), string(st.CurrentStage), stagesJSON,
		st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: create pipeline %s", st.BOMID)
	}
	if tag.RowsAffected() == 1 {
		return st.Clone(), true, nil
	}
	existing, err := s.GetPipeline(ctx, st.BOMID)
	return existing, false, err
}

func (s *PostgresStore) GetPipeline(ctx context.Context, bomID string) (*model.PipelineState, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pipelineColumns+` FROM bom_pipelines WHERE bom_id = $1`, bomID)
	st, err := scanPipeline(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: get pipeline %s", bomID)
		}
		return nil, eris.Wrapf(err, "postgres: get pipeline %s", bomID)
	}
	return st, nil
}

func (s *PostgresStore) SavePipeline(ctx context.Context, st *model.PipelineState) error {
	_, stagesJSON, err := marshalPipeline(st)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE bom_pipelines SET status = $1, current_stage = $2, stages = $3, total_items = $4,
			risk_scored_items = $5, health_grade = $6, average_risk_score = $7, error_message = $8,
			started_at = $9, paused_at = $10, completed_at = $11, updated_at = $12
		 WHERE bom_id = $13`,
		string(st.Status), string(st.CurrentStage), stagesJSON, st.TotalItems,
		st.RiskScoredItems, st.HealthGrade, st.AverageRiskScore, st.ErrorMessage,
		st.StartedAt, st.PausedAt, st.CompletedAt, st.UpdatedAt,
		st.BOMID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save pipeline %s", st.BOMID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: save pipeline %s", st.BOMID)
	}
	return nil
}

func (s *PostgresStore) ListPipelines(ctx context.Context, filter model.PipelineFilter) ([]*model.PipelineState, error) {
	query := `SELECT ` + pipelineColumns + ` FROM bom_pipelines WHERE true`
	args := []any{}
	argIdx := 1

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(` AND status = ANY($%d)`, argIdx)
		args = append(args, statuses)
		argIdx++
	}
	if filter.OrganizationID != "" {
		query += fmt.Sprintf(` AND organization_id = $%d`, argIdx)
		args = append(args, filter.OrganizationID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pipelines")
	}
	defer rows.Close()

	var out []*model.PipelineState
	for rows.Next() {
		st, err := scanPipeline(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan pipeline")
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list pipelines iterate")
}

func (s *PostgresStore) InsertLineItems(ctx context.Context, bomID string, items []model.LineItem) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([][]any, len(items))
	for i, li := range items {
		rows[i] = []any{li.ID, bomID, li.Position, li.MPN, li.Manufacturer, li.Quantity, li.Description}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: insert line items: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM bom_line_items WHERE bom_id = $1`, bomID); err != nil {
		return eris.Wrapf(err, "postgres: clear line items %s", bomID)
	}
	if _, err := db.BulkUpsert(ctx, tx, lineItemUpsert, rows); err != nil {
		return eris.Wrapf(err, "postgres: insert line items %s", bomID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: insert line items: commit")
}

func (s *PostgresStore) ListLineItems(ctx context.Context, bomID string) ([]model.LineItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, bom_id, position, mpn, manufacturer, quantity, description
		 FROM bom_line_items WHERE bom_id = $1 ORDER BY position`, bomID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list line items %s", bomID)
	}
	defer rows.Close()

	var out []model.LineItem
	for rows.Next() {
		var li model.LineItem
		if err := rows.Scan(&li.ID, &li.BOMID, &li.Position, &li.MPN, &li.Manufacturer, &li.Quantity, &li.Description); err != nil {
			return nil, eris.Wrap(err, "postgres: scan line item")
		}
		out = append(out, li)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list line items iterate")
}

func (s *PostgresStore) CountLineItems(ctx context.Context, bomID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM bom_line_items WHERE bom_id = $1`, bomID).Scan(&n)
	return n, eris.Wrapf(err, "postgres: count line items %s", bomID)
}

func (s *PostgresStore) AttachEnrichmentRun(ctx context.Context, runID, bomID string, total int) (*model.EnrichmentRun, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO enrichment_runs (run_id, bom_id, attempt, status, total, started_at)
		 VALUES ($1, $2, 1, 'running', $3, $4)
		 ON CONFLICT (run_id) DO UPDATE SET
			attempt = enrichment_runs.attempt + CASE WHEN enrichment_runs.status = 'completed' THEN 0 ELSE 1 END,
			status  = CASE WHEN enrichment_runs.status = 'completed' THEN enrichment_runs.status ELSE 'running' END,
			total   = CASE WHEN enrichment_runs.status = 'completed' THEN enrichment_runs.total ELSE EXCLUDED.total END
		 RETURNING `+runColumns,
		runID, bomID, total, time.Now().UTC(),
	)
	run, err := scanRun(row)
	return run, eris.Wrapf(err, "postgres: attach enrichment run %s", runID)
}

func (s *PostgresStore) GetEnrichmentRun(ctx context.Context, runID string) (*model.EnrichmentRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM enrichment_runs WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: get enrichment run %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: get enrichment run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) ProcessedLineItems(ctx context.Context, runID string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT line_item_id FROM enrichment_audit WHERE run_id = $1`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: processed line items %s", runID)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan processed line item")
		}
		out[id] = true
	}
	return out, eris.Wrap(rows.Err(), "postgres: processed line items iterate")
}

// WriteEnrichmentBatch writes audit rows, components, catalog entries and
// counter deltas in one transaction.
func (s *PostgresStore) WriteEnrichmentBatch(ctx context.Context, b model.EnrichmentBatch) error {
	if b.Empty() {
		return nil
	}
	now := time.Now().UTC()

	auditRows := make([][]any, len(b.Events))
	for i, ev := range b.Events {
		auditRows[i] = []any{ev.ID, b.RunID, b.BOMID, ev.LineItemID, ev.MPN, string(ev.Outcome),
			string(ev.Source), ev.Attempts, ev.Error, ev.CreatedAt}
	}
	compRows := make([][]any, len(b.Components))
	for i, c := range b.Components {
		compRows[i] = []any{c.LineItemID, b.BOMID, c.MPN, c.Manufacturer, c.MatchConfidence, string(c.Source),
			c.LifecycleStatus, c.Stock, c.SupplierCount, c.LeadTimeDays, c.UnitPrice, c.Fields}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: write enrichment batch: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := db.CopyFrom(ctx, tx, "enrichment_audit", auditColumns, auditRows); err != nil {
		return eris.Wrap(err, "postgres: write enrichment batch")
	}
	if _, err := db.BulkUpsert(ctx, tx, componentUpsert, compRows); err != nil {
		return eris.Wrap(err, "postgres: write enrichment batch")
	}
	if _, err := db.BulkUpsert(ctx, tx, catalogUpsert, catalogRows(supplierCatalogEntries(b.Components, now))); err != nil {
		return eris.Wrap(err, "postgres: write enrichment batch")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE enrichment_runs SET enriched = enriched + $1, failed = failed + $2 WHERE run_id = $3`,
		b.EnrichedDelta, b.FailedDelta, b.RunID,
	); err != nil {
		return eris.Wrapf(err, "postgres: bump run counters %s", b.RunID)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE bom_pipelines SET enriched_items = enriched_items + $1, failed_items = failed_items + $2, updated_at = $3
		 WHERE bom_id = $4`,
		b.EnrichedDelta, b.FailedDelta, now, b.BOMID,
	); err != nil {
		return eris.Wrapf(err, "postgres: bump pipeline counters %s", b.BOMID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: write enrichment batch: commit")
}

func (s *PostgresStore) FinishEnrichmentRun(ctx context.Context, runID string, status model.EnrichmentRunStatus) (*model.EnrichmentRun, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE enrichment_runs SET status = $1, completed_at = $2 WHERE run_id = $3 RETURNING `+runColumns,
		string(status), time.Now().UTC(), runID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: finish enrichment run %s", runID)
		}
		return nil, eris.Wrapf(err, "postgres: finish enrichment run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) ListEnrichedComponents(ctx context.Context, bomID string) ([]model.EnrichedComponent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT line_item_id, mpn, manufacturer, match_confidence, source, lifecycle_status, stock,
			supplier_count, lead_time_days, unit_price, fields
		 FROM enriched_components WHERE bom_id = $1 ORDER BY line_item_id`, bomID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list enriched components %s", bomID)
	}
	defer rows.Close()

	var out []model.EnrichedComponent
	for rows.Next() {
		var c model.EnrichedComponent
		var source string
		var fields []byte
		if err := rows.Scan(&c.LineItemID, &c.MPN, &c.Manufacturer, &c.MatchConfidence, &source,
			&c.LifecycleStatus, &c.Stock, &c.SupplierCount, &c.LeadTimeDays, &c.UnitPrice, &fields); err != nil {
			return nil, eris.Wrap(err, "postgres: scan enriched component")
		}
		c.Source = model.ComponentSource(source)
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &c.Fields); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal component fields")
			}
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list enriched components iterate")
}

func (s *PostgresStore) LookupCatalog(ctx context.Context, keys []string) (map[string]model.CatalogEntry, error) {
	out := make(map[string]model.CatalogEntry)
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT key, mpn, manufacturer, lifecycle_status, stock, supplier_count, lead_time_days,
			unit_price, match_confidence, updated_at
		 FROM component_catalog WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lookup catalog")
	}
	defer rows.Close()

	for rows.Next() {
		var e model.CatalogEntry
		if err := rows.Scan(&e.Key, &e.MPN, &e.Manufacturer, &e.LifecycleStatus, &e.Stock, &e.SupplierCount,
			&e.LeadTimeDays, &e.UnitPrice, &e.MatchConfidence, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan catalog entry")
		}
		out[e.Key] = e
	}
	return out, eris.Wrap(rows.Err(), "postgres: lookup catalog iterate")
}

func (s *PostgresStore) UpsertCatalog(ctx context.Context, entries []model.CatalogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert catalog: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := db.BulkUpsert(ctx, tx, catalogUpsert, catalogRows(entries)); err != nil {
		return eris.Wrap(err, "postgres: upsert catalog")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: upsert catalog: commit")
}

func (s *PostgresStore) AppendSignal(ctx context.Context, sig model.Signal) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_signals (id, bom_id, kind, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		sig.ID, sig.BOMID, string(sig.Kind), sig.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append signal %s", sig.BOMID)
}

func (s *PostgresStore) PendingSignals(ctx context.Context, bomID string) ([]model.Signal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, bom_id, kind, created_at FROM pipeline_signals
		 WHERE bom_id = $1 AND applied_at IS NULL ORDER BY seq`, bomID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: pending signals %s", bomID)
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		var sig model.Signal
		var kind string
		if err := rows.Scan(&sig.ID, &sig.BOMID, &kind, &sig.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan signal")
		}
		sig.Kind = model.SignalKind(kind)
		out = append(out, sig)
	}
	return out, eris.Wrap(rows.Err(), "postgres: pending signals iterate")
}

func (s *PostgresStore) MarkSignalApplied(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE pipeline_signals SET applied_at = $1 WHERE id = $2 AND applied_at IS NULL`, at, id)
	return eris.Wrapf(err, "postgres: mark signal applied %s", id)
}

func catalogRows(entries []model.CatalogEntry) [][]any {
	rows := make([][]any, len(entries))
	for i, e := range entries {
		rows[i] = []any{e.Key, e.MPN, e.Manufacturer, e.LifecycleStatus, e.Stock, e.SupplierCount,
			e.LeadTimeDays, e.UnitPrice, e.MatchConfidence, e.UpdatedAt}
	}
	return rows
}

func scanPipeline(row scannable) (*model.PipelineState, error) {
	var st model.PipelineState
	var status, stage string
	var reqJSON, stagesJSON []byte
	err := row.Scan(&st.BOMID, &st.OrganizationID, &reqJSON, &status, &stage, &stagesJSON,
		&st.TotalItems, &st.EnrichedItems, &st.FailedItems, &st.RiskScoredItems, &st.HealthGrade,
		&st.AverageRiskScore, &st.ErrorMessage, &st.StartedAt, &st.PausedAt, &st.CompletedAt,
		&st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.Status = model.PipelineStatus(status)
	st.CurrentStage = model.Stage(stage)
	if err := unmarshalPipeline(&st, reqJSON, stagesJSON); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanRun(row scannable) (*model.EnrichmentRun, error) {
	var r model.EnrichmentRun
	var status string
	if err := row.Scan(&r.RunID, &r.BOMID, &r.Attempt, &status, &r.Total, &r.Enriched, &r.Failed,
		&r.StartedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	r.Status = model.EnrichmentRunStatus(status)
	return &r, nil
}
