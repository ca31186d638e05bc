package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/bom-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection serializes writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS bom_pipelines (
	bom_id             TEXT PRIMARY KEY,
	organization_id    TEXT NOT NULL,
	request            TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	current_stage      TEXT NOT NULL DEFAULT 'raw_upload',
	stages             TEXT NOT NULL DEFAULT '{}',
	total_items        INTEGER NOT NULL DEFAULT 0,
	enriched_items     INTEGER NOT NULL DEFAULT 0,
	failed_items       INTEGER NOT NULL DEFAULT 0,
	risk_scored_items  INTEGER NOT NULL DEFAULT 0,
	health_grade       TEXT NOT NULL DEFAULT '',
	average_risk_score REAL NOT NULL DEFAULT 0,
	error_message      TEXT NOT NULL DEFAULT '',
	started_at         DATETIME,
	paused_at          DATETIME,
	completed_at       DATETIME,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_bom_pipelines_status ON bom_pipelines(status);

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
	started_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at DATETIME
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
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (run_id, line_item_id)
);

CREATE TABLE IF NOT EXISTS enriched_components (
	line_item_id     TEXT PRIMARY KEY,
	bom_id           TEXT NOT NULL,
	mpn              TEXT NOT NULL,
	manufacturer     TEXT NOT NULL DEFAULT '',
	match_confidence REAL NOT NULL DEFAULT 0,
	source           TEXT NOT NULL,
	lifecycle_status TEXT NOT NULL DEFAULT '',
	stock            INTEGER NOT NULL DEFAULT 0,
	supplier_count   INTEGER NOT NULL DEFAULT 0,
	lead_time_days   INTEGER NOT NULL DEFAULT 0,
	unit_price       REAL NOT NULL DEFAULT 0,
	fields           TEXT
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
	unit_price       REAL NOT NULL DEFAULT 0,
	match_confidence REAL NOT NULL DEFAULT 0,
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS pipeline_signals (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	bom_id     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	applied_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_pipeline_signals_bom ON pipeline_signals(bom_id, seq);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreatePipeline(ctx context.Context, st *model.PipelineState) (*model.PipelineState, bool, error) {
	reqJSON, stagesJSON, err := marshalPipeline(st)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bom_pipelines (bom_id, organization_id, request, status, current_stage, stages, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bom_id) DO NOTHING`,
		st.BOMID, st.OrganizationID, string(reqJSON), string(st.Status), string(st.CurrentStage), string(stagesJSON),
		st.CreatedAt.UTC(), st.UpdatedAt.UTC(),
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: create pipeline %s", st.BOMID)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return st.Clone(), true, nil
	}
	existing, err := s.GetPipeline(ctx, st.BOMID)
	return existing, false, err
}

func (s *SQLiteStore) GetPipeline(ctx context.Context, bomID string) (*model.PipelineState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM bom_pipelines WHERE bom_id = ?`, bomID)
	st, err := scanSQLitePipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get pipeline %s", bomID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get pipeline %s", bomID)
	}
	return st, nil
}

func (s *SQLiteStore) SavePipeline(ctx context.Context, st *model.PipelineState) error {
	_, stagesJSON, err := marshalPipeline(st)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE bom_pipelines SET status = ?, current_stage = ?, stages = ?, total_items = ?,
			risk_scored_items = ?, health_grade = ?, average_risk_score = ?, error_message = ?,
			started_at = ?, paused_at = ?, completed_at = ?, updated_at = ?
		 WHERE bom_id = ?`,
		string(st.Status), string(st.CurrentStage), string(stagesJSON), st.TotalItems,
		st.RiskScoredItems, st.HealthGrade, st.AverageRiskScore, st.ErrorMessage,
		nullTime(st.StartedAt), nullTime(st.PausedAt), nullTime(st.CompletedAt), st.UpdatedAt.UTC(),
		st.BOMID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save pipeline %s", st.BOMID)
	}
	return checkRowsAffected(res, "sqlite: save pipeline "+st.BOMID)
}

func (s *SQLiteStore) ListPipelines(ctx context.Context, filter model.PipelineFilter) ([]*model.PipelineState, error) {
	query := `SELECT ` + pipelineColumns + ` FROM bom_pipelines WHERE 1=1`
	var args []any

	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.OrganizationID != "" {
		query += ` AND organization_id = ?`
		args = append(args, filter.OrganizationID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pipelines")
	}
	defer rows.Close() //nolint:errcheck

	var out []*model.PipelineState
	for rows.Next() {
		st, err := scanSQLitePipeline(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan pipeline")
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list pipelines iterate")
}

func (s *SQLiteStore) InsertLineItems(ctx context.Context, bomID string, items []model.LineItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert line items: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM bom_line_items WHERE bom_id = ?`, bomID); err != nil {
		return eris.Wrapf(err, "sqlite: clear line items %s", bomID)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO bom_line_items (id, bom_id, position, mpn, manufacturer, quantity, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET position = excluded.position, mpn = excluded.mpn,
			manufacturer = excluded.manufacturer, quantity = excluded.quantity, description = excluded.description`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare line item insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, li := range items {
		if _, err := stmt.ExecContext(ctx, li.ID, bomID, li.Position, li.MPN, li.Manufacturer, li.Quantity, li.Description); err != nil {
			return eris.Wrapf(err, "sqlite: insert line item %s", li.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: insert line items: commit")
}

func (s *SQLiteStore) ListLineItems(ctx context.Context, bomID string) ([]model.LineItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bom_id, position, mpn, manufacturer, quantity, description
		 FROM bom_line_items WHERE bom_id = ? ORDER BY position`, bomID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list line items %s", bomID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.LineItem
	for rows.Next() {
		var li model.LineItem
		if err := rows.Scan(&li.ID, &li.BOMID, &li.Position, &li.MPN, &li.Manufacturer, &li.Quantity, &li.Description); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan line item")
		}
		out = append(out, li)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list line items iterate")
}

func (s *SQLiteStore) CountLineItems(ctx context.Context, bomID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM bom_line_items WHERE bom_id = ?`, bomID).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: count line items %s", bomID)
}

func (s *SQLiteStore) AttachEnrichmentRun(ctx context.Context, runID, bomID string, total int) (*model.EnrichmentRun, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrichment_runs (run_id, bom_id, attempt, status, total, started_at)
		 VALUES (?, ?, 1, 'running', ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET
			attempt = enrichment_runs.attempt + CASE WHEN enrichment_runs.status = 'completed' THEN 0 ELSE 1 END,
			status  = CASE WHEN enrichment_runs.status = 'completed' THEN enrichment_runs.status ELSE 'running' END,
			total   = CASE WHEN enrichment_runs.status = 'completed' THEN enrichment_runs.total ELSE excluded.total END`,
		runID, bomID, total, time.Now().UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: attach enrichment run %s", runID)
	}
	return s.GetEnrichmentRun(ctx, runID)
}

func (s *SQLiteStore) GetEnrichmentRun(ctx context.Context, runID string) (*model.EnrichmentRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM enrichment_runs WHERE run_id = ?`, runID)
	run, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get enrichment run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get enrichment run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) ProcessedLineItems(ctx context.Context, runID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT line_item_id FROM enrichment_audit WHERE run_id = ?`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: processed line items %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan processed line item")
		}
		out[id] = true
	}
	return out, eris.Wrap(rows.Err(), "sqlite: processed line items iterate")
}

func (s *SQLiteStore) WriteEnrichmentBatch(ctx context.Context, b model.EnrichmentBatch) error {
	if b.Empty() {
		return nil
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: write enrichment batch: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, ev := range b.Events {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO enrichment_audit (id, run_id, bom_id, line_item_id, mpn, outcome, source, attempts, error, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, b.RunID, b.BOMID, ev.LineItemID, ev.MPN, string(ev.Outcome), string(ev.Source),
			ev.Attempts, ev.Error, ev.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert audit %s", ev.LineItemID)
		}
	}
	for _, c := range b.Components {
		fields, err := marshalFields(c.Fields)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO enriched_components (line_item_id, bom_id, mpn, manufacturer, match_confidence, source,
				lifecycle_status, stock, supplier_count, lead_time_days, unit_price, fields)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (line_item_id) DO UPDATE SET mpn = excluded.mpn, manufacturer = excluded.manufacturer,
				match_confidence = excluded.match_confidence, source = excluded.source,
				lifecycle_status = excluded.lifecycle_status, stock = excluded.stock,
				supplier_count = excluded.supplier_count, lead_time_days = excluded.lead_time_days,
				unit_price = excluded.unit_price, fields = excluded.fields`,
			c.LineItemID, b.BOMID, c.MPN, c.Manufacturer, c.MatchConfidence, string(c.Source),
			c.LifecycleStatus, c.Stock, c.SupplierCount, c.LeadTimeDays, c.UnitPrice, fields,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert component %s", c.LineItemID)
		}
	}
	if err := upsertCatalogTx(ctx, tx, supplierCatalogEntries(b.Components, now)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE enrichment_runs SET enriched = enriched + ?, failed = failed + ? WHERE run_id = ?`,
		b.EnrichedDelta, b.FailedDelta, b.RunID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: bump run counters %s", b.RunID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE bom_pipelines SET enriched_items = enriched_items + ?, failed_items = failed_items + ?, updated_at = ?
		 WHERE bom_id = ?`,
		b.EnrichedDelta, b.FailedDelta, now, b.BOMID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: bump pipeline counters %s", b.BOMID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: write enrichment batch: commit")
}

func (s *SQLiteStore) FinishEnrichmentRun(ctx context.Context, runID string, status model.EnrichmentRunStatus) (*model.EnrichmentRun, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_runs SET status = ?, completed_at = ? WHERE run_id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: finish enrichment run %s", runID)
	}
	if err := checkRowsAffected(res, "sqlite: finish enrichment run "+runID); err != nil {
		return nil, err
	}
	return s.GetEnrichmentRun(ctx, runID)
}

func (s *SQLiteStore) ListEnrichedComponents(ctx context.Context, bomID string) ([]model.EnrichedComponent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT line_item_id, mpn, manufacturer, match_confidence, source, lifecycle_status, stock,
			supplier_count, lead_time_days, unit_price, fields
		 FROM enriched_components WHERE bom_id = ? ORDER BY line_item_id`, bomID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list enriched components %s", bomID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.EnrichedComponent
	for rows.Next() {
		var c model.EnrichedComponent
		var source string
		var fields sql.NullString
		if err := rows.Scan(&c.LineItemID, &c.MPN, &c.Manufacturer, &c.MatchConfidence, &source,
			&c.LifecycleStatus, &c.Stock, &c.SupplierCount, &c.LeadTimeDays, &c.UnitPrice, &fields); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan enriched component")
		}
		c.Source = model.ComponentSource(source)
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &c.Fields); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal component fields")
			}
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list enriched components iterate")
}

func (s *SQLiteStore) LookupCatalog(ctx context.Context, keys []string) (map[string]model.CatalogEntry, error) {
	out := make(map[string]model.CatalogEntry)
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, mpn, manufacturer, lifecycle_status, stock, supplier_count, lead_time_days,
			unit_price, match_confidence, updated_at
		 FROM component_catalog WHERE key IN (`+placeholders(len(keys))+`)`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: lookup catalog")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var e model.CatalogEntry
		if err := rows.Scan(&e.Key, &e.MPN, &e.Manufacturer, &e.LifecycleStatus, &e.Stock, &e.SupplierCount,
			&e.LeadTimeDays, &e.UnitPrice, &e.MatchConfidence, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan catalog entry")
		}
		out[e.Key] = e
	}
	return out, eris.Wrap(rows.Err(), "sqlite: lookup catalog iterate")
}

func (s *SQLiteStore) UpsertCatalog(ctx context.Context, entries []model.CatalogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert catalog: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := upsertCatalogTx(ctx, tx, entries); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: upsert catalog: commit")
}

func upsertCatalogTx(ctx context.Context, tx *sql.Tx, entries []model.CatalogEntry) error {
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO component_catalog (key, mpn, manufacturer, lifecycle_status, stock, supplier_count,
				lead_time_days, unit_price, match_confidence, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (key) DO UPDATE SET mpn = excluded.mpn, manufacturer = excluded.manufacturer,
				lifecycle_status = excluded.lifecycle_status, stock = excluded.stock,
				supplier_count = excluded.supplier_count, lead_time_days = excluded.lead_time_days,
				unit_price = excluded.unit_price, match_confidence = excluded.match_confidence,
				updated_at = excluded.updated_at`,
			e.Key, e.MPN, e.Manufacturer, e.LifecycleStatus, e.Stock, e.SupplierCount,
			e.LeadTimeDays, e.UnitPrice, e.MatchConfidence, e.UpdatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert catalog %s", e.Key)
		}
	}
	return nil
}

func (s *SQLiteStore) AppendSignal(ctx context.Context, sig model.Signal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_signals (id, bom_id, kind, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		sig.ID, sig.BOMID, string(sig.Kind), sig.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: append signal %s", sig.BOMID)
}

func (s *SQLiteStore) PendingSignals(ctx context.Context, bomID string) ([]model.Signal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bom_id, kind, created_at FROM pipeline_signals
		 WHERE bom_id = ? AND applied_at IS NULL ORDER BY seq`, bomID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: pending signals %s", bomID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Signal
	for rows.Next() {
		var sig model.Signal
		var kind string
		if err := rows.Scan(&sig.ID, &sig.BOMID, &kind, &sig.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan signal")
		}
		sig.Kind = model.SignalKind(kind)
		out = append(out, sig)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: pending signals iterate")
}

func (s *SQLiteStore) MarkSignalApplied(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_signals SET applied_at = ? WHERE id = ? AND applied_at IS NULL`, at.UTC(), id)
	return eris.Wrapf(err, "sqlite: mark signal applied %s", id)
}

func checkRowsAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, op+": rows affected")
	}
	if n == 0 {
		return eris.Wrap(ErrNotFound, op)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func marshalFields(fields map[string]any) (sql.NullString, error) {
	if len(fields) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return sql.NullString{}, eris.Wrap(err, "sqlite: marshal component fields")
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// placeholders returns "?, ?, ..." for n bind parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func scanSQLitePipeline(row scannable) (*model.PipelineState, error) {
	var st model.PipelineState
	var status, stage, reqJSON, stagesJSON string
	var started, paused, completed sql.NullTime
	err := row.Scan(&st.BOMID, &st.OrganizationID, &reqJSON, &status, &stage, &stagesJSON,
		&st.TotalItems, &st.EnrichedItems, &st.FailedItems, &st.RiskScoredItems, &st.HealthGrade,
		&st.AverageRiskScore, &st.ErrorMessage, &started, &paused, &completed,
		&st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.Status = model.PipelineStatus(status)
	st.CurrentStage = model.Stage(stage)
	st.StartedAt = timePtr(started)
	st.PausedAt = timePtr(paused)
	st.CompletedAt = timePtr(completed)
	if err := unmarshalPipeline(&st, []byte(reqJSON), []byte(stagesJSON)); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanSQLiteRun(row scannable) (*model.EnrichmentRun, error) {
	var r model.EnrichmentRun
	var status string
	var completed sql.NullTime
	if err := row.Scan(&r.RunID, &r.BOMID, &r.Attempt, &status, &r.Total, &r.Enriched, &r.Failed,
		&r.StartedAt, &completed); err != nil {
		return nil, err
	}
	r.Status = model.EnrichmentRunStatus(status)
	r.CompletedAt = timePtr(completed)
	return &r, nil
}
