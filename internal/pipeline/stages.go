package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bom-pipeline/internal/enrichment"
	"github.com/sells-group/bom-pipeline/internal/model"
	"github.com/sells-group/bom-pipeline/internal/resilience"
)

func (e *Execution) request() model.BOMProcessingRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Request
}

func (e *Execution) retryConfig(attempts int, operation string) resilience.RetryConfig {
	cfg := resilience.Attempts(attempts, e.o.cfg.StageBackoff)
	cfg.OnRetry = resilience.RetryLogger(operation, zap.String("bom_id", e.state.BOMID))
	return cfg
}

// verifyUpload runs once; a missing or unreadable artifact is permanent.
func (e *Execution) verifyUpload(ctx context.Context) error {
	req := e.request()
	if err := e.o.collab.Verifier.Verify(ctx, req); err != nil {
		return eris.Wrapf(err, "pipeline: verify artifact %s", req.Filename)
	}

	e.mu.Lock()
	e.state.Stage(model.StageRawUpload).SetProgress(1, 1)
	e.mu.Unlock()
	return nil
}

func (e *Execution) parse(ctx context.Context) error {
	req := e.request()
	n, err := resilience.DoVal(ctx, e.retryConfig(e.o.cfg.ParseMaxAttempts, "pipeline.parsing"),
		func(ctx context.Context) (int, error) {
			return e.o.collab.Counter.Count(ctx, req)
		})
	if err != nil {
		return eris.Wrap(err, "pipeline: verify line items")
	}
	if n <= 0 {
		return eris.Wrapf(ErrInputInvalid, "pipeline: %s produced no line items", req.Filename)
	}

	e.mu.Lock()
	e.state.TotalItems = n
	e.state.Stage(model.StageParsing).SetProgress(n, n)
	e.mu.Unlock()
	e.log.Info("pipeline: line items verified", zap.Int("total_items", n))
	return nil
}

// enrich delegates to the sub-pipeline under its deterministic run id.
// Every attempt attaches to the same run, so retries resume rather than
// restart. It reports whether the run stopped because of a cancel.
func (e *Execution) enrich(ctx context.Context) (bool, error) {
	req := e.request()
	job := enrichment.Job{
		BOMID:          req.BOMID,
		OrganizationID: req.OrganizationID,
		Level:          req.Level(),
		Control:        e.ctl,
		OnProgress: func(s model.EnrichmentProgressState) {
			e.onEnrichmentProgress(ctx, s)
		},
	}

	retry := e.retryConfig(e.o.cfg.EnrichmentMaxAttempts, "pipeline.enrichment")
	retry.ShouldRetry = func(err error) bool {
		return !errors.Is(err, context.Canceled)
	}
	res, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*enrichment.Result, error) {
		return e.o.collab.Enricher.Run(ctx, job)
	})
	if err != nil {
		return false, eris.Wrapf(err, "pipeline: enrichment %s", enrichment.RunID(req.BOMID))
	}

	e.mu.Lock()
	e.state.EnrichedItems = res.Enriched
	e.state.FailedItems = res.Failed
	info := e.state.Stage(model.StageEnrichment)
	info.SetProgress(res.Enriched+res.Failed, res.Total)
	e.mu.Unlock()

	e.log.Info("pipeline: enrichment finished",
		zap.String("run_id", res.RunID),
		zap.String("status", string(res.Status)),
		zap.Int("attempt", res.Attempt),
		zap.Int("enriched", res.Enriched),
		zap.Int("failed", res.Failed),
	)
	return res.Status == model.EnrichmentRunCancelled, nil
}

// onEnrichmentProgress mirrors the sub-pipeline's snapshot into the stage's
// progress and the aggregate counters for live readers. The counters are
// not written by SavePipeline, so the store keeps its merged deltas.
func (e *Execution) onEnrichmentProgress(ctx context.Context, s model.EnrichmentProgressState) {
	if s.Final || ctx.Err() != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	info := e.state.Stage(model.StageEnrichment)
	if info.Status != model.StageStatusInProgress {
		return
	}
	info.SetProgress(s.Processed(), s.TotalItems)
	e.state.EnrichedItems = s.EnrichedItems
	e.state.FailedItems = s.FailedItems
	if err := e.persistLocked(ctx); err != nil {
		e.log.Warn("pipeline: save enrichment progress failed", zap.Error(err))
	}
}

func (e *Execution) analyzeRisk(ctx context.Context) error {
	req := e.request()
	res, err := resilience.DoVal(ctx, e.retryConfig(e.o.cfg.RiskMaxAttempts, "pipeline.risk_analysis"),
		func(ctx context.Context) (*model.RiskResult, error) {
			comps, err := e.o.store.ListEnrichedComponents(ctx, req.BOMID)
			if err != nil {
				return nil, resilience.NewTransientError(eris.Wrap(err, "pipeline: load enriched components"), 0)
			}
			res, err := e.o.collab.Scorer.Score(ctx, comps)
			if err != nil {
				return nil, err
			}
			res.ScoredItems = min(res.ScoredItems, len(comps))
			return res, nil
		})
	if err != nil {
		return eris.Wrap(err, "pipeline: score risk")
	}

	e.mu.Lock()
	e.state.RiskScoredItems = res.ScoredItems
	e.state.HealthGrade = res.HealthGrade
	e.state.AverageRiskScore = res.AverageScore
	e.state.Stage(model.StageRiskAnalysis).SetProgress(res.ScoredItems, res.ScoredItems)
	e.mu.Unlock()

	e.log.Info("pipeline: risk scored",
		zap.Int("scored_items", res.ScoredItems),
		zap.Int("high_risk_items", res.HighRiskItems),
		zap.String("health_grade", res.HealthGrade),
		zap.Float64("average_risk_score", res.AverageScore),
	)
	return nil
}
