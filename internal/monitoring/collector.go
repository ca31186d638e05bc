package monitoring

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bom-pipeline/internal/model"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Pipelines created within the lookback window, by status.
	PipelineTotal     int `json:"pipeline_total"`
	PipelinePending   int `json:"pipeline_pending"`
	PipelineRunning   int `json:"pipeline_running"`
	PipelinePaused    int `json:"pipeline_paused"`
	PipelineCompleted int `json:"pipeline_completed"`
	PipelineFailed    int `json:"pipeline_failed"`
	PipelineCancelled int `json:"pipeline_cancelled"`

	// Completed pipelines with at least one failed item.
	PipelineDegraded int `json:"pipeline_degraded"`
	// Non-terminal pipelines whose state has not moved within the stale window.
	PipelineStale []string `json:"pipeline_stale,omitempty"`

	PipelineFailRate     float64 `json:"pipeline_fail_rate"`
	PipelineDegradedRate float64 `json:"pipeline_degraded_rate"`

	// Line item totals across the window.
	ItemsTotal    int `json:"items_total"`
	ItemsEnriched int `json:"items_enriched"`
	ItemsFailed   int `json:"items_failed"`

	AvgRiskScore float64        `json:"avg_risk_score"`
	HealthGrades map[string]int `json:"health_grades,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Finished returns the number of completed plus failed pipelines.
func (s *MetricsSnapshot) Finished() int {
	return s.PipelineCompleted + s.PipelineFailed
}

// PipelineLister abstracts the store method needed by the collector.
type PipelineLister interface {
	ListPipelines(ctx context.Context, filter model.PipelineFilter) ([]*model.PipelineState, error)
}

// Collector gathers pipeline metrics from the store.
type Collector struct {
	store      PipelineLister
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a metrics collector. Non-terminal pipelines not
// updated within staleAfter are reported as stale; zero disables the check.
func NewCollector(st PipelineLister, staleAfter time.Duration) *Collector {
	return &Collector{store: st, staleAfter: staleAfter, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		HealthGrades:  make(map[string]int),
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	states, err := c.store.ListPipelines(ctx, model.PipelineFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list pipelines")
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	var riskTotal float64
	var riskScored int

	for _, st := range states {
		if lookbackHours > 0 && st.CreatedAt.Before(cutoff) {
			continue
		}
		snap.PipelineTotal++
		snap.ItemsTotal += st.TotalItems
		snap.ItemsEnriched += st.EnrichedItems
		snap.ItemsFailed += st.FailedItems

		switch st.Status {
		case model.PipelineStatusPending:
			snap.PipelinePending++
		case model.PipelineStatusRunning:
			snap.PipelineRunning++
		case model.PipelineStatusPaused:
			snap.PipelinePaused++
		case model.PipelineStatusCompleted:
			snap.PipelineCompleted++
		case model.PipelineStatusFailed:
			snap.PipelineFailed++
		case model.PipelineStatusCancelled:
			snap.PipelineCancelled++
		}
		if st.Degraded() {
			snap.PipelineDegraded++
		}
		if st.HealthGrade != "" {
			snap.HealthGrades[st.HealthGrade]++
		}
		if st.RiskScoredItems > 0 {
			riskTotal += st.AverageRiskScore
			riskScored++
		}

		// Paused pipelines wait on an operator and are never stale.
		if c.staleAfter > 0 && (st.Status == model.PipelineStatusPending || st.Status == model.PipelineStatusRunning) &&
			now.Sub(st.UpdatedAt) > c.staleAfter {
			snap.PipelineStale = append(snap.PipelineStale, st.BOMID)
		}
	}

	if finished := snap.Finished(); finished > 0 {
		snap.PipelineFailRate = float64(snap.PipelineFailed) / float64(finished)
	}
	if snap.PipelineCompleted > 0 {
		snap.PipelineDegradedRate = float64(snap.PipelineDegraded) / float64(snap.PipelineCompleted)
	}
	if riskScored > 0 {
		snap.AvgRiskScore = math.Round(riskTotal/float64(riskScored)*100) / 100
	}
	return snap, nil
}
