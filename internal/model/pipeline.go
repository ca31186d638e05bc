package model

import (
	"time"
)

// PipelineStatus is the overall state of one pipeline run.
type PipelineStatus string

const (
	PipelineStatusPending   PipelineStatus = "pending"
	PipelineStatusRunning   PipelineStatus = "running"
	PipelineStatusPaused    PipelineStatus = "paused"
	PipelineStatusCompleted PipelineStatus = "completed"
	PipelineStatusFailed    PipelineStatus = "failed"
	PipelineStatusCancelled PipelineStatus = "cancelled"
)

// IsTerminal reports whether no further work will happen for this status.
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case PipelineStatusCompleted, PipelineStatusFailed, PipelineStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s PipelineStatus) Valid() bool {
	switch s {
	case PipelineStatusPending, PipelineStatusRunning, PipelineStatusPaused,
		PipelineStatusCompleted, PipelineStatusFailed, PipelineStatusCancelled:
		return true
	}
	return false
}

// Stage is one phase of the pipeline.
type Stage string

const (
	StageRawUpload    Stage = "raw_upload"
	StageParsing      Stage = "parsing"
	StageEnrichment   Stage = "enrichment"
	StageRiskAnalysis Stage = "risk_analysis"
	StageComplete     Stage = "complete"
)

var stageOrder = []Stage{StageRawUpload, StageParsing, StageEnrichment, StageRiskAnalysis, StageComplete}

// Stages returns the fixed stage order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Index returns the position of s in the stage order, or -1.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage after s. The second value is false for the last
// stage and for unknown stages.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i == len(stageOrder)-1 {
		return s, false
	}
	return stageOrder[i+1], true
}

// StageStatus is the state of a single stage.
type StageStatus string

const (
	StageStatusPending    StageStatus = "pending"
	StageStatusInProgress StageStatus = "in_progress"
	StageStatusCompleted  StageStatus = "completed"
	StageStatusFailed     StageStatus = "failed"
	StageStatusSkipped    StageStatus = "skipped"
)

// Done reports whether the stage will not be entered again.
func (s StageStatus) Done() bool {
	return s == StageStatusCompleted || s == StageStatusSkipped
}

// StageInfo tracks progress within one stage.
type StageInfo struct {
	Status         StageStatus `json:"status"`
	Progress       int         `json:"progress"`
	ItemsProcessed int         `json:"items_processed"`
	TotalItems     int         `json:"total_items"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	Message        string      `json:"message,omitempty"`
}

// SetProgress records processed/total and derives the percentage. Processed
// is clamped to total, and neither the count nor the percentage moves
// backwards while the stage is in progress.
func (si *StageInfo) SetProgress(processed, total int) {
	if total < 0 {
		total = 0
	}
	if processed < 0 {
		processed = 0
	}
	if processed > total {
		processed = total
	}
	pct := 0
	if total > 0 {
		pct = processed * 100 / total
	}
	if si.Status == StageStatusInProgress {
		if processed < si.ItemsProcessed && total == si.TotalItems {
			processed = si.ItemsProcessed
		}
		if pct < si.Progress {
			pct = si.Progress
		}
	}
	si.TotalItems = total
	si.ItemsProcessed = processed
	si.Progress = pct
}

// PipelineState is the durable record of one pipeline run.
type PipelineState struct {
	BOMID            string                `json:"bom_id"`
	OrganizationID   string                `json:"organization_id"`
	Request          BOMProcessingRequest  `json:"request"`
	Status           PipelineStatus        `json:"status"`
	CurrentStage     Stage                 `json:"current_stage"`
	Stages           map[Stage]*StageInfo  `json:"stages"`
	TotalItems       int                   `json:"total_items"`
	EnrichedItems    int                   `json:"enriched_items"`
	FailedItems      int                   `json:"failed_items"`
	RiskScoredItems  int                   `json:"risk_scored_items"`
	HealthGrade      string                `json:"health_grade,omitempty"`
	AverageRiskScore float64               `json:"average_risk_score"`
	ErrorMessage     string                `json:"error_message,omitempty"`
	StartedAt        *time.Time            `json:"started_at,omitempty"`
	PausedAt         *time.Time            `json:"paused_at,omitempty"`
	CompletedAt      *time.Time            `json:"completed_at,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// NewPipelineState seeds a pending state with every stage pending.
func NewPipelineState(req BOMProcessingRequest, now time.Time) *PipelineState {
	st := &PipelineState{
		BOMID:          req.BOMID,
		OrganizationID: req.OrganizationID,
		Request:        req,
		Status:         PipelineStatusPending,
		CurrentStage:   StageRawUpload,
		Stages:         make(map[Stage]*StageInfo, len(stageOrder)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, s := range stageOrder {
		st.Stages[s] = &StageInfo{Status: StageStatusPending}
	}
	return st
}

// Stage returns the info for s, creating a pending entry if absent.
func (p *PipelineState) Stage(s Stage) *StageInfo {
	if p.Stages == nil {
		p.Stages = make(map[Stage]*StageInfo, len(stageOrder))
	}
	info, ok := p.Stages[s]
	if !ok {
		info = &StageInfo{Status: StageStatusPending}
		p.Stages[s] = info
	}
	return info
}

// Degraded reports a completed run in which some items failed enrichment.
func (p *PipelineState) Degraded() bool {
	return p.Status == PipelineStatusCompleted && p.FailedItems > 0
}

// Clone returns a deep copy safe to hand to readers.
func (p *PipelineState) Clone() *PipelineState {
	if p == nil {
		return nil
	}
	c := *p
	c.Stages = make(map[Stage]*StageInfo, len(p.Stages))
	for k, v := range p.Stages {
		if v == nil {
			continue
		}
		info := *v
		info.StartedAt = cloneTime(v.StartedAt)
		info.CompletedAt = cloneTime(v.CompletedAt)
		c.Stages[k] = &info
	}
	c.StartedAt = cloneTime(p.StartedAt)
	c.PausedAt = cloneTime(p.PausedAt)
	c.CompletedAt = cloneTime(p.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
