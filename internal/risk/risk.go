// Package risk scores enriched components for supply-chain risk and rolls the
// per-component scores up into a BOM health grade.
package risk

import (
	"context"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bom-pipeline/internal/model"
)

// HighRiskThreshold is the component score at or above which an item counts
// as high risk.
const HighRiskThreshold = 60

// Config holds per-factor points. Scores are clamped to 0..100.
type Config struct {
	Lifecycle map[string]float64

	UnknownLifecycle float64

	NoStock       float64
	LowStock      float64
	LowStockBelow int

	SingleSource float64
	DualSource   float64

	LongLead       float64
	LongLeadDays   int
	MediumLead     float64
	MediumLeadDays int
}

// DefaultConfig returns the standard scoring table.
func DefaultConfig() Config {
	return Config{
		Lifecycle: map[string]float64{
			"active":   0,
			"nrnd":     40,
			"eol":      70,
			"obsolete": 100,
		},
		UnknownLifecycle: 30,
		NoStock:          30,
		LowStock:         15,
		LowStockBelow:    100,
		SingleSource:     20,
		DualSource:       10,
		LongLead:         15,
		LongLeadDays:     84,
		MediumLead:       5,
		MediumLeadDays:   28,
	}
}

// Scorer computes risk over a set of enriched components.
type Scorer struct {
	cfg Config
}

// NewScorer creates a Scorer using cfg.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// ComponentScore is the per-component breakdown.
type ComponentScore struct {
	LineItemID string             `json:"line_item_id"`
	MPN        string             `json:"mpn"`
	Score      float64            `json:"score"`
	Factors    map[string]float64 `json:"factors"`
}

// Score rolls components up into a RiskResult. An empty set yields grade N/A.
func (s *Scorer) Score(ctx context.Context, components []model.EnrichedComponent) (*model.RiskResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "risk: score")
	}

	res := &model.RiskResult{HealthGrade: Grade(0, 0)}
	if len(components) == 0 {
		return res, nil
	}

	var total float64
	for _, c := range components {
		cs := s.ScoreComponent(c)
		total += cs.Score
		if cs.Score >= HighRiskThreshold {
			res.HighRiskItems++
		}
	}

	res.ScoredItems = len(components)
	res.AverageScore = math.Round(total/float64(len(components))*100) / 100
	res.HealthGrade = Grade(res.AverageScore, res.ScoredItems)
	return res, nil
}

// ScoreComponent scores one component.
func (s *Scorer) ScoreComponent(c model.EnrichedComponent) ComponentScore {
	factors := map[string]float64{
		"lifecycle": s.scoreLifecycle(c.LifecycleStatus),
		"stock":     s.scoreStock(c.Stock),
		"sourcing":  s.scoreSourcing(c.SupplierCount),
		"lead_time": s.scoreLeadTime(c.LeadTimeDays),
	}

	var sum float64
	for _, v := range factors {
		sum += v
	}

	return ComponentScore{
		LineItemID: c.LineItemID,
		MPN:        c.MPN,
		Score:      math.Min(100, math.Max(0, sum)),
		Factors:    factors,
	}
}

func (s *Scorer) scoreLifecycle(status string) float64 {
	key := strings.ToLower(strings.TrimSpace(status))
	if v, ok := s.cfg.Lifecycle[key]; ok {
		return v
	}
	return s.cfg.UnknownLifecycle
}

func (s *Scorer) scoreStock(stock int) float64 {
	switch {
	case stock <= 0:
		return s.cfg.NoStock
	case stock < s.cfg.LowStockBelow:
		return s.cfg.LowStock
	}
	return 0
}

func (s *Scorer) scoreSourcing(suppliers int) float64 {
	switch {
	case suppliers <= 1:
		return s.cfg.SingleSource
	case suppliers == 2:
		return s.cfg.DualSource
	}
	return 0
}

func (s *Scorer) scoreLeadTime(days int) float64 {
	switch {
	case days > s.cfg.LongLeadDays:
		return s.cfg.LongLead
	case days > s.cfg.MediumLeadDays:
		return s.cfg.MediumLead
	}
	return 0
}

// Grade maps an average score to a letter. Nothing scored is N/A.
func Grade(avg float64, scored int) string {
	if scored == 0 {
		return "N/A"
	}
	switch {
	case avg < 20:
		return "A"
	case avg < 40:
		return "B"
	case avg < 60:
		return "C"
	case avg < 80:
		return "D"
	}
	return "F"
}
