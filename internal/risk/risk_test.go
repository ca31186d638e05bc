package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bom-pipeline/internal/model"
)

func TestScoreComponent(t *testing.T) {
	t.Parallel()
	s := NewScorer(DefaultConfig())

	tests := []struct {
		name string
		c    model.EnrichedComponent
		want float64
	}{
		{
			name: "healthy",
			c:    model.EnrichedComponent{LifecycleStatus: "Active", Stock: 5000, SupplierCount: 5, LeadTimeDays: 7},
			want: 0,
		},
		{
			name: "nrnd low stock dual source",
			c:    model.EnrichedComponent{LifecycleStatus: "NRND", Stock: 50, SupplierCount: 2, LeadTimeDays: 30},
			want: 40 + 15 + 10 + 5,
		},
		{
			name: "obsolete clamps",
			c:    model.EnrichedComponent{LifecycleStatus: "obsolete", Stock: 0, SupplierCount: 1, LeadTimeDays: 120},
			want: 100,
		},
		{
			name: "unknown lifecycle",
			c:    model.EnrichedComponent{Stock: 1000, SupplierCount: 3},
			want: 30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := s.ScoreComponent(tt.c)
			assert.InDelta(t, tt.want, got.Score, 0.001)
			assert.Len(t, got.Factors, 4)
		})
	}
}

func TestScore_Aggregate(t *testing.T) {
	s := NewScorer(DefaultConfig())

	res, err := s.Score(context.Background(), []model.EnrichedComponent{
		{LifecycleStatus: "active", Stock: 5000, SupplierCount: 5},
		{LifecycleStatus: "eol", Stock: 5000, SupplierCount: 5},
	})
	require.NoError(t, err)

	// (0 + 70) / 2
	assert.InDelta(t, 35, res.AverageScore, 0.001)
	assert.Equal(t, "B", res.HealthGrade)
	assert.Equal(t, 2, res.ScoredItems)
	assert.Equal(t, 1, res.HighRiskItems)
}

func TestScore_Empty(t *testing.T) {
	s := NewScorer(DefaultConfig())

	res, err := s.Score(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "N/A", res.HealthGrade)
	assert.Zero(t, res.ScoredItems)
}

func TestScore_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewScorer(DefaultConfig()).Score(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGrade(t *testing.T) {
	t.Parallel()
	tests := []struct {
		avg  float64
		want string
	}{
		{0, "A"}, {19.99, "A"}, {20, "B"}, {39, "B"}, {40, "C"}, {59.5, "C"}, {60, "D"}, {79, "D"}, {80, "F"}, {100, "F"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Grade(tt.avg, 1), "avg=%v", tt.avg)
	}
	assert.Equal(t, "N/A", Grade(0, 0))
}
