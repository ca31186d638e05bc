package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bom-pipeline/internal/config"
	"github.com/sells-group/bom-pipeline/internal/monitoring"
	"github.com/sells-group/bom-pipeline/internal/pipeline"
)

func TestNewScheduler(t *testing.T) {
	ctx := context.Background()
	mgr := pipeline.NewManager(nil, nil, pipeline.ManagerConfig{})

	s, err := newScheduler(ctx, mgr, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())

	s, err = newScheduler(ctx, mgr, nil, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	mc := config.MonitoringConfig{Enabled: true, CheckIntervalSecs: 60}
	checker := monitoring.NewChecker(monitoring.NewCollector(nil, 0), monitoring.NewAlerter(mc), mc)

	s, err = newScheduler(ctx, mgr, checker, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	jobs, err := s.FindJobsByTag("monitoring")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}
