package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bom-pipeline/internal/config"
)

func thresholds() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		DegradedThreshold:    0.50,
		StaleMinutes:         30,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &MetricsSnapshot{
		PipelineTotal:        100,
		PipelineCompleted:    95,
		PipelineFailed:       5,
		PipelineFailRate:     0.05,
		PipelineDegraded:     10,
		PipelineDegradedRate: 10.0 / 95.0,
		LookbackHours:        24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_PipelineFailureRate(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &MetricsSnapshot{
		PipelineTotal:     20,
		PipelineCompleted: 12,
		PipelineFailed:    8,
		PipelineFailRate:  0.4,
		LookbackHours:     24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertPipelineFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_DegradedRate(t *testing.T) {
	a := NewAlerter(thresholds())

	snap := &MetricsSnapshot{
		PipelineCompleted:    10,
		PipelineDegraded:     8,
		PipelineDegradedRate: 0.8,
		ItemsTotal:           1000,
		ItemsFailed:          40,
		LookbackHours:        24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDegradedRate, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "8 of 10")
	assert.Contains(t, alerts[0].Message, "40 of 1000")
}

func TestAlerter_Evaluate_Stale(t *testing.T) {
	a := NewAlerter(thresholds())

	alerts := a.Evaluate(&MetricsSnapshot{PipelineStale: []string{"bom-1", "bom-2"}})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStalePipelines, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "2 pipeline(s)")
	assert.Equal(t, []string{"bom-1", "bom-2"}, alerts[0].Details["bom_ids"])
}

func TestAlerter_Evaluate_MinimumRunsRequired(t *testing.T) {
	a := NewAlerter(thresholds())

	// Only 3 finished, below the minimum for rate alerts.
	snap := &MetricsSnapshot{
		PipelineTotal:        3,
		PipelineCompleted:    1,
		PipelineFailed:       2,
		PipelineFailRate:     0.666,
		PipelineDegraded:     1,
		PipelineDegradedRate: 1,
		LookbackHours:        24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_ZeroThresholdDisabled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		PipelineCompleted:    10,
		PipelineFailed:       10,
		PipelineFailRate:     0.5,
		PipelineDegraded:     10,
		PipelineDegradedRate: 1,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertPipelineFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertStalePipelines, Severity: "high", Message: "test alert 2"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertPipelineFailureRate, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: "http://example.com"})

	assert.Equal(t, 0, a.SendAlerts(context.Background(), nil))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertPipelineFailureRate, Message: "test"}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertStalePipelines, Message: "stale"}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlerter_SendAlerts_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertStalePipelines, Message: "stale"}})
	assert.Equal(t, 0, sent)
	assert.Equal(t, int32(1), calls.Load())
}
