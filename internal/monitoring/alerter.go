package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bom-pipeline/internal/config"
	"github.com/sells-group/bom-pipeline/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertPipelineFailureRate AlertType = "pipeline_failure_rate"
	AlertDegradedRate        AlertType = "pipeline_degraded_rate"
	AlertStalePipelines      AlertType = "pipeline_stale"
)

// Rate alerts stay quiet until this many pipelines have finished.
const minFinished = 5

// Alert is one breached threshold.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// rule inspects a snapshot and reports an alert when its threshold is hit.
type rule func(snap *MetricsSnapshot, cfg config.MonitoringConfig) (Alert, bool)

var rules = []rule{failureRateRule, degradedRateRule, staleRule}

func failureRateRule(snap *MetricsSnapshot, cfg config.MonitoringConfig) (Alert, bool) {
	finished := snap.Finished()
	if finished < minFinished || cfg.FailureRateThreshold <= 0 || snap.PipelineFailRate <= cfg.FailureRateThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertPipelineFailureRate,
		Severity: "high",
		Message: fmt.Sprintf("Pipeline failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
			snap.PipelineFailRate*100, cfg.FailureRateThreshold*100, snap.PipelineFailed, finished, snap.LookbackHours),
		Details: map[string]any{
			"failure_rate": snap.PipelineFailRate,
			"threshold":    cfg.FailureRateThreshold,
			"failed":       snap.PipelineFailed,
			"finished":     finished,
		},
	}, true
}

// degradedRateRule fires when too many completed BOMs carry failed items.
func degradedRateRule(snap *MetricsSnapshot, cfg config.MonitoringConfig) (Alert, bool) {
	if snap.PipelineCompleted < minFinished || cfg.DegradedThreshold <= 0 || snap.PipelineDegradedRate <= cfg.DegradedThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertDegradedRate,
		Severity: "medium",
		Message: fmt.Sprintf("%d of %d completed pipelines had failed line items in last %dh (%d of %d items failed)",
			snap.PipelineDegraded, snap.PipelineCompleted, snap.LookbackHours, snap.ItemsFailed, snap.ItemsTotal),
		Details: map[string]any{
			"degraded_rate": snap.PipelineDegradedRate,
			"threshold":     cfg.DegradedThreshold,
			"items_failed":  snap.ItemsFailed,
		},
	}, true
}

func staleRule(snap *MetricsSnapshot, cfg config.MonitoringConfig) (Alert, bool) {
	if len(snap.PipelineStale) == 0 {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertStalePipelines,
		Severity: "high",
		Message:  fmt.Sprintf("%d pipeline(s) have not progressed in %d minutes", len(snap.PipelineStale), cfg.StaleMinutes),
		Details:  map[string]any{"bom_ids": snap.PipelineStale},
	}, true
}

// Alerter turns snapshots into alerts and posts them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates an Alerter. Webhook posts are retried on 5xx and
// network errors.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.Attempts(3, 100*time.Millisecond),
	}
}

// Evaluate returns the alerts whose thresholds snap breaches.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	now := time.Now().UTC()
	var alerts []Alert
	for _, r := range rules {
		if alert, ok := r(snap, a.cfg); ok {
			alert.Timestamp = now
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

// SendAlerts posts each alert to the webhook and returns how many were
// delivered. Without a webhook URL nothing is sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		retry := a.retry
		retry.OnRetry = resilience.RetryLogger("monitoring.webhook", zap.String("type", string(alert.Type)))
		err := resilience.Do(ctx, retry, func(ctx context.Context) error {
			return a.post(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode < 400:
		return nil
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.NewTransientError(eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode), resp.StatusCode)
	default:
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
}
