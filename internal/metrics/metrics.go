// Package metrics provides Prometheus metrics for the BOM pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Enrichment metrics
	ItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bom_enrichment_items_total",
			Help: "Line items that reached a terminal enrichment outcome",
		},
		[]string{"outcome", "source"},
	)

	ItemAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bom_enrichment_item_attempts",
			Help:    "Supplier attempts per enriched line item",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	SupplierCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bom_supplier_calls_total",
			Help: "Supplier lookups by result",
		},
		[]string{"status"},
	)

	SupplierCallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bom_supplier_call_duration_seconds",
			Help:    "Duration of supplier lookups",
			Buckets: prometheus.DefBuckets,
		},
	)

	PrefilterHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bom_enrichment_prefilter_hits_total",
			Help: "Line items resolved by the catalog pre-filter",
		},
	)

	// Pipeline metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bom_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800},
		},
		[]string{"stage", "status"},
	)

	PipelinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bom_pipelines_total",
			Help: "Pipelines that reached a terminal status",
		},
		[]string{"status"},
	)

	PipelinesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bom_pipelines_active",
			Help: "Pipelines currently owned by this process",
		},
	)

	SignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bom_signals_total",
			Help: "Control signals applied",
		},
		[]string{"kind", "changed"},
	)
)

// RecordItem records one terminal item outcome.
func RecordItem(outcome, source string, attempts int) {
	ItemsTotal.WithLabelValues(outcome, source).Inc()
	if attempts > 0 {
		ItemAttempts.Observe(float64(attempts))
	}
}

// RecordSupplierCall records one supplier lookup.
func RecordSupplierCall(status string, d time.Duration) {
	SupplierCalls.WithLabelValues(status).Inc()
	SupplierCallDuration.Observe(d.Seconds())
}

// RecordStage records how long a stage ran and how it ended.
func RecordStage(stage, status string, d time.Duration) {
	StageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

// RecordPipelineFinished records a pipeline reaching a terminal status.
func RecordPipelineFinished(status string) {
	PipelinesTotal.WithLabelValues(status).Inc()
}

// RecordSignal records an applied control signal.
func RecordSignal(kind string, changed bool) {
	label := "false"
	if changed {
		label = "true"
	}
	SignalsTotal.WithLabelValues(kind, label).Inc()
}

// Timer is a helper for measuring duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
