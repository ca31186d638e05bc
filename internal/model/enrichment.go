package model

import "time"

// EnrichmentProgressState is the snapshot published on the enrichment channel.
type EnrichmentProgressState struct {
	BOMID                  string              `json:"bom_id"`
	RunID                  string              `json:"run_id"`
	TotalItems             int                 `json:"total_items"`
	EnrichedItems          int                 `json:"enriched_items"`
	FailedItems            int                 `json:"failed_items"`
	PercentComplete        float64             `json:"percent_complete"`
	CurrentItem            *ComponentQueueItem `json:"current_item,omitempty"`
	EstimatedTimeRemaining *float64            `json:"estimated_time_remaining,omitempty"`
	Final                  bool                `json:"final"`
	UpdatedAt              time.Time           `json:"updated_at"`
}

// Processed returns enriched plus failed.
func (e EnrichmentProgressState) Processed() int {
	return e.EnrichedItems + e.FailedItems
}

// QueueItemStatus is the state of one component in the enrichment queue.
type QueueItemStatus string

const (
	QueueItemPending    QueueItemStatus = "pending"
	QueueItemProcessing QueueItemStatus = "processing"
	QueueItemDone       QueueItemStatus = "done"
	QueueItemFailed     QueueItemStatus = "failed"
)

// ComponentQueueItem describes the item a worker most recently touched.
type ComponentQueueItem struct {
	MPN             string          `json:"mpn"`
	Manufacturer    string          `json:"manufacturer"`
	Status          QueueItemStatus `json:"status"`
	MatchConfidence *float64        `json:"match_confidence,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

// AuditOutcome is the recorded result of enriching one line item.
type AuditOutcome string

const (
	AuditEnriched AuditOutcome = "enriched"
	AuditFailed   AuditOutcome = "failed"
)

// AuditEvent records the outcome of one line item inside an enrichment run.
type AuditEvent struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	BOMID      string          `json:"bom_id"`
	LineItemID string          `json:"line_item_id"`
	MPN        string          `json:"mpn"`
	Outcome    AuditOutcome    `json:"outcome"`
	Source     ComponentSource `json:"source,omitempty"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// EnrichmentRunStatus is the lifecycle of an enrichment run record.
type EnrichmentRunStatus string

const (
	EnrichmentRunRunning   EnrichmentRunStatus = "running"
	EnrichmentRunCompleted EnrichmentRunStatus = "completed"
	EnrichmentRunCancelled EnrichmentRunStatus = "cancelled"
	EnrichmentRunFailed    EnrichmentRunStatus = "failed"
)

// EnrichmentRun is the durable record of the enrichment sub-pipeline for one BOM.
type EnrichmentRun struct {
	RunID       string              `json:"run_id"`
	BOMID       string              `json:"bom_id"`
	Attempt     int                 `json:"attempt"`
	Status      EnrichmentRunStatus `json:"status"`
	Total       int                 `json:"total"`
	Enriched    int                 `json:"enriched"`
	Failed      int                 `json:"failed"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// EnrichmentBatch is one flush of worker results. Counter deltas are applied
// atomically with the audit rows so a crash never double counts an item.
type EnrichmentBatch struct {
	RunID         string
	BOMID         string
	Events        []AuditEvent
	Components    []EnrichedComponent
	EnrichedDelta int
	FailedDelta   int
}

// Empty reports whether the batch carries nothing to write.
func (b EnrichmentBatch) Empty() bool {
	return len(b.Events) == 0 && len(b.Components) == 0 && b.EnrichedDelta == 0 && b.FailedDelta == 0
}

// CatalogEntry is a previously enriched component available for pre-filtering.
type CatalogEntry struct {
	Key             string    `json:"key"`
	MPN             string    `json:"mpn"`
	Manufacturer    string    `json:"manufacturer"`
	LifecycleStatus string    `json:"lifecycle_status,omitempty"`
	Stock           int       `json:"stock"`
	SupplierCount   int       `json:"supplier_count"`
	LeadTimeDays    int       `json:"lead_time_days"`
	UnitPrice       float64   `json:"unit_price"`
	MatchConfidence float64   `json:"match_confidence"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Component converts the catalog entry into an enriched component for li.
func (c CatalogEntry) Component(li LineItem) EnrichedComponent {
	return EnrichedComponent{
		LineItemID:      li.ID,
		MPN:             li.MPN,
		Manufacturer:    li.Manufacturer,
		MatchConfidence: c.MatchConfidence,
		Source:          SourceCatalog,
		LifecycleStatus: c.LifecycleStatus,
		Stock:           c.Stock,
		SupplierCount:   c.SupplierCount,
		LeadTimeDays:    c.LeadTimeDays,
		UnitPrice:       c.UnitPrice,
	}
}

// CatalogEntryFrom builds a catalog entry from a supplier-sourced component.
func CatalogEntryFrom(ec EnrichedComponent, now time.Time) CatalogEntry {
	return CatalogEntry{
		Key:             ComponentKey(ec.MPN, ec.Manufacturer),
		MPN:             NormalizeMPN(ec.MPN),
		Manufacturer:    ec.Manufacturer,
		LifecycleStatus: ec.LifecycleStatus,
		Stock:           ec.Stock,
		SupplierCount:   ec.SupplierCount,
		LeadTimeDays:    ec.LeadTimeDays,
		UnitPrice:       ec.UnitPrice,
		MatchConfidence: ec.MatchConfidence,
		UpdatedAt:       now,
	}
}
