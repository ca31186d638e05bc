package model

import (
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
)

// EnrichmentLevel controls how much supplier data is requested per component.
type EnrichmentLevel string

const (
	EnrichmentBasic         EnrichmentLevel = "basic"
	EnrichmentStandard      EnrichmentLevel = "standard"
	EnrichmentComprehensive EnrichmentLevel = "comprehensive"
)

// Valid reports whether the level is one of the known levels.
func (l EnrichmentLevel) Valid() bool {
	switch l {
	case EnrichmentBasic, EnrichmentStandard, EnrichmentComprehensive:
		return true
	}
	return false
}

// BOMProcessingRequest is the immutable input for one pipeline invocation.
type BOMProcessingRequest struct {
	BOMID            string          `json:"bom_id"`
	OrganizationID   string          `json:"organization_id"`
	Filename         string          `json:"filename"`
	ProjectID        string          `json:"project_id,omitempty"`
	UserID           string          `json:"user_id,omitempty"`
	SkipEnrichment   bool            `json:"skip_enrichment"`
	SkipRiskAnalysis bool            `json:"skip_risk_analysis"`
	EnrichmentLevel  EnrichmentLevel `json:"enrichment_level,omitempty"`
	Priority         int             `json:"priority"`
}

// Level returns the requested enrichment level, defaulting to standard.
func (r BOMProcessingRequest) Level() EnrichmentLevel {
	if r.EnrichmentLevel == "" {
		return EnrichmentStandard
	}
	return r.EnrichmentLevel
}

// Validate checks that the request carries everything the pipeline needs.
func (r BOMProcessingRequest) Validate() error {
	if strings.TrimSpace(r.BOMID) == "" {
		return eris.New("request: bom_id is required")
	}
	if strings.TrimSpace(r.OrganizationID) == "" {
		return eris.New("request: organization_id is required")
	}
	if strings.TrimSpace(r.Filename) == "" {
		return eris.New("request: filename is required")
	}
	if !r.Level().Valid() {
		return eris.Errorf("request: unknown enrichment level %q", r.EnrichmentLevel)
	}
	return nil
}

// LineItem is one row of a BOM.
type LineItem struct {
	ID           string `json:"id"`
	BOMID        string `json:"bom_id"`
	Position     int    `json:"position"`
	MPN          string `json:"mpn"`
	Manufacturer string `json:"manufacturer"`
	Quantity     int    `json:"quantity"`
	Description  string `json:"description,omitempty"`
}

// Key returns the catalog key for the line item.
func (li LineItem) Key() string {
	return ComponentKey(li.MPN, li.Manufacturer)
}

// ComponentSource records where enrichment data came from.
type ComponentSource string

const (
	SourceCatalog  ComponentSource = "catalog"
	SourceSupplier ComponentSource = "supplier"
)

// EnrichedComponent is a line item augmented with externally sourced data.
type EnrichedComponent struct {
	LineItemID      string          `json:"line_item_id"`
	MPN             string          `json:"mpn"`
	Manufacturer    string          `json:"manufacturer"`
	MatchConfidence float64         `json:"match_confidence"`
	Source          ComponentSource `json:"source"`
	LifecycleStatus string          `json:"lifecycle_status,omitempty"`
	Stock           int             `json:"stock"`
	SupplierCount   int             `json:"supplier_count"`
	LeadTimeDays    int             `json:"lead_time_days"`
	UnitPrice       float64         `json:"unit_price"`
	Fields          map[string]any  `json:"fields,omitempty"`
}

// RiskResult is the aggregate outcome of risk scoring.
type RiskResult struct {
	AverageScore  float64 `json:"average_score"`
	HealthGrade   string  `json:"health_grade"`
	ScoredItems   int     `json:"scored_items"`
	HighRiskItems int     `json:"high_risk_items"`
}

// NormalizeMPN folds a manufacturer part number into its canonical form:
// NFKC, upper case, no whitespace.
func NormalizeMPN(mpn string) string {
	s := norm.NFKC.String(mpn)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// NormalizeManufacturer folds a manufacturer name for key comparison.
func NormalizeManufacturer(name string) string {
	s := strings.ToUpper(norm.NFKC.String(name))
	return strings.Join(strings.Fields(s), " ")
}

// ComponentKey builds the catalog key for an MPN/manufacturer pair.
func ComponentKey(mpn, manufacturer string) string {
	return NormalizeMPN(mpn) + "|" + NormalizeManufacturer(manufacturer)
}
