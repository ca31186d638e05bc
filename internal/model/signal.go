package model

import "time"

// SignalKind is a control request against a running pipeline.
type SignalKind string

const (
	SignalPause  SignalKind = "pause"
	SignalResume SignalKind = "resume"
	SignalCancel SignalKind = "cancel"
)

// Valid reports whether k is a known signal kind.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalPause, SignalResume, SignalCancel:
		return true
	}
	return false
}

// Signal is one entry in the durable control log.
type Signal struct {
	ID        string     `json:"id"`
	BOMID     string     `json:"bom_id"`
	Kind      SignalKind `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// PipelineFilter narrows ListPipelines.
type PipelineFilter struct {
	Statuses       []PipelineStatus
	OrganizationID string
	Limit          int
}
