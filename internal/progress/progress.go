// Package progress publishes pipeline and enrichment progress snapshots on
// per-BOM channels. Publication is fire-and-forget: consumers tolerate gaps
// and duplicates, and a failed publish never affects the pipeline.
package progress

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/bom-pipeline/internal/model"
)

// Message is one payload delivered on a channel.
type Message struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Bus transports raw messages to subscribers.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error)
	Close() error
}

// PipelineChannel is the stage-level channel for a BOM.
func PipelineChannel(bomID string) string {
	return "bom:" + bomID + ":pipeline"
}

// EnrichmentChannel is the item-level channel for a BOM.
func EnrichmentChannel(bomID string) string {
	return "bom:" + bomID + ":enrichment"
}

// Publisher is what the orchestrator and sub-pipeline publish through.
type Publisher interface {
	PublishPipeline(ctx context.Context, st *model.PipelineState)
	PublishEnrichment(ctx context.Context, st *model.EnrichmentProgressState)
}

// BusPublisher encodes snapshots as JSON and sends them on a Bus.
type BusPublisher struct {
	bus     Bus
	prefix  string
	timeout time.Duration
}

// NewPublisher wraps bus. A non-empty prefix is prepended to every channel.
func NewPublisher(bus Bus, prefix string) *BusPublisher {
	return &BusPublisher{bus: bus, prefix: prefix, timeout: 2 * time.Second}
}

// PublishPipeline sends a PipelineState snapshot.
func (p *BusPublisher) PublishPipeline(ctx context.Context, st *model.PipelineState) {
	if st == nil {
		return
	}
	p.send(ctx, p.prefix+PipelineChannel(st.BOMID), st)
}

// PublishEnrichment sends an EnrichmentProgressState snapshot.
func (p *BusPublisher) PublishEnrichment(ctx context.Context, st *model.EnrichmentProgressState) {
	if st == nil {
		return
	}
	p.send(ctx, p.prefix+EnrichmentChannel(st.BOMID), st)
}

func (p *BusPublisher) send(ctx context.Context, channel string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		zap.L().Warn("progress: encode failed", zap.String("channel", channel), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.bus.Publish(ctx, channel, raw); err != nil {
		zap.L().Warn("progress: publish failed", zap.String("channel", channel), zap.Error(err))
	}
}

// Nop discards every snapshot.
type Nop struct{}

// PublishPipeline implements Publisher.
func (Nop) PublishPipeline(context.Context, *model.PipelineState) {}

// PublishEnrichment implements Publisher.
func (Nop) PublishEnrichment(context.Context, *model.EnrichmentProgressState) {}
