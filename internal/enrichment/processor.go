package enrichment

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/bom-pipeline/internal/cache"
	"github.com/sells-group/bom-pipeline/internal/metrics"
	"github.com/sells-group/bom-pipeline/internal/model"
	"github.com/sells-group/bom-pipeline/internal/resilience"
	"github.com/sells-group/bom-pipeline/pkg/supplier"
)

var (
	// ErrInvalidItem marks a line item that cannot be looked up at all.
	ErrInvalidItem = eris.New("enrichment: invalid line item")
	// ErrNoMatch marks a line item the supplier does not know.
	ErrNoMatch = eris.New("enrichment: no supplier match")
)

// Outcome is the result of processing one line item. Exactly one of
// Component and Err is set.
type Outcome struct {
	Component *model.EnrichedComponent
	// Attempts is the number of supplier calls made. Zero for cache hits
	// and invalid items.
	Attempts int
	Err      error
}

// ItemProcessor enriches one line item.
type ItemProcessor interface {
	Process(ctx context.Context, li model.LineItem, level model.EnrichmentLevel) Outcome
}

// ProcessorConfig tunes per-item supplier calls.
type ProcessorConfig struct {
	ItemTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	RatePerSec     float64
	Burst          int
}

// Processor is the supplier-backed ItemProcessor. It holds no per-item
// state; the limiter, breaker and cache are shared by every worker.
type Processor struct {
	client  supplier.Client
	cfg     ProcessorConfig
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	cache   *cache.Service[*supplier.Part]
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithCache shares supplier results across items and runs.
func WithCache(c *cache.Service[*supplier.Part]) ProcessorOption {
	return func(p *Processor) { p.cache = c }
}

// WithBreaker guards supplier calls with cb.
func WithBreaker(cb *resilience.CircuitBreaker) ProcessorOption {
	return func(p *Processor) { p.breaker = cb }
}

// NewProcessor creates a Processor calling client.
func NewProcessor(client supplier.Client, cfg ProcessorConfig, opts ...ProcessorOption) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	p := &Processor{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.breaker == nil {
		p.breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	return p
}

// Process looks li up with the supplier, retrying transient failures.
func (p *Processor) Process(ctx context.Context, li model.LineItem, level model.EnrichmentLevel) Outcome {
	mpn := model.NormalizeMPN(li.MPN)
	if mpn == "" {
		return Outcome{Err: eris.Wrapf(ErrInvalidItem, "enrichment: line item %s has no mpn", li.ID)}
	}

	attempts := 0
	load := func(ctx context.Context) (*supplier.Part, error) {
		retry := resilience.Attempts(p.cfg.MaxAttempts, p.cfg.InitialBackoff)
		retry.OnRetry = resilience.RetryLogger("supplier.lookup",
			zap.String("line_item_id", li.ID), zap.String("mpn", mpn))
		return resilience.DoVal(ctx, retry, func(ctx context.Context) (*supplier.Part, error) {
			attempts++
			return p.lookup(ctx, supplier.LookupRequest{
				MPN:          mpn,
				Manufacturer: li.Manufacturer,
				Level:        string(level),
			})
		})
	}

	var (
		part *supplier.Part
		err  error
	)
	if p.cache != nil {
		part, err = p.cache.GetOrLoad(ctx, cacheKey(li, level), load)
	} else {
		part, err = load(ctx)
	}

	if err != nil {
		if errors.Is(err, supplier.ErrNotFound) {
			err = eris.Wrapf(ErrNoMatch, "enrichment: %s", mpn)
		}
		return Outcome{Attempts: attempts, Err: err}
	}

	return Outcome{Component: componentFrom(li, part, level), Attempts: attempts}
}

// lookup makes one rate-limited, breaker-guarded, time-bounded call.
func (p *Processor) lookup(ctx context.Context, req supplier.LookupRequest) (*supplier.Part, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "enrichment: rate limit wait")
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	part, err := resilience.ExecuteVal(callCtx, p.breaker, func(ctx context.Context) (*supplier.Part, error) {
		return p.client.Lookup(ctx, req)
	})
	metrics.RecordSupplierCall(string(resilience.ClassifyError(err)), timer.Duration())
	return part, err
}

func cacheKey(li model.LineItem, level model.EnrichmentLevel) string {
	return li.Key() + "|" + string(level)
}

func componentFrom(li model.LineItem, part *supplier.Part, level model.EnrichmentLevel) *model.EnrichedComponent {
	mfr := part.Manufacturer
	if mfr == "" {
		mfr = li.Manufacturer
	}
	ec := &model.EnrichedComponent{
		LineItemID:      li.ID,
		MPN:             li.MPN,
		Manufacturer:    mfr,
		MatchConfidence: part.MatchConfidence,
		Source:          model.SourceSupplier,
		LifecycleStatus: part.LifecycleStatus,
		Stock:           part.Stock,
		SupplierCount:   part.SupplierCount,
		LeadTimeDays:    part.LeadTimeDays,
		UnitPrice:       part.UnitPrice,
	}
	if level != model.EnrichmentBasic && len(part.Attributes) > 0 {
		ec.Fields = make(map[string]any, len(part.Attributes))
		for k, v := range part.Attributes {
			ec.Fields[k] = v
		}
	}
	return ec
}
