package enrichment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bom-pipeline/internal/cache"
	"github.com/sells-group/bom-pipeline/internal/model"
	"github.com/sells-group/bom-pipeline/internal/resilience"
	"github.com/sells-group/bom-pipeline/pkg/supplier"
)

// fakeSupplier answers lookups from fn and counts calls per MPN.
type fakeSupplier struct {
	fn    func(ctx context.Context, req supplier.LookupRequest, call int) (*supplier.Part, error)
	mu    sync.Mutex
	calls map[string]int
	total atomic.Int32
}

func newFakeSupplier(fn func(ctx context.Context, req supplier.LookupRequest, call int) (*supplier.Part, error)) *fakeSupplier {
	return &fakeSupplier{fn: fn, calls: make(map[string]int)}
}

func (f *fakeSupplier) Lookup(ctx context.Context, req supplier.LookupRequest) (*supplier.Part, error) {
	f.mu.Lock()
	f.calls[req.MPN]++
	n := f.calls[req.MPN]
	f.mu.Unlock()
	f.total.Add(1)
	return f.fn(ctx, req, n)
}

func (f *fakeSupplier) callsFor(mpn string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[mpn]
}

func okPart(req supplier.LookupRequest) *supplier.Part {
	return &supplier.Part{
		MPN:             req.MPN,
		Manufacturer:    req.Manufacturer,
		LifecycleStatus: "active",
		Stock:           500,
		SupplierCount:   3,
		LeadTimeDays:    10,
		UnitPrice:       1.25,
		MatchConfidence: 0.9,
		Attributes:      map[string]any{"package": "TO-220"},
	}
}

func fastConfig() ProcessorConfig {
	return ProcessorConfig{
		ItemTimeout:    time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
	}
}

func TestProcessor_Success(t *testing.T) {
	sup := newFakeSupplier(func(_ context.Context, req supplier.LookupRequest, _ int) (*supplier.Part, error) {
		assert.Equal(t, "LM317T", req.MPN)
		assert.Equal(t, "standard", req.Level)
		return okPart(req), nil
	})
	p := NewProcessor(sup, fastConfig())

	li := model.LineItem{ID: "b:1", MPN: " lm317t ", Manufacturer: "TI"}
	out := p.Process(context.Background(), li, model.EnrichmentStandard)

	require.NoError(t, out.Err)
	require.NotNil(t, out.Component)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "b:1", out.Component.LineItemID)
	assert.Equal(t, model.SourceSupplier, out.Component.Source)
	assert.Equal(t, "TI", out.Component.Manufacturer)
	assert.Equal(t, 500, out.Component.Stock)
	assert.Equal(t, "TO-220", out.Component.Fields["package"])
}

func TestProcessor_BasicLevelDropsFields(t *testing.T) {
	sup := newFakeSupplier(func(_ context.Context, req supplier.LookupRequest, _ int) (*supplier.Part, error) {
		return okPart(req), nil
	})
	p := NewProcessor(sup, fastConfig())

	out := p.Process(context.Background(), model.LineItem{ID: "b:1", MPN: "X"}, model.EnrichmentBasic)
	require.NoError(t, out.Err)
	assert.Nil(t, out.Component.Fields)
}

func TestProcessor_InvalidItem(t *testing.T) {
	sup := newFakeSupplier(func(context.Context, supplier.LookupRequest, int) (*supplier.Part, error) {
		t.Fatal("supplier must not be called")
		return nil, nil
	})
	p := NewProcessor(sup, fastConfig())

	out := p.Process(context.Background(), model.LineItem{ID: "b:1", MPN: "   "}, model.EnrichmentStandard)
	assert.ErrorIs(t, out.Err, ErrInvalidItem)
	assert.Zero(t, out.Attempts)
	assert.Nil(t, out.Component)
}

func TestProcessor_TransientRetriedThenSucceeds(t *testing.T) {
	sup := newFakeSupplier(func(_ context.Context, req supplier.LookupRequest, call int) (*supplier.Part, error) {
		if call < 3 {
			return nil, resilience.NewTransientError(errors.New("upstream 503"), 503)
		}
		return okPart(req), nil
	})
	p := NewProcessor(sup, fastConfig())

	out := p.Process(context.Background(), model.LineItem{ID: "b:10", MPN: "MPN10"}, model.EnrichmentStandard)
	require.NoError(t, out.Err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, sup.callsFor("MPN10"))
}

func TestProcessor_TransientExhausted(t *testing.T) {
	sup := newFakeSupplier(func(context.Context, supplier.LookupRequest, int) (*supplier.Part, error) {
		return nil, resilience.NewTransientError(errors.New("rate limited"), 429)
	})
	p := NewProcessor(sup, fastConfig())

	out := p.Process(context.Background(), model.LineItem{ID: "b:1", MPN: "X"}, model.EnrichmentStandard)
	require.Error(t, out.Err)
	assert.True(t, resilience.IsTransient(out.Err))
	assert.Equal(t, 3, out.Attempts)
}

func TestProcessor_NotFoundIsNoMatch(t *testing.T) {
	sup := newFakeSupplier(func(context.Context, supplier.LookupRequest, int) (*supplier.Part, error) {
		return nil, supplier.ErrNotFound
	})
	p := NewProcessor(sup, fastConfig())

	out := p.Process(context.Background(), model.LineItem{ID: "b:1", MPN: "X"}, model.EnrichmentStandard)
	assert.ErrorIs(t, out.Err, ErrNoMatch)
	assert.Equal(t, 1, out.Attempts)
}

func TestProcessor_PermanentNotRetried(t *testing.T) {
	sup := newFakeSupplier(func(context.Context, supplier.LookupRequest, int) (*supplier.Part, error) {
		return nil, errors.New("supplier: unexpected status 400")
	})
	p := NewProcessor(sup, fastConfig())

	out := p.Process(context.Background(), model.LineItem{ID: "b:1", MPN: "X"}, model.EnrichmentStandard)
	require.Error(t, out.Err)
	assert.Equal(t, 1, out.Attempts)
}

func TestProcessor_PerCallTimeout(t *testing.T) {
	sup := newFakeSupplier(func(ctx context.Context, _ supplier.LookupRequest, _ int) (*supplier.Part, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := fastConfig()
	cfg.ItemTimeout = 10 * time.Millisecond
	cfg.MaxAttempts = 2
	p := NewProcessor(sup, cfg)

	out := p.Process(context.Background(), model.LineItem{ID: "b:1", MPN: "SLOW"}, model.EnrichmentStandard)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Equal(t, 2, out.Attempts)
}

func TestProcessor_CacheSharesLookups(t *testing.T) {
	sup := newFakeSupplier(func(_ context.Context, req supplier.LookupRequest, _ int) (*supplier.Part, error) {
		return okPart(req), nil
	})
	c := cache.New[*supplier.Part](16, time.Minute)
	p := NewProcessor(sup, fastConfig(), WithCache(c))

	first := p.Process(context.Background(), model.LineItem{ID: "b:1", MPN: "ABC", Manufacturer: "Acme"}, model.EnrichmentStandard)
	second := p.Process(context.Background(), model.LineItem{ID: "b:2", MPN: "abc", Manufacturer: "ACME"}, model.EnrichmentStandard)

	require.NoError(t, first.Err)
	require.NoError(t, second.Err)
	assert.Equal(t, int32(1), sup.total.Load())
	assert.Equal(t, "b:2", second.Component.LineItemID)
	assert.Zero(t, second.Attempts)
}

func TestProcessor_BreakerOpens(t *testing.T) {
	sup := newFakeSupplier(func(context.Context, supplier.LookupRequest, int) (*supplier.Part, error) {
		return nil, resilience.NewTransientError(errors.New("502"), 502)
	})
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	p := NewProcessor(sup, cfg, WithBreaker(cb))

	for i := 0; i < 2; i++ {
		out := p.Process(context.Background(), model.LineItem{ID: "b", MPN: "X"}, model.EnrichmentStandard)
		require.Error(t, out.Err)
	}
	out := p.Process(context.Background(), model.LineItem{ID: "b", MPN: "X"}, model.EnrichmentStandard)
	assert.ErrorIs(t, out.Err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), sup.total.Load())
}
