package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/quarry"
	"github.com/xraph/quarry/backoff"
	"github.com/xraph/quarry/document"
)

// flakyGateway fails the first n calls of each method, then delegates to
// nothing and succeeds. Only the methods the tests use are interesting;
// the rest just count.
type flakyGateway struct {
	failures int32 // remaining failures before success
	calls    int32
	err      error
}

func (f *flakyGateway) step() error {
	atomic.AddInt32(&f.calls, 1)
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return f.err
	}
	return nil
}

func (f *flakyGateway) Get(ctx context.Context, collection, id, partitionKey string, out document.Entity) error {
	return f.step()
}
func (f *flakyGateway) Create(ctx context.Context, collection string, doc document.Entity) error {
	return f.step()
}
func (f *flakyGateway) Upsert(ctx context.Context, collection string, doc document.Entity) error {
	return f.step()
}
func (f *flakyGateway) Replace(ctx context.Context, collection string, doc document.Entity) error {
	return f.step()
}
func (f *flakyGateway) Delete(ctx context.Context, collection, id, partitionKey string) error {
	return f.step()
}
func (f *flakyGateway) Increment(ctx context.Context, collection, id, partitionKey string, delta int64, expireAt *time.Time) (int64, error) {
	return 0, f.step()
}
func (f *flakyGateway) Query(ctx context.Context, q document.Query) (*document.Page, error) {
	if err := f.step(); err != nil {
		return nil, err
	}
	return &document.Page{}, nil
}
func (f *flakyGateway) Count(ctx context.Context, q document.Query) (int64, error) {
	return 0, f.step()
}

func testGatewayConfig() quarry.BreakerConfig {
	return quarry.BreakerConfig{
		FailureThreshold: 10,
		SuccessThreshold: 2,
		OpenTimeout:      time.Second,
		CallTimeout:      time.Second,
		RetryAttempts:    3,
	}
}

func TestGatewayRetriesTransientFaults(t *testing.T) {
	inner := &flakyGateway{failures: 2, err: errors.New("connection reset")}
	g := Wrap(inner, testGatewayConfig(), WithStrategy(backoff.NewConstant(time.Millisecond)))

	err := g.Get(context.Background(), "docs", "a", "p1", nil)
	if err != nil {
		t.Fatalf("Get() error = %v, want nil after retries", err)
	}
	if n := atomic.LoadInt32(&inner.calls); n != 3 {
		t.Errorf("inner calls = %d, want 3", n)
	}
}

func TestGatewayExhaustsRetryBudget(t *testing.T) {
	cause := errors.New("connection reset")
	inner := &flakyGateway{failures: 100, err: cause}
	g := Wrap(inner, testGatewayConfig(), WithStrategy(backoff.NewConstant(time.Millisecond)))

	err := g.Get(context.Background(), "docs", "a", "p1", nil)
	if !errors.Is(err, cause) {
		t.Fatalf("Get() error = %v, want cause", err)
	}
	if n := atomic.LoadInt32(&inner.calls); n != 3 {
		t.Errorf("inner calls = %d, want 3", n)
	}
}

func TestGatewayDoesNotRetryStoreAnswers(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not found", quarry.ErrNotFound},
		{"conflict", quarry.ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &flakyGateway{failures: 100, err: tt.err}
			g := Wrap(inner, testGatewayConfig(), WithStrategy(backoff.NewConstant(time.Millisecond)))

			err := g.Get(context.Background(), "docs", "a", "p1", nil)
			if !errors.Is(err, tt.err) {
				t.Fatalf("Get() error = %v, want %v", err, tt.err)
			}
			if n := atomic.LoadInt32(&inner.calls); n != 1 {
				t.Errorf("inner calls = %d, want 1 (no retry)", n)
			}
		})
	}
}

func TestGatewayOpenCircuitShortCircuits(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.FailureThreshold = 2
	cfg.RetryAttempts = 1
	inner := &flakyGateway{failures: 100, err: errors.New("down")}
	g := Wrap(inner, cfg, WithStrategy(backoff.NewConstant(time.Millisecond)))
	ctx := context.Background()

	_ = g.Get(ctx, "docs", "a", "p1", nil)
	_ = g.Get(ctx, "docs", "a", "p1", nil)
	if got := g.Breaker().State(); got != StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}

	before := atomic.LoadInt32(&inner.calls)
	err := g.Get(ctx, "docs", "a", "p1", nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Get() while open error = %v, want ErrCircuitOpen", err)
	}
	if after := atomic.LoadInt32(&inner.calls); after != before {
		t.Errorf("inner called while open: %d -> %d", before, after)
	}
}

func TestGatewayAllMethodsDelegate(t *testing.T) {
	inner := &flakyGateway{}
	g := Wrap(inner, testGatewayConfig())
	ctx := context.Background()

	if err := g.Create(ctx, "docs", nil); err != nil {
		t.Errorf("Create() error = %v", err)
	}
	if err := g.Upsert(ctx, "docs", nil); err != nil {
		t.Errorf("Upsert() error = %v", err)
	}
	if err := g.Replace(ctx, "docs", nil); err != nil {
		t.Errorf("Replace() error = %v", err)
	}
	if err := g.Delete(ctx, "docs", "a", "p1"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
	if _, err := g.Increment(ctx, "docs", "a", "p1", 1, nil); err != nil {
		t.Errorf("Increment() error = %v", err)
	}
	if _, err := g.Query(ctx, document.Query{Collection: "docs"}); err != nil {
		t.Errorf("Query() error = %v", err)
	}
	if _, err := g.Count(ctx, document.Query{Collection: "docs"}); err != nil {
		t.Errorf("Count() error = %v", err)
	}
	if n := atomic.LoadInt32(&inner.calls); n != 7 {
		t.Errorf("inner calls = %d, want 7", n)
	}
}
