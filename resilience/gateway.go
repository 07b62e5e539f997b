package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/quarry"
	"github.com/xraph/quarry/backoff"
	"github.com/xraph/quarry/document"
)

// Ensure Gateway implements the document gateway at compile time.
var _ document.Gateway = (*Gateway)(nil)

// Gateway decorates a document.Gateway with the circuit breaker and a
// bounded retry for transient failures. It is transparent to callers:
// same inputs and outputs as the underlying gateway, plus the possibility
// of an *OpenError.
type Gateway struct {
	inner    document.Gateway
	breaker  *Breaker
	attempts int
	strategy backoff.Strategy
	logger   *slog.Logger
}

// Option configures the Gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithStrategy overrides the retry delay strategy.
func WithStrategy(s backoff.Strategy) Option {
	return func(g *Gateway) {
		g.strategy = s
	}
}

// Wrap decorates inner with breaker, per-call timeout, and retry
// behavior from cfg.
func Wrap(inner document.Gateway, cfg quarry.BreakerConfig, opts ...Option) *Gateway {
	g := &Gateway{
		inner:    inner,
		breaker:  NewBreaker(cfg),
		attempts: cfg.RetryAttempts,
		strategy: backoff.DefaultStrategy(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Breaker exposes the underlying breaker for diagnostics.
func (g *Gateway) Breaker() *Breaker { return g.breaker }

// do runs one logical gateway operation: breaker-guarded, retried with
// backoff while the failure is transient.
func (g *Gateway) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var result error
	retryErr := backoff.Retry(ctx, g.attempts, g.strategy, func(ctx context.Context) error {
		result = g.breaker.Do(ctx, op, fn)
		if result == nil {
			return nil
		}
		if !transient(result) {
			// Deliver the result without burning retry budget.
			return nil
		}
		g.logger.Debug("retrying store call", "op", op, "error", result)
		return result
	})

	if result != nil {
		return result
	}
	return retryErr
}

// transient reports whether a failure is worth retrying. Store answers
// (not found, conflict), an open circuit, and caller cancellation are
// final; faults and timeouts are retried.
func transient(err error) bool {
	switch {
	case errors.Is(err, quarry.ErrNotFound),
		errors.Is(err, quarry.ErrConflict),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// Get loads the document into out.
func (g *Gateway) Get(ctx context.Context, collection, id, partitionKey string, out document.Entity) error {
	return g.do(ctx, "get", func(ctx context.Context) error {
		return g.inner.Get(ctx, collection, id, partitionKey, out)
	})
}

// Create inserts a new document.
func (g *Gateway) Create(ctx context.Context, collection string, doc document.Entity) error {
	return g.do(ctx, "create", func(ctx context.Context) error {
		return g.inner.Create(ctx, collection, doc)
	})
}

// Upsert inserts or overwrites unconditionally.
func (g *Gateway) Upsert(ctx context.Context, collection string, doc document.Entity) error {
	return g.do(ctx, "upsert", func(ctx context.Context) error {
		return g.inner.Upsert(ctx, collection, doc)
	})
}

// Replace overwrites an existing document under etag protection.
func (g *Gateway) Replace(ctx context.Context, collection string, doc document.Entity) error {
	return g.do(ctx, "replace", func(ctx context.Context) error {
		return g.inner.Replace(ctx, collection, doc)
	})
}

// Delete removes a document.
func (g *Gateway) Delete(ctx context.Context, collection, id, partitionKey string) error {
	return g.do(ctx, "delete", func(ctx context.Context) error {
		return g.inner.Delete(ctx, collection, id, partitionKey)
	})
}

// Increment atomically adds delta to a counter document.
func (g *Gateway) Increment(ctx context.Context, collection, id, partitionKey string, delta int64, expireAt *time.Time) (int64, error) {
	var value int64
	err := g.do(ctx, "increment", func(ctx context.Context) error {
		var innerErr error
		value, innerErr = g.inner.Increment(ctx, collection, id, partitionKey, delta, expireAt)
		return innerErr
	})
	return value, err
}

// Query returns one page of matching documents.
func (g *Gateway) Query(ctx context.Context, q document.Query) (*document.Page, error) {
	var page *document.Page
	err := g.do(ctx, "query", func(ctx context.Context) error {
		var innerErr error
		page, innerErr = g.inner.Query(ctx, q)
		return innerErr
	})
	return page, err
}

// Count returns the number of matching documents.
func (g *Gateway) Count(ctx context.Context, q document.Query) (int64, error) {
	var count int64
	err := g.do(ctx, "count", func(ctx context.Context) error {
		var innerErr error
		count, innerErr = g.inner.Count(ctx, q)
		return innerErr
	})
	return count, err
}
