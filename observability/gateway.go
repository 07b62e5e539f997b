// Package observability instruments the document gateway with
// OpenTelemetry traces and metrics. If no global TracerProvider or
// MeterProvider is configured, the noop implementations are used and the
// decorator becomes a pass-through with negligible overhead.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/quarry/document"
)

// scopeName is the instrumentation scope for quarry storage telemetry.
const scopeName = "github.com/xraph/quarry"

// Ensure Gateway implements the document gateway at compile time.
var _ document.Gateway = (*Gateway)(nil)

// Gateway decorates a document.Gateway with one span per store call plus
// a duration histogram and call counter.
//
// Instruments:
//   - quarry.store.duration (Float64Histogram): call time in seconds,
//     with attributes: operation, collection, status ("ok" or "error")
//   - quarry.store.calls (Int64Counter): total store calls,
//     with the same attributes
type Gateway struct {
	inner    document.Gateway
	tracer   trace.Tracer
	duration metric.Float64Histogram
	calls    metric.Int64Counter
}

// Wrap instruments inner using the global OTel providers.
func Wrap(inner document.Gateway) *Gateway {
	return WrapWithProviders(inner, otel.Tracer(scopeName), otel.Meter(scopeName))
}

// WrapWithProviders instruments inner with an explicit tracer and meter,
// for tests or multi-provider setups.
func WrapWithProviders(inner document.Gateway, tracer trace.Tracer, meter metric.Meter) *Gateway {
	// Instruments are created once at construction. On error the OTel
	// API contract guarantees usable noop instruments.
	duration, _ := meter.Float64Histogram(
		"quarry.store.duration",
		metric.WithDescription("Duration of document store calls in seconds"),
		metric.WithUnit("s"),
	)
	calls, _ := meter.Int64Counter(
		"quarry.store.calls",
		metric.WithDescription("Total number of document store calls"),
		metric.WithUnit("{call}"),
	)

	return &Gateway{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		calls:    calls,
	}
}

// observe wraps one store call in a span and records its metrics.
func (g *Gateway) observe(ctx context.Context, op, collection string, fn func(ctx context.Context) error) error {
	ctx, span := g.tracer.Start(ctx, "quarry.store."+op,
		trace.WithAttributes(
			attribute.String("quarry.operation", op),
			attribute.String("quarry.collection", collection),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start).Seconds()

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("collection", collection),
		attribute.String("status", status),
	)
	g.duration.Record(ctx, elapsed, attrs)
	g.calls.Add(ctx, 1, attrs)

	return err
}

// Get loads the document into out.
func (g *Gateway) Get(ctx context.Context, collection, id, partitionKey string, out document.Entity) error {
	return g.observe(ctx, "get", collection, func(ctx context.Context) error {
		return g.inner.Get(ctx, collection, id, partitionKey, out)
	})
}

// Create inserts a new document.
func (g *Gateway) Create(ctx context.Context, collection string, doc document.Entity) error {
	return g.observe(ctx, "create", collection, func(ctx context.Context) error {
		return g.inner.Create(ctx, collection, doc)
	})
}

// Upsert inserts or overwrites unconditionally.
func (g *Gateway) Upsert(ctx context.Context, collection string, doc document.Entity) error {
	return g.observe(ctx, "upsert", collection, func(ctx context.Context) error {
		return g.inner.Upsert(ctx, collection, doc)
	})
}

// Replace overwrites an existing document under etag protection.
func (g *Gateway) Replace(ctx context.Context, collection string, doc document.Entity) error {
	return g.observe(ctx, "replace", collection, func(ctx context.Context) error {
		return g.inner.Replace(ctx, collection, doc)
	})
}

// Delete removes a document.
func (g *Gateway) Delete(ctx context.Context, collection, id, partitionKey string) error {
	return g.observe(ctx, "delete", collection, func(ctx context.Context) error {
		return g.inner.Delete(ctx, collection, id, partitionKey)
	})
}

// Increment atomically adds delta to a counter document.
func (g *Gateway) Increment(ctx context.Context, collection, id, partitionKey string, delta int64, expireAt *time.Time) (int64, error) {
	var value int64
	err := g.observe(ctx, "increment", collection, func(ctx context.Context) error {
		var innerErr error
		value, innerErr = g.inner.Increment(ctx, collection, id, partitionKey, delta, expireAt)
		return innerErr
	})
	return value, err
}

// Query returns one page of matching documents.
func (g *Gateway) Query(ctx context.Context, q document.Query) (*document.Page, error) {
	var page *document.Page
	err := g.observe(ctx, "query", q.Collection, func(ctx context.Context) error {
		var innerErr error
		page, innerErr = g.inner.Query(ctx, q)
		return innerErr
	})
	return page, err
}

// Count returns the number of matching documents.
func (g *Gateway) Count(ctx context.Context, q document.Query) (int64, error) {
	var count int64
	err := g.observe(ctx, "count", q.Collection, func(ctx context.Context) error {
		var innerErr error
		count, innerErr = g.inner.Count(ctx, q)
		return innerErr
	})
	return count, err
}
