// Package cachemetrics wraps cache operations in an OpenTelemetry span and
// records hit/miss/byte counts, the way
// developer-mesh/pkg/embedding/cache/observability.go wraps its own cache
// calls: a single helper (Recorder.Operation) that starts a span, runs the call,
// records its outcome, and ends the span, rather than threading
// instrumentation through every call site by hand.
package cachemetrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/opendap-go/bescache"

// Recorder records outcomes for one named cache (one lockcache.Cache
// instance, shared by the taggedcache/decompresscache/httpcache wrapper
// that owns it).
type Recorder struct {
	name    string
	tracer  trace.Tracer
	hits    metric.Int64Counter
	misses  metric.Int64Counter
	bytesIn metric.Int64Counter
}

// NewRecorder builds a Recorder for a cache identified by name (typically
// "<prefix>" or the variant's package name), using the global otel
// TracerProvider/MeterProvider. Callers that never call otel.SetTracerProvider
// / otel.SetMeterProvider get the otel no-op implementations, so instrumenting
// a cache costs nothing when the host process has not configured telemetry.
func NewRecorder(name string) *Recorder {
	meter := otel.Meter(instrumentationName)

	hits, _ := meter.Int64Counter("cache.hits",
		metric.WithDescription("cache lookups satisfied by an existing entry"),
		metric.WithUnit("{hit}"))
	misses, _ := meter.Int64Counter("cache.misses",
		metric.WithDescription("cache lookups that required building a new entry"),
		metric.WithUnit("{miss}"))
	bytesIn, _ := meter.Int64Counter("cache.bytes",
		metric.WithDescription("bytes written to new cache entries"),
		metric.WithUnit("By"))

	return &Recorder{
		name:    name,
		tracer:  otel.Tracer(instrumentationName),
		hits:    hits,
		misses:  misses,
		bytesIn: bytesIn,
	}
}

// Operation starts a span named "cache.<op>" for the duration of fn. fn
// reports whether the call was a cache hit and how many bytes (if any) were
// newly written, so Operation can record them against the hit/miss/bytes
// instruments before ending the span.
func (r *Recorder) Operation(ctx context.Context, op string, fn func(ctx context.Context) (hit bool, written int64, err error)) error {
	ctx, span := r.tracer.Start(ctx, "cache."+op, trace.WithAttributes(
		attribute.String("cache.name", r.name),
		attribute.String("cache.op", op),
	))
	defer span.End()

	hit, written, err := fn(ctx)

	attrs := metric.WithAttributes(attribute.String("cache.name", r.name), attribute.String("cache.op", op))
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("cache.error", true))
		return err
	}

	span.SetAttributes(attribute.Bool("cache.hit", hit))
	if hit {
		r.hits.Add(ctx, 1, attrs)
	} else {
		r.misses.Add(ctx, 1, attrs)
	}
	if written > 0 {
		r.bytesIn.Add(ctx, written, attrs)
		span.SetAttributes(attribute.Int64("cache.bytes_written", written))
	}
	return nil
}
