package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/jobq/job"
)

// tracerName is the instrumentation scope name for jobq tracing.
const tracerName = "github.com/xraph/jobq"

// Tracing returns middleware that wraps job execution in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through.
//
// Span attributes: jobq.job.id, jobq.queue, jobq.attempt, jobq.max_attempts.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "jobq.job.execute",
			trace.WithAttributes(
				attribute.String("jobq.job.id", j.ID.String()),
				attribute.String("jobq.queue", j.Queue),
				attribute.Int("jobq.attempt", j.Attempts+1),
				attribute.Int("jobq.max_attempts", j.MaxAttempts),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
