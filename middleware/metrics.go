package middleware

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/job"
)

// meterName is the instrumentation scope name for jobq metrics.
const meterName = "github.com/xraph/jobq"

// Metrics returns middleware that records per-job execution metrics using
// the global OTel MeterProvider. If no MeterProvider is configured, noop
// instruments are used.
//
// Instruments:
//   - jobq.job.duration (Float64Histogram): execution time in seconds
//   - jobq.job.executions (Int64Counter): total executions
//
// Both carry the attributes queue and status ("ok", "error" or "timeout").
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"jobq.job.duration",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter( //nolint:errcheck // noop fallback guaranteed by OTel API contract
		"jobq.job.executions",
		metric.WithDescription("Total number of job executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		switch {
		case errors.Is(err, jobq.ErrTimeout):
			status = "timeout"
		case err != nil:
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("queue", j.Queue),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}
