package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for pipeline metrics.
const meterName = "github.com/ianlintner/AI-Pipeline"

// Metrics returns middleware that records per-attempt stage metrics using
// the global OTel MeterProvider. If no MeterProvider is configured, noop
// instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - pipeline.stage.duration (Float64Histogram): attempt time in seconds,
//     with attributes: stage, status ("ok" or "error")
//   - pipeline.stage.attempts (Int64Counter): total attempts,
//     with attributes: stage, status ("ok" or "error")
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram(
		"pipeline.stage.duration",
		metric.WithDescription("Duration of stage function attempts in seconds"),
		metric.WithUnit("s"),
	)
	attempts, _ := meter.Int64Counter(
		"pipeline.stage.attempts",
		metric.WithDescription("Total number of stage function attempts"),
		metric.WithUnit("{attempt}"),
	)

	return func(ctx context.Context, inv *Invocation, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("stage", inv.Stage.String()),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		attempts.Add(ctx, 1, attrs)

		return err
	}
}
