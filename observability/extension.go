package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/ext"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/request"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*MetricsExtension)(nil)
	_ ext.RequestSubmitted = (*MetricsExtension)(nil)
	_ ext.RequestCompleted = (*MetricsExtension)(nil)
	_ ext.RequestFailed    = (*MetricsExtension)(nil)
	_ ext.RequestTimedOut  = (*MetricsExtension)(nil)
	_ ext.EventDiscarded   = (*MetricsExtension)(nil)
	_ ext.StageSucceeded   = (*MetricsExtension)(nil)
	_ ext.StageRetrying    = (*MetricsExtension)(nil)
	_ ext.StageFailed      = (*MetricsExtension)(nil)
	_ ext.StageDLQ         = (*MetricsExtension)(nil)
	_ ext.CronFired        = (*MetricsExtension)(nil)
)

const meterName = "github.com/ianlintner/AI-Pipeline/observability"

// MetricsExtension records system-wide lifecycle metrics as OTel
// instruments. Register it as an extension to track submission rates,
// terminal outcomes, processing time, stale events, stage retries, dead
// letters and maintenance runs.
type MetricsExtension struct {
	RequestSubmitted metric.Int64Counter
	RequestCompleted metric.Int64Counter
	RequestFailed    metric.Int64Counter
	RequestTimedOut  metric.Int64Counter
	ProcessingTime   metric.Float64Histogram
	EventDiscarded   metric.Int64Counter
	StageSucceeded   metric.Int64Counter
	StageRetried     metric.Int64Counter
	StageFailed      metric.Int64Counter
	StageDLQ         metric.Int64Counter
	CronFired        metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		// On error the API returns a noop instrument.
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	hist, _ := meter.Float64Histogram("pipeline.request.processing_time",
		metric.WithDescription("Time from submission to terminal status in seconds"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		RequestSubmitted: counter("pipeline.request.submitted", "Requests accepted for processing"),
		RequestCompleted: counter("pipeline.request.completed", "Requests that reached Completed"),
		RequestFailed:    counter("pipeline.request.failed", "Requests that reached Failed"),
		RequestTimedOut:  counter("pipeline.request.timed_out", "Requests the sweep moved to TimedOut"),
		ProcessingTime:   hist,
		EventDiscarded:   counter("pipeline.event.discarded", "Status events dropped as duplicate or stale"),
		StageSucceeded:   counter("pipeline.stage.succeeded", "Stage tasks that produced an output"),
		StageRetried:     counter("pipeline.stage.retried", "Stage attempts scheduled for retry"),
		StageFailed:      counter("pipeline.stage.failed", "Stage tasks that gave up"),
		StageDLQ:         counter("pipeline.stage.dlq", "Stage tasks written to the dead letter topic"),
		CronFired:        counter("pipeline.cron.fired", "Maintenance entries run"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func stageAttr(stage message.Stage) metric.AddOption {
	return metric.WithAttributes(attribute.String("stage", stage.String()))
}

// ── Request lifecycle hooks ─────────────────────────

// OnRequestSubmitted implements ext.RequestSubmitted.
func (m *MetricsExtension) OnRequestSubmitted(ctx context.Context, _ *request.RequestState) error {
	m.RequestSubmitted.Add(ctx, 1)
	return nil
}

// OnRequestCompleted implements ext.RequestCompleted.
func (m *MetricsExtension) OnRequestCompleted(ctx context.Context, _ *request.RequestState, elapsed time.Duration) error {
	m.RequestCompleted.Add(ctx, 1)
	m.ProcessingTime.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("status", string(request.StatusCompleted))))
	return nil
}

// OnRequestFailed implements ext.RequestFailed.
func (m *MetricsExtension) OnRequestFailed(ctx context.Context, r *request.RequestState, _ string) error {
	m.RequestFailed.Add(ctx, 1, stageAttr(failedStage(r)))
	return nil
}

// OnRequestTimedOut implements ext.RequestTimedOut.
func (m *MetricsExtension) OnRequestTimedOut(ctx context.Context, _ *request.RequestState, stage message.Stage) error {
	m.RequestTimedOut.Add(ctx, 1, stageAttr(stage))
	return nil
}

// OnEventDiscarded implements ext.EventDiscarded.
func (m *MetricsExtension) OnEventDiscarded(ctx context.Context, ev *message.StatusEvent, reason error) error {
	kind := "stale"
	if errors.Is(reason, pipeline.ErrDuplicateEvent) {
		kind = "duplicate"
	}
	m.EventDiscarded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", ev.Stage.String()),
		attribute.String("reason", kind),
	))
	return nil
}

// ── Stage lifecycle hooks ───────────────────────────

// OnStageSucceeded implements ext.StageSucceeded.
func (m *MetricsExtension) OnStageSucceeded(ctx context.Context, task *message.Task, _ int, _ time.Duration) error {
	m.StageSucceeded.Add(ctx, 1, stageAttr(task.Stage))
	return nil
}

// OnStageRetrying implements ext.StageRetrying.
func (m *MetricsExtension) OnStageRetrying(ctx context.Context, task *message.Task, _ int, _ time.Duration) error {
	m.StageRetried.Add(ctx, 1, stageAttr(task.Stage))
	return nil
}

// OnStageFailed implements ext.StageFailed.
func (m *MetricsExtension) OnStageFailed(ctx context.Context, task *message.Task, _ error) error {
	m.StageFailed.Add(ctx, 1, stageAttr(task.Stage))
	return nil
}

// OnStageDLQ implements ext.StageDLQ.
func (m *MetricsExtension) OnStageDLQ(ctx context.Context, task *message.Task, _ error) error {
	m.StageDLQ.Add(ctx, 1, stageAttr(task.Stage))
	return nil
}

// ── Cron lifecycle hooks ────────────────────────────

// OnCronFired implements ext.CronFired.
func (m *MetricsExtension) OnCronFired(ctx context.Context, entryName string) error {
	m.CronFired.Add(ctx, 1, metric.WithAttributes(attribute.String("entry", entryName)))
	return nil
}

// failedStage is the stage a failed request stopped at.
func failedStage(r *request.RequestState) message.Stage {
	for _, stage := range message.Order {
		if sub, ok := r.Stages[stage]; ok && sub.Status == message.OutcomeFailed {
			return stage
		}
	}
	return ""
}
