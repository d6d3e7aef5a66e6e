package observability_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	pipeline "github.com/ianlintner/AI-Pipeline"
	"github.com/ianlintner/AI-Pipeline/ext"
	"github.com/ianlintner/AI-Pipeline/message"
	"github.com/ianlintner/AI-Pipeline/observability"
	"github.com/ianlintner/AI-Pipeline/request"
)

func newTestExtension() (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return observability.NewMetricsExtensionWithMeter(mp.Meter("test")), reader
}

// sum returns the total of counter name across all attribute sets, and the
// data points for attribute assertions.
func sum(t *testing.T, reader *sdkmetric.ManualReader, name string) (int64, []metricdata.DataPoint[int64]) {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			s, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
			var total int64
			for _, dp := range s.DataPoints {
				total += dp.Value
			}
			return total, s.DataPoints
		}
	}
	return 0, nil
}

func attr(set attribute.Set, key string) string {
	v, _ := set.Value(attribute.Key(key))
	return v.AsString()
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := newTestExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_RequestLifecycle(t *testing.T) {
	e, reader := newTestExtension()
	ctx := context.Background()
	r := &request.RequestState{Stages: map[message.Stage]request.StageState{
		message.StageTriage: {Status: message.OutcomeFailed},
	}}

	_ = e.OnRequestSubmitted(ctx, r)
	_ = e.OnRequestSubmitted(ctx, r)
	_ = e.OnRequestCompleted(ctx, r, 2*time.Second)
	_ = e.OnRequestFailed(ctx, r, "stage triage failed")
	_ = e.OnRequestTimedOut(ctx, r, message.StageTicket)

	for name, want := range map[string]int64{
		"pipeline.request.submitted": 2,
		"pipeline.request.completed": 1,
		"pipeline.request.failed":    1,
		"pipeline.request.timed_out": 1,
	} {
		if got, _ := sum(t, reader, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}

	_, dps := sum(t, reader, "pipeline.request.failed")
	if len(dps) != 1 || attr(dps[0].Attributes, "stage") != "triage" {
		t.Errorf("failed data points = %+v", dps)
	}
}

func TestMetricsExtension_EventDiscardedReason(t *testing.T) {
	e, reader := newTestExtension()
	ctx := context.Background()
	ev := &message.StatusEvent{Stage: message.StageTriage}

	_ = e.OnEventDiscarded(ctx, ev, fmt.Errorf("%w: seq 2", pipeline.ErrDuplicateEvent))
	_ = e.OnEventDiscarded(ctx, ev, fmt.Errorf("%w: terminal", pipeline.ErrStaleWrite))
	_ = e.OnEventDiscarded(ctx, ev, fmt.Errorf("%w: terminal", pipeline.ErrStaleWrite))

	total, dps := sum(t, reader, "pipeline.event.discarded")
	if total != 3 {
		t.Fatalf("discarded = %d, want 3", total)
	}
	byReason := map[string]int64{}
	for _, dp := range dps {
		byReason[attr(dp.Attributes, "reason")] += dp.Value
	}
	if byReason["duplicate"] != 1 || byReason["stale"] != 2 {
		t.Errorf("by reason = %v", byReason)
	}
}

func TestMetricsExtension_StageHooks(t *testing.T) {
	e, reader := newTestExtension()
	ctx := context.Background()
	task := &message.Task{Stage: message.StageIssue}

	_ = e.OnStageSucceeded(ctx, task, 1, time.Second)
	_ = e.OnStageRetrying(ctx, task, 1, time.Second)
	_ = e.OnStageRetrying(ctx, task, 2, time.Second)
	_ = e.OnStageFailed(ctx, task, errors.New("boom"))
	_ = e.OnStageDLQ(ctx, task, errors.New("boom"))
	_ = e.OnCronFired(ctx, "timeout-sweep")

	for name, want := range map[string]int64{
		"pipeline.stage.succeeded": 1,
		"pipeline.stage.retried":   2,
		"pipeline.stage.failed":    1,
		"pipeline.stage.dlq":       1,
		"pipeline.cron.fired":      1,
	} {
		if got, _ := sum(t, reader, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestMetricsExtension_ThroughRegistry(t *testing.T) {
	e, reader := newTestExtension()
	reg := ext.NewRegistry(slog.Default())
	reg.Register(e)

	reg.EmitRequestSubmitted(context.Background(), &request.RequestState{})
	if got, _ := sum(t, reader, "pipeline.request.submitted"); got != 1 {
		t.Fatalf("submitted = %d, want 1", got)
	}
}

func TestMetricsExtension_DefaultNoopSafe(t *testing.T) {
	e := observability.NewMetricsExtension()
	if err := e.OnRequestSubmitted(context.Background(), &request.RequestState{}); err != nil {
		t.Fatal(err)
	}
}
