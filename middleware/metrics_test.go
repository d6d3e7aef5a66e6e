package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	mw "github.com/ianlintner/AI-Pipeline/middleware"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func attrValue(set attribute.Set, key string) string {
	v, _ := set.Value(attribute.Key(key))
	return v.AsString()
}

func TestMetrics_RecordsDuration(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))

	_ = m(context.Background(), newTestInvocation(), func(_ context.Context) error { return nil })

	metric := findMetric(collectMetrics(t, reader), "pipeline.stage.duration")
	if metric == nil {
		t.Fatal("pipeline.stage.duration metric not found")
	}
	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected Histogram[float64] data type")
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("data points = %+v", hist.DataPoints)
	}
	if got := attrValue(hist.DataPoints[0].Attributes, "stage"); got != "ticket" {
		t.Errorf("stage attribute = %q", got)
	}
}

func TestMetrics_RecordsAttemptsByStatus(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))

	_ = m(context.Background(), newTestInvocation(), func(_ context.Context) error { return nil })
	_ = m(context.Background(), newTestInvocation(), func(_ context.Context) error { return errors.New("boom") })
	_ = m(context.Background(), newTestInvocation(), func(_ context.Context) error { return errors.New("boom") })

	metric := findMetric(collectMetrics(t, reader), "pipeline.stage.attempts")
	if metric == nil {
		t.Fatal("pipeline.stage.attempts metric not found")
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("expected Sum[int64] data type")
	}

	byStatus := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		byStatus[attrValue(dp.Attributes, "status")] += dp.Value
	}
	if byStatus["ok"] != 1 || byStatus["error"] != 2 {
		t.Fatalf("attempts by status = %v, want ok=1 error=2", byStatus)
	}
}

func TestMetrics_DefaultNoopSafe(t *testing.T) {
	called := false
	err := mw.Metrics()(context.Background(), newTestInvocation(), func(_ context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("err=%v called=%v", err, called)
	}
}
