package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNew_NoopMeter(t *testing.T) {
	m, err := New(noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	ctx := context.Background()
	m.RunSubmitted(ctx, "demo")
	m.RunDequeued(ctx)
	m.RunStarted(ctx)
	m.StepCompleted(ctx, "demo", "a", time.Second, true)
	m.RunFinished(ctx, "demo", "succeeded", "")
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RunSubmitted(ctx, "demo")
	m.RunDequeued(ctx)
	m.RunStarted(ctx)
	m.StepCompleted(ctx, "demo", "a", time.Second, false)
	m.RunFinished(ctx, "demo", "failed", "boom")
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("aggregation %T is not an int64 sum", agg)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestProviderRecordsThroughSDK(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p := newProvider(reader, nil)
	defer func() { _ = p.Shutdown(context.Background()) }()

	m, err := New(p.Meter())
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	ctx := context.Background()
	m.RunSubmitted(ctx, "demo")
	m.RunDequeued(ctx)
	m.RunStarted(ctx)
	m.StepCompleted(ctx, "demo", "a", 250*time.Millisecond, true)
	m.StepCompleted(ctx, "demo", "b", time.Second, true)
	m.RunFinished(ctx, "demo", "succeeded", "")

	got := collect(t, reader)
	if n := sumOf(t, got["runengine.runs.submitted"]); n != 1 {
		t.Fatalf("submitted=%d", n)
	}
	if n := sumOf(t, got["runengine.runs.finished"]); n != 1 {
		t.Fatalf("finished=%d", n)
	}
	if n := sumOf(t, got["runengine.queue.depth"]); n != 0 {
		t.Fatalf("queue depth=%d", n)
	}
	if n := sumOf(t, got["runengine.runs.active"]); n != 0 {
		t.Fatalf("active=%d", n)
	}
	hist, ok := got["runengine.step.duration"].(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 2 {
		t.Fatalf("step duration=%#v", got["runengine.step.duration"])
	}
}

func TestPrometheusHandlerServesInstruments(t *testing.T) {
	p, err := NewProvider(DefaultConfig())
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()
	m, err := New(p.Meter())
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	m.RunSubmitted(context.Background(), "smoke")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := rec.Body.String()
	named := strings.Contains(body, "runengine_runs_submitted") || strings.Contains(body, "runengine.runs.submitted")
	if !named || !strings.Contains(body, `pipeline="smoke"`) {
		t.Fatalf("scrape body missing instrument:\n%s", body)
	}
}

func TestDisabledProvider(t *testing.T) {
	p, err := NewProvider(Config{})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if p.Handler() != nil {
		t.Fatalf("disabled provider must not serve metrics")
	}
	if _, err := New(p.Meter()); err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default: %v", err)
	}
	if err := (Config{Enabled: true, Path: "metrics"}).Validate(); err == nil {
		t.Fatalf("expected error for relative path")
	}
	if err := (Config{Path: "metrics"}).Validate(); err != nil {
		t.Fatalf("disabled config is not checked: %v", err)
	}
}
