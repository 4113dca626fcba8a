// Package telemetry holds the engine's OpenTelemetry instruments and the SDK
// provider that exports them for Prometheus to scrape.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/animus-labs/runengine"

type Metrics struct {
	submitted    metric.Int64Counter
	finished     metric.Int64Counter
	queueDepth   metric.Int64UpDownCounter
	activeRuns   metric.Int64UpDownCounter
	stepDuration metric.Float64Histogram
}

// New registers instruments on meter. A nil meter records nothing.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(meterName)
	}
	m := &Metrics{}
	var err error
	if m.submitted, err = meter.Int64Counter("runengine.runs.submitted",
		metric.WithDescription("Runs accepted into the queue")); err != nil {
		return nil, fmt.Errorf("runs submitted counter: %w", err)
	}
	if m.finished, err = meter.Int64Counter("runengine.runs.finished",
		metric.WithDescription("Runs that reached a terminal status")); err != nil {
		return nil, fmt.Errorf("runs finished counter: %w", err)
	}
	if m.queueDepth, err = meter.Int64UpDownCounter("runengine.queue.depth",
		metric.WithDescription("Runs waiting for a worker")); err != nil {
		return nil, fmt.Errorf("queue depth gauge: %w", err)
	}
	if m.activeRuns, err = meter.Int64UpDownCounter("runengine.runs.active",
		metric.WithDescription("Runs currently held by a worker")); err != nil {
		return nil, fmt.Errorf("active runs gauge: %w", err)
	}
	if m.stepDuration, err = meter.Float64Histogram("runengine.step.duration",
		metric.WithDescription("Wall time of a single pipeline step"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("step duration histogram: %w", err)
	}
	return m, nil
}

func (m *Metrics) RunSubmitted(ctx context.Context, pipeline string) {
	if m == nil {
		return
	}
	m.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("pipeline", pipeline)))
	m.queueDepth.Add(ctx, 1)
}

func (m *Metrics) RunDequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.queueDepth.Add(ctx, -1)
}

func (m *Metrics) RunStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeRuns.Add(ctx, 1)
}

func (m *Metrics) RunFinished(ctx context.Context, pipeline, status, reason string) {
	if m == nil {
		return
	}
	m.activeRuns.Add(ctx, -1)
	m.finished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("status", status),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) StepCompleted(ctx context.Context, pipeline, step string, elapsed time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.stepDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("step", step),
		attribute.Bool("ok", ok),
	))
}
