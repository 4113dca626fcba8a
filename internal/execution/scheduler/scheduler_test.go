package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/execution/registry"
	"github.com/animus-labs/runengine/internal/execution/runner"
	"github.com/animus-labs/runengine/internal/execution/state"
	"github.com/animus-labs/runengine/internal/platform/telemetry"
	"github.com/animus-labs/runengine/internal/repo/memory"
	"github.com/animus-labs/runengine/internal/service/runs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type env struct {
	store *memory.Store
	svc   *runs.Service
	sched *Scheduler
}

func newEnv(t *testing.T, cfg Config, pipelines ...domain.Pipeline) *env {
	t.Helper()
	reg, err := registry.New(pipelines...)
	require.NoError(t, err)
	store := memory.NewStore()
	svc := runs.New(store, store, store, reg, nil, runs.Options{})
	r, err := runner.New(svc, reg, runner.Limits{}, nil, nil)
	require.NoError(t, err)
	sched, err := New(cfg, svc, r, nil, nil)
	require.NoError(t, err)
	return &env{store: store, svc: svc, sched: sched}
}

func (e *env) create(t *testing.T, pipeline string) string {
	t.Helper()
	run, err := e.svc.Create(context.Background(), "proj-1", pipeline, "")
	require.NoError(t, err)
	return run.ID
}

func (e *env) waitStatus(t *testing.T, id string, want domain.RunStatus) runs.StatusView {
	t.Helper()
	var view runs.StatusView
	require.Eventually(t, func() bool {
		v, err := e.svc.Status(context.Background(), id)
		if err != nil {
			return false
		}
		view = v
		return v.Status == want
	}, 2*time.Second, 5*time.Millisecond, "run %s never reached %s", id, want)
	return view
}

func shutdown(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func mustPipeline(t *testing.T, name string, steps ...domain.Step) domain.Pipeline {
	t.Helper()
	p, err := domain.NewPipeline(name, "", steps...)
	require.NoError(t, err)
	return p
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{Workers: 1}.Validate())
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Workers: 1, MaxQueueDepth: -1}.Validate())
}

func TestSubmitDuplicate(t *testing.T) {
	e := newEnv(t, Config{Workers: 1}, mustPipeline(t, "p", domain.StepFunc{StepName: "a"}))
	id := e.create(t, "p")
	ctx := context.Background()

	_, err := e.sched.Submit(ctx, id)
	require.NoError(t, err)
	_, err = e.sched.Submit(ctx, id)
	assert.ErrorIs(t, err, domain.ErrAlreadyQueuedOrRunning)
	assert.Equal(t, 1, e.sched.Stats().Queued)
}

func TestSubmitConcurrentOnlyOneWins(t *testing.T) {
	e := newEnv(t, Config{Workers: 2}, mustPipeline(t, "p", domain.StepFunc{StepName: "a"}))
	id := e.create(t, "p")

	var wins, dupes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.sched.Submit(context.Background(), id)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrAlreadyQueuedOrRunning):
				dupes.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(19), dupes.Load())
}

func TestFIFOWithSingleWorker(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := domain.StepFunc{StepName: "record", Fn: func(ctx context.Context, rc *domain.RunContext) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, rc.RunID)
		return nil
	}}
	e := newEnv(t, Config{Workers: 1}, mustPipeline(t, "p", record))
	ctx := context.Background()

	ids := []string{e.create(t, "p"), e.create(t, "p"), e.create(t, "p")}
	for _, id := range ids {
		_, err := e.sched.Submit(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, e.sched.Start(ctx))
	for _, id := range ids {
		e.waitStatus(t, id, domain.RunStatusSucceeded)
	}
	shutdown(t, e.sched)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, order)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	release := make(chan struct{})
	block := domain.StepFunc{StepName: "block", Fn: func(ctx context.Context, rc *domain.RunContext) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		current.Add(-1)
		return nil
	}}
	e := newEnv(t, Config{Workers: 2}, mustPipeline(t, "p", block))
	ctx := context.Background()
	require.NoError(t, e.sched.Start(ctx))

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id := e.create(t, "p")
		_, err := e.sched.Submit(ctx, id)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Eventually(t, func() bool { return e.sched.Stats().Active == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, e.sched.Stats().Queued)

	close(release)
	for _, id := range ids {
		e.waitStatus(t, id, domain.RunStatusSucceeded)
	}
	shutdown(t, e.sched)
	assert.Equal(t, int32(2), peak.Load())
}

func TestQueueFull(t *testing.T) {
	e := newEnv(t, Config{Workers: 1, MaxQueueDepth: 1}, mustPipeline(t, "p", domain.StepFunc{StepName: "a"}))
	ctx := context.Background()
	first, second := e.create(t, "p"), e.create(t, "p")

	_, err := e.sched.Submit(ctx, first)
	require.NoError(t, err)
	_, err = e.sched.Submit(ctx, second)
	assert.ErrorIs(t, err, domain.ErrQueueFull)

	view, err := e.svc.Status(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusNotStarted, view.Status, "rejected run must keep its status")
}

func TestStartRecoversLostRuns(t *testing.T) {
	e := newEnv(t, Config{Workers: 1}, mustPipeline(t, "p", domain.StepFunc{StepName: "a"}))
	started := time.Now().UTC().Add(-time.Hour)
	lost := domain.NewRun("lost-1", "proj-1", "p", started)
	lost.Status = domain.RunStatusRunning
	lost.StartedAt = &started
	e.store.PutRun(lost)

	require.NoError(t, e.sched.Start(context.Background()))
	defer shutdown(t, e.sched)

	view, err := e.svc.Status(context.Background(), "lost-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, view.Status)
	assert.Equal(t, domain.ReasonWorkerLost, view.Reason)
	assert.NotNil(t, view.EndedAt)
}

func TestQueuedRunsNotRequeuedByDefault(t *testing.T) {
	e := newEnv(t, Config{Workers: 1}, mustPipeline(t, "p", domain.StepFunc{StepName: "a"}))
	leftover := domain.NewRun("left-1", "proj-1", "p", time.Now().UTC())
	leftover.Status = domain.RunStatusQueued
	e.store.PutRun(leftover)

	require.NoError(t, e.sched.Start(context.Background()))
	defer shutdown(t, e.sched)

	assert.Equal(t, 0, e.sched.Stats().Queued)
	view, _ := e.svc.Status(context.Background(), "left-1")
	assert.Equal(t, domain.RunStatusQueued, view.Status)
}

func TestRequeueOnStart(t *testing.T) {
	e := newEnv(t, Config{Workers: 1, RequeueOnStart: true}, mustPipeline(t, "p", domain.StepFunc{StepName: "a"}))
	leftover := domain.NewRun("left-1", "proj-1", "p", time.Now().UTC())
	leftover.Status = domain.RunStatusQueued
	e.store.PutRun(leftover)

	require.NoError(t, e.sched.Start(context.Background()))
	e.waitStatus(t, "left-1", domain.RunStatusSucceeded)
	shutdown(t, e.sched)
}

func TestDeleteQueuedRun(t *testing.T) {
	e := newEnv(t, Config{Workers: 1}, mustPipeline(t, "p", domain.StepFunc{StepName: "a"}))
	ctx := context.Background()
	id := e.create(t, "p")
	_, err := e.sched.Submit(ctx, id)
	require.NoError(t, err)

	_, err = e.sched.Delete(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, e.sched.Stats().Queued)
	_, err = e.svc.Status(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestShutdownDrainsInFlight(t *testing.T) {
	release := make(chan struct{})
	block := domain.StepFunc{StepName: "block", Fn: func(ctx context.Context, rc *domain.RunContext) error {
		<-release
		return nil
	}}
	e := newEnv(t, Config{Workers: 1}, mustPipeline(t, "p", block))
	ctx := context.Background()
	require.NoError(t, e.sched.Start(ctx))

	running, waiting := e.create(t, "p"), e.create(t, "p")
	_, err := e.sched.Submit(ctx, running)
	require.NoError(t, err)
	e.waitStatus(t, running, domain.RunStatusRunning)
	_, err = e.sched.Submit(ctx, waiting)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	shutdown(t, e.sched)

	e.waitStatus(t, running, domain.RunStatusSucceeded)
	view, _ := e.svc.Status(ctx, waiting)
	assert.Equal(t, domain.RunStatusQueued, view.Status, "queued runs stay queued across shutdown")

	_, err = e.sched.Submit(ctx, e.create(t, "p"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestForcedShutdownMarksWorkerLost(t *testing.T) {
	release := make(chan struct{})
	stubborn := domain.StepFunc{StepName: "stubborn", Fn: func(ctx context.Context, rc *domain.RunContext) error {
		<-release
		return nil
	}}
	e := newEnv(t, Config{Workers: 1}, mustPipeline(t, "p", stubborn))
	ctx := context.Background()
	require.NoError(t, e.sched.Start(ctx))

	id := e.create(t, "p")
	_, err := e.sched.Submit(ctx, id)
	require.NoError(t, err)
	e.waitStatus(t, id, domain.RunStatusRunning)

	shutdownCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = e.sched.Shutdown(shutdownCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	view := e.waitStatus(t, id, domain.RunStatusFailed)
	assert.Equal(t, domain.ReasonWorkerLost, view.Reason)
	lost, err := e.svc.Log(ctx, id, 0, 0)
	require.NoError(t, err)

	// The abandoned step returns late; its worker must leave the run alone.
	close(release)
	require.Eventually(t, func() bool { return e.sched.Stats().Active == 0 }, 2*time.Second, 5*time.Millisecond)
	after, err := e.svc.Log(ctx, id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, lost, after)
	view, err = e.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonWorkerLost, view.Reason)
}

type brokenExecutor struct{}

func (brokenExecutor) Execute(ctx context.Context, runID string) (domain.Run, error) {
	return domain.Run{}, state.InvalidTransitionError(runID, domain.RunStatusSucceeded, domain.RunStatusRunning)
}

func TestInvalidTransitionStopsScheduler(t *testing.T) {
	reg, err := registry.New(mustPipeline(t, "p", domain.StepFunc{StepName: "A"}))
	require.NoError(t, err)
	store := memory.NewStore()
	svc := runs.New(store, store, store, reg, nil, runs.Options{})
	sched, err := New(Config{Workers: 2}, svc, brokenExecutor{}, nil, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))

	run, err := svc.Create(ctx, "proj-1", "p", "")
	require.NoError(t, err)
	_, err = sched.Submit(ctx, run.ID)
	require.NoError(t, err)

	select {
	case err := <-sched.Failed():
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler kept running after an invariant violation")
	}
	other, err := svc.Create(ctx, "proj-1", "p", "")
	require.NoError(t, err)
	_, err = sched.Submit(ctx, other.ID)
	assert.ErrorIs(t, err, ErrClosed)
	shutdown(t, sched)
}

func TestMetricsAfterOneRun(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()
	metrics, err := telemetry.New(mp.Meter("test"))
	require.NoError(t, err)

	reg, err := registry.New(mustPipeline(t, "p", domain.StepFunc{StepName: "A"}, domain.StepFunc{StepName: "B"}))
	require.NoError(t, err)
	store := memory.NewStore()
	svc := runs.New(store, store, store, reg, nil, runs.Options{})
	r, err := runner.New(svc, reg, runner.Limits{}, metrics, nil)
	require.NoError(t, err)
	sched, err := New(Config{Workers: 1}, svc, r, metrics, nil)
	require.NoError(t, err)
	e := &env{store: store, svc: svc, sched: sched}
	ctx := context.Background()
	require.NoError(t, sched.Start(ctx))
	defer shutdown(t, sched)

	id := e.create(t, "p")
	_, err = sched.Submit(ctx, id)
	require.NoError(t, err)
	e.waitStatus(t, id, domain.RunStatusSucceeded)

	var rm metricdata.ResourceMetrics
	require.Eventually(t, func() bool {
		rm = metricdata.ResourceMetrics{}
		if err := reader.Collect(ctx, &rm); err != nil {
			return false
		}
		return intSum(rm, "runengine.runs.finished") == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), intSum(rm, "runengine.runs.submitted"))
	assert.Equal(t, int64(0), intSum(rm, "runengine.queue.depth"))
	assert.Equal(t, int64(0), intSum(rm, "runengine.runs.active"))
	assert.Equal(t, uint64(2), histogramCount(rm, "runengine.step.duration"))
}

func intSum(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok && m.Name == name {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func histogramCount(rm metricdata.ResourceMetrics, name string) uint64 {
	var total uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if hist, ok := m.Data.(metricdata.Histogram[float64]); ok && m.Name == name {
				for _, dp := range hist.DataPoints {
					total += dp.Count
				}
			}
		}
	}
	return total
}
