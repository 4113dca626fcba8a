// Package scheduler admits runs into a FIFO queue served by a fixed pool of
// workers.
//
// Submit holds the queue lock across the status check and the enqueue, and
// the status write itself is a compare-and-set in the store, so a run is
// queued at most once and claimed by at most one worker.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/platform/telemetry"
)

var ErrClosed = errors.New("scheduler is shut down")

type Config struct {
	Workers int
	// MaxQueueDepth rejects submissions beyond this many waiting runs. Zero means unbounded.
	MaxQueueDepth int
	// RequeueOnStart re-admits runs left queued by a previous process.
	RequeueOnStart bool
}

func (c Config) Validate() error {
	if c.Workers < 1 {
		return errors.New("workers must be >= 1")
	}
	if c.MaxQueueDepth < 0 {
		return errors.New("max queue depth must be >= 0")
	}
	return nil
}

type Executor interface {
	Execute(ctx context.Context, runID string) (domain.Run, error)
}

type RunService interface {
	MarkQueued(ctx context.Context, runID string) (domain.Run, error)
	ListQueued(ctx context.Context) ([]domain.Run, error)
	RecoverLost(ctx context.Context) ([]domain.Run, error)
	MarkLost(ctx context.Context, runID string) (domain.Run, error)
	Delete(ctx context.Context, runID string) (domain.Run, error)
}

type Stats struct {
	Workers int `json:"workers"`
	Queued  int `json:"queued"`
	Active  int `json:"active"`
}

type Scheduler struct {
	cfg     Config
	runs    RunService
	exec    Executor
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *list.List
	queued  map[string]*list.Element
	active  map[string]struct{}
	started bool
	closed  bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
	failed chan error
}

func New(cfg Config, runs RunService, exec Executor, metrics *telemetry.Metrics, logger *slog.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if runs == nil || exec == nil {
		return nil, errors.New("run service and executor are required")
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	s := &Scheduler{
		cfg:     cfg,
		runs:    runs,
		exec:    exec,
		metrics: metrics,
		logger:  logger.With("component", "scheduler"),
		queue:   list.New(),
		queued:  map[string]*list.Element{},
		active:  map[string]struct{}{},
		failed:  make(chan error, 1),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Start recovers runs orphaned by a previous process and spawns the workers.
// It must be called once, before any other process stops using the store.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.started = true
	s.mu.Unlock()

	recovered, err := s.runs.RecoverLost(ctx)
	if err != nil {
		return fmt.Errorf("recover lost runs: %w", err)
	}
	if len(recovered) > 0 {
		s.logger.Warn("recovered lost runs", "count", len(recovered))
	}

	if s.cfg.RequeueOnStart {
		if err := s.requeue(ctx); err != nil {
			return err
		}
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(workerCtx, i)
	}
	s.logger.Info("scheduler started", "workers", s.cfg.Workers, "max_queue_depth", s.cfg.MaxQueueDepth)
	return nil
}

// Submit queues a not_started run for execution.
func (s *Scheduler) Submit(ctx context.Context, runID string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Run{}, ErrClosed
	}
	if _, ok := s.queued[runID]; ok {
		return domain.Run{}, fmt.Errorf("%w: run %s is queued", domain.ErrAlreadyQueuedOrRunning, runID)
	}
	if _, ok := s.active[runID]; ok {
		return domain.Run{}, fmt.Errorf("%w: run %s is running", domain.ErrAlreadyQueuedOrRunning, runID)
	}
	if s.cfg.MaxQueueDepth > 0 && s.queue.Len() >= s.cfg.MaxQueueDepth {
		return domain.Run{}, fmt.Errorf("%w: %d runs waiting", domain.ErrQueueFull, s.queue.Len())
	}

	run, err := s.runs.MarkQueued(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	s.pushLocked(ctx, run)
	return run, nil
}

// Delete removes a run that is not held by a worker, dropping it from the queue.
func (s *Scheduler) Delete(ctx context.Context, runID string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[runID]; ok {
		return domain.Run{}, fmt.Errorf("%w: run %s is running", domain.ErrAlreadyQueuedOrRunning, runID)
	}
	run, err := s.runs.Delete(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if elem, ok := s.queued[runID]; ok {
		s.queue.Remove(elem)
		delete(s.queued, runID)
		s.metrics.RunDequeued(ctx)
	}
	return run, nil
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Workers: s.cfg.Workers, Queued: s.queue.Len(), Active: len(s.active)}
}

// Shutdown stops admitting work and waits for in-flight runs to finish.
// Queued runs stay queued in the store. When ctx ends first, workers are
// cancelled and every run still held is marked failed with WorkerLost.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler drained")
		return nil
	case <-ctx.Done():
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	held := make([]string, 0, len(s.active))
	for id := range s.active {
		held = append(held, id)
	}
	s.mu.Unlock()

	persist := context.WithoutCancel(ctx)
	for _, id := range held {
		_, err := s.runs.MarkLost(persist, id)
		switch {
		case errors.Is(err, domain.ErrInvalidTransition):
			// The worker finished the run first.
			continue
		case err != nil:
			s.logger.Error("mark lost failed", "run_id", id, "error", err)
			continue
		}
		s.logger.Warn("run abandoned on shutdown", "run_id", id)
	}
	return fmt.Errorf("shutdown: %w", ctx.Err())
}

func (s *Scheduler) requeue(ctx context.Context) error {
	queued, err := s.runs.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("list queued runs: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range queued {
		if _, ok := s.queued[run.ID]; ok {
			continue
		}
		s.pushLocked(ctx, run)
	}
	if len(queued) > 0 {
		s.logger.Info("re-admitted queued runs", "count", len(queued))
	}
	return nil
}

func (s *Scheduler) pushLocked(ctx context.Context, run domain.Run) {
	s.queued[run.ID] = s.queue.PushBack(run.ID)
	s.metrics.RunSubmitted(ctx, run.PipelineName)
	s.cond.Signal()
}

func (s *Scheduler) worker(ctx context.Context, n int) {
	defer s.wg.Done()
	logger := s.logger.With("worker", n)
	for {
		id, ok := s.next(ctx)
		if !ok {
			return
		}
		run, err := s.exec.Execute(ctx, id)
		s.release(id)
		switch {
		case err == nil:
			logger.Debug("run done", "run_id", id, "status", run.Status)
		case errors.Is(err, domain.ErrRunLost):
			logger.Info("run was marked lost while its step ran", "run_id", id)
		case errors.Is(err, domain.ErrInvalidTransition):
			logger.Error("run state invariant violated, stopping scheduler", "run_id", id, "error", err)
			s.fail(err)
			return
		default:
			logger.Error("run execution failed", "run_id", id, "error", err)
		}
	}
}

// next blocks until a run is available or the scheduler is closed.
func (s *Scheduler) next(ctx context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.queue.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return "", false
	}
	front := s.queue.Front()
	id := s.queue.Remove(front).(string)
	delete(s.queued, id)
	s.active[id] = struct{}{}
	s.metrics.RunDequeued(ctx)
	return id, true
}

// fail closes the scheduler after an invariant violation and reports err on Failed.
func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	select {
	case s.failed <- err:
	default:
	}
}

// Failed delivers the invariant violation that stopped the scheduler, if any.
// The engine instance must not keep serving after a value arrives.
func (s *Scheduler) Failed() <-chan error {
	return s.failed
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}
