package runs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/execution/state"
	"github.com/animus-labs/runengine/internal/platform/auditlog"
	"github.com/animus-labs/runengine/internal/platform/auth"
	"github.com/animus-labs/runengine/internal/repo"
	"github.com/google/uuid"
)

// Catalog is the read side of the pipeline registry.
type Catalog interface {
	Lookup(name string) (domain.Pipeline, bool)
	List() []domain.PipelineInfo
}

// Listener is notified once a run reaches a terminal status.
type Listener interface {
	RunFinished(ctx context.Context, run domain.Run)
}

type Options struct {
	// SequentialProjectRuns refuses to queue a run while an earlier run of
	// the same project has not ended.
	SequentialProjectRuns bool
}

type Service struct {
	runs     repo.RunRepository
	logs     repo.LogRepository
	audit    repo.AuditAppender
	catalog  Catalog
	logger   *slog.Logger
	opts     Options
	now      func() time.Time
	newID    func() string
	mu       sync.RWMutex
	watchers []Listener
}

func New(runRepo repo.RunRepository, logRepo repo.LogRepository, audit repo.AuditAppender, catalog Catalog, logger *slog.Logger, opts Options) *Service {
	if runRepo == nil || logRepo == nil || catalog == nil {
		return nil
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Service{
		runs:    runRepo,
		logs:    logRepo,
		audit:   audit,
		catalog: catalog,
		logger:  logger.With("component", "runs"),
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.NewString() },
	}
}

// OnFinish registers l for terminal transitions. Listeners run synchronously
// on the worker goroutine and must not block for long.
func (s *Service) OnFinish(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, l)
}

func (s *Service) Pipelines() []domain.PipelineInfo {
	return s.catalog.List()
}

// Create records a new not_started run. The pipeline must be registered but is
// not bound to the run; its steps are resolved again when a worker claims it.
func (s *Service) Create(ctx context.Context, projectID, pipelineName, description string) (domain.Run, error) {
	projectID = strings.TrimSpace(projectID)
	pipelineName = strings.TrimSpace(pipelineName)
	if projectID == "" {
		return domain.Run{}, errors.New("project id is required")
	}
	if _, ok := s.catalog.Lookup(pipelineName); !ok {
		return domain.Run{}, fmt.Errorf("%w: %q", domain.ErrUnknownPipeline, pipelineName)
	}

	run := domain.NewRun(s.newID(), projectID, pipelineName, s.now())
	run.Description = strings.TrimSpace(description)
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return domain.Run{}, fmt.Errorf("create run: %w", err)
	}
	s.logger.Info("run created", "run_id", run.ID, "project_id", projectID, "pipeline", pipelineName)
	return run, nil
}

func (s *Service) Get(ctx context.Context, runID string) (domain.Run, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return domain.Run{}, mapNotFound(err, runID)
	}
	return run, nil
}

func (s *Service) List(ctx context.Context, projectID string, status domain.RunStatus) ([]domain.Run, error) {
	runs, err := s.runs.ListRuns(ctx, repo.RunFilter{ProjectID: strings.TrimSpace(projectID), Status: status})
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ListQueued returns queued runs oldest first.
func (s *Service) ListQueued(ctx context.Context) ([]domain.Run, error) {
	return s.List(ctx, "", domain.RunStatusQueued)
}

// MarkQueued moves a run from not_started to queued.
func (s *Service) MarkQueued(ctx context.Context, runID string) (domain.Run, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	switch {
	case run.Status.Active():
		return domain.Run{}, fmt.Errorf("%w: run %s is %s", domain.ErrAlreadyQueuedOrRunning, run.ID, run.Status)
	case run.Status.Terminal():
		return domain.Run{}, s.invalid(run.ID, run.Status, domain.RunStatusQueued)
	}
	if s.opts.SequentialProjectRuns {
		if err := s.checkCanStart(ctx, run); err != nil {
			return domain.Run{}, err
		}
	}

	next, err := s.transition(ctx, run, domain.RunStatusQueued, "")
	if err != nil {
		if errors.Is(err, repo.ErrConflict) {
			// Lost the race: report whatever the winner made of it.
			return s.reclassify(ctx, runID)
		}
		return domain.Run{}, err
	}
	return next, nil
}

// Claim moves a queued run to running on behalf of a worker.
func (s *Service) Claim(ctx context.Context, runID string) (domain.Run, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status != domain.RunStatusQueued {
		return domain.Run{}, s.invalid(run.ID, run.Status, domain.RunStatusRunning)
	}
	return s.transition(ctx, run, domain.RunStatusRunning, "")
}

// Finish moves a running run to its terminal status and notifies listeners.
func (s *Service) Finish(ctx context.Context, runID string, outcome state.Outcome) (domain.Run, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if lostRun(run) {
		return domain.Run{}, lostError(run, outcome.Status)
	}
	if !outcome.Status.Terminal() || run.Status != domain.RunStatusRunning {
		return domain.Run{}, s.invalid(run.ID, run.Status, outcome.Status)
	}
	next, err := s.transition(ctx, run, outcome.Status, outcome.Reason)
	if errors.Is(err, repo.ErrConflict) {
		// Lost the compare-and-set to a concurrent MarkLost.
		if current, gerr := s.Get(ctx, runID); gerr == nil && lostRun(current) {
			return domain.Run{}, lostError(current, outcome.Status)
		}
	}
	if err != nil {
		return domain.Run{}, err
	}
	s.notify(ctx, next)
	return next, nil
}

// Advance records the step a running run is at.
func (s *Service) Advance(ctx context.Context, runID string, index int, step string) error {
	if err := s.runs.UpdateCursor(ctx, runID, index, step); err != nil {
		return fmt.Errorf("advance run %s to step %d: %w", runID, index, mapNotFound(err, runID))
	}
	return nil
}

// StopRequested re-reads the stop flag from the store.
func (s *Service) StopRequested(ctx context.Context, runID string) (bool, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.StopRequested, nil
}

// RequestStop flags a run to stop at its next step boundary.
func (s *Service) RequestStop(ctx context.Context, runID string) (domain.Run, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status.Terminal() {
		return domain.Run{}, fmt.Errorf("%w: run %s is %s", domain.ErrRunFinished, run.ID, run.Status)
	}
	if run.StopRequested {
		return run, nil
	}
	if err := s.runs.SetStopRequested(ctx, run.ID); err != nil {
		return domain.Run{}, fmt.Errorf("request stop: %w", mapNotFound(err, runID))
	}
	if _, err := s.AppendLog(ctx, run.ID, "stop requested"); err != nil {
		s.logger.Warn("stop log append failed", "run_id", run.ID, "error", err)
	}
	s.logger.Info("stop requested", "run_id", run.ID, "status", run.Status, "actor", auth.Actor(ctx))
	run.StopRequested = true
	return run, nil
}

// Delete removes a run that no worker holds.
func (s *Service) Delete(ctx context.Context, runID string) (domain.Run, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status == domain.RunStatusRunning {
		return domain.Run{}, fmt.Errorf("%w: run %s is running", domain.ErrAlreadyQueuedOrRunning, run.ID)
	}
	// The log goes with the run in the same store write.
	if err := s.runs.DeleteRun(ctx, run.ID); err != nil {
		return domain.Run{}, fmt.Errorf("delete run: %w", mapNotFound(err, runID))
	}
	s.record(ctx, auditTransition(run, run.Status, "deleted", "").Event(s.now(), auth.Actor(ctx)))
	s.logger.Info("run deleted", "run_id", run.ID, "status", run.Status)
	return run, nil
}

// RecoverLost fails every run left running by a process that no longer exists.
// Only call it when no worker of this store is alive.
func (s *Service) RecoverLost(ctx context.Context) ([]domain.Run, error) {
	running, err := s.List(ctx, "", domain.RunStatusRunning)
	if err != nil {
		return nil, err
	}
	recovered := make([]domain.Run, 0, len(running))
	for _, run := range running {
		next, err := s.MarkLost(ctx, run.ID)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				continue
			}
			return recovered, err
		}
		recovered = append(recovered, next)
	}
	return recovered, nil
}

// MarkLost fails a running run with reason WorkerLost. The run's log is
// closed from then on, and a worker still holding it gets ErrRunLost from
// Finish.
func (s *Service) MarkLost(ctx context.Context, runID string) (domain.Run, error) {
	current, err := s.Get(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if current.Status != domain.RunStatusRunning {
		// Its worker got there first.
		return domain.Run{}, state.InvalidTransitionError(runID, current.Status, domain.RunStatusFailed)
	}
	if _, err := s.AppendLog(ctx, runID, "worker lost, run marked failed"); err != nil {
		s.logger.Warn("worker lost log append failed", "run_id", runID, "error", err)
	}
	run, err := s.Finish(ctx, runID, state.Outcome{Status: domain.RunStatusFailed, Reason: domain.ReasonWorkerLost})
	if err != nil {
		return domain.Run{}, err
	}
	s.logger.Warn("run marked worker lost", "run_id", run.ID, "step_index", run.CurrentStepIndex)
	return run, nil
}

func (s *Service) transition(ctx context.Context, run domain.Run, to domain.RunStatus, reason string) (domain.Run, error) {
	from := run.Status
	next := run.Clone()
	if err := state.Transition(&next, to, s.now()); err != nil {
		s.logger.Error("invalid run transition", "run_id", run.ID, "from", from, "to", to, "error", err)
		return domain.Run{}, err
	}
	next.Reason = reason

	err := s.runs.UpdateStatus(ctx, run.ID, from, repo.RunUpdate{
		Status:           next.Status,
		CurrentStepIndex: next.CurrentStepIndex,
		Reason:           reason,
		StartedAt:        startedIfNew(from, next),
		EndedAt:          next.EndedAt,
	})
	if err != nil {
		return domain.Run{}, fmt.Errorf("run %s %s -> %s: %w", run.ID, from, to, mapNotFound(err, run.ID))
	}

	s.record(ctx, auditTransition(run, from, string(to), reason).Event(s.now(), auth.Actor(ctx)))
	s.logger.Info("run transition", "run_id", run.ID, "from", from, "to", to, "reason", reason)

	persisted, err := s.Get(ctx, run.ID)
	if err != nil {
		return next, nil
	}
	return persisted, nil
}

// lostRun reports whether run was taken from its worker by MarkLost.
func lostRun(run domain.Run) bool {
	return run.Status == domain.RunStatusFailed && run.Reason == domain.ReasonWorkerLost
}

// lostError is still an InvalidTransition; it is not logged as one since a
// forced shutdown produces it routinely.
func lostError(run domain.Run, to domain.RunStatus) error {
	return fmt.Errorf("%w: %w", domain.ErrRunLost, state.InvalidTransitionError(run.ID, run.Status, to))
}

func startedIfNew(from domain.RunStatus, next domain.Run) *time.Time {
	if from == domain.RunStatusQueued {
		return next.StartedAt
	}
	return nil
}

func (s *Service) reclassify(ctx context.Context, runID string) (domain.Run, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status.Active() {
		return domain.Run{}, fmt.Errorf("%w: run %s is %s", domain.ErrAlreadyQueuedOrRunning, run.ID, run.Status)
	}
	return domain.Run{}, s.invalid(run.ID, run.Status, domain.RunStatusQueued)
}

func (s *Service) checkCanStart(ctx context.Context, run domain.Run) error {
	earlier, err := s.runs.ListRuns(ctx, repo.RunFilter{ProjectID: run.ProjectID, CreatedBefore: &run.CreatedAt})
	if err != nil {
		return fmt.Errorf("list earlier runs: %w", err)
	}
	for _, prev := range earlier {
		if prev.ID != run.ID && !prev.Status.Terminal() {
			return fmt.Errorf("%w: run %s waits on %s", domain.ErrRunNotAllowedToStart, run.ID, prev.ID)
		}
	}
	return nil
}

func (s *Service) invalid(runID string, from, to domain.RunStatus) error {
	err := state.InvalidTransitionError(runID, from, to)
	s.logger.Error("invalid run transition", "run_id", runID, "from", from, "to", to, "error", err)
	return err
}

func auditTransition(run domain.Run, from domain.RunStatus, to, reason string) auditlog.Transition {
	return auditlog.Transition{
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		Pipeline:  run.PipelineName,
		From:      string(from),
		To:        to,
		Reason:    reason,
	}
}

func (s *Service) record(ctx context.Context, event auditlog.Event) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Append(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("audit append failed", "action", event.Action, "resource_id", event.Resource.ID, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, run domain.Run) {
	s.mu.RLock()
	watchers := make([]Listener, len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.RUnlock()
	for _, l := range watchers {
		l.RunFinished(ctx, run)
	}
}

func mapNotFound(err error, runID string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, runID)
	}
	return err
}
