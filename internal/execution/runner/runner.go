// Package runner drives one claimed run through its steps.
//
// Stop requests, the soft limit and the hard limit are only observed at step
// boundaries. A step is never interrupted by the engine; it receives a
// context carrying the hard deadline and may watch it on its own.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/execution/state"
	"github.com/animus-labs/runengine/internal/platform/telemetry"
)

// Limits bounds the wall time of a run, measured from started_at. Zero disables a limit.
type Limits struct {
	Soft time.Duration
	Hard time.Duration
}

func (l Limits) Validate() error {
	if l.Soft < 0 {
		return errors.New("soft time limit must be >= 0")
	}
	if l.Hard < 0 {
		return errors.New("hard time limit must be >= 0")
	}
	if l.Soft > 0 && l.Hard > 0 && l.Hard <= l.Soft {
		return fmt.Errorf("hard time limit (%s) must exceed soft time limit (%s)", l.Hard, l.Soft)
	}
	return nil
}

type Resolver interface {
	Resolve(name string) ([]domain.Step, error)
}

// RunService is the subset of the run service a worker writes through.
type RunService interface {
	Claim(ctx context.Context, runID string) (domain.Run, error)
	Advance(ctx context.Context, runID string, index int, step string) error
	StopRequested(ctx context.Context, runID string) (bool, error)
	Finish(ctx context.Context, runID string, outcome state.Outcome) (domain.Run, error)
	AppendLog(ctx context.Context, runID, message string) (domain.LogEntry, error)
}

type Runner struct {
	runs      RunService
	pipelines Resolver
	limits    Limits
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func New(runs RunService, pipelines Resolver, limits Limits, metrics *telemetry.Metrics, logger *slog.Logger) (*Runner, error) {
	if runs == nil || pipelines == nil {
		return nil, errors.New("run service and pipeline resolver are required")
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Runner{
		runs:      runs,
		pipelines: pipelines,
		limits:    limits,
		metrics:   metrics,
		logger:    logger.With("component", "runner"),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *Runner) Limits() Limits { return r.limits }

// Execute claims a queued run and drives it to a terminal status.
//
// Cancelling ctx abandons the run at the next boundary with reason WorkerLost.
// Store writes are detached from ctx so the outcome is persisted regardless.
// If the run is failed by someone else meanwhile (a forced shutdown), Execute
// stops writing to it and returns domain.ErrRunLost.
func (r *Runner) Execute(ctx context.Context, runID string) (domain.Run, error) {
	persist := context.WithoutCancel(ctx)

	run, err := r.runs.Claim(persist, runID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("claim run %s: %w", runID, err)
	}
	r.metrics.RunStarted(ctx)
	started := r.now()
	if run.StartedAt != nil {
		started = *run.StartedAt
	}
	r.logger.Info("run started", "run_id", run.ID, "pipeline", run.PipelineName)
	x := &execution{Runner: r, run: run, persist: persist, started: started}
	x.log(domain.PipelineStartedMessage(run.PipelineName))

	steps, err := r.pipelines.Resolve(run.PipelineName)
	if err != nil {
		reason := domain.OneLine(err.Error())
		x.log("pipeline resolution failed: " + reason)
		return x.finish(state.Outcome{Status: domain.RunStatusFailed, Reason: reason})
	}

	stepCtx := ctx
	if r.limits.Hard > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithDeadline(ctx, started.Add(r.limits.Hard))
		defer cancel()
	}
	rc := domain.NewRunContext(run, func(c context.Context, msg string) error {
		_, err := r.runs.AppendLog(context.WithoutCancel(c), run.ID, msg)
		return err
	})

	return x.finish(x.loop(ctx, stepCtx, steps, rc))
}

// execution is the state of one Execute call.
type execution struct {
	*Runner
	run     domain.Run
	persist context.Context
	started time.Time
	// lost is set once the store refuses writes because the run was
	// finished by someone else.
	lost bool
}

func (x *execution) loop(ctx, stepCtx context.Context, steps []domain.Step, rc *domain.RunContext) state.Outcome {
	runID := x.run.ID
	for i, step := range steps {
		if outcome, halt := x.boundary(ctx, i, step.Name()); halt {
			return outcome
		}
		if i == 0 {
			x.advance(0, step.Name())
		}

		x.log(domain.StepStartedMessage(step.Name()))
		begin := x.now()
		err := x.invoke(stepCtx, runID, step, rc)
		elapsed := x.now().Sub(begin)
		x.metrics.StepCompleted(ctx, x.run.PipelineName, step.Name(), elapsed, err == nil)

		if err != nil {
			reason := domain.OneLine(err.Error())
			x.log(domain.StepFailedMessage(step.Name(), reason))
			switch {
			case ctx.Err() != nil:
				reason = domain.ReasonWorkerLost
			case x.hardExceeded(x.started):
				reason = domain.ReasonTimeLimitExceeded
			}
			return state.Resolve(true, reason, false, "")
		}
		x.log(domain.StepCompletedMessage(step.Name(), elapsed))

		next := step.Name()
		if i+1 < len(steps) {
			next = steps[i+1].Name()
		}
		x.advance(i+1, next)
	}

	// The boundary after the last step.
	if outcome, halt := x.boundary(ctx, len(steps), ""); halt {
		return outcome
	}
	return state.Resolve(false, "", false, "")
}

// boundary runs the checks made between steps, in order: shutdown, stop
// request, hard limit, soft limit. next is empty after the last step.
func (x *execution) boundary(ctx context.Context, index int, next string) (state.Outcome, bool) {
	if x.lost {
		return state.Outcome{Status: domain.RunStatusFailed, Reason: domain.ReasonWorkerLost}, true
	}
	if ctx.Err() != nil {
		x.log(fmt.Sprintf("worker shutting down, run abandoned at step %d", index))
		return state.Outcome{Status: domain.RunStatusFailed, Reason: domain.ReasonWorkerLost}, true
	}

	stop, err := x.runs.StopRequested(x.persist, x.run.ID)
	if err != nil {
		x.logger.Warn("stop flag read failed", "run_id", x.run.ID, "error", err)
	}
	if stop {
		msg := fmt.Sprintf("stop requested, run stopped at step %d", index)
		if next != "" {
			msg = fmt.Sprintf("stop requested, run stopped at step %d (%s)", index, next)
		}
		x.log(msg)
		return state.Resolve(false, "", true, domain.ReasonStopRequested), true
	}

	if x.hardExceeded(x.started) {
		x.log(fmt.Sprintf("hard time limit of %s exceeded at step %d", x.limits.Hard, index))
		return state.Resolve(true, domain.ReasonTimeLimitExceeded, false, ""), true
	}

	// The soft limit lets the current step finish, then acts as a stop request.
	if x.softExceeded(x.started) {
		msg := fmt.Sprintf("soft time limit of %s exceeded after the last step", x.limits.Soft)
		if next != "" {
			msg = fmt.Sprintf("soft time limit of %s exceeded, not starting step %s", x.limits.Soft, next)
		}
		x.log(msg)
		return state.Resolve(false, "", true, domain.ReasonSoftTimeLimit), true
	}
	return state.Outcome{}, false
}

func (r *Runner) invoke(ctx context.Context, runID string, step domain.Step, rc *domain.RunContext) (err error) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Error("step panicked", "run_id", runID, "step", step.Name(), "panic", v)
			err = errors.New(domain.ReasonInternalError)
		}
	}()
	return step.Execute(ctx, rc)
}

func (x *execution) finish(outcome state.Outcome) (domain.Run, error) {
	x.log(domain.PipelineEndedMessage(outcome.Status))
	if x.lost {
		x.logger.Info("run finished elsewhere, leaving it", "run_id", x.run.ID)
		return domain.Run{}, fmt.Errorf("finish run %s: %w", x.run.ID, domain.ErrRunLost)
	}
	done, err := x.runs.Finish(x.persist, x.run.ID, outcome)
	if errors.Is(err, domain.ErrRunLost) {
		x.logger.Info("run finished elsewhere, leaving it", "run_id", x.run.ID)
		return domain.Run{}, fmt.Errorf("finish run %s: %w", x.run.ID, err)
	}
	x.metrics.RunFinished(x.persist, x.run.PipelineName, string(outcome.Status), outcome.Reason)
	if err != nil {
		return domain.Run{}, fmt.Errorf("finish run %s: %w", x.run.ID, err)
	}
	x.logger.Info("run finished", "run_id", x.run.ID, "status", done.Status, "reason", done.Reason,
		"execution_seconds", done.ExecutionTime().Seconds())
	return done, nil
}

func (x *execution) advance(index int, step string) {
	if x.lost {
		return
	}
	if err := x.runs.Advance(x.persist, x.run.ID, index, step); err != nil {
		x.logger.Warn("cursor update failed", "run_id", x.run.ID, "step_index", index, "error", err)
	}
}

func (x *execution) log(msg string) {
	if x.lost {
		return
	}
	_, err := x.runs.AppendLog(x.persist, x.run.ID, msg)
	switch {
	case errors.Is(err, domain.ErrRunFinished):
		x.lost = true
	case err != nil:
		x.logger.Warn("run log append failed", "run_id", x.run.ID, "error", err)
	}
}

func (r *Runner) hardExceeded(started time.Time) bool {
	return r.limits.Hard > 0 && r.now().Sub(started) >= r.limits.Hard
}

func (r *Runner) softExceeded(started time.Time) bool {
	return r.limits.Soft > 0 && r.now().Sub(started) >= r.limits.Soft
}
