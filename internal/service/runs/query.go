package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/repo"
)

// StatusView is the progress snapshot served to pollers. It may describe a
// run that is still executing.
type StatusView struct {
	RunID            string           `json:"run_id"`
	ProjectID        string           `json:"project_id"`
	Pipeline         string           `json:"pipeline"`
	Description      string           `json:"description,omitempty"`
	Status           domain.RunStatus `json:"status"`
	CurrentStepIndex int              `json:"current_step_index"`
	CurrentStep      string           `json:"current_step,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	StopRequested    bool             `json:"stop_requested"`
	CreatedAt        time.Time        `json:"created_at"`
	StartedAt        *time.Time       `json:"started_at"`
	EndedAt          *time.Time       `json:"ended_at"`
	ExecutionSeconds float64          `json:"execution_seconds,omitempty"`
}

func NewStatusView(run domain.Run) StatusView {
	return StatusView{
		RunID:            run.ID,
		ProjectID:        run.ProjectID,
		Pipeline:         run.PipelineName,
		Description:      run.Description,
		Status:           run.Status,
		CurrentStepIndex: run.CurrentStepIndex,
		CurrentStep:      run.CurrentStep,
		Reason:           run.Reason,
		StopRequested:    run.StopRequested,
		CreatedAt:        run.CreatedAt,
		StartedAt:        run.StartedAt,
		EndedAt:          run.EndedAt,
		ExecutionSeconds: run.ExecutionTime().Seconds(),
	}
}

func (s *Service) Status(ctx context.Context, runID string) (StatusView, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return StatusView{}, err
	}
	return NewStatusView(run), nil
}

// Log returns entries with Offset >= offset, at most limit of them when limit > 0.
func (s *Service) Log(ctx context.Context, runID string, offset, limit int) ([]domain.LogEntry, error) {
	if offset < 0 {
		return nil, fmt.Errorf("offset must be >= 0")
	}
	entries, err := s.logs.ListLog(ctx, runID, offset, limit)
	if err != nil {
		return nil, mapNotFound(err, runID)
	}
	return entries, nil
}

// AppendLog is the log sink used by workers and steps.
func (s *Service) AppendLog(ctx context.Context, runID, message string) (domain.LogEntry, error) {
	message, err := domain.NormalizeLogMessage(message)
	if err != nil {
		return domain.LogEntry{}, err
	}
	entry, err := s.logs.AppendLog(ctx, runID, s.now(), message)
	if errors.Is(err, repo.ErrConflict) {
		return domain.LogEntry{}, fmt.Errorf("append log: %w: %s", domain.ErrRunFinished, runID)
	}
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("append log: %w", mapNotFound(err, runID))
	}
	return entry, nil
}

type StepTiming struct {
	Step    string  `json:"step"`
	Seconds float64 `json:"seconds"`
}

// Profile returns per-step runtimes of a succeeded run, in execution order.
func (s *Service) Profile(ctx context.Context, runID string) ([]StepTiming, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != domain.RunStatusSucceeded {
		return nil, fmt.Errorf("%w: run %s is %s", domain.ErrRunNotSucceeded, run.ID, run.Status)
	}
	entries, err := s.Log(ctx, runID, 0, 0)
	if err != nil {
		return nil, err
	}
	timings := make([]StepTiming, 0)
	for _, entry := range entries {
		if step, seconds, ok := domain.ParseStepCompleted(entry.Message); ok {
			timings = append(timings, StepTiming{Step: step, Seconds: seconds})
		}
	}
	return timings, nil
}
