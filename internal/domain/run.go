package domain

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusNotStarted RunStatus = "not_started"
	RunStatusQueued     RunStatus = "queued"
	RunStatusRunning    RunStatus = "running"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
	RunStatusStopped    RunStatus = "stopped"
)

// Terminal reports whether no further transition is allowed out of s.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusStopped:
		return true
	default:
		return false
	}
}

// Active reports whether a run in state s is owned by the scheduler or a worker.
func (s RunStatus) Active() bool {
	return s == RunStatusQueued || s == RunStatusRunning
}

// NormalizeRunStatus maps free-form status values to canonical run statuses.
func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatusNotStarted), "pending", "created":
		return RunStatusNotStarted
	case string(RunStatusQueued):
		return RunStatusQueued
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusSucceeded), "success":
		return RunStatusSucceeded
	case string(RunStatusFailed), "failure":
		return RunStatusFailed
	case string(RunStatusStopped):
		return RunStatusStopped
	default:
		return ""
	}
}

// Reasons recorded on runs that did not succeed.
const (
	ReasonTimeLimitExceeded = "TimeLimitExceeded"
	ReasonWorkerLost        = "WorkerLost"
	ReasonStopRequested     = "StopRequested"
	ReasonSoftTimeLimit     = "SoftTimeLimit"
	ReasonInternalError     = "internal error"
)

// NoStep is the cursor value of a run whose execution has not started.
const NoStep = -1

// MaxCurrentStepLen bounds the stored current step description.
const MaxCurrentStepLen = 256

// Run is one execution attempt of a pipeline against a project.
type Run struct {
	ID               string
	ProjectID        string
	PipelineName     string
	Description      string
	Status           RunStatus
	CurrentStepIndex int
	CurrentStep      string
	Reason           string
	StopRequested    bool
	CreatedAt        time.Time
	StartedAt        *time.Time
	EndedAt          *time.Time
}

// NewRun returns a run in the initial not_started state.
func NewRun(id, projectID, pipelineName string, createdAt time.Time) Run {
	return Run{
		ID:               id,
		ProjectID:        projectID,
		PipelineName:     pipelineName,
		Status:           RunStatusNotStarted,
		CurrentStepIndex: NoStep,
		CreatedAt:        createdAt.UTC(),
	}
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		return errors.New("project id is required")
	}
	if strings.TrimSpace(r.PipelineName) == "" {
		return errors.New("pipeline name is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	if r.CurrentStepIndex < NoStep {
		return errors.New("current step index must be >= -1")
	}
	if r.Status.Terminal() != (r.EndedAt != nil) {
		return errors.New("ended_at must be set if and only if the run is terminal")
	}
	return nil
}

// ExecutionTime is the wall time between start and end, zero while unfinished.
func (r Run) ExecutionTime() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// Clone returns a copy that shares no pointers with r.
func (r Run) Clone() Run {
	out := r
	if r.StartedAt != nil {
		started := *r.StartedAt
		out.StartedAt = &started
	}
	if r.EndedAt != nil {
		ended := *r.EndedAt
		out.EndedAt = &ended
	}
	return out
}

// LogEntry is one line of a run log. Offset is the zero-based position in the log.
type LogEntry struct {
	Offset  int
	Time    time.Time
	Message string
}

// NormalizeLogMessage trims msg and rejects embedded line breaks.
func NormalizeLogMessage(msg string) (string, error) {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "", errors.New("log message is required")
	}
	if strings.ContainsAny(msg, "\r\n") {
		return "", errors.New("log message cannot contain line returns")
	}
	return msg, nil
}

// TruncateStep bounds a step description to MaxCurrentStepLen bytes.
func TruncateStep(name string) string {
	if len(name) <= MaxCurrentStepLen {
		return name
	}
	return name[:MaxCurrentStepLen]
}
