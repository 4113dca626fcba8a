// Package state holds the run state machine.
//
// States:
//   - not_started -> queued -> running -> succeeded | failed | stopped
//
// Terminal states are absorbing. Every status change in the engine goes
// through Transition so no component can move a run to an invalid state.
package state

import (
	"fmt"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
)

var transitions = map[domain.RunStatus][]domain.RunStatus{
	domain.RunStatusNotStarted: {domain.RunStatusQueued},
	domain.RunStatusQueued:     {domain.RunStatusRunning},
	domain.RunStatusRunning:    {domain.RunStatusSucceeded, domain.RunStatusFailed, domain.RunStatusStopped},
}

// CanTransition reports whether current -> next is a legal edge.
func CanTransition(current, next domain.RunStatus) bool {
	for _, allowed := range transitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition applies current -> next on run and stamps started_at or ended_at.
// The run is left untouched when the edge is illegal.
func Transition(run *domain.Run, next domain.RunStatus, at time.Time) error {
	if run == nil {
		return fmt.Errorf("%w: nil run", domain.ErrInvalidTransition)
	}
	if !CanTransition(run.Status, next) {
		return InvalidTransitionError(run.ID, run.Status, next)
	}
	at = at.UTC()
	switch next {
	case domain.RunStatusRunning:
		run.StartedAt = &at
		if run.CurrentStepIndex < 0 {
			run.CurrentStepIndex = 0
		}
	case domain.RunStatusSucceeded, domain.RunStatusFailed, domain.RunStatusStopped:
		run.EndedAt = &at
	}
	run.Status = next
	return nil
}

// InvalidTransitionError wraps domain.ErrInvalidTransition with the offending edge.
func InvalidTransitionError(runID string, from, to domain.RunStatus) error {
	return fmt.Errorf("%w: run %s %s -> %s", domain.ErrInvalidTransition, runID, from, to)
}

// Outcome is how a worker resolved a claimed run.
type Outcome struct {
	Status domain.RunStatus
	Reason string
}

// Resolve applies the boundary tie-break: a failure always wins over a pending
// stop, and a stop wins over success.
func Resolve(failed bool, failReason string, stopped bool, stopReason string) Outcome {
	switch {
	case failed:
		return Outcome{Status: domain.RunStatusFailed, Reason: failReason}
	case stopped:
		return Outcome{Status: domain.RunStatusStopped, Reason: stopReason}
	default:
		return Outcome{Status: domain.RunStatusSucceeded}
	}
}
