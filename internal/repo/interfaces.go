package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/platform/auditlog"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a compare-and-set write whose precondition no longer holds.
	ErrConflict = errors.New("conflict")
)

type RunFilter struct {
	ProjectID     string
	Status        domain.RunStatus
	CreatedBefore *time.Time
	Limit         int
}

// RunUpdate holds the fields written together with a status change.
type RunUpdate struct {
	Status           domain.RunStatus
	CurrentStepIndex int
	Reason           string
	StartedAt        *time.Time
	EndedAt          *time.Time
}

// RunRepository persists runs. Status writes are compare-and-set on the
// previous status so concurrent writers cannot both win the same edge.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	// ListRuns returns runs ordered by creation time, oldest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, from domain.RunStatus, update RunUpdate) error
	// UpdateCursor moves the step cursor of a running run forward only.
	UpdateCursor(ctx context.Context, id string, index int, step string) error
	SetStopRequested(ctx context.Context, id string) error
}

// LogRepository is the append-only log sink attached to runs. Entries go
// away only with their run, and appends to a terminal run fail with ErrConflict.
type LogRepository interface {
	AppendLog(ctx context.Context, runID string, at time.Time, message string) (domain.LogEntry, error)
	// ListLog returns entries with Offset >= offset in append order. limit <= 0 means all.
	ListLog(ctx context.Context, runID string, offset, limit int) ([]domain.LogEntry, error)
}

// AuditAppender ensures append-only audit writes.
type AuditAppender interface {
	Append(ctx context.Context, event auditlog.Event) (int64, error)
}
