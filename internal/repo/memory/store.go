// Package memory keeps runs, logs and audit events in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/platform/auditlog"
	"github.com/animus-labs/runengine/internal/repo"
)

// Store implements repo.RunRepository, repo.LogRepository and repo.AuditAppender.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]domain.Run
	logs   map[string][]domain.LogEntry
	events []auditlog.Event
}

func NewStore() *Store {
	return &Store{
		runs: map[string]domain.Run{},
		logs: map[string][]domain.LogEntry{},
	}
}

func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("insert run %s: %w", run.ID, repo.ErrConflict)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run.Clone(), nil
}

func (s *Store) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	s.mu.RLock()
	out := make([]domain.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.ProjectID != "" && run.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.CreatedBefore != nil && !run.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		out = append(out, run.Clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return repo.ErrNotFound
	}
	delete(s.runs, id)
	delete(s.logs, id)
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, from domain.RunStatus, update repo.RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if run.Status != from {
		return fmt.Errorf("update run %s from %s: %w", id, from, repo.ErrConflict)
	}
	run.Status = update.Status
	if update.CurrentStepIndex > run.CurrentStepIndex {
		run.CurrentStepIndex = update.CurrentStepIndex
	}
	if update.Reason != "" {
		run.Reason = update.Reason
	}
	if update.StartedAt != nil {
		started := update.StartedAt.UTC()
		run.StartedAt = &started
	}
	if update.EndedAt != nil {
		ended := update.EndedAt.UTC()
		run.EndedAt = &ended
	}
	s.runs[id] = run
	return nil
}

func (s *Store) UpdateCursor(ctx context.Context, id string, index int, step string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if run.Status != domain.RunStatusRunning || index < run.CurrentStepIndex {
		return fmt.Errorf("update cursor of run %s: %w", id, repo.ErrConflict)
	}
	run.CurrentStepIndex = index
	run.CurrentStep = domain.TruncateStep(step)
	s.runs[id] = run
	return nil
}

func (s *Store) SetStopRequested(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.StopRequested = true
	s.runs[id] = run
	return nil
}

// PutRun overwrites a run without any precondition. It exists so tests and
// the recovery command can seed state left behind by a dead process.
func (s *Store) PutRun(run domain.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
}

func (s *Store) AppendLog(ctx context.Context, runID string, at time.Time, message string) (domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return domain.LogEntry{}, repo.ErrNotFound
	}
	if run.Status.Terminal() {
		return domain.LogEntry{}, fmt.Errorf("append log of run %s: %w", runID, repo.ErrConflict)
	}
	entry := domain.LogEntry{
		Offset:  len(s.logs[runID]),
		Time:    at.UTC(),
		Message: message,
	}
	s.logs[runID] = append(s.logs[runID], entry)
	return entry, nil
}

func (s *Store) ListLog(ctx context.Context, runID string, offset, limit int) ([]domain.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, repo.ErrNotFound
	}
	entries := s.logs[runID]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return []domain.LogEntry{}, nil
	}
	end := len(entries)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]domain.LogEntry, end-offset)
	copy(out, entries[offset:end])
	return out, nil
}

func (s *Store) Append(ctx context.Context, event auditlog.Event) (int64, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return int64(len(s.events)), nil
}

// Events returns a copy of the audit trail.
func (s *Store) Events() []auditlog.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auditlog.Event, len(s.events))
	copy(out, s.events)
	return out
}
