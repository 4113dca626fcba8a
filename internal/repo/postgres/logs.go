package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/repo"
)

const appendLogQuery = `WITH next AS (
	UPDATE pipeline_runs SET log_length = log_length + 1
	WHERE run_id = $1 AND status NOT IN ('succeeded', 'failed', 'stopped')
	RETURNING log_length - 1 AS seq
)
INSERT INTO run_log_entries (run_id, seq, logged_at, message)
SELECT $1, seq, $2, $3 FROM next
RETURNING seq, logged_at`

// LogStore keeps run logs one row per entry. The per-run counter on
// pipeline_runs serializes concurrent appenders so offsets have no gaps.
// The log of a terminal run is closed: appends fail with repo.ErrConflict.
type LogStore struct {
	db DB
}

func NewLogStore(db DB) *LogStore {
	if db == nil {
		return nil
	}
	return &LogStore{db: db}
}

func (s *LogStore) AppendLog(ctx context.Context, runID string, at time.Time, message string) (domain.LogEntry, error) {
	if s == nil || s.db == nil {
		return domain.LogEntry{}, fmt.Errorf("log store not initialized")
	}
	runID, err := requireID(runID)
	if err != nil {
		return domain.LogEntry{}, err
	}
	entry := domain.LogEntry{Message: message}
	err = s.db.QueryRowContext(ctx, appendLogQuery, runID, normalizeTime(at), message).Scan(&entry.Offset, &entry.Time)
	if errors.Is(err, sql.ErrNoRows) {
		if err := s.requireRun(ctx, runID); err != nil {
			return domain.LogEntry{}, err
		}
		return domain.LogEntry{}, fmt.Errorf("append log of run %s: %w", runID, repo.ErrConflict)
	}
	if err != nil {
		return domain.LogEntry{}, fmt.Errorf("append log: %w", err)
	}
	entry.Time = entry.Time.UTC()
	return entry, nil
}

func (s *LogStore) ListLog(ctx context.Context, runID string, offset, limit int) ([]domain.LogEntry, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("log store not initialized")
	}
	runID, err := requireID(runID)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT seq, logged_at, message FROM run_log_entries WHERE run_id = $1 AND seq >= $2 ORDER BY seq ASC`
	args := []any{runID, offset}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list log: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.LogEntry, 0)
	for rows.Next() {
		var entry domain.LogEntry
		if err := rows.Scan(&entry.Offset, &entry.Time, &entry.Message); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		entry.Time = entry.Time.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list log: %w", err)
	}
	if len(entries) == 0 {
		if err := s.requireRun(ctx, runID); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (s *LogStore) requireRun(ctx context.Context, runID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM pipeline_runs WHERE run_id = $1`, runID).Scan(&one)
	return handleNotFound(err)
}
