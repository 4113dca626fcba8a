package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/animus-labs/runengine/internal/domain"
	"github.com/animus-labs/runengine/internal/repo"
)

const runColumns = `run_id, project_id, pipeline_name, description, status, current_step_index, current_step,
	reason, stop_requested, created_at, started_at, ended_at`

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pipeline_runs (`+runColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.ProjectID),
		strings.TrimSpace(run.PipelineName),
		strings.TrimSpace(run.Description),
		string(run.Status),
		run.CurrentStepIndex,
		domain.TruncateStep(run.CurrentStep),
		run.Reason,
		run.StopRequested,
		normalizeTime(run.CreatedAt),
		nullTime(run.StartedAt),
		nullTime(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id, err := requireID(id)
	if err != nil {
		return domain.Run{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE run_id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)

	if projectID := strings.TrimSpace(filter.ProjectID); projectID != "" {
		args = append(args, projectID)
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.CreatedBefore != nil {
		args = append(args, filter.CreatedBefore.UTC())
		clauses = append(clauses, fmt.Sprintf("created_at < $%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM pipeline_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, run_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func (s *RunStore) DeleteRun(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id, err := requireID(id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_runs WHERE run_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return expectOneRow(res, "delete run", repo.ErrNotFound)
}

func (s *RunStore) UpdateStatus(ctx context.Context, id string, from domain.RunStatus, update repo.RunUpdate) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id, err := requireID(id)
	if err != nil {
		return err
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_runs SET
			status = $1,
			current_step_index = GREATEST(current_step_index, $2),
			reason = CASE WHEN $3::text = '' THEN reason ELSE $3::text END,
			started_at = COALESCE($4::timestamptz, started_at),
			ended_at = COALESCE($5::timestamptz, ended_at)
		 WHERE run_id = $6 AND status = $7`,
		string(update.Status),
		update.CurrentStepIndex,
		update.Reason,
		nullTime(update.StartedAt),
		nullTime(update.EndedAt),
		id,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if err := expectOneRow(res, "update run status", repo.ErrConflict); err != nil {
		return s.notFoundOr(ctx, id, err)
	}
	return nil
}

func (s *RunStore) UpdateCursor(ctx context.Context, id string, index int, step string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id, err := requireID(id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_runs SET current_step_index = $1, current_step = $2
		 WHERE run_id = $3 AND status = 'running' AND current_step_index <= $1`,
		index,
		domain.TruncateStep(step),
		id,
	)
	if err != nil {
		return fmt.Errorf("update run cursor: %w", err)
	}
	if err := expectOneRow(res, "update run cursor", repo.ErrConflict); err != nil {
		return s.notFoundOr(ctx, id, err)
	}
	return nil
}

func (s *RunStore) SetStopRequested(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id, err := requireID(id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE pipeline_runs SET stop_requested = TRUE WHERE run_id = $1`, id)
	if err != nil {
		return fmt.Errorf("request stop: %w", err)
	}
	return expectOneRow(res, "request stop", repo.ErrNotFound)
}

// notFoundOr distinguishes a missing run from a failed precondition.
func (s *RunStore) notFoundOr(ctx context.Context, id string, err error) error {
	var exists bool
	if qerr := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pipeline_runs WHERE run_id = $1)`, id).Scan(&exists); qerr != nil {
		return fmt.Errorf("check run: %w", qerr)
	}
	if !exists {
		return repo.ErrNotFound
	}
	return err
}

func expectOneRow(res sql.Result, op string, none error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows == 0 {
		return none
	}
	return nil
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var status string
	var startedAt sql.NullTime
	var endedAt sql.NullTime
	if err := row.Scan(
		&run.ID,
		&run.ProjectID,
		&run.PipelineName,
		&run.Description,
		&status,
		&run.CurrentStepIndex,
		&run.CurrentStep,
		&run.Reason,
		&run.StopRequested,
		&run.CreatedAt,
		&startedAt,
		&endedAt,
	); err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.NormalizeRunStatus(status)
	run.CreatedAt = run.CreatedAt.UTC()
	run.StartedAt = timePtr(startedAt)
	run.EndedAt = timePtr(endedAt)
	return run, nil
}
