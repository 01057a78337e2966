package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

type RunRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// CreateRun insert run + tasks dalam satu transaksi
func (r *RunRepository) CreateRun(ctx context.Context, run *domain.Run, tasks []*domain.Task) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create run: %w", err)
	}
	defer tx.Rollback()

	const qRun = `
INSERT INTO runs
(id, project_id, user_id, module, target_type, target, status, created_at, started_at, finished_at)
VALUES (?,?,?,?,?,?,?,?,?,?);
`
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx, qRun,
		run.ID, stringOrDash(run.ProjectID), stringOrDash(run.UserID), run.Module,
		run.Target.Type, run.Target.Value, run.Status, created,
		nullTime(run.StartedAt), nullTime(run.FinishedAt),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	const qTask = `
INSERT INTO tasks
(id, run_id, position, tool, status, progress, metadata_json, error, report_path, logs_path, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?);
`
	for _, t := range tasks {
		meta, err := t.Metadata.JSON()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, qTask,
			t.ID, t.RunID, t.Position, t.Tool, t.Status, t.Progress,
			meta, t.Error, t.ReportPath, t.LogsPath, t.UpdatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

const runColumns = `id, project_id, user_id, module, target_type, target, status, created_at, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*domain.Run, error) {
	var run domain.Run
	var started, finished sql.NullTime
	if err := s.Scan(
		&run.ID, &run.ProjectID, &run.UserID, &run.Module,
		&run.Target.Type, &run.Target.Value, &run.Status, &run.CreatedAt,
		&started, &finished,
	); err != nil {
		return nil, err
	}
	run.UserID = dashToEmpty(run.UserID)
	run.StartedAt = timePtr(started)
	run.FinishedAt = timePtr(finished)
	return &run, nil
}

func (r *RunRepository) GetRun(ctx context.Context, id domain.RunID) (*domain.Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs WHERE id=? LIMIT 1;`
	run, err := scanRun(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (r *RunRepository) UpdateRun(ctx context.Context, run *domain.Run) error {
	const q = `
UPDATE runs SET status=?, started_at=?, finished_at=?
WHERE id=?;
`
	res, err := r.db.ExecContext(ctx, q, run.Status, nullTime(run.StartedAt), nullTime(run.FinishedAt), run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, run.ID)
	}
	return nil
}

// Latest runs per project
func (r *RunRepository) Latest(ctx context.Context, projectID string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + runColumns + ` FROM runs WHERE project_id=? ORDER BY created_at DESC LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

const taskColumns = `id, run_id, position, tool, status, progress, metadata_json, error, report_path, logs_path, updated_at`

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var meta string
	if err := s.Scan(
		&t.ID, &t.RunID, &t.Position, &t.Tool, &t.Status, &t.Progress,
		&meta, &t.Error, &t.ReportPath, &t.LogsPath, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m, err := domain.ParseTaskMetadata(meta)
	if err != nil {
		return nil, err
	}
	t.Metadata = m
	return &t, nil
}

func (r *RunRepository) ListTasks(ctx context.Context, runID domain.RunID) ([]*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE run_id=? ORDER BY position ASC;`
	rows, err := r.db.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *RunRepository) GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id=? LIMIT 1;`
	t, err := scanTask(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// UpdateTask is a compare-and-set on status. The DSN sets clientFoundRows so
// RowsAffected counts matched rows, not changed ones.
func (r *RunRepository) UpdateTask(ctx context.Context, t *domain.Task, expected domain.TaskStatus) error {
	const q = `
UPDATE tasks
SET status=?, progress=?, metadata_json=?, error=?, report_path=?, logs_path=?, updated_at=?
WHERE id=? AND status=?;
`
	meta, err := t.Metadata.JSON()
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, q,
		t.Status, t.Progress, meta, t.Error, t.ReportPath, t.LogsPath, t.UpdatedAt.UTC(),
		t.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := r.GetTask(ctx, t.ID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s expected %s", domain.ErrStaleTask, t.ID, expected)
}
