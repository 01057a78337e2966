package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

type TaskErrorRepository struct {
	db *sql.DB
}

func NewTaskErrorRepository(db *sql.DB) *TaskErrorRepository { return &TaskErrorRepository{db: db} }

func (r *TaskErrorRepository) Save(ctx context.Context, e *domain.TaskError) error {
	const q = `
INSERT INTO task_errors
  (run_id, task_id, tool, phase, message, details_json, created_at)
VALUES (?,?,?,?,?,?,?)
`
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, q,
		stringOrDash(string(e.RunID)), stringOrDash(string(e.TaskID)), stringOrDash(string(e.Tool)),
		stringOrDash(string(e.Phase)), stringOrDash(e.Message), detailsOrEmpty(e.DetailsJSON), created,
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

func (r *TaskErrorRepository) ListByRun(ctx context.Context, runID domain.RunID, limit int) ([]*domain.TaskError, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, run_id, task_id, tool, phase, message, details_json, created_at
FROM task_errors
WHERE run_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.TaskError
	for rows.Next() {
		var e domain.TaskError
		if err := rows.Scan(&e.ID, &e.RunID, &e.TaskID, &e.Tool, &e.Phase, &e.Message, &e.DetailsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// detailsOrEmpty ensures valid json; if invalid, wrap as string field
func detailsOrEmpty(details string) string {
	if strings.TrimSpace(details) == "" {
		return "{}"
	}
	var js any
	if json.Unmarshal([]byte(details), &js) != nil {
		b, _ := json.Marshal(map[string]string{"raw": details})
		return string(b)
	}
	return details
}
