package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

type TaskErrorRepository struct{ db *sql.DB }

func NewTaskErrorRepository(db *sql.DB) *TaskErrorRepository { return &TaskErrorRepository{db: db} }

func (r *TaskErrorRepository) Save(ctx context.Context, e *domain.TaskError) error {
	const q = `
INSERT INTO task_errors
  (run_id, task_id, tool, phase, message, details_json, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id;`
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	details := e.DetailsJSON
	if strings.TrimSpace(details) == "" {
		details = "{}"
	} else if json.Unmarshal([]byte(details), new(any)) != nil {
		b, _ := json.Marshal(map[string]string{"raw": details})
		details = string(b)
	}
	return r.db.QueryRowContext(ctx, q,
		stringOrDash(string(e.RunID)), stringOrDash(string(e.TaskID)), stringOrDash(string(e.Tool)),
		stringOrDash(string(e.Phase)), stringOrDash(e.Message), details, created,
	).Scan(&e.ID)
}

func (r *TaskErrorRepository) ListByRun(ctx context.Context, runID domain.RunID, limit int) ([]*domain.TaskError, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
SELECT id, run_id, task_id, tool, phase, message, details_json, created_at
FROM task_errors
WHERE run_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2;`
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
