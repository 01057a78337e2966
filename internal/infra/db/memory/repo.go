// Package memory is an in-process repository for tests and local demos.
// Values are copied on the way in and out so callers never share state.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

type Repository struct {
	mu     sync.RWMutex
	runs   map[domain.RunID]*domain.Run
	tasks  map[domain.TaskID]*domain.Task
	errs   []*domain.TaskError
	nextID int64
}

func NewRepository() *Repository {
	return &Repository{
		runs:  map[domain.RunID]*domain.Run{},
		tasks: map[domain.TaskID]*domain.Task{},
	}
}

func cloneRun(r *domain.Run) *domain.Run {
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	m := &c.Metadata
	if m.Static != nil {
		v := *m.Static
		m.Static = &v
	}
	if m.Dynamic != nil {
		v := *m.Dynamic
		m.Dynamic = &v
	}
	if m.ZAP != nil {
		v := *m.ZAP
		m.ZAP = &v
	}
	return &c
}

func (r *Repository) CreateRun(ctx context.Context, run *domain.Run, tasks []*domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	for _, t := range tasks {
		if _, ok := r.tasks[t.ID]; ok {
			return fmt.Errorf("task %s already exists", t.ID)
		}
	}
	r.runs[run.ID] = cloneRun(run)
	for _, t := range tasks {
		r.tasks[t.ID] = cloneTask(t)
	}
	return nil
}

func (r *Repository) GetRun(ctx context.Context, id domain.RunID) (*domain.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	return cloneRun(run), nil
}

func (r *Repository) UpdateRun(ctx context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, run.ID)
	}
	r.runs[run.ID] = cloneRun(run)
	return nil
}

func (r *Repository) Latest(ctx context.Context, projectID string, limit int) ([]*domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Run
	for _, run := range r.runs {
		if run.ProjectID == projectID {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) ListTasks(ctx context.Context, runID domain.RunID) ([]*domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Task
	for _, t := range r.tasks {
		if t.RunID == runID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (r *Repository) GetTask(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return cloneTask(t), nil
}

func (r *Repository) UpdateTask(ctx context.Context, t *domain.Task, expected domain.TaskStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.tasks[t.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, t.ID)
	}
	if cur.Status != expected {
		return fmt.Errorf("%w: %s is %s, expected %s", domain.ErrStaleTask, t.ID, cur.Status, expected)
	}
	r.tasks[t.ID] = cloneTask(t)
	return nil
}

// Save implements domain.TaskErrorRepository.
func (r *Repository) Save(ctx context.Context, e *domain.TaskError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e.ID = r.nextID
	c := *e
	r.errs = append(r.errs, &c)
	return nil
}

// ListByRun returns newest first.
func (r *Repository) ListByRun(ctx context.Context, runID domain.RunID, limit int) ([]*domain.TaskError, error) {
	if limit <= 0 {
		limit = 20
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.TaskError
	for i := len(r.errs) - 1; i >= 0 && len(out) < limit; i-- {
		if r.errs[i].RunID == runID {
			c := *r.errs[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

// Ping satisfies the health checker.
func (r *Repository) Ping(ctx context.Context) error { return nil }
