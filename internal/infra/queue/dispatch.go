package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

// ErrClosed is returned when enqueueing onto a closed queue.
var ErrClosed = errors.New("queue closed")

// dispatch runs one job; a panicking handler does not take the worker down.
func dispatch(ctx context.Context, log *slog.Logger, worker int, job domain.Job, h domain.JobHandler) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", "worker", worker, "job", job.ID, "kind", job.Kind, "task", job.TaskID, "panic", r)
		}
	}()
	if err := h(ctx, job); err != nil {
		log.Warn("job failed", "worker", worker, "job", job.ID, "kind", job.Kind, "task", job.TaskID, "attempt", job.Attempt, "err", err)
		return
	}
	log.Debug("job done", "worker", worker, "job", job.ID, "kind", job.Kind, "task", job.TaskID, "duration", time.Since(start))
}
