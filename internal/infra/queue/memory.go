// Package queue runs background jobs: an in-process channel pool, a Redis
// list/sorted-set pair, or a RabbitMQ queue with a dead-letter delay queue.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

// Memory is a buffered channel feeding a fixed worker pool. Delayed jobs wait
// on timers; nothing survives a restart.
type Memory struct {
	jobs    chan domain.Job
	workers int
	log     *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func NewMemory(workers, buffer int, log *slog.Logger) *Memory {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Memory{
		jobs:    make(chan domain.Job, buffer),
		workers: workers,
		log:     log,
		stop:    make(chan struct{}),
	}
}

func (q *Memory) Enqueue(ctx context.Context, job domain.Job, delay time.Duration) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if delay <= 0 {
		select {
		case q.jobs <- job:
			return nil
		case <-q.stop:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	time.AfterFunc(delay, func() {
		select {
		case q.jobs <- job:
		case <-q.stop:
		}
	})
	return nil
}

// Consume starts the workers and blocks until ctx is done and every worker
// has finished its current job.
func (q *Memory) Consume(ctx context.Context, h domain.JobHandler) error {
	var wg sync.WaitGroup
	for w := 1; w <= q.workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.jobs:
					dispatch(ctx, q.log, id, job, h)
				}
			}
		}(w)
	}
	q.log.Info("job workers started", "backend", "memory", "workers", q.workers)
	wg.Wait()
	return nil
}

// Close drops pending delayed jobs.
func (q *Memory) Close() error {
	q.stopOnce.Do(func() { close(q.stop) })
	return nil
}
