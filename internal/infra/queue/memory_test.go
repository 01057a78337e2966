package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryDeliversImmediateAndDelayed(t *testing.T) {
	t.Parallel()

	q := NewMemory(2, 10, quietLogger())
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	got := map[domain.TaskID]domain.JobKind{}
	done := make(chan struct{}, 2)
	go q.Consume(ctx, func(ctx context.Context, job domain.Job) error {
		mu.Lock()
		got[job.TaskID] = job.Kind
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	if err := q.Enqueue(ctx, domain.Job{Kind: domain.JobStart, TaskID: "a"}, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, domain.Job{Kind: domain.JobPoll, TaskID: "b"}, 20*time.Millisecond); err != nil {
		t.Fatalf("Enqueue delayed: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for job %d", i)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if got["a"] != domain.JobStart || got["b"] != domain.JobPoll {
		t.Fatalf("got = %v", got)
	}
}

func TestMemoryHandlerErrorsAndPanicsKeepWorkerAlive(t *testing.T) {
	t.Parallel()

	q := NewMemory(1, 10, quietLogger())
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan domain.TaskID, 3)
	go q.Consume(ctx, func(ctx context.Context, job domain.Job) error {
		seen <- job.TaskID
		switch job.TaskID {
		case "err":
			return errors.New("boom")
		case "panic":
			panic("boom")
		}
		return nil
	})

	for _, id := range []domain.TaskID{"err", "panic", "ok"} {
		if err := q.Enqueue(ctx, domain.Job{Kind: domain.JobPoll, TaskID: id}, 0); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	for _, want := range []domain.TaskID{"err", "panic", "ok"} {
		select {
		case id := <-seen:
			if id != want {
				t.Fatalf("order: got %s want %s", id, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("worker stalled before %s", want)
		}
	}
}

func TestMemoryEnqueueAfterClose(t *testing.T) {
	t.Parallel()

	q := NewMemory(1, 1, quietLogger())
	_ = q.Enqueue(context.Background(), domain.Job{TaskID: "fill"}, 0)
	q.Close()
	if err := q.Enqueue(context.Background(), domain.Job{TaskID: "x"}, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestMemoryConsumeReturnsOnCancel(t *testing.T) {
	t.Parallel()

	q := NewMemory(3, 1, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	go func() {
		_ = q.Consume(ctx, func(context.Context, domain.Job) error { return nil })
		close(returned)
	}()
	cancel()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatalf("Consume did not return after cancel")
	}
}
