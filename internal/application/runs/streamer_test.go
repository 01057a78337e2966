package runs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for stream event")
		return Event{}
	}
}

func (h *harness) streamer(cfg StreamConfig) *Streamer {
	return &Streamer{Repo: h.repo, Artifacts: h.store, Log: quietLogger(), Config: cfg}
}

func TestStreamReplaysThenTails(t *testing.T) {
	t.Parallel()

	d := &fakeDriver{
		kind:   domain.ToolDynamicScan,
		handle: "ext-1",
		polls:  []domain.Observation{{State: domain.ExternalCompleted}},
		report: domain.Report{Body: []byte("<html>OK</html>"), Format: domain.FormatHTML},
	}
	h := newHarness(t, d)
	view := h.createWeb(t)
	h.runNext(t) // start: two log lines
	task := view.Tasks[0]
	key := task.ArtifactKey()
	if _, err := h.store.Append(context.Background(), key, domain.FileExecLog, []byte("[2026-01-01T00:00:00Z] INFO: half")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Event, 64)
	errc := make(chan error, 1)
	s := h.streamer(StreamConfig{PollInterval: 10 * time.Millisecond, HeartbeatInterval: time.Hour, MaxDuration: 10 * time.Second})
	go func() { errc <- s.Stream(ctx, "proj-1", view.Run.ID, out) }()

	ev := nextEvent(t, out)
	snap, ok := ev.Data.(SnapshotEvent)
	if ev.Kind != EventSnapshot || !ok {
		t.Fatalf("first event = %+v", ev)
	}
	if snap.Run.ID != view.Run.ID || len(snap.Tasks) != 1 || snap.Tasks[0].Status != domain.TaskPending {
		t.Fatalf("snapshot = %+v", snap)
	}

	for _, want := range []string{"starting dynamic-scan scan", "scan started (scan id ext-1)"} {
		ev := nextEvent(t, out)
		le, ok := ev.Data.(LogEvent)
		if ev.Kind != EventLog || !ok || !strings.Contains(le.Message, want) {
			t.Fatalf("replay event = %+v, want %q", ev, want)
		}
		if le.Type != "log" || le.TaskID != task.ID || le.Tool != domain.ToolDynamicScan || le.Level != "info" {
			t.Fatalf("log event = %+v", le)
		}
	}

	// the partial line is only delivered once it is terminated
	time.Sleep(30 * time.Millisecond)
	if _, err := h.store.Append(context.Background(), key, domain.FileExecLog, []byte("way\n")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	ev = nextEvent(t, out)
	le, ok := ev.Data.(LogEvent)
	if ev.Kind != EventLog || !ok || le.Message != "halfway" {
		t.Fatalf("tailed event = %+v", ev)
	}
	if !le.Timestamp.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %s", le.Timestamp)
	}

	h.runNext(t) // poll: completes the task and the run

	var sawCompletedLog, sawTask, sawRun bool
	for {
		ev := nextEvent(t, out)
		switch data := ev.Data.(type) {
		case LogEvent:
			if strings.Contains(data.Message, "scan completed") {
				sawCompletedLog = true
			}
		case StatusEvent:
			if data.Entity == "task" && data.Status == string(domain.TaskCompleted) {
				sawTask = true
				if data.Progress == nil || *data.Progress != 100 {
					t.Fatalf("task status event = %+v", data)
				}
			}
			if data.Entity == "run" && data.Status == string(domain.RunCompleted) {
				sawRun = true
				if data.FinishedAt == nil {
					t.Fatalf("run status event without finished_at")
				}
			}
		case DoneEvent:
			if data.Reason != DoneRunCompleted || data.Status != domain.RunCompleted {
				t.Fatalf("done = %+v", data)
			}
			if !sawCompletedLog || !sawTask || !sawRun {
				t.Fatalf("done before log=%v task=%v run=%v", sawCompletedLog, sawTask, sawRun)
			}
			if err := <-errc; err != nil {
				t.Fatalf("Stream: %v", err)
			}
			return
		}
	}
}

func TestStreamHeartbeatAndMaxDuration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeDriver{kind: domain.ToolDynamicScan, handle: "ext-1"})
	view := h.createWeb(t)

	out := make(chan Event, 256)
	s := h.streamer(StreamConfig{PollInterval: 5 * time.Millisecond, HeartbeatInterval: 20 * time.Millisecond, MaxDuration: 150 * time.Millisecond})
	if err := s.Stream(context.Background(), "proj-1", view.Run.ID, out); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	close(out)

	var kinds []EventKind
	var last Event
	for ev := range out {
		kinds = append(kinds, ev.Kind)
		last = ev
	}
	if kinds[0] != EventSnapshot {
		t.Fatalf("first = %s", kinds[0])
	}
	heartbeats := 0
	for _, k := range kinds {
		if k == EventHeartbeat {
			heartbeats++
		}
		if k == EventLog {
			t.Fatalf("unexpected log event in idle stream")
		}
	}
	if heartbeats == 0 {
		t.Fatalf("no heartbeat in %v", kinds)
	}
	done, ok := last.Data.(DoneEvent)
	if last.Kind != EventDone || !ok || done.Reason != DoneMaxDuration {
		t.Fatalf("last = %+v", last)
	}
}

func TestStreamUnknownOrForeignRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeDriver{kind: domain.ToolDynamicScan})
	view := h.createWeb(t)
	s := h.streamer(StreamConfig{})
	out := make(chan Event, 1)

	if err := s.Stream(context.Background(), "proj-1", "nope", out); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("unknown run: %v", err)
	}
	if err := s.Stream(context.Background(), "other", view.Run.ID, out); !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("foreign run: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("events sent for a rejected stream")
	}
}

func TestStreamStopsWhenClientLeaves(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeDriver{kind: domain.ToolDynamicScan})
	view := h.createWeb(t)
	s := h.streamer(StreamConfig{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Event) // unbuffered: nobody reads after the snapshot
	errc := make(chan error, 1)
	go func() { errc <- s.Stream(ctx, "proj-1", view.Run.ID, out) }()
	<-out
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Stream did not return after cancel")
	}
}

// cancelHookRepo calls onCancel right after the run row is written cancelled.
type cancelHookRepo struct {
	domain.Repository
	onCancel func()
}

func (r *cancelHookRepo) UpdateRun(ctx context.Context, run *domain.Run) error {
	if err := r.Repository.UpdateRun(ctx, run); err != nil {
		return err
	}
	if run.Status == domain.RunCancelled && r.onCancel != nil {
		r.onCancel()
	}
	return nil
}

func TestStreamAtCancelSeesFailedTasks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeDriver{kind: domain.ToolDynamicScan, handle: "ext-1"})
	view := h.createWeb(t)
	h.runNext(t) // start

	var events []Event
	repo := &cancelHookRepo{Repository: h.repo}
	repo.onCancel = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		out := make(chan Event, 64)
		s := h.streamer(StreamConfig{PollInterval: 5 * time.Millisecond, HeartbeatInterval: time.Hour, MaxDuration: time.Second})
		if err := s.Stream(ctx, "proj-1", view.Run.ID, out); err != nil {
			t.Errorf("Stream: %v", err)
		}
		close(out)
		for ev := range out {
			events = append(events, ev)
		}
	}
	svc := NewService(Deps{
		Repo:      repo,
		Errors:    h.repo,
		Artifacts: h.store,
		Drivers:   fakeDrivers{domain.ToolDynamicScan: h.driver},
		Queue:     h.queue,
		Log:       quietLogger(),
	})
	if _, err := svc.Cancel(context.Background(), "proj-1", view.Run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if len(events) < 2 {
		t.Fatalf("events = %+v", events)
	}
	snap, ok := events[0].Data.(SnapshotEvent)
	if !ok || snap.Run.Status != domain.RunCancelled {
		t.Fatalf("snapshot = %+v", events[0])
	}
	for _, ts := range snap.Tasks {
		if ts.Status != domain.TaskFailed {
			t.Fatalf("task %s is %s once the run is cancelled", ts.ID, ts.Status)
		}
	}
	sawCancelLog := false
	for _, ev := range events[1 : len(events)-1] {
		if le, ok := ev.Data.(LogEvent); ok && le.Message == "run cancelled" && le.Level == "error" {
			sawCancelLog = true
		}
	}
	if !sawCancelLog {
		t.Fatalf("no cancel log line before done: %+v", events)
	}
	done, ok := events[len(events)-1].Data.(DoneEvent)
	if !ok || done.Reason != DoneRunCompleted || done.Status != domain.RunCancelled {
		t.Fatalf("last event = %+v", events[len(events)-1])
	}
}
