package runs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bryanwahyu/automaton-dashboard/internal/application"
	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

// EventKind names a stream event on the wire.
type EventKind string

const (
	EventSnapshot  EventKind = "snapshot"
	EventLog       EventKind = "log"
	EventStatus    EventKind = "status"
	EventHeartbeat EventKind = "heartbeat"
	EventDone      EventKind = "done"
)

// Done reasons.
const (
	DoneRunCompleted = "run_completed"
	DoneMaxDuration  = "max_duration_reached"
)

// Event is one typed stream message; Data is one of the *Event payloads.
type Event struct {
	Kind EventKind
	Data any
}

type RunSummary struct {
	ID         domain.RunID     `json:"id"`
	Module     domain.Module    `json:"module"`
	Status     domain.RunStatus `json:"status"`
	Target     domain.Target    `json:"target"`
	StartedAt  *time.Time       `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at"`
}

type TaskSummary struct {
	ID       domain.TaskID     `json:"id"`
	Tool     domain.ToolKind   `json:"tool"`
	Status   domain.TaskStatus `json:"status"`
	Progress int               `json:"progress"`
}

type SnapshotEvent struct {
	Run   RunSummary    `json:"run"`
	Tasks []TaskSummary `json:"tasks"`
}

type LogEvent struct {
	Type      string          `json:"type"`
	RunID     domain.RunID    `json:"run_id"`
	TaskID    domain.TaskID   `json:"task_id"`
	Tool      domain.ToolKind `json:"tool"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
}

type StatusEvent struct {
	Entity     string     `json:"entity"`
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Progress   *int       `json:"progress,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type HeartbeatEvent struct {
	Time time.Time `json:"time"`
}

type DoneEvent struct {
	Reason     string           `json:"reason"`
	Status     domain.RunStatus `json:"status,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// StreamConfig bounds one stream session.
type StreamConfig struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxDuration       time.Duration
}

// Streamer pushes one run's logs and status changes to one client. Each
// Stream call keeps its own offsets; nothing is shared between streams.
type Streamer struct {
	Repo      domain.Repository
	Artifacts domain.ArtifactStore
	Clock     application.Clock
	Log       *slog.Logger
	Config    StreamConfig
}

type taskState struct {
	status   domain.TaskStatus
	progress int
}

// session is the per-stream mutable state.
type session struct {
	s       *Streamer
	out     chan<- Event
	offsets map[domain.TaskID]int64
	tasks   map[domain.TaskID]taskState
	run     domain.RunStatus
}

// Stream blocks until the run is terminal, the session hits MaxDuration or
// ctx is cancelled (client gone). It does not close out.
func (s *Streamer) Stream(ctx context.Context, project string, runID domain.RunID, out chan<- Event) error {
	clock := s.Clock
	if clock == nil {
		clock = application.SystemClock{}
	}
	cfg := s.Config
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = time.Hour
	}

	run, tasks, err := s.load(ctx, project, runID)
	if err != nil {
		return err
	}
	ss := &session{
		s:       s,
		out:     out,
		offsets: make(map[domain.TaskID]int64, len(tasks)),
		tasks:   make(map[domain.TaskID]taskState, len(tasks)),
		run:     run.Status,
	}

	snap := SnapshotEvent{Run: summarize(run), Tasks: make([]TaskSummary, 0, len(tasks))}
	for _, t := range tasks {
		snap.Tasks = append(snap.Tasks, TaskSummary{ID: t.ID, Tool: t.Tool, Status: t.Status, Progress: t.Progress})
		ss.tasks[t.ID] = taskState{status: t.Status, progress: t.Progress}
	}
	if err := ss.send(ctx, EventSnapshot, snap); err != nil {
		return err
	}

	// replay: everything currently in the logs
	for _, t := range tasks {
		if _, err := ss.tail(ctx, t, clock.Now()); err != nil {
			return err
		}
	}

	deadline := clock.Now().Add(cfg.MaxDuration)
	lastEvent := clock.Now()
	for {
		now := clock.Now()
		activity := false
		for _, t := range tasks {
			n, err := ss.tail(ctx, t, now)
			if err != nil {
				return err
			}
			activity = activity || n > 0
		}

		changed, err := ss.diff(ctx, run, tasks)
		if err != nil {
			return err
		}
		activity = activity || changed

		if run.Status.Terminal() {
			return ss.send(ctx, EventDone, DoneEvent{Reason: DoneRunCompleted, Status: run.Status, FinishedAt: run.FinishedAt})
		}
		if activity {
			lastEvent = now
		} else if now.Sub(lastEvent) >= cfg.HeartbeatInterval {
			if err := ss.send(ctx, EventHeartbeat, HeartbeatEvent{Time: now.UTC()}); err != nil {
				return err
			}
			lastEvent = now
		}
		if !now.Before(deadline) {
			return ss.send(ctx, EventDone, DoneEvent{Reason: DoneMaxDuration})
		}

		if err := sleepCtx(ctx, cfg.PollInterval); err != nil {
			return err
		}
		if run, tasks, err = s.load(ctx, project, runID); err != nil {
			return err
		}
	}
}

func (s *Streamer) load(ctx context.Context, project string, id domain.RunID) (*domain.Run, []*domain.Task, error) {
	run, err := s.Repo.GetRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if project != "" && run.ProjectID != project {
		return nil, nil, domain.ErrRunNotFound
	}
	tasks, err := s.Repo.ListTasks(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return run, tasks, nil
}

func summarize(run *domain.Run) RunSummary {
	return RunSummary{
		ID:         run.ID,
		Module:     run.Module,
		Status:     run.Status,
		Target:     run.Target,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
}

func (ss *session) send(ctx context.Context, kind EventKind, data any) error {
	select {
	case ss.out <- Event{Kind: kind, Data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tail emits the complete lines after the task's offset. A trailing partial
// line stays unread until its newline arrives; a shrunk file restarts at 0.
func (ss *session) tail(ctx context.Context, t *domain.Task, now time.Time) (int, error) {
	p := domain.Locate(t.ArtifactKey(), domain.FileExecLog)
	size, err := ss.s.Artifacts.Size(ctx, p)
	if errors.Is(err, domain.ErrArtifactNotFound) {
		return 0, nil
	}
	if err != nil {
		ss.s.logger().Warn("stream log stat", "task", t.ID, "err", err)
		return 0, nil
	}
	off := ss.offsets[t.ID]
	if size < off {
		off = 0
	}
	if size == off {
		ss.offsets[t.ID] = off
		return 0, nil
	}
	chunk, err := ss.s.Artifacts.ReadFrom(ctx, p, off)
	if err != nil {
		ss.s.logger().Warn("stream log read", "task", t.ID, "err", err)
		return 0, nil
	}
	lines, consumed := domain.SplitCompleteLines(chunk)
	ss.offsets[t.ID] = off + int64(consumed)
	for _, l := range lines {
		ll := domain.ParseLogLine(l, now)
		ev := LogEvent{
			Type:      "log",
			RunID:     t.RunID,
			TaskID:    t.ID,
			Tool:      t.Tool,
			Timestamp: ll.Timestamp.UTC(),
			Level:     ll.Level,
			Message:   ll.Message,
		}
		if err := ss.send(ctx, EventLog, ev); err != nil {
			return 0, err
		}
	}
	return len(lines), nil
}

// diff emits status events for tasks and the run that changed since the
// last emitted value.
func (ss *session) diff(ctx context.Context, run *domain.Run, tasks []*domain.Task) (bool, error) {
	changed := false
	for _, t := range tasks {
		cur := taskState{status: t.Status, progress: t.Progress}
		if prev, ok := ss.tasks[t.ID]; ok && prev == cur {
			continue
		}
		ss.tasks[t.ID] = cur
		progress := t.Progress
		if err := ss.send(ctx, EventStatus, StatusEvent{Entity: "task", ID: string(t.ID), Status: string(t.Status), Progress: &progress}); err != nil {
			return changed, err
		}
		changed = true
	}
	if run.Status != ss.run {
		ss.run = run.Status
		ev := StatusEvent{Entity: "run", ID: string(run.ID), Status: string(run.Status), StartedAt: run.StartedAt, FinishedAt: run.FinishedAt}
		if err := ss.send(ctx, EventStatus, ev); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

func (s *Streamer) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
