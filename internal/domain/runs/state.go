package runs

import (
	"fmt"
	"strings"
	"time"
)

var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskPending: {
		TaskRunning: {},
		TaskFailed:  {},
	},
	TaskRunning: {
		TaskCompleted: {},
		TaskFailed:    {},
	},
	TaskCompleted: {},
	TaskFailed:    {},
}

func ValidateTaskStatus(s TaskStatus) error {
	if _, ok := allowedTaskTransitions[s]; !ok {
		return fmt.Errorf("invalid task status: %q", s)
	}
	return nil
}

// ValidateTransition rejects anything that moves a task backwards or out of
// a terminal state.
func ValidateTransition(from, to TaskStatus) error {
	if err := ValidateTaskStatus(from); err != nil {
		return err
	}
	if err := ValidateTaskStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTaskTransitions[from][to]; !ok {
		return fmt.Errorf("invalid task transition: %s -> %s", from, to)
	}
	return nil
}

// ExternalState is the tool-reported scan state vocabulary.
type ExternalState string

const (
	ExternalPending   ExternalState = "pending"
	ExternalRunning   ExternalState = "running"
	ExternalCompleted ExternalState = "completed"
	ExternalFailed    ExternalState = "failed"
	ExternalNotFound  ExternalState = "not_found"
)

// ParseExternalState normalizes a raw tool status; anything unknown is failed.
func ParseExternalState(raw string) ExternalState {
	switch ExternalState(strings.ToLower(strings.TrimSpace(raw))) {
	case ExternalPending, "queued":
		return ExternalPending
	case ExternalRunning:
		return ExternalRunning
	case ExternalCompleted:
		return ExternalCompleted
	case ExternalNotFound:
		return ExternalNotFound
	default:
		return ExternalFailed
	}
}

// TaskStatus maps the external state onto the internal task status.
func (s ExternalState) TaskStatus() TaskStatus {
	switch s {
	case ExternalPending:
		return TaskPending
	case ExternalRunning:
		return TaskRunning
	case ExternalCompleted:
		return TaskCompleted
	default:
		return TaskFailed
	}
}

// AggregateStatus computes the run status implied by its tasks. A terminal
// run (including cancelled) never changes. started toggles once any task has
// left pending.
func AggregateStatus(current RunStatus, tasks []*Task) (status RunStatus, started bool) {
	if current.Terminal() {
		return current, false
	}
	if len(tasks) == 0 {
		return RunCompleted, false
	}
	allTerminal := true
	anyFailed := false
	for _, t := range tasks {
		if t.Status != TaskPending {
			started = true
		}
		if !t.Status.Terminal() {
			allTerminal = false
		}
		if t.Status == TaskFailed {
			anyFailed = true
		}
	}
	switch {
	case allTerminal && anyFailed:
		return RunFailed, started
	case allTerminal:
		return RunCompleted, started
	case started:
		return RunRunning, started
	default:
		return RunPending, started
	}
}

// ApplyAggregate updates run in place and reports whether anything changed.
func ApplyAggregate(run *Run, tasks []*Task, now time.Time) bool {
	if run.Status.Terminal() {
		return false
	}
	next, started := AggregateStatus(run.Status, tasks)
	changed := false
	if started && run.StartedAt == nil {
		t := now
		run.StartedAt = &t
		changed = true
	}
	if next != run.Status {
		run.Status = next
		changed = true
	}
	if run.Status.Terminal() && run.FinishedAt == nil {
		t := now
		run.FinishedAt = &t
		changed = true
	}
	return changed
}
