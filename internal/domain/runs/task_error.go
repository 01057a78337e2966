package runs

import "time"

// ErrorPhase is where a non-terminal task problem happened.
type ErrorPhase string

const (
	PhaseStart    ErrorPhase = "start"
	PhasePoll     ErrorPhase = "poll"
	PhaseArtifact ErrorPhase = "artifact"
)

// TaskError represents a persisted reconciler/job error entry
type TaskError struct {
	ID          int64      `json:"id"`
	RunID       RunID      `json:"run_id"`
	TaskID      TaskID     `json:"task_id"`
	Tool        ToolKind   `json:"tool,omitempty"`
	Phase       ErrorPhase `json:"phase"`
	Message     string     `json:"message"`
	DetailsJSON string     `json:"details_json,omitempty"` // raw JSON string
	CreatedAt   time.Time  `json:"created_at"`
}
