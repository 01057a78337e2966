package runs

import (
	"context"
	"time"
)

// Repository port (interface untuk persistence)
type Repository interface {
	// CreateRun stores the run and all of its tasks in one transaction.
	CreateRun(ctx context.Context, run *Run, tasks []*Task) error
	GetRun(ctx context.Context, id RunID) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	Latest(ctx context.Context, projectID string, limit int) ([]*Run, error)

	ListTasks(ctx context.Context, runID RunID) ([]*Task, error)
	GetTask(ctx context.Context, id TaskID) (*Task, error)
	// UpdateTask persists t only if the stored status still equals expected,
	// otherwise it returns ErrStaleTask.
	UpdateTask(ctx context.Context, t *Task, expected TaskStatus) error
}

// TaskErrorRepository keeps non-terminal problems for diagnostics.
type TaskErrorRepository interface {
	Save(ctx context.Context, e *TaskError) error
	ListByRun(ctx context.Context, runID RunID, limit int) ([]*TaskError, error)
}

// ArtifactStore port (interface untuk penyimpanan artefak). Paths come from
// Locate; no locking is provided.
type ArtifactStore interface {
	Write(ctx context.Context, key ArtifactKey, filename string, data []byte) (string, error)
	Append(ctx context.Context, key ArtifactKey, filename string, data []byte) (string, error)
	Read(ctx context.Context, path string) ([]byte, error)
	ReadFrom(ctx context.Context, path string, offset int64) ([]byte, error)
	Size(ctx context.Context, path string) (int64, error)
	Exists(ctx context.Context, path string) (bool, error)
	DeleteAll(ctx context.Context, key ArtifactKey) error
}

// StartRequest untuk Driver.Start
type StartRequest struct {
	RunID       RunID
	TaskID      TaskID
	Target      Target
	Format      ReportFormat
	Metadata    TaskMetadata
	CallbackURL string
}

// Observation is one externally observed scan state.
type Observation struct {
	State    ExternalState
	Progress int
	Findings *SeverityCounts
	Error    string
}

// Report is a finished tool artifact.
type Report struct {
	Body   []byte
	Format ReportFormat
}

// Driver wraps one external tool's protocol.
type Driver interface {
	Kind() ToolKind
	// Start must be called at most once per task.
	Start(ctx context.Context, req StartRequest) (string, error)
	// Poll is non-blocking and idempotent.
	Poll(ctx context.Context, handle string) (Observation, error)
	FetchReport(ctx context.Context, handle string, format ReportFormat) (Report, error)
	// FetchFindings returns nil, nil when the tool has no structured findings.
	FetchFindings(ctx context.Context, handle string) ([]Finding, error)
}

// Drivers resolves the driver of a tool kind.
type Drivers interface {
	Driver(kind ToolKind) (Driver, bool)
}

// JobKind enum
type JobKind string

const (
	JobStart JobKind = "start"
	JobPoll  JobKind = "poll"
)

// Job is a background unit of work for one task.
type Job struct {
	ID      string  `json:"id"`
	Kind    JobKind `json:"kind"`
	RunID   RunID   `json:"run_id"`
	TaskID  TaskID  `json:"task_id"`
	Attempt int     `json:"attempt"`
}

// JobHandler processes one job; returned errors are logged by the queue.
type JobHandler func(ctx context.Context, job Job) error

// JobQueue port (interface untuk background jobs)
type JobQueue interface {
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
	// Consume blocks, dispatching jobs to h until ctx is done.
	Consume(ctx context.Context, h JobHandler) error
}
