package runs

import (
	"time"
)

// ID tipe untuk Run dan Task
type RunID string
type TaskID string

// ToolKind enum, satu driver per kind
type ToolKind string

const (
	ToolStaticScan  ToolKind = "static-scan"
	ToolDynamicScan ToolKind = "dynamic-scan"
	ToolZAPScan     ToolKind = "zap-scan"
)

// Module is the category of work requested for a Run.
type Module string

const (
	ModuleCodeSecurity    Module = "code-security"
	ModuleWebSecurity     Module = "web-security"
	ModuleWebSecurityFull Module = "web-security-full"
)

// moduleTools is the fixed, ordered set of tools each module fans out to.
var moduleTools = map[Module][]ToolKind{
	ModuleCodeSecurity:    {ToolStaticScan},
	ModuleWebSecurity:     {ToolDynamicScan},
	ModuleWebSecurityFull: {ToolDynamicScan, ToolZAPScan},
}

// ToolsFor returns the tool kinds of a module, or nil for an unknown module.
func ToolsFor(m Module) []ToolKind {
	tools, ok := moduleTools[m]
	if !ok {
		return nil
	}
	out := make([]ToolKind, len(tools))
	copy(out, tools)
	return out
}

// TargetType describes what Target.Value holds.
type TargetType string

const (
	TargetURL        TargetType = "url"
	TargetSourcePath TargetType = "source_path"
	TargetUpload     TargetType = "upload"
)

// Target value object
type Target struct {
	Type  TargetType `json:"type"`
	Value string     `json:"value"`
}

// RunStatus enum
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// TaskStatus enum
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ReportFormat is the output format requested from a tool.
type ReportFormat string

const (
	FormatJSON ReportFormat = "json"
	FormatHTML ReportFormat = "html"
	FormatPDF  ReportFormat = "pdf"
)

func (f ReportFormat) Valid() bool {
	return f == FormatJSON || f == FormatHTML || f == FormatPDF
}

// SeverityCounts value object
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
	Total    int `json:"total"`
}

// Aggregate Root: Run
type Run struct {
	ID         RunID      `json:"id"`
	ProjectID  string     `json:"project_id"`
	UserID     string     `json:"user_id,omitempty"`
	Module     Module     `json:"module"`
	Target     Target     `json:"target"`
	Status     RunStatus  `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// Task is one tool's execution within a Run.
type Task struct {
	ID         TaskID       `json:"id"`
	RunID      RunID        `json:"run_id"`
	Position   int          `json:"position"`
	Tool       ToolKind     `json:"tool"`
	Status     TaskStatus   `json:"status"`
	Progress   int          `json:"progress"`
	Metadata   TaskMetadata `json:"metadata"`
	Error      string       `json:"error,omitempty"`
	ReportPath string       `json:"report_path,omitempty"`
	LogsPath   string       `json:"logs_path,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// ArtifactKey scopes artifacts to exactly one Task.
func (t *Task) ArtifactKey() ArtifactKey {
	return ArtifactKey{RunID: t.RunID, Tool: t.Tool}
}

// HasHandle reports whether the external scan was started.
func (t *Task) HasHandle() bool {
	return t.Metadata.ExternalScanID != ""
}
