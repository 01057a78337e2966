package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bryanwahyu/automaton-dashboard/internal/application"
	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

// JobPolicy bounds the background start/poll jobs.
type JobPolicy struct {
	MaxStartAttempts int
	StartBackoff     time.Duration
	PollInterval     time.Duration
	MaxPollAttempts  int
}

// Deps are the ports a Service is built from.
type Deps struct {
	Repo      domain.Repository
	Errors    domain.TaskErrorRepository
	Artifacts domain.ArtifactStore
	Drivers   domain.Drivers
	Queue     domain.JobQueue
	Clock     application.Clock
	Log       *slog.Logger
	Metrics   Metrics
	Jobs      JobPolicy
	// CallbackURL returns the push endpoint for a task; nil disables callbacks.
	CallbackURL func(domain.TaskID) string
}

// Service implements the run orchestration use-cases. Safe for concurrent use.
type Service struct {
	repo      domain.Repository
	errs      domain.TaskErrorRepository
	artifacts domain.ArtifactStore
	drivers   domain.Drivers
	queue     domain.JobQueue
	clock     application.Clock
	log       *slog.Logger
	metrics   Metrics
	jobs      JobPolicy
	callback  func(domain.TaskID) string

	rec *Reconciler
}

func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = application.SystemClock{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Jobs.MaxStartAttempts <= 0 {
		d.Jobs.MaxStartAttempts = 1
	}
	if d.Jobs.MaxPollAttempts <= 0 {
		d.Jobs.MaxPollAttempts = 1
	}
	s := &Service{
		repo:      d.Repo,
		errs:      d.Errors,
		artifacts: d.Artifacts,
		drivers:   d.Drivers,
		queue:     d.Queue,
		clock:     d.Clock,
		log:       d.Log,
		metrics:   d.Metrics,
		jobs:      d.Jobs,
		callback:  d.CallbackURL,
	}
	s.rec = &Reconciler{
		Repo:      d.Repo,
		Errors:    d.Errors,
		Artifacts: d.Artifacts,
		Drivers:   d.Drivers,
		Clock:     d.Clock,
		Log:       d.Log,
		Metrics:   d.Metrics,
		Runs:      s,
	}
	return s
}

// Reconciler exposes the service's reconciler (wired back to RecomputeStatus).
func (s *Service) Reconciler() *Reconciler { return s.rec }

//
// ==== USE CASES ====
//

// CreateRunCommand is the input of Create.
type CreateRunCommand struct {
	ProjectID string
	UserID    string
	Module    domain.Module
	Target    domain.Target
	Format    domain.ReportFormat
}

// RunView is a run with its ordered tasks.
type RunView struct {
	Run   *domain.Run    `json:"run"`
	Tasks []*domain.Task `json:"tasks"`
}

// Validate checks a command before anything is persisted.
func (c *CreateRunCommand) Validate() error {
	v := &domain.ValidationError{}
	if strings.TrimSpace(c.ProjectID) == "" {
		v.Add("project_id", "required")
	}
	if c.Format == "" {
		c.Format = domain.FormatJSON
	}
	if !c.Format.Valid() {
		v.Add("format", fmt.Sprintf("unsupported format %q (json, html, pdf)", c.Format))
	}

	tools := domain.ToolsFor(c.Module)
	if tools == nil {
		v.Add("module", fmt.Sprintf("unknown module %q", c.Module))
	}
	c.Target.Value = strings.TrimSpace(c.Target.Value)
	if c.Target.Value == "" {
		v.Add("target.value", "required")
	}

	switch c.Target.Type {
	case domain.TargetURL:
		if c.Module == domain.ModuleCodeSecurity {
			v.Add("target.type", "code-security needs a source_path or upload target")
		}
		if c.Target.Value != "" {
			if u, err := url.Parse(c.Target.Value); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				v.Add("target.value", "must be an absolute http(s) url")
			}
		}
	case domain.TargetSourcePath, domain.TargetUpload:
		if tools != nil && c.Module != domain.ModuleCodeSecurity {
			v.Add("target.type", fmt.Sprintf("%s needs a url target", c.Module))
		}
	default:
		v.Add("target.type", fmt.Sprintf("unknown target type %q", c.Target.Type))
	}
	return v.OrNil()
}

// Create stores a pending run with one pending task per module tool and
// enqueues a start job per task. Nothing is started inline.
func (s *Service) Create(ctx context.Context, cmd CreateRunCommand) (*RunView, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	run := &domain.Run{
		ID:        domain.RunID(uuid.NewString()),
		ProjectID: cmd.ProjectID,
		UserID:    cmd.UserID,
		Module:    cmd.Module,
		Target:    cmd.Target,
		Status:    domain.RunPending,
		CreatedAt: now,
	}
	tools := domain.ToolsFor(cmd.Module)
	tasks := make([]*domain.Task, 0, len(tools))
	for i, tool := range tools {
		meta, err := domain.NewTaskMetadata(tool, cmd.Target, cmd.Format)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, &domain.Task{
			ID:        domain.TaskID(uuid.NewString()),
			RunID:     run.ID,
			Position:  i,
			Tool:      tool,
			Status:    domain.TaskPending,
			Metadata:  meta,
			UpdatedAt: now,
		})
	}
	if err := s.repo.CreateRun(ctx, run, tasks); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	s.metrics.RunCreated(run.Module)
	s.log.Info("run created", "run", run.ID, "project", run.ProjectID, "module", run.Module, "tasks", len(tasks))

	for _, t := range tasks {
		job := domain.Job{Kind: domain.JobStart, RunID: run.ID, TaskID: t.ID}
		if err := s.queue.Enqueue(ctx, job, 0); err != nil {
			s.rec.record(ctx, t, domain.PhaseStart, err)
			if _, ferr := s.rec.Fail(ctx, t, "could not schedule scan start: "+err.Error()); ferr != nil {
				s.log.Error("fail unscheduled task", "task", t.ID, "err", ferr)
			}
		}
	}
	if updated, err := s.RecomputeStatus(ctx, run.ID); err == nil {
		run = updated
	}
	return &RunView{Run: run, Tasks: tasks}, nil
}

// load fetches a run scoped to project; an empty project skips the check.
func (s *Service) load(ctx context.Context, project string, id domain.RunID) (*domain.Run, []*domain.Task, error) {
	run, err := s.repo.GetRun(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if project != "" && run.ProjectID != project {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	tasks, err := s.repo.ListTasks(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return run, tasks, nil
}

func (s *Service) Get(ctx context.Context, project string, id domain.RunID) (*RunView, error) {
	run, tasks, err := s.load(ctx, project, id)
	if err != nil {
		return nil, err
	}
	return &RunView{Run: run, Tasks: tasks}, nil
}

func (s *Service) List(ctx context.Context, project string, limit int) ([]*domain.Run, error) {
	return s.repo.Latest(ctx, project, limit)
}

// Cancel force-fails every non-terminal task, then marks the run cancelled.
// Tasks go first so a stream never sees a terminal run with live tasks.
// External scans keep running; they are just no longer polled.
func (s *Service) Cancel(ctx context.Context, project string, id domain.RunID) (*RunView, error) {
	run, tasks, err := s.load(ctx, project, id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return &RunView{Run: run, Tasks: tasks}, nil
	}

	for _, t := range tasks {
		if err := s.forceFail(ctx, t, "run cancelled"); err != nil {
			return nil, err
		}
	}
	now := s.clock.Now().UTC()
	run.Status = domain.RunCancelled
	run.FinishedAt = &now
	if err := s.repo.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("cancel run: %w", err)
	}
	s.metrics.RunCancelled()
	s.log.Info("run cancelled", "run", run.ID)
	return &RunView{Run: run, Tasks: tasks}, nil
}

// forceFail retries the CAS until the task is terminal, whoever wins.
func (s *Service) forceFail(ctx context.Context, t *domain.Task, msg string) error {
	for attempt := 0; !t.Status.Terminal(); attempt++ {
		if attempt >= 5 {
			return fmt.Errorf("cancel task %s: %w", t.ID, domain.ErrStaleTask)
		}
		won, err := s.rec.Fail(ctx, t, msg)
		if err != nil {
			return fmt.Errorf("cancel task %s: %w", t.ID, err)
		}
		if won {
			return nil
		}
		fresh, err := s.repo.GetTask(ctx, t.ID)
		if err != nil {
			return err
		}
		*t = *fresh
	}
	return nil
}

// RecomputeStatus derives the run status from its tasks. Idempotent;
// terminal runs are never touched.
func (s *Service) RecomputeStatus(ctx context.Context, id domain.RunID) (*domain.Run, error) {
	run, tasks, err := s.load(ctx, "", id)
	if err != nil {
		return nil, err
	}
	if !domain.ApplyAggregate(run, tasks, s.clock.Now().UTC()) {
		return run, nil
	}
	if err := s.repo.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
	}
	if run.Status.Terminal() {
		s.metrics.RunFinished(run.Status)
		s.log.Info("run finished", "run", run.ID, "status", run.Status)
	}
	return run, nil
}

// PollExternal reconciles every non-terminal task that has a poll-capable
// driver and returns the fresh view. A ServiceUnavailable from any task is
// returned after all tasks were tried, together with the view.
func (s *Service) PollExternal(ctx context.Context, project string, id domain.RunID) (*RunView, error) {
	run, tasks, err := s.load(ctx, project, id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return &RunView{Run: run, Tasks: tasks}, nil
	}

	var unavailable error
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if _, err := s.rec.Reconcile(ctx, t); err != nil {
			if errors.Is(err, domain.ErrServiceUnavailable) {
				if unavailable == nil {
					unavailable = err
				}
				continue
			}
			s.log.Warn("reconcile failed", "run", id, "task", t.ID, "err", err)
		}
	}

	view, err := s.Get(ctx, "", id)
	if err != nil {
		return nil, err
	}
	return view, unavailable
}

func (s *Service) TaskErrors(ctx context.Context, project string, id domain.RunID, limit int) ([]*domain.TaskError, error) {
	if _, _, err := s.load(ctx, project, id); err != nil {
		return nil, err
	}
	if s.errs == nil {
		return nil, nil
	}
	return s.errs.ListByRun(ctx, id, limit)
}

func (s *Service) task(ctx context.Context, project string, runID domain.RunID, taskID domain.TaskID) (*domain.Task, error) {
	if _, _, err := s.load(ctx, project, runID); err != nil {
		return nil, err
	}
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.RunID != runID {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, taskID)
	}
	return t, nil
}

// Artifact is a downloadable stored file.
type Artifact struct {
	Path        string
	ContentType string
	Body        []byte
}

// Report returns the stored report of a completed task.
func (s *Service) Report(ctx context.Context, project string, runID domain.RunID, taskID domain.TaskID) (*Artifact, error) {
	t, err := s.task(ctx, project, runID, taskID)
	if err != nil {
		return nil, err
	}
	if t.ReportPath == "" {
		return nil, fmt.Errorf("%w: task %s has no report yet", domain.ErrArtifactNotFound, t.ID)
	}
	body, err := s.artifacts.Read(ctx, t.ReportPath)
	if err != nil {
		return nil, err
	}
	return &Artifact{Path: t.ReportPath, ContentType: domain.ContentType(t.ReportPath), Body: body}, nil
}

// FindingsView is the findings endpoint payload. Findings is nil when the
// tool produced none in structured form.
type FindingsView struct {
	TaskID   domain.TaskID         `json:"task_id"`
	Tool     domain.ToolKind       `json:"tool"`
	Status   domain.TaskStatus     `json:"status"`
	Counts   domain.SeverityCounts `json:"counts"`
	Findings []domain.Finding      `json:"findings"`
}

func (s *Service) Findings(ctx context.Context, project string, runID domain.RunID, taskID domain.TaskID) (*FindingsView, error) {
	t, err := s.task(ctx, project, runID, taskID)
	if err != nil {
		return nil, err
	}
	view := &FindingsView{TaskID: t.ID, Tool: t.Tool, Status: t.Status, Counts: t.Metadata.Findings}
	body, err := s.artifacts.Read(ctx, domain.Locate(t.ArtifactKey(), domain.FileFindings))
	if errors.Is(err, domain.ErrArtifactNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, err
	}
	var doc findingsDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode findings: %w", err)
	}
	view.Findings = doc.Findings
	return view, nil
}

// ObserveCallback applies a status pushed by a tool. The callback route is
// unauthenticated, so the scan id is required and must match the handle
// stored on the task.
func (s *Service) ObserveCallback(ctx context.Context, taskID domain.TaskID, scanID string, obs domain.Observation) (*domain.Task, error) {
	t, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if scanID == "" || !t.HasHandle() || scanID != t.Metadata.ExternalScanID {
		v := &domain.ValidationError{}
		v.Add("scan_id", "does not match the task's scan")
		return nil, v
	}
	if _, err := s.rec.Observe(ctx, t, obs); err != nil {
		return nil, err
	}
	return t, nil
}
