package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bryanwahyu/automaton-dashboard/internal/application"
	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

// RunRecomputer is notified after every task transition.
type RunRecomputer interface {
	RecomputeStatus(ctx context.Context, runID domain.RunID) (*domain.Run, error)
}

// Reconciler brings one task in line with its external scan. Transitions are
// applied through a status compare-and-set; only the winner writes the log
// line, so concurrent polls of the same task never duplicate it.
type Reconciler struct {
	Repo      domain.Repository
	Errors    domain.TaskErrorRepository
	Artifacts domain.ArtifactStore
	Drivers   domain.Drivers
	Clock     application.Clock
	Log       *slog.Logger
	Metrics   Metrics
	Runs      RunRecomputer
}

// findingsDocument is the findings.json layout.
type findingsDocument struct {
	Tool     domain.ToolKind       `json:"tool"`
	Counts   domain.SeverityCounts `json:"counts"`
	Findings []domain.Finding      `json:"findings"`
}

// Reconcile polls the task's scan and applies any new state. The returned
// error is retryable when it matches domain.ErrServiceUnavailable.
func (r *Reconciler) Reconcile(ctx context.Context, task *domain.Task) (bool, error) {
	if task.Status.Terminal() || !task.HasHandle() {
		return false, nil
	}
	d, ok := r.Drivers.Driver(task.Tool)
	if !ok {
		return false, nil
	}
	obs, err := d.Poll(ctx, task.Metadata.ExternalScanID)
	if err != nil {
		r.record(ctx, task, domain.PhasePoll, err)
		return false, fmt.Errorf("poll %s: %w", task.ID, err)
	}
	return r.Observe(ctx, task, obs)
}

// Observe applies an observation that came from a poll or a tool callback.
// task is updated in place when a transition wins.
func (r *Reconciler) Observe(ctx context.Context, task *domain.Task, obs domain.Observation) (bool, error) {
	if task.Status.Terminal() {
		return false, nil
	}
	next := obs.State.TaskStatus()
	if next == task.Status {
		return false, r.advisory(ctx, task, obs)
	}
	// tool lagging behind us; never move backwards
	if next == domain.TaskPending {
		return false, nil
	}

	// pending -> completed goes through running so the state machine holds
	moved := false
	if task.Status == domain.TaskPending && next != domain.TaskFailed {
		won, err := r.markRunning(ctx, task, obs)
		if err != nil || !won {
			return false, err
		}
		moved = true
		if next == domain.TaskRunning {
			r.recompute(ctx, task.RunID)
			return true, nil
		}
	}

	var (
		won bool
		err error
	)
	switch next {
	case domain.TaskCompleted:
		won, err = r.complete(ctx, task, obs)
	case domain.TaskFailed:
		won, err = r.Fail(ctx, task, failureMessage(obs))
	}
	moved = moved || won
	if moved {
		r.recompute(ctx, task.RunID)
	}
	return moved, err
}

func failureMessage(obs domain.Observation) string {
	if obs.State == domain.ExternalNotFound {
		return domain.ErrScanNotFound.Error()
	}
	if obs.Error != "" {
		return obs.Error
	}
	return domain.ErrScanFailed.Error()
}

// advisory updates progress and finding counts without side effects.
func (r *Reconciler) advisory(ctx context.Context, task *domain.Task, obs domain.Observation) error {
	progress := task.Progress
	if obs.Progress > 0 {
		progress = obs.Progress
	}
	findings := task.Metadata.Findings
	if obs.Findings != nil {
		findings = *obs.Findings
	}
	if progress == task.Progress && findings == task.Metadata.Findings {
		return nil
	}
	upd := *task
	upd.Progress = progress
	upd.Metadata.Findings = findings
	upd.UpdatedAt = r.Clock.Now()
	if err := r.Repo.UpdateTask(ctx, &upd, task.Status); err != nil {
		if errors.Is(err, domain.ErrStaleTask) {
			return nil
		}
		return err
	}
	*task = upd
	return nil
}

func (r *Reconciler) markRunning(ctx context.Context, task *domain.Task, obs domain.Observation) (bool, error) {
	upd := *task
	upd.Status = domain.TaskRunning
	upd.Progress = obs.Progress
	if obs.Findings != nil {
		upd.Metadata.Findings = *obs.Findings
	}
	upd.LogsPath = domain.Locate(task.ArtifactKey(), domain.FileExecLog)
	won, err := r.transition(ctx, task, &upd)
	if err != nil || !won {
		return won, err
	}
	r.appendLog(ctx, task, domain.LevelInfo, fmt.Sprintf("%s scan running", task.Tool))
	return true, nil
}

// complete stores the report (and findings when the tool has them) before
// flipping the status. Transient and artifact failures leave the task
// untouched so the next poll retries; a scan the tool no longer knows fails
// the task.
func (r *Reconciler) complete(ctx context.Context, task *domain.Task, obs domain.Observation) (bool, error) {
	d, ok := r.Drivers.Driver(task.Tool)
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrNoDriver, task.Tool)
	}
	handle := task.Metadata.ExternalScanID
	key := task.ArtifactKey()

	rep, err := d.FetchReport(ctx, handle, task.Metadata.OutputFormat)
	if err != nil {
		r.record(ctx, task, domain.PhasePoll, err)
		if errors.Is(err, domain.ErrScanNotFound) {
			return r.Fail(ctx, task, domain.ErrScanNotFound.Error())
		}
		return false, fmt.Errorf("fetch report %s: %w", task.ID, err)
	}
	reportPath, err := r.Artifacts.Write(ctx, key, domain.ReportFilename(rep.Format), rep.Body)
	if err != nil {
		r.record(ctx, task, domain.PhaseArtifact, err)
		return false, err
	}

	counts, err := r.storeFindings(ctx, d, task, obs, rep)
	if err != nil {
		return false, err
	}

	upd := *task
	upd.Status = domain.TaskCompleted
	upd.Progress = 100
	upd.Error = ""
	upd.ReportPath = reportPath
	upd.LogsPath = domain.Locate(key, domain.FileExecLog)
	upd.Metadata.Findings = counts
	won, err := r.transition(ctx, task, &upd)
	if err != nil || !won {
		return won, err
	}
	r.appendLog(ctx, task, domain.LevelInfo, fmt.Sprintf("%s scan completed: %d findings", task.Tool, counts.Total))
	r.Metrics.TaskFinished(task.Tool, domain.TaskCompleted)
	return true, nil
}

// storeFindings picks the counts in order: structured findings, counts the
// tool reported while polling, raw report heuristics.
func (r *Reconciler) storeFindings(ctx context.Context, d domain.Driver, task *domain.Task, obs domain.Observation, rep domain.Report) (domain.SeverityCounts, error) {
	fs, err := d.FetchFindings(ctx, task.Metadata.ExternalScanID)
	if err != nil {
		r.record(ctx, task, domain.PhasePoll, err)
		if errors.Is(err, domain.ErrServiceUnavailable) {
			return domain.SeverityCounts{}, fmt.Errorf("fetch findings %s: %w", task.ID, err)
		}
		// permanent: carry on with what the report gives us
		fs = nil
	}
	if fs == nil {
		if obs.Findings != nil {
			return *obs.Findings, nil
		}
		return domain.CountRawReport(rep.Format, rep.Body), nil
	}

	counts := domain.CountFindings(fs)
	body, err := json.MarshalIndent(findingsDocument{Tool: task.Tool, Counts: counts, Findings: fs}, "", "  ")
	if err != nil {
		return domain.SeverityCounts{}, fmt.Errorf("marshal findings: %w", err)
	}
	if _, err := r.Artifacts.Write(ctx, task.ArtifactKey(), domain.FileFindings, body); err != nil {
		r.record(ctx, task, domain.PhaseArtifact, err)
		return domain.SeverityCounts{}, err
	}
	return counts, nil
}

// Fail moves a non-terminal task to failed with msg. It reports false when
// another writer got there first.
func (r *Reconciler) Fail(ctx context.Context, task *domain.Task, msg string) (bool, error) {
	upd := *task
	upd.Status = domain.TaskFailed
	upd.Error = msg
	upd.LogsPath = domain.Locate(task.ArtifactKey(), domain.FileExecLog)
	won, err := r.transition(ctx, task, &upd)
	if err != nil || !won {
		return won, err
	}
	r.appendLog(ctx, task, domain.LevelError, msg)
	r.Metrics.TaskFinished(task.Tool, domain.TaskFailed)
	return true, nil
}

// transition validates and CAS-writes upd over task. On success task is
// replaced by upd.
func (r *Reconciler) transition(ctx context.Context, task *domain.Task, upd *domain.Task) (bool, error) {
	if err := domain.ValidateTransition(task.Status, upd.Status); err != nil {
		return false, err
	}
	upd.UpdatedAt = r.Clock.Now()
	if err := r.Repo.UpdateTask(ctx, upd, task.Status); err != nil {
		if errors.Is(err, domain.ErrStaleTask) {
			r.Log.Debug("lost task transition race", "task", task.ID, "from", task.Status, "to", upd.Status)
			return false, nil
		}
		return false, err
	}
	r.Log.Info("task transition", "run", task.RunID, "task", task.ID, "tool", task.Tool, "from", task.Status, "to", upd.Status)
	*task = *upd
	return true, nil
}

func (r *Reconciler) recompute(ctx context.Context, runID domain.RunID) {
	if r.Runs == nil {
		return
	}
	if _, err := r.Runs.RecomputeStatus(ctx, runID); err != nil {
		r.Log.Error("recompute run status", "run", runID, "err", err)
	}
}

// appendLog writes one execution.log line. A failing store is recorded but
// never blocks the transition that already happened.
func (r *Reconciler) appendLog(ctx context.Context, task *domain.Task, level, msg string) {
	line := domain.FormatLogLine(r.Clock.Now(), level, msg)
	if _, err := r.Artifacts.Append(ctx, task.ArtifactKey(), domain.FileExecLog, line); err != nil {
		r.record(ctx, task, domain.PhaseArtifact, err)
	}
}

// record persists a non-terminal problem for the errors endpoint.
func (r *Reconciler) record(ctx context.Context, task *domain.Task, phase domain.ErrorPhase, err error) {
	r.Log.Warn("task error", "run", task.RunID, "task", task.ID, "tool", task.Tool, "phase", phase, "err", err)
	if r.Errors == nil {
		return
	}
	e := &domain.TaskError{
		RunID:       task.RunID,
		TaskID:      task.ID,
		Tool:        task.Tool,
		Phase:       phase,
		Message:     err.Error(),
		DetailsJSON: errorDetails(err),
		CreatedAt:   r.Clock.Now(),
	}
	if serr := r.Errors.Save(ctx, e); serr != nil {
		r.Log.Error("save task error", "task", task.ID, "err", serr)
	}
}

// errorDetails extracts the structured part of an error, if any.
func errorDetails(err error) string {
	var details struct {
		Kind   string `json:"kind,omitempty"`
		Status int    `json:"status,omitempty"`
		Path   string `json:"path,omitempty"`
	}
	var ae *domain.ArtifactError
	if errors.As(err, &ae) {
		details.Kind = "artifact_io"
		details.Path = ae.Path
	}
	var st interface{ HTTPStatus() int }
	if errors.As(err, &st) {
		details.Status = st.HTTPStatus()
	}
	for _, k := range []error{domain.ErrServiceUnavailable, domain.ErrScanNotFound, domain.ErrRequestRejected} {
		if errors.Is(err, k) {
			details.Kind = k.Error()
			break
		}
	}
	b, _ := json.Marshal(details)
	return string(b)
}
