package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

// HandleJob is the domain.JobHandler the queue workers run.
func (s *Service) HandleJob(ctx context.Context, job domain.Job) error {
	switch job.Kind {
	case domain.JobStart:
		return s.handleStart(ctx, job)
	case domain.JobPoll:
		return s.handlePoll(ctx, job)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// handleStart calls Driver.Start at most once per task: only a pending task
// without a handle is started, and the handle is stored with a CAS.
func (s *Service) handleStart(ctx context.Context, job domain.Job) error {
	task, err := s.repo.GetTask(ctx, job.TaskID)
	if errors.Is(err, domain.ErrTaskNotFound) {
		s.log.Warn("start job for unknown task dropped", "task", job.TaskID)
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status != domain.TaskPending || task.HasHandle() {
		return nil
	}
	run, err := s.repo.GetRun(ctx, task.RunID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	d, ok := s.drivers.Driver(task.Tool)
	if !ok {
		_, err := s.failAndRecompute(ctx, task, fmt.Sprintf("no driver configured for %s", task.Tool))
		return err
	}

	if job.Attempt == 0 {
		s.rec.appendLog(ctx, task, domain.LevelInfo, fmt.Sprintf("starting %s scan against %s", task.Tool, task.Metadata.TargetValue()))
	}
	req := domain.StartRequest{
		RunID:    task.RunID,
		TaskID:   task.ID,
		Target:   run.Target,
		Format:   task.Metadata.OutputFormat,
		Metadata: task.Metadata,
	}
	if s.callback != nil {
		req.CallbackURL = s.callback(task.ID)
	}

	handle, err := d.Start(ctx, req)
	if err != nil {
		s.rec.record(ctx, task, domain.PhaseStart, err)
		next := job.Attempt + 1
		if errors.Is(err, domain.ErrServiceUnavailable) && next < s.jobs.MaxStartAttempts {
			delay := s.jobs.StartBackoff * time.Duration(next)
			s.rec.appendLog(ctx, task, domain.LevelWarning,
				fmt.Sprintf("%s unavailable, retrying in %s (attempt %d/%d)", task.Tool, delay, next+1, s.jobs.MaxStartAttempts))
			job.Attempt = next
			if qerr := s.queue.Enqueue(ctx, job, delay); qerr != nil {
				s.rec.record(ctx, task, domain.PhaseStart, qerr)
				_, ferr := s.failAndRecompute(ctx, task, "could not schedule scan start: "+qerr.Error())
				return ferr
			}
			return nil
		}
		_, ferr := s.failAndRecompute(ctx, task, "scan start failed: "+err.Error())
		return ferr
	}

	upd := *task
	upd.Metadata.ExternalScanID = handle
	upd.LogsPath = domain.Locate(task.ArtifactKey(), domain.FileExecLog)
	upd.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateTask(ctx, &upd, domain.TaskPending); err != nil {
		if errors.Is(err, domain.ErrStaleTask) {
			// cancelled while starting; the external scan is orphaned
			s.log.Warn("task changed during start", "task", task.ID, "handle", handle)
			return nil
		}
		return err
	}
	s.rec.appendLog(ctx, &upd, domain.LevelInfo, fmt.Sprintf("%s scan started (scan id %s)", task.Tool, handle))

	return s.queue.Enqueue(ctx, domain.Job{Kind: domain.JobPoll, RunID: task.RunID, TaskID: task.ID}, s.jobs.PollInterval)
}

// handlePoll reconciles once and re-enqueues itself until the task is
// terminal or the attempt budget is spent. After that the task is left for
// on-demand refresh.
func (s *Service) handlePoll(ctx context.Context, job domain.Job) error {
	task, err := s.repo.GetTask(ctx, job.TaskID)
	if errors.Is(err, domain.ErrTaskNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	_, rerr := s.rec.Reconcile(ctx, task)
	if rerr != nil && !errors.Is(rerr, domain.ErrServiceUnavailable) {
		s.log.Warn("poll job reconcile failed", "task", task.ID, "attempt", job.Attempt, "err", rerr)
	}
	if task.Status.Terminal() {
		return nil
	}

	next := job.Attempt + 1
	if next >= s.jobs.MaxPollAttempts {
		s.log.Info("poll budget exhausted, left for on-demand refresh", "task", task.ID, "attempts", next)
		return nil
	}
	job.Attempt = next
	return s.queue.Enqueue(ctx, job, s.jobs.PollInterval)
}

func (s *Service) failAndRecompute(ctx context.Context, task *domain.Task, msg string) (bool, error) {
	won, err := s.rec.Fail(ctx, task, msg)
	if err != nil {
		return false, err
	}
	if won {
		s.rec.recompute(ctx, task.RunID)
	}
	return won, nil
}
