package runs

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
	"github.com/bryanwahyu/automaton-dashboard/internal/infra/db/memory"
	"github.com/bryanwahyu/automaton-dashboard/internal/infra/storage"
)

// fakeDriver answers polls from a script; the last observation repeats.
type fakeDriver struct {
	kind domain.ToolKind

	mu       sync.Mutex
	handle   string
	startErr []error
	starts   int
	polls    []domain.Observation
	pollErr  error
	polled    int
	report    domain.Report
	reportErr error
	findings []domain.Finding
}

func (d *fakeDriver) Kind() domain.ToolKind { return d.kind }

func (d *fakeDriver) Start(ctx context.Context, req domain.StartRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	if len(d.startErr) > 0 {
		err := d.startErr[0]
		d.startErr = d.startErr[1:]
		if err != nil {
			return "", err
		}
	}
	return d.handle, nil
}

func (d *fakeDriver) Poll(ctx context.Context, handle string) (domain.Observation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.polled++
	if d.pollErr != nil {
		return domain.Observation{}, d.pollErr
	}
	if len(d.polls) == 0 {
		return domain.Observation{State: domain.ExternalRunning}, nil
	}
	obs := d.polls[0]
	if len(d.polls) > 1 {
		d.polls = d.polls[1:]
	}
	return obs, nil
}

func (d *fakeDriver) FetchReport(ctx context.Context, handle string, format domain.ReportFormat) (domain.Report, error) {
	if d.reportErr != nil {
		return domain.Report{}, d.reportErr
	}
	return d.report, nil
}

func (d *fakeDriver) FetchFindings(ctx context.Context, handle string) ([]domain.Finding, error) {
	return d.findings, nil
}

type fakeDrivers map[domain.ToolKind]domain.Driver

func (f fakeDrivers) Driver(kind domain.ToolKind) (domain.Driver, bool) {
	d, ok := f[kind]
	return d, ok
}

type queuedJob struct {
	job   domain.Job
	delay time.Duration
}

// recordingQueue keeps jobs for the test to run by hand.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []queuedJob
	err  error
}

func (q *recordingQueue) Enqueue(ctx context.Context, job domain.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, queuedJob{job: job, delay: delay})
	return nil
}

func (q *recordingQueue) Consume(ctx context.Context, h domain.JobHandler) error {
	<-ctx.Done()
	return nil
}

func (q *recordingQueue) pop(t *testing.T) queuedJob {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		t.Fatalf("queue is empty")
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j
}

func (q *recordingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type harness struct {
	svc    *Service
	repo   *memory.Repository
	store  *storage.Local
	queue  *recordingQueue
	driver *fakeDriver
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, d *fakeDriver) *harness {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	repo := memory.NewRepository()
	q := &recordingQueue{}
	svc := NewService(Deps{
		Repo:      repo,
		Errors:    repo,
		Artifacts: store,
		Drivers:   fakeDrivers{d.kind: d},
		Queue:     q,
		Log:       quietLogger(),
		Jobs: JobPolicy{
			MaxStartAttempts: 3,
			StartBackoff:     time.Second,
			PollInterval:     time.Second,
			MaxPollAttempts:  10,
		},
	})
	return &harness{svc: svc, repo: repo, store: store, queue: q, driver: d}
}

func (h *harness) createWeb(t *testing.T) *RunView {
	t.Helper()
	view, err := h.svc.Create(context.Background(), CreateRunCommand{
		ProjectID: "proj-1",
		Module:    domain.ModuleWebSecurity,
		Target:    domain.Target{Type: domain.TargetURL, Value: "https://example.com"},
		Format:    domain.FormatHTML,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return view
}

// runNext pops the next queued job and handles it.
func (h *harness) runNext(t *testing.T) domain.Job {
	t.Helper()
	j := h.queue.pop(t)
	if err := h.svc.HandleJob(context.Background(), j.job); err != nil {
		t.Fatalf("HandleJob(%s): %v", j.job.Kind, err)
	}
	return j.job
}

func (h *harness) logLines(t *testing.T, task *domain.Task) []string {
	t.Helper()
	body, err := h.store.Read(context.Background(), domain.Locate(task.ArtifactKey(), domain.FileExecLog))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return strings.Split(strings.TrimRight(string(body), "\n"), "\n")
}
