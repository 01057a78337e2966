package runs

import domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"

// Metrics receives lifecycle counters; the HTTP layer provides the real one.
type Metrics interface {
	RunCreated(module domain.Module)
	RunCancelled()
	RunFinished(status domain.RunStatus)
	TaskFinished(tool domain.ToolKind, status domain.TaskStatus)
}

type nopMetrics struct{}

func (nopMetrics) RunCreated(domain.Module) {}
func (nopMetrics) RunCancelled() {}
func (nopMetrics) RunFinished(domain.RunStatus) {}
func (nopMetrics) TaskFinished(domain.ToolKind, domain.TaskStatus) {}
