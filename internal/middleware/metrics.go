package middleware

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

// Metrics stores application metrics
type Metrics struct {
	RequestsTotal      uint64
	RequestsInProgress uint64
	RequestsSuccess    uint64
	RequestsFailed     uint64

	RunsCreated   uint64
	RunsCancelled uint64
	RunsCompleted uint64
	RunsFailed    uint64

	TasksCompleted uint64
	TasksFailed    uint64

	StreamsOpen uint64

	StartTime time.Time
}

var globalMetrics = &Metrics{
	StartTime: time.Now(),
}

func IncrementRequests() { atomic.AddUint64(&globalMetrics.RequestsTotal, 1) }
func IncrementInProgress() { atomic.AddUint64(&globalMetrics.RequestsInProgress, 1) }
func DecrementInProgress() { atomic.AddUint64(&globalMetrics.RequestsInProgress, ^uint64(0)) }
func IncrementSuccess() { atomic.AddUint64(&globalMetrics.RequestsSuccess, 1) }
func IncrementFailed() { atomic.AddUint64(&globalMetrics.RequestsFailed, 1) }
func IncrementStreamsOpen() { atomic.AddUint64(&globalMetrics.StreamsOpen, 1) }
func DecrementStreamsOpen() { atomic.AddUint64(&globalMetrics.StreamsOpen, ^uint64(0)) }

// RunMetrics feeds run and task lifecycle events into the global counters.
type RunMetrics struct{}

func (RunMetrics) RunCreated(domain.Module) { atomic.AddUint64(&globalMetrics.RunsCreated, 1) }
func (RunMetrics) RunCancelled() { atomic.AddUint64(&globalMetrics.RunsCancelled, 1) }

func (RunMetrics) RunFinished(status domain.RunStatus) {
	switch status {
	case domain.RunCompleted:
		atomic.AddUint64(&globalMetrics.RunsCompleted, 1)
	case domain.RunFailed:
		atomic.AddUint64(&globalMetrics.RunsFailed, 1)
	}
}

func (RunMetrics) TaskFinished(_ domain.ToolKind, status domain.TaskStatus) {
	switch status {
	case domain.TaskCompleted:
		atomic.AddUint64(&globalMetrics.TasksCompleted, 1)
	case domain.TaskFailed:
		atomic.AddUint64(&globalMetrics.TasksFailed, 1)
	}
}

// GetMetrics returns current metrics
func GetMetrics() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]interface{}{
		"requests_total":       atomic.LoadUint64(&globalMetrics.RequestsTotal),
		"requests_in_progress": atomic.LoadUint64(&globalMetrics.RequestsInProgress),
		"requests_success":     atomic.LoadUint64(&globalMetrics.RequestsSuccess),
		"requests_failed":      atomic.LoadUint64(&globalMetrics.RequestsFailed),
		"runs_created":         atomic.LoadUint64(&globalMetrics.RunsCreated),
		"runs_cancelled":       atomic.LoadUint64(&globalMetrics.RunsCancelled),
		"runs_completed":       atomic.LoadUint64(&globalMetrics.RunsCompleted),
		"runs_failed":          atomic.LoadUint64(&globalMetrics.RunsFailed),
		"tasks_completed":      atomic.LoadUint64(&globalMetrics.TasksCompleted),
		"tasks_failed":         atomic.LoadUint64(&globalMetrics.TasksFailed),
		"streams_open":         atomic.LoadUint64(&globalMetrics.StreamsOpen),
		"uptime_seconds":       time.Since(globalMetrics.StartTime).Seconds(),
		"memory": map[string]interface{}{
			"alloc_bytes":       m.Alloc,
			"total_alloc_bytes": m.TotalAlloc,
			"sys_bytes":         m.Sys,
			"num_gc":            m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}
}

// MetricsMiddleware tracks request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		IncrementRequests()
		IncrementInProgress()
		defer DecrementInProgress()

		wrapped := wrapWriter(w)
		next.ServeHTTP(wrapped, r)

		if wrapped.statusCode >= 200 && wrapped.statusCode < 400 {
			IncrementSuccess()
		} else {
			IncrementFailed()
		}
	})
}

// MetricsHandler returns metrics as JSON
func MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(GetMetrics())
}
