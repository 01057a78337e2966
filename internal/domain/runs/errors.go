package runs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrServiceUnavailable: external tool unreachable, retry on next poll.
	ErrServiceUnavailable = errors.New("tool service unavailable")
	// ErrScanNotFound: the tool does not know the external handle.
	ErrScanNotFound = errors.New("scan not found")
	// ErrScanFailed: the tool reported the scan as failed.
	ErrScanFailed = errors.New("scan failed")
	// ErrRequestRejected: the tool refused the request (4xx other than 404).
	ErrRequestRejected = errors.New("tool rejected request")

	ErrArtifactIO       = errors.New("artifact io error")
	ErrArtifactNotFound = errors.New("artifact not found")

	ErrRunNotFound  = errors.New("run not found")
	ErrTaskNotFound = errors.New("task not found")
	// ErrStaleTask is returned by a repository when a status CAS lost the race.
	ErrStaleTask = errors.New("task status changed concurrently")
	// ErrNoDriver means no driver is registered for a tool kind.
	ErrNoDriver = errors.New("no driver for tool")
)

// ValidationError carries field-level detail for rejected input.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a field problem; nil-safe on Fields.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = msg
}

// OrNil returns nil when no field failed.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ArtifactError wraps storage failures so callers can match ErrArtifactIO.
type ArtifactError struct {
	Op   string
	Path string
	Err  error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("artifact %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ArtifactError) Unwrap() error { return e.Err }

func (e *ArtifactError) Is(target error) bool {
	return target == ErrArtifactIO
}
