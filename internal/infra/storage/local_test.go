package storage

import (
	"context"
	"errors"
	"testing"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

func TestLocalWriteIsIdempotentOverwrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	key := domain.ArtifactKey{RunID: "run-1", Tool: domain.ToolStaticScan}

	p, err := s.Write(ctx, key, domain.FileReportJSON, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if p != "reports/run-1/static-scan/report.json" {
		t.Fatalf("unexpected path: %s", p)
	}
	if _, err := s.Write(ctx, key, domain.FileReportJSON, []byte(`{"a":2}`)); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	got, err := s.Read(ctx, p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != `{"a":2}` {
		t.Fatalf("expected overwrite, got %q", got)
	}
}

func TestLocalAppendAndReadFrom(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	key := domain.ArtifactKey{RunID: "run-2", Tool: domain.ToolDynamicScan}
	p := domain.Locate(key, domain.FileExecLog)

	if ok, err := s.Exists(ctx, p); err != nil || ok {
		t.Fatalf("expected missing log, got ok=%v err=%v", ok, err)
	}
	if _, err := s.Append(ctx, key, domain.FileExecLog, []byte("one\n")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(ctx, key, domain.FileExecLog, []byte("two\n")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	size, err := s.Size(ctx, p)
	if err != nil || size != 8 {
		t.Fatalf("unexpected size %d err=%v", size, err)
	}
	tail, err := s.ReadFrom(ctx, p, 4)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if string(tail) != "two\n" {
		t.Fatalf("unexpected tail: %q", tail)
	}
}

func TestLocalNotFoundAndDeleteAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	key := domain.ArtifactKey{RunID: "run-3", Tool: domain.ToolZAPScan}

	_, err = s.Read(ctx, domain.Locate(key, domain.FileReportHTML))
	if !errors.Is(err, domain.ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}
	if !errors.Is(err, domain.ErrArtifactIO) {
		t.Fatalf("artifact errors should match ErrArtifactIO, got %v", err)
	}

	p, err := s.Write(ctx, key, domain.FileReportHTML, []byte("<html></html>"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	other := domain.ArtifactKey{RunID: "run-3", Tool: domain.ToolDynamicScan}
	op, err := s.Write(ctx, other, domain.FileReportHTML, []byte("keep"))
	if err != nil {
		t.Fatalf("Write other: %v", err)
	}

	if err := s.DeleteAll(ctx, key); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if ok, _ := s.Exists(ctx, p); ok {
		t.Fatalf("expected %s removed", p)
	}
	if ok, _ := s.Exists(ctx, op); !ok {
		t.Fatalf("DeleteAll must not touch other tasks")
	}
}
