package runs

import (
	"strings"
	"testing"
	"time"
)

func TestFormatAndParseLogLine(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	raw := string(FormatLogLine(ts, "info", "scan started\nagainst target"))
	if raw != "[2026-03-01T10:00:00Z] INFO: scan started against target\n" {
		t.Fatalf("unexpected formatted line: %q", raw)
	}

	got := ParseLogLine(raw, time.Now())
	if !got.Timestamp.Equal(ts) || got.Level != "info" || got.Message != "scan started against target" {
		t.Fatalf("unexpected parsed line: %+v", got)
	}
}

func TestParseLogLineFallsBackToRaw(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, line := range []string{"plain output", "[not-a-time] ERROR: boom"} {
		got := ParseLogLine(line, now)
		if got.Level != "info" || got.Message != line || !got.Timestamp.Equal(now) {
			t.Fatalf("line %q: unexpected fallback %+v", line, got)
		}
	}
}

func TestSplitCompleteLinesKeepsPartialTail(t *testing.T) {
	t.Parallel()

	chunk := []byte("a\nb\n\npartial")
	lines, consumed := SplitCompleteLines(chunk)
	if strings.Join(lines, ",") != "a,b" {
		t.Fatalf("unexpected lines: %v", lines)
	}
	if consumed != len("a\nb\n\n") {
		t.Fatalf("unexpected consumed bytes: %d", consumed)
	}

	if lines, consumed := SplitCompleteLines([]byte("no newline")); lines != nil || consumed != 0 {
		t.Fatalf("partial-only chunk must consume nothing, got %v %d", lines, consumed)
	}
}

func TestLocateIsDeterministic(t *testing.T) {
	t.Parallel()

	key := ArtifactKey{RunID: "run-1", Tool: ToolDynamicScan}
	if got := Locate(key, FileReportHTML); got != "reports/run-1/dynamic-scan/report.html" {
		t.Fatalf("unexpected path: %s", got)
	}
	if got := Locate(key, "../../etc/passwd"); got != "reports/run-1/dynamic-scan/passwd" {
		t.Fatalf("filename must not escape the task dir: %s", got)
	}
	if ReportFilename(FormatPDF) != FileReportPDF || ReportFilename("") != FileReportJSON {
		t.Fatalf("unexpected report filenames")
	}
}
