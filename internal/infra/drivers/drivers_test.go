package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

func TestDynamicDriverLifecycle(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		started map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/scan":
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			_ = json.Unmarshal(body, &started)
			mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"scan_id":"abc","status":"queued"}`))
		case r.URL.Path == "/scan/abc":
			_, _ = w.Write([]byte(`{"status":"completed","total_findings":3,"severity_counts":{"High":2,"Low":1}}`))
		case r.URL.Path == "/scan/abc/report":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>Risk: High</html>"))
		case r.URL.Path == "/scan/abc/findings":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"findings only available for json"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := NewDynamicDriver(srv.URL, time.Second)
	ctx := context.Background()

	target := domain.Target{Type: domain.TargetURL, Value: "https://example.com"}
	meta, err := domain.NewTaskMetadata(domain.ToolDynamicScan, target, domain.FormatHTML)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	handle, err := d.Start(ctx, domain.StartRequest{Target: target, Format: domain.FormatHTML, Metadata: meta, CallbackURL: "http://api/cb"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if handle != "abc" {
		t.Fatalf("handle = %q", handle)
	}
	mu.Lock()
	if started["target_url"] != "https://example.com" || started["output_format"] != "html" || started["callback_url"] != "http://api/cb" {
		t.Fatalf("start payload = %v", started)
	}
	mu.Unlock()

	obs, err := d.Poll(ctx, handle)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if obs.State != domain.ExternalCompleted || obs.Progress != 100 {
		t.Fatalf("obs = %+v", obs)
	}
	if obs.Findings == nil || obs.Findings.High != 2 || obs.Findings.Low != 1 || obs.Findings.Total != 3 {
		t.Fatalf("findings = %+v", obs.Findings)
	}

	rep, err := d.FetchReport(ctx, handle, domain.FormatHTML)
	if err != nil {
		t.Fatalf("FetchReport: %v", err)
	}
	if rep.Format != domain.FormatHTML || string(rep.Body) != "<html>Risk: High</html>" {
		t.Fatalf("report = %+v", rep)
	}

	fs, err := d.FetchFindings(ctx, handle)
	if err != nil || fs != nil {
		t.Fatalf("FetchFindings = %v, %v; want nil, nil", fs, err)
	}
}

func TestStaticDriverFindings(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/scan/s1/findings" {
			_, _ = w.Write([]byte(`{"findings":[{"rule_id":"PY001","rule_name":"SQL Injection","file_path":"app.py","line_number":12,"severity":"HIGH"}]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := NewStaticDriver(srv.URL, time.Second)
	fs, err := d.FetchFindings(context.Background(), "s1")
	if err != nil {
		t.Fatalf("FetchFindings: %v", err)
	}
	if len(fs) != 1 {
		t.Fatalf("len = %d", len(fs))
	}
	f := fs[0]
	if f.Tool != domain.ToolStaticScan || f.Title != "SQL Injection" || f.Severity != "high" || f.Location != "app.py:12" {
		t.Fatalf("finding = %+v", f)
	}
}

func TestServiceDriverErrorKinds(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/scan/gone":
			http.NotFound(w, r)
		case "/scan/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/scan/weird":
			_, _ = w.Write([]byte(`{"status":"exploded"}`))
		case "/scan":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"target_url required"}`))
		}
	}))
	defer srv.Close()

	d := NewDynamicDriver(srv.URL, time.Second)
	ctx := context.Background()

	obs, err := d.Poll(ctx, "gone")
	if err != nil {
		t.Fatalf("Poll gone: %v", err)
	}
	if obs.State != domain.ExternalNotFound || obs.Error != "scan not found" {
		t.Fatalf("obs = %+v", obs)
	}

	_, err = d.Poll(ctx, "busy")
	if !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("busy err = %v", err)
	}
	var de *DriverError
	if !errors.As(err, &de) || de.Status != http.StatusServiceUnavailable {
		t.Fatalf("want *DriverError with status 503, got %v", err)
	}

	obs, err = d.Poll(ctx, "weird")
	if err != nil || obs.State != domain.ExternalFailed {
		t.Fatalf("weird = %+v, %v", obs, err)
	}

	_, err = d.Start(ctx, domain.StartRequest{Target: domain.Target{Value: "x"}})
	if !errors.Is(err, domain.ErrRequestRejected) {
		t.Fatalf("start err = %v", err)
	}

	unreachable := NewDynamicDriver("http://127.0.0.1:1", 200*time.Millisecond)
	if _, err := unreachable.Poll(ctx, "x"); !IsRetryable(err) {
		t.Fatalf("dial error should be retryable, got %v", err)
	}
}

func TestZAPDriver(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("apikey") != "k" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch r.URL.Path {
		case "/JSON/ascan/action/scan/":
			if r.URL.Query().Get("url") != "https://example.com" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"scan":"7"}`))
		case "/JSON/ascan/view/status/":
			switch r.URL.Query().Get("scanId") {
			case "7":
				_, _ = w.Write([]byte(`{"status":"100"}`))
			case "8":
				_, _ = w.Write([]byte(`{"status":"42"}`))
			default:
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"code":"does_not_exist","message":"Does Not Exist"}`))
			}
		case "/OTHER/core/other/htmlreport/":
			_, _ = w.Write([]byte("<html>risk-high</html>"))
		case "/OTHER/core/other/jsonreport/":
			_, _ = w.Write([]byte(`{"site":[]}`))
		}
	}))
	defer srv.Close()

	d := NewZAPDriver(srv.URL, "k", time.Second)
	ctx := context.Background()

	meta, _ := domain.NewTaskMetadata(domain.ToolZAPScan, domain.Target{Type: domain.TargetURL, Value: "https://example.com"}, domain.FormatHTML)
	handle, err := d.Start(ctx, domain.StartRequest{Metadata: meta})
	if err != nil || handle != "7" {
		t.Fatalf("Start = %q, %v", handle, err)
	}

	obs, err := d.Poll(ctx, "8")
	if err != nil || obs.State != domain.ExternalRunning || obs.Progress != 42 {
		t.Fatalf("running obs = %+v, %v", obs, err)
	}
	obs, err = d.Poll(ctx, "7")
	if err != nil || obs.State != domain.ExternalCompleted {
		t.Fatalf("completed obs = %+v, %v", obs, err)
	}
	obs, err = d.Poll(ctx, "99")
	if err != nil || obs.State != domain.ExternalNotFound {
		t.Fatalf("missing obs = %+v, %v", obs, err)
	}

	rep, err := d.FetchReport(ctx, "7", domain.FormatPDF)
	if err != nil || rep.Format != domain.FormatHTML {
		t.Fatalf("report = %+v, %v", rep, err)
	}
	rep, err = d.FetchReport(ctx, "7", domain.FormatJSON)
	if err != nil || rep.Format != domain.FormatJSON {
		t.Fatalf("json report = %+v, %v", rep, err)
	}
	if fs, err := d.FetchFindings(ctx, "7"); fs != nil || err != nil {
		t.Fatalf("FetchFindings = %v, %v", fs, err)
	}
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	r := NewRegistry(NewZAPDriver("http://zap:8090", "", 0))
	if _, ok := r.Driver(domain.ToolZAPScan); !ok {
		t.Fatalf("zap driver missing")
	}
	if _, ok := r.Driver(domain.ToolStaticScan); ok {
		t.Fatalf("static driver should be absent")
	}
}
