package drivers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

// ServiceDriver speaks the tool-service protocol shared by the static and
// dynamic analyzers:
//
//	POST /scan                 -> 202 {"scan_id": "..."}
//	GET  /scan/{id}            -> {"status", "total_findings", "severity_counts", "error", "progress"}
//	GET  /scan/{id}/report     -> report body (400 until completed)
//	GET  /scan/{id}/findings   -> {"findings": [...]} (400 when only html exists)
type ServiceDriver struct {
	kind    domain.ToolKind
	c       client
	payload func(req domain.StartRequest) map[string]any
}

// NewStaticDriver wraps the SAST service; the target is a source path known
// to the tool container.
func NewStaticDriver(baseURL string, timeout time.Duration) *ServiceDriver {
	return &ServiceDriver{
		kind: domain.ToolStaticScan,
		c:    newClient(domain.ToolStaticScan, baseURL, timeout),
		payload: func(req domain.StartRequest) map[string]any {
			src := req.Target.Value
			if req.Metadata.Static != nil {
				src = req.Metadata.Static.SourcePath
			}
			return map[string]any{"source_path": src}
		},
	}
}

// NewDynamicDriver wraps the DAST service; the target is a URL.
func NewDynamicDriver(baseURL string, timeout time.Duration) *ServiceDriver {
	return &ServiceDriver{
		kind: domain.ToolDynamicScan,
		c:    newClient(domain.ToolDynamicScan, baseURL, timeout),
		payload: func(req domain.StartRequest) map[string]any {
			target := req.Target.Value
			if req.Metadata.Dynamic != nil {
				target = req.Metadata.Dynamic.TargetURL
			}
			return map[string]any{"target_url": target}
		},
	}
}

func (d *ServiceDriver) Kind() domain.ToolKind { return d.kind }

func (d *ServiceDriver) Start(ctx context.Context, req domain.StartRequest) (string, error) {
	body := d.payload(req)
	format := req.Format
	if format == "" {
		format = domain.FormatJSON
	}
	body["output_format"] = string(format)
	if req.CallbackURL != "" {
		body["callback_url"] = req.CallbackURL
	}

	var resp struct {
		ScanID string `json:"scan_id"`
		Status string `json:"status"`
	}
	if err := d.c.doJSON(ctx, "start", http.MethodPost, d.c.url("/scan", nil), body, &resp); err != nil {
		// 404 from POST /scan is a missing endpoint, not a missing scan
		if errors.Is(err, domain.ErrScanNotFound) {
			var de *DriverError
			errors.As(err, &de)
			de.Kind = domain.ErrRequestRejected
		}
		return "", err
	}
	if resp.ScanID == "" {
		return "", &DriverError{Tool: d.kind, Op: "start", Kind: domain.ErrServiceUnavailable, Msg: "response carried no scan_id"}
	}
	return resp.ScanID, nil
}

func (d *ServiceDriver) Poll(ctx context.Context, handle string) (domain.Observation, error) {
	var resp struct {
		Status         string         `json:"status"`
		Progress       *int           `json:"progress"`
		TotalFindings  int            `json:"total_findings"`
		SeverityCounts map[string]int `json:"severity_counts"`
		Error          *string        `json:"error"`
	}
	err := d.c.doJSON(ctx, "poll", http.MethodGet, d.c.url("/scan/"+url.PathEscape(handle), nil), nil, &resp)
	if errors.Is(err, domain.ErrScanNotFound) {
		return domain.Observation{State: domain.ExternalNotFound, Error: "scan not found"}, nil
	}
	if err != nil {
		return domain.Observation{}, err
	}

	obs := domain.Observation{State: domain.ParseExternalState(resp.Status)}
	if resp.Progress != nil {
		obs.Progress = clampProgress(*resp.Progress)
	}
	if obs.State == domain.ExternalCompleted {
		obs.Progress = 100
	}
	if resp.TotalFindings > 0 || len(resp.SeverityCounts) > 0 {
		c := domain.FromSeverityMap(resp.TotalFindings, resp.SeverityCounts)
		obs.Findings = &c
	}
	if resp.Error != nil {
		obs.Error = *resp.Error
	}
	if obs.State == domain.ExternalFailed && obs.Error == "" {
		obs.Error = "scan failed (status " + resp.Status + ")"
	}
	return obs, nil
}

func (d *ServiceDriver) FetchReport(ctx context.Context, handle string, format domain.ReportFormat) (domain.Report, error) {
	data, hdr, err := d.c.do(ctx, "report", http.MethodGet, d.c.url("/scan/"+url.PathEscape(handle)+"/report", nil), nil)
	if err != nil {
		return domain.Report{}, err
	}
	return domain.Report{Body: data, Format: formatFromContentType(hdr.Get("Content-Type"), format)}, nil
}

// FetchFindings returns nil when the tool only produced an html report.
func (d *ServiceDriver) FetchFindings(ctx context.Context, handle string) ([]domain.Finding, error) {
	data, _, err := d.c.do(ctx, "findings", http.MethodGet, d.c.url("/scan/"+url.PathEscape(handle)+"/findings", nil), nil)
	if errors.Is(err, domain.ErrRequestRejected) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fs, err := domain.NormalizeFindings(d.kind, data)
	if err != nil {
		return nil, &DriverError{Tool: d.kind, Op: "findings", Kind: domain.ErrServiceUnavailable, Msg: err.Error()}
	}
	return fs, nil
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
