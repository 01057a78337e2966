package drivers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

// ZAPDriver drives an OWASP ZAP daemon through its JSON API. Only the active
// scanner is used; ZAP keeps one alert tree per session so reports cover
// everything scanned so far.
type ZAPDriver struct {
	c      client
	apiKey string
}

func NewZAPDriver(baseURL, apiKey string, timeout time.Duration) *ZAPDriver {
	return &ZAPDriver{c: newClient(domain.ToolZAPScan, baseURL, timeout), apiKey: apiKey}
}

func (d *ZAPDriver) Kind() domain.ToolKind { return domain.ToolZAPScan }

func (d *ZAPDriver) query(kv ...string) url.Values {
	q := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			q.Set(kv[i], kv[i+1])
		}
	}
	if d.apiKey != "" {
		q.Set("apikey", d.apiKey)
	}
	return q
}

// zapError is the body ZAP sends with a 400, e.g. {"code":"does_not_exist"}.
type zapError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func zapCode(data []byte) string {
	var e zapError
	if json.Unmarshal(data, &e) != nil {
		return ""
	}
	return e.Code
}

func (d *ZAPDriver) Start(ctx context.Context, req domain.StartRequest) (string, error) {
	target := req.Target.Value
	var contextName string
	if z := req.Metadata.ZAP; z != nil {
		target = z.TargetURL
		contextName = z.Context
	}
	u := d.c.url("/JSON/ascan/action/scan/", d.query("url", target, "recurse", "true", "contextName", contextName))

	var resp struct {
		Scan string `json:"scan"`
	}
	if err := d.c.doJSON(ctx, "start", http.MethodGet, u, nil, &resp); err != nil {
		return "", err
	}
	if resp.Scan == "" {
		return "", &DriverError{Tool: domain.ToolZAPScan, Op: "start", Kind: domain.ErrServiceUnavailable, Msg: "response carried no scan id"}
	}
	return resp.Scan, nil
}

// Poll maps the 0..100 progress onto running/completed.
func (d *ZAPDriver) Poll(ctx context.Context, handle string) (domain.Observation, error) {
	u := d.c.url("/JSON/ascan/view/status/", d.query("scanId", handle))
	data, _, err := d.c.do(ctx, "poll", http.MethodGet, u, nil)
	if err != nil {
		if zapCode(data) == "does_not_exist" || errors.Is(err, domain.ErrScanNotFound) {
			return domain.Observation{State: domain.ExternalNotFound, Error: "scan not found"}, nil
		}
		return domain.Observation{}, err
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return domain.Observation{}, &DriverError{Tool: domain.ToolZAPScan, Op: "poll", Kind: domain.ErrServiceUnavailable, Msg: "decode response: " + err.Error()}
	}
	pct, err := strconv.Atoi(strings.TrimSpace(resp.Status))
	if err != nil {
		return domain.Observation{State: domain.ExternalFailed, Error: "unexpected zap status " + strconv.Quote(resp.Status)}, nil
	}
	pct = clampProgress(pct)
	if pct >= 100 {
		return domain.Observation{State: domain.ExternalCompleted, Progress: 100}, nil
	}
	return domain.Observation{State: domain.ExternalRunning, Progress: pct}, nil
}

// FetchReport pulls the session report. ZAP has no pdf output so anything
// but json is served as html.
func (d *ZAPDriver) FetchReport(ctx context.Context, handle string, format domain.ReportFormat) (domain.Report, error) {
	p, f := "/OTHER/core/other/htmlreport/", domain.FormatHTML
	if format == domain.FormatJSON {
		p, f = "/OTHER/core/other/jsonreport/", domain.FormatJSON
	}
	data, _, err := d.c.do(ctx, "report", http.MethodGet, d.c.url(p, d.query()), nil)
	if err != nil {
		return domain.Report{}, err
	}
	return domain.Report{Body: data, Format: f}, nil
}

// FetchFindings: ZAP gives no per-scan structured findings.
func (d *ZAPDriver) FetchFindings(ctx context.Context, handle string) ([]domain.Finding, error) {
	return nil, nil
}
