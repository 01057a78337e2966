package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
)

// maxBody caps report downloads.
const maxBody = 64 << 20

// DriverError is the typed failure every driver call surfaces. Kind is one of
// the domain sentinels so callers can use errors.Is.
type DriverError struct {
	Tool   domain.ToolKind
	Op     string
	Status int
	Kind   error
	Msg    string
}

func (e *DriverError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %v (http %d): %s", e.Tool, e.Op, e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("%s %s: %v: %s", e.Tool, e.Op, e.Kind, e.Msg)
}

func (e *DriverError) Unwrap() error { return e.Kind }

// HTTPStatus is the tool's response status, 0 for transport errors.
func (e *DriverError) HTTPStatus() int { return e.Status }

// client is the shared HTTP plumbing for the tool drivers.
type client struct {
	tool    domain.ToolKind
	baseURL string
	http    *http.Client
}

func newClient(tool domain.ToolKind, baseURL string, timeout time.Duration) client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return client{
		tool:    tool,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c client) url(p string, q url.Values) string {
	u := c.baseURL + p
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// do executes the request and returns the body of a 2xx response. Any
// transport error or non-2xx status becomes a *DriverError; the body of a
// non-2xx response is still returned for tools with their own error codes.
func (c client) do(ctx context.Context, op, method, u string, in any) ([]byte, http.Header, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, nil, fmt.Errorf("%s %s: marshal request: %w", c.tool, op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, nil, fmt.Errorf("%s %s: build request: %w", c.tool, op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, text/html, application/pdf")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, &DriverError{Tool: c.tool, Op: op, Kind: domain.ErrServiceUnavailable, Msg: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, nil, &DriverError{Tool: c.tool, Op: op, Status: resp.StatusCode, Kind: domain.ErrServiceUnavailable, Msg: err.Error()}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, resp.Header, nil
	}
	return data, resp.Header, &DriverError{
		Tool:   c.tool,
		Op:     op,
		Status: resp.StatusCode,
		Kind:   kindForStatus(resp.StatusCode),
		Msg:    errorMessage(data),
	}
}

func (c client) doJSON(ctx context.Context, op, method, u string, in, out any) error {
	data, _, err := c.do(ctx, op, method, u, in)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &DriverError{Tool: c.tool, Op: op, Kind: domain.ErrServiceUnavailable, Msg: "decode response: " + err.Error()}
	}
	return nil
}

func kindForStatus(code int) error {
	switch {
	case code == http.StatusNotFound:
		return domain.ErrScanNotFound
	case code == http.StatusTooManyRequests || code >= 500:
		return domain.ErrServiceUnavailable
	default:
		return domain.ErrRequestRejected
	}
}

// errorMessage pulls {"error": "..."} out of a tool response, else the raw body.
func errorMessage(data []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}

// IsRetryable reports whether err should be left for the next poll cycle.
func IsRetryable(err error) bool {
	return errors.Is(err, domain.ErrServiceUnavailable)
}

func formatFromContentType(ct string, fallback domain.ReportFormat) domain.ReportFormat {
	ct = strings.ToLower(ct)
	switch {
	case strings.Contains(ct, "json"):
		return domain.FormatJSON
	case strings.Contains(ct, "html"):
		return domain.FormatHTML
	case strings.Contains(ct, "pdf"):
		return domain.FormatPDF
	}
	if fallback == "" {
		return domain.FormatJSON
	}
	return fallback
}
