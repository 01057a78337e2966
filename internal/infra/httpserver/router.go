package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	appruns "github.com/bryanwahyu/automaton-dashboard/internal/application/runs"
	domain "github.com/bryanwahyu/automaton-dashboard/internal/domain/runs"
	mw "github.com/bryanwahyu/automaton-dashboard/internal/middleware"
)

// Options for the HTTP edge.
type Options struct {
	CORSOrigins  []string
	APIKeys      map[string]string
	RateCapacity int
	RateRefill   time.Duration
	Health       map[string]mw.HealthChecker
	Ready        map[string]mw.HealthChecker
	Log          *slog.Logger
}

type Router struct {
	svc      *appruns.Service
	streamer *appruns.Streamer
	log      *slog.Logger
}

var errBadRequest = errors.New("bad request")

const maxBody = 1 << 20

func NewRouter(svc *appruns.Service, streamer *appruns.Streamer, opt Options) http.Handler {
	if opt.Log == nil {
		opt.Log = slog.Default()
	}
	r := &Router{svc: svc, streamer: streamer, log: opt.Log}
	mux := chi.NewRouter()

	origins := opt.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))
	mux.Use(mw.Logging(opt.Log))
	mux.Use(mw.MetricsMiddleware)
	mux.Use(mw.APIKeyAuth(opt.APIKeys))
	if opt.RateCapacity > 0 {
		mux.Use(mw.RateLimitMiddleware(opt.RateCapacity, opt.RateRefill))
	}

	mux.Get("/health", mw.HealthHandler(opt.Health))
	mux.Get("/ready", mw.ReadinessHandler(opt.Ready))
	mux.Get("/live", mw.LivenessHandler)
	mux.Get("/metrics", mw.MetricsHandler)

	mux.Post("/v1/callbacks/tasks/{task}", r.wrap(r.handleCallback))

	mux.Route("/v1/{project}", func(rt chi.Router) {
		rt.Use(mw.RequireProject)
		rt.Post("/runs", r.wrap(r.handleCreate))
		rt.Get("/runs", r.wrap(r.handleList))
		rt.Get("/runs/{id}", r.wrap(r.handleGet))
		rt.Post("/runs/{id}/cancel", r.wrap(r.handleCancel))
		rt.Get("/runs/{id}/stream", r.wrap(r.handleStream))
		rt.Get("/runs/{id}/errors", r.wrap(r.handleErrors))
		rt.Get("/runs/{id}/tasks/{task}/report", r.wrap(r.handleReport))
		rt.Get("/runs/{id}/tasks/{task}/findings", r.wrap(r.handleFindings))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		var ve *domain.ValidationError
		switch {
		case errors.As(err, &ve):
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation failed", Fields: ve.Fields})
		case errors.Is(err, domain.ErrServiceUnavailable):
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		case errors.Is(err, domain.ErrRunNotFound),
			errors.Is(err, domain.ErrTaskNotFound),
			errors.Is(err, domain.ErrArtifactNotFound):
			writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		case errors.Is(err, domain.ErrRequestRejected), errors.Is(err, errBadRequest):
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		default:
			r.log.Error("request failed", "method", req.Method, "path", req.URL.Path, "err", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

func decode(req *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(req.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func runID(req *http.Request) (domain.RunID, error) {
	id := chi.URLParam(req, "id")
	if err := mw.ValidateID(id); err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	return domain.RunID(id), nil
}

func taskID(req *http.Request) (domain.TaskID, error) {
	id := chi.URLParam(req, "task")
	if err := mw.ValidateID(id); err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return domain.TaskID(id), nil
}

// POST /v1/{project}/runs
// Body: {"module": "...", "target": {"type": "url", "value": "..."}, "format": "json"}
func (r *Router) handleCreate(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		Module string        `json:"module"`
		Target domain.Target `json:"target"`
		Format string        `json:"format"`
		UserID string        `json:"user_id"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	body.Target.Value = mw.SanitizeString(body.Target.Value)

	// edge checks the service does not do: SSRF and traversal
	v := &domain.ValidationError{}
	if err := mw.ValidateModule(body.Module); err != nil {
		v.Add("module", err.Error())
	}
	switch body.Target.Type {
	case domain.TargetURL, domain.TargetSourcePath, domain.TargetUpload:
		if body.Target.Value != "" {
			if err := mw.ValidateTarget(body.Target); err != nil {
				v.Add("target.value", err.Error())
			}
		}
	}
	if err := v.OrNil(); err != nil {
		return err
	}

	view, err := r.svc.Create(req.Context(), appruns.CreateRunCommand{
		ProjectID: chi.URLParam(req, "project"),
		UserID:    mw.SanitizeString(body.UserID),
		Module:    domain.Module(body.Module),
		Target:    body.Target,
		Format:    domain.ReportFormat(strings.ToLower(body.Format)),
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, view)
}

// GET /v1/{project}/runs?limit=20
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	list, err := r.svc.List(req.Context(), chi.URLParam(req, "project"), mw.ValidateLimit(limit))
	if err != nil {
		return err
	}
	if list == nil {
		list = []*domain.Run{}
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /v1/{project}/runs/{id}?refresh=true
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	id, err := runID(req)
	if err != nil {
		return err
	}
	project := chi.URLParam(req, "project")

	var view *appruns.RunView
	if refresh, _ := strconv.ParseBool(req.URL.Query().Get("refresh")); refresh {
		view, err = r.svc.PollExternal(req.Context(), project, id)
	} else {
		view, err = r.svc.Get(req.Context(), project, id)
	}
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, view)
}

// POST /v1/{project}/runs/{id}/cancel
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	id, err := runID(req)
	if err != nil {
		return err
	}
	view, err := r.svc.Cancel(req.Context(), chi.URLParam(req, "project"), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, view)
}

// GET /v1/{project}/runs/{id}/errors?limit=50
func (r *Router) handleErrors(w http.ResponseWriter, req *http.Request) error {
	id, err := runID(req)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	list, err := r.svc.TaskErrors(req.Context(), chi.URLParam(req, "project"), id, mw.ValidateLimit(limit))
	if err != nil {
		return err
	}
	if list == nil {
		list = []*domain.TaskError{}
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /v1/{project}/runs/{id}/tasks/{task}/report
func (r *Router) handleReport(w http.ResponseWriter, req *http.Request) error {
	id, err := runID(req)
	if err != nil {
		return err
	}
	tid, err := taskID(req)
	if err != nil {
		return err
	}
	art, err := r.svc.Report(req.Context(), chi.URLParam(req, "project"), id, tid)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(art.Path)))
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Body)))
	_, err = w.Write(art.Body)
	return err
}

// GET /v1/{project}/runs/{id}/tasks/{task}/findings
func (r *Router) handleFindings(w http.ResponseWriter, req *http.Request) error {
	id, err := runID(req)
	if err != nil {
		return err
	}
	tid, err := taskID(req)
	if err != nil {
		return err
	}
	view, err := r.svc.Findings(req.Context(), chi.URLParam(req, "project"), id, tid)
	if err != nil {
		return err
	}
	if view.Findings == nil {
		view.Findings = []domain.Finding{}
	}
	return writeJSON(w, http.StatusOK, view)
}

// POST /v1/callbacks/tasks/{task}
// Body: {"scan_id", "status", "progress", "error", "total_findings", "severity_counts"}
func (r *Router) handleCallback(w http.ResponseWriter, req *http.Request) error {
	tid, err := taskID(req)
	if err != nil {
		return err
	}
	var body struct {
		ScanID         string         `json:"scan_id"`
		Status         string         `json:"status"`
		Progress       int            `json:"progress"`
		Error          string         `json:"error"`
		TotalFindings  int            `json:"total_findings"`
		SeverityCounts map[string]int `json:"severity_counts"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	v := &domain.ValidationError{}
	if strings.TrimSpace(body.ScanID) == "" {
		v.Add("scan_id", "required")
	}
	if strings.TrimSpace(body.Status) == "" {
		v.Add("status", "required")
	}
	if err := v.OrNil(); err != nil {
		return err
	}

	obs := domain.Observation{
		State:    domain.ParseExternalState(body.Status),
		Progress: body.Progress,
		Error:    body.Error,
	}
	if obs.Progress < 0 {
		obs.Progress = 0
	}
	if obs.Progress > 100 {
		obs.Progress = 100
	}
	if body.SeverityCounts != nil || body.TotalFindings > 0 {
		c := domain.FromSeverityMap(body.TotalFindings, body.SeverityCounts)
		obs.Findings = &c
	}

	task, err := r.svc.ObserveCallback(req.Context(), tid, body.ScanID, obs)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, task)
}
