package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	appruns "github.com/bryanwahyu/automaton-dashboard/internal/application/runs"
	mw "github.com/bryanwahyu/automaton-dashboard/internal/middleware"
)

// writeEvent renders one SSE frame.
func writeEvent(w io.Writer, ev appruns.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Kind, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}

// GET /v1/{project}/runs/{id}/stream
//
// Errors before the first byte go through wrap; after that the stream just
// ends (client disconnect, run done, max duration).
func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) error {
	id, err := runID(req)
	if err != nil {
		return err
	}
	project := chi.URLParam(req, "project")
	if _, err := r.svc.Get(req.Context(), project, id); err != nil {
		return err
	}

	rc := http.NewResponseController(w)
	// server-wide WriteTimeout would cut a long stream
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		r.log.Debug("stream write deadline", "err", err)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	mw.IncrementStreamsOpen()
	defer mw.DecrementStreamsOpen()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	events := make(chan appruns.Event, 16)
	errc := make(chan error, 1)
	go func() {
		errc <- r.streamer.Stream(ctx, project, id, events)
		close(events)
	}()

	// one writer: this goroutine. On a write error the producer is
	// cancelled and the channel drained until it closes.
	failed := false
	for ev := range events {
		if failed {
			continue
		}
		if err := writeEvent(w, ev); err != nil {
			failed = true
			cancel()
			continue
		}
		if err := rc.Flush(); err != nil {
			failed = true
			cancel()
		}
	}
	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("stream ended with error", "run", id, "err", err)
	}
	return nil
}
