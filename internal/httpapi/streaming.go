package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/streaming"
)

const subscriberBuffer = 256

// streamRequest holds the options shared by the SSE and WebSocket endpoints.
type streamRequest struct {
	projectID string
	lastID    uint64
	types     map[string]struct{}
}

func parseStreamRequest(r *http.Request) streamRequest {
	req := streamRequest{projectID: r.PathValue("id"), types: map[string]struct{}{}}
	for _, t := range splitValues(r.URL.Query()["types"]) {
		req.types[t] = struct{}{}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			req.lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && req.lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			req.lastID = n
		}
	}
	return req
}

func (s streamRequest) wants(ev streaming.Event) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[ev.Type]
	return ok
}

// backlog returns replayed events after lastID. Subscribing before replay
// means live events may repeat the tail; callers drop them by sequence.
func (h *Handler) backlog(req streamRequest) []streaming.Event {
	if req.lastID == 0 {
		return nil
	}
	return h.stream.ReplaySince(req.projectID, req.lastID)
}

// handleSSE streams progress events for a project via Server-Sent Events.
// The stream ends after a terminal event.
// GET /v1/projects/{id}/analysis/stream?types=&last_event_id=
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	req := parseStreamRequest(r)
	if _, err := h.orch.Progress(r.Context(), req.projectID); err != nil {
		h.fail(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := h.stream.Subscribe(req.projectID, subscriberBuffer)
	defer h.stream.Unsubscribe(req.projectID, ch)

	fmt.Fprintf(w, ": connected to project %s\n\n", req.projectID)
	flusher.Flush()

	sent := req.lastID
	write := func(ev streaming.Event) bool {
		if ev.Seq <= sent && ev.Seq > 0 {
			return false
		}
		sent = ev.Seq
		if req.wants(ev) {
			writeSSE(w, ev)
			flusher.Flush()
		}
		return ev.Terminal()
	}

	for _, ev := range h.backlog(req) {
		if write(ev) {
			return
		}
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("project_id", req.projectID))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if write(ev) {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", strings.ReplaceAll(ev.Type, "\n", " "))
	}
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}
