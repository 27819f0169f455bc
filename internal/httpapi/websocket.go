package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin policy lives in the proxy
}

const (
	wsPongWait   = 60 * time.Second
	wsPingEvery  = 20 * time.Second
	wsWriteLimit = 10 * time.Second
)

// handleWS streams the same events as handleSSE over a WebSocket. Client
// messages are discarded. The socket closes normally after a terminal event.
// GET /v1/projects/{id}/analysis/ws?types=&last_event_id=
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	req := parseStreamRequest(r)
	if _, err := h.orch.Progress(r.Context(), req.projectID); err != nil {
		h.fail(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := h.stream.Subscribe(req.projectID, subscriberBuffer)
	defer h.stream.Unsubscribe(req.projectID, ch)

	sent := req.lastID
	// write reports whether the stream should end.
	write := func(ev streaming.Event) bool {
		if ev.Seq <= sent && ev.Seq > 0 {
			return false
		}
		sent = ev.Seq
		if req.wants(ev) {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteLimit))
			if err := conn.WriteJSON(ev); err != nil {
				return true
			}
		}
		if ev.Terminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ev.Type),
				time.Now().Add(wsWriteLimit))
			return true
		}
		return false
	}

	for _, ev := range h.backlog(req) {
		if write(ev) {
			return
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case ev, ok := <-ch:
			if !ok || write(ev) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteLimit)); err != nil {
				return
			}
		}
	}
}
