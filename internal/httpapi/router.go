package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/alerts"
	"github.com/Kocoro-lab/consistency-engine/internal/auth"
	"github.com/Kocoro-lab/consistency-engine/internal/entities"
	"github.com/Kocoro-lab/consistency-engine/internal/metrics"
	"github.com/Kocoro-lab/consistency-engine/internal/orchestrator"
	"github.com/Kocoro-lab/consistency-engine/internal/store"
	"github.com/Kocoro-lab/consistency-engine/internal/streaming"
)

// maxBodyBytes limits request bodies; a Start request carries full chapter text.
const maxBodyBytes = 32 << 20

// Handler serves the /v1 API.
type Handler struct {
	orch     *orchestrator.Orchestrator
	resolver *entities.Resolver
	alerts   *alerts.Manager
	stream   *streaming.Manager
	logger   *zap.Logger
}

// NewHandler wires the API to the engine components.
func NewHandler(orch *orchestrator.Orchestrator, resolver *entities.Resolver, am *alerts.Manager, stream *streaming.Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{orch: orch, resolver: resolver, alerts: am, stream: stream, logger: logger}
}

// RegisterRoutes registers every /v1 route on mux. With a nil middleware the
// routes are served unauthenticated.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, mw *auth.Middleware) {
	handle := func(pattern, scope string, fn http.HandlerFunc) {
		var next http.Handler = fn
		if mw != nil {
			next = mw.HTTPMiddleware(auth.RequireScope(scope, next))
		}
		mux.Handle(pattern, instrument(next))
	}

	// Analysis
	handle("POST /v1/projects/{id}/analysis", auth.ScopeWrite, h.handleStartAnalysis)
	handle("DELETE /v1/projects/{id}/analysis", auth.ScopeWrite, h.handleCancelAnalysis)
	handle("GET /v1/projects/{id}/analysis", auth.ScopeRead, h.handleProgress)
	handle("GET /v1/projects/{id}/analysis/stream", auth.ScopeRead, h.handleSSE)
	handle("GET /v1/projects/{id}/analysis/ws", auth.ScopeRead, h.handleWS)

	// Entities
	handle("GET /v1/projects/{id}/entities", auth.ScopeRead, h.handleListEntities)
	handle("GET /v1/projects/{id}/suggestions", auth.ScopeRead, h.handleSuggestions)
	handle("GET /v1/entities/{id}", auth.ScopeRead, h.handleGetEntity)
	handle("POST /v1/projects/{id}/merges", auth.ScopeWrite, h.handleMerge)
	handle("GET /v1/projects/{id}/merges", auth.ScopeRead, h.handleMergeHistory)
	handle("POST /v1/merges/{id}/undo", auth.ScopeWrite, h.handleUndo)
	handle("POST /v1/entities/{id}/split", auth.ScopeWrite, h.handleSplit)
	handle("POST /v1/entities/{id}/aliases", auth.ScopeWrite, h.handleAddAlias)
	handle("DELETE /v1/entities/{id}/aliases/{alias}", auth.ScopeWrite, h.handleRemoveAlias)
	handle("POST /v1/mentions/{id}/reassign", auth.ScopeWrite, h.handleReassign)

	// Alerts
	handle("GET /v1/projects/{id}/alerts", auth.ScopeRead, h.handleListAlerts)
	handle("POST /v1/projects/{id}/alerts/resolve-all", auth.ScopeWrite, h.handleResolveAll)
	handle("GET /v1/alerts/{id}", auth.ScopeRead, h.handleGetAlert)
	handle("GET /v1/alerts/{id}/history", auth.ScopeRead, h.handleAlertHistory)
	for action := range alertActions {
		handle("POST /v1/alerts/{id}/"+action, auth.ScopeWrite, h.handleAlertAction(action))
	}
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrProjectNotFound),
		errors.Is(err, orchestrator.ErrNotRunning),
		errors.Is(err, entities.ErrEntityNotFound),
		errors.Is(err, entities.ErrMentionNotFound),
		errors.Is(err, entities.ErrHistoryNotFound),
		errors.Is(err, alerts.ErrAlertNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrAlreadyRunning),
		errors.Is(err, entities.ErrAlreadyUndone),
		errors.Is(err, alerts.ErrInvalidTransition),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrInvalidInput),
		errors.Is(err, entities.ErrInvalidMergeTarget),
		errors.Is(err, entities.ErrInvalidSplit),
		errors.Is(err, entities.ErrInvalidAlias),
		errors.Is(err, alerts.ErrInvalidAlert):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrShuttingDown),
		errors.Is(err, entities.ErrNoScorer):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// decodeBody reads a JSON body into v. An empty body is allowed when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// actor names the caller for audit fields.
func actor(r *http.Request) string {
	if uc, err := auth.GetUserContext(r.Context()); err == nil {
		return uc.Subject
	}
	return "api"
}

// statusRecorder captures the response code for metrics. It passes Flush and
// Hijack through so SSE and WebSocket handlers keep working.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	s.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordHTTPRequest(r.Pattern, rec.code, time.Since(start).Seconds())
	})
}
