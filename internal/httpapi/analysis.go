package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/orchestrator"
)

// handleStartAnalysis queues a run. The body is an orchestrator.Input.
// POST /v1/projects/{id}/analysis
func (h *Handler) handleStartAnalysis(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	var in orchestrator.Input
	if err := decodeBody(w, r, &in, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.orch.Start(r.Context(), projectID, in); err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("Analysis requested",
		zap.String("project_id", projectID),
		zap.String("mode", in.Mode),
		zap.Int("chapters", len(in.Chapters)),
		zap.String("actor", actor(r)),
	)

	p, err := h.orch.Progress(r.Context(), projectID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

// DELETE /v1/projects/{id}/analysis
func (h *Handler) handleCancelAnalysis(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if err := h.orch.Cancel(projectID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"project_id": projectID, "status": "cancelling"})
}

// GET /v1/projects/{id}/analysis
func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.orch.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
