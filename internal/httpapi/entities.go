package httpapi

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/consistency-engine/internal/entities"
	"github.com/Kocoro-lab/consistency-engine/internal/models"
)

type mergeRequest struct {
	SourceIDs []string `json:"source_ids"`
	TargetID  string   `json:"target_id"`
	Note      string   `json:"note,omitempty"`
}

type splitRequest struct {
	Parts []entities.SplitPart `json:"parts"`
}

type aliasRequest struct {
	Alias string `json:"alias"`
}

type reassignRequest struct {
	EntityID string `json:"entity_id"`
}

// mergeView is a history row with its undo availability.
type mergeView struct {
	models.MergeHistory
	Undoable bool `json:"can_undo"`
}

// GET /v1/projects/{id}/entities?include_inactive=
func (h *Handler) handleListEntities(w http.ResponseWriter, r *http.Request) {
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))
	list, err := h.resolver.ListEntities(r.Context(), r.PathValue("id"), includeInactive)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []models.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entities": list, "total": len(list)})
}

// GET /v1/projects/{id}/suggestions
func (h *Handler) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	list, err := h.resolver.Suggest(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []models.MergeSuggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"suggestions": list})
}

// GET /v1/entities/{id}
func (h *Handler) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	detail, err := h.resolver.GetEntity(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// POST /v1/projects/{id}/merges
func (h *Handler) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TargetID == "" || len(req.SourceIDs) == 0 {
		writeError(w, http.StatusBadRequest, "target_id and source_ids are required")
		return
	}
	hist, err := h.resolver.Merge(r.Context(), r.PathValue("id"), req.SourceIDs, req.TargetID, req.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("Entities merged via API",
		zap.String("project_id", hist.ProjectID),
		zap.String("target_id", hist.TargetID),
		zap.Strings("source_ids", hist.SourceIDs),
		zap.String("actor", actor(r)),
	)
	writeJSON(w, http.StatusCreated, mergeView{MergeHistory: *hist, Undoable: hist.CanUndo()})
}

// GET /v1/projects/{id}/merges
func (h *Handler) handleMergeHistory(w http.ResponseWriter, r *http.Request) {
	list, err := h.resolver.ListMergeHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]mergeView, 0, len(list))
	for i := range list {
		out = append(out, mergeView{MergeHistory: list[i], Undoable: list[i].CanUndo()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"merges": out})
}

// handleUndo reverts a merge. Without cascade, later dependent merges are
// reported as conflicts with 409.
// POST /v1/merges/{id}/undo?cascade=
func (h *Handler) handleUndo(w http.ResponseWriter, r *http.Request) {
	cascade, _ := strconv.ParseBool(r.URL.Query().Get("cascade"))
	res, err := h.resolver.Undo(r.Context(), r.PathValue("id"), cascade)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	code := http.StatusOK
	if !res.Applied && len(res.Conflicts) > 0 {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

// POST /v1/entities/{id}/split
func (h *Handler) handleSplit(w http.ResponseWriter, r *http.Request) {
	var req splitRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := h.resolver.Split(r.Context(), r.PathValue("id"), req.Parts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"entities": created})
}

// POST /v1/entities/{id}/aliases
func (h *Handler) handleAddAlias(w http.ResponseWriter, r *http.Request) {
	var req aliasRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, err := h.resolver.AddAlias(r.Context(), r.PathValue("id"), req.Alias)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// DELETE /v1/entities/{id}/aliases/{alias}
func (h *Handler) handleRemoveAlias(w http.ResponseWriter, r *http.Request) {
	e, err := h.resolver.RemoveAlias(r.Context(), r.PathValue("id"), r.PathValue("alias"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// POST /v1/mentions/{id}/reassign
func (h *Handler) handleReassign(w http.ResponseWriter, r *http.Request) {
	var req reassignRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "entity_id is required")
		return
	}
	m, err := h.resolver.ReassignMention(r.Context(), r.PathValue("id"), req.EntityID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
