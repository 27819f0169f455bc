package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Kocoro-lab/consistency-engine/internal/alerts"
	"github.com/Kocoro-lab/consistency-engine/internal/models"
)

type transitionFunc func(m *alerts.Manager, ctx context.Context, id, note, actor string) (*models.Alert, error)

// alertActions are the user transitions exposed as POST /v1/alerts/{id}/<action>.
var alertActions = map[string]transitionFunc{
	"resolve":     (*alerts.Manager).Resolve,
	"dismiss":     (*alerts.Manager).Dismiss,
	"reopen":      (*alerts.Manager).Reopen,
	"acknowledge": (*alerts.Manager).Acknowledge,
	"start":       (*alerts.Manager).StartProgress,
}

type transitionRequest struct {
	Note string `json:"note,omitempty"`
}

type resolveAllRequest struct {
	alerts.Filter
	Note string `json:"note,omitempty"`
}

// parseFilter reads alert filter query parameters. List parameters accept
// repeated keys and comma-separated values.
func parseFilter(q url.Values) (alerts.Filter, error) {
	f := alerts.Filter{
		Categories: splitValues(q["category"]),
		ChapterID:  q.Get("chapter"),
		EntityID:   q.Get("entity"),
		Query:      q.Get("q"),
	}
	for _, s := range splitValues(q["severity"]) {
		sev := models.Severity(strings.ToLower(s))
		if sev.Rank() > models.SeverityHint.Rank() {
			return f, fmt.Errorf("unknown severity %q", s)
		}
		f.Severities = append(f.Severities, sev)
	}
	for _, s := range splitValues(q["status"]) {
		st := models.AlertStatus(strings.ToLower(s))
		if !alerts.ValidStatus(st) {
			return f, fmt.Errorf("unknown status %q", s)
		}
		f.Statuses = append(f.Statuses, st)
	}
	var err error
	if f.MinConfidence, err = parseConfidence(q, "min_confidence"); err != nil {
		return f, err
	}
	if f.MaxConfidence, err = parseConfidence(q, "max_confidence"); err != nil {
		return f, err
	}
	if f.Limit, err = parseNonNegative(q, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = parseNonNegative(q, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func splitValues(raw []string) []string {
	var out []string
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseConfidence(q url.Values, key string) (*float64, error) {
	s := q.Get(key)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || v > 1 {
		return nil, fmt.Errorf("%s must be a number in [0,1]", key)
	}
	return &v, nil
}

func parseNonNegative(q url.Values, key string) (int, error) {
	s := q.Get(key)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}

// GET /v1/projects/{id}/alerts
func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := h.alerts.Filter(r.Context(), r.PathValue("id"), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if page.Alerts == nil {
		page.Alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, page)
}

// GET /v1/alerts/{id}
func (h *Handler) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.alerts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GET /v1/alerts/{id}/history
func (h *Handler) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	list, err := h.alerts.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []models.AlertTransition{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transitions": list})
}

func (h *Handler) handleAlertAction(action string) http.HandlerFunc {
	fn := alertActions[action]
	return func(w http.ResponseWriter, r *http.Request) {
		var req transitionRequest
		if err := decodeBody(w, r, &req, true); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a, err := fn(h.alerts, r.Context(), r.PathValue("id"), req.Note, actor(r))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

// handleResolveAll resolves every open alert matching the body's filter and
// reports the outcome per alert.
// POST /v1/projects/{id}/alerts/resolve-all
func (h *Handler) handleResolveAll(w http.ResponseWriter, r *http.Request) {
	var req resolveAllRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.alerts.ResolveAll(r.Context(), r.PathValue("id"), req.Filter, req.Note, actor(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
