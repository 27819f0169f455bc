package alerts

import (
	"sort"
	"strings"

	"github.com/Kocoro-lab/consistency-engine/internal/models"
	"github.com/Kocoro-lab/consistency-engine/internal/normalize"
)

// Filter selects alerts. Empty slices and zero values match everything.
type Filter struct {
	Categories    []string             `json:"categories,omitempty"`
	Severities    []models.Severity    `json:"severities,omitempty"`
	Statuses      []models.AlertStatus `json:"statuses,omitempty"`
	ChapterID     string               `json:"chapter_id,omitempty"`
	EntityID      string               `json:"entity_id,omitempty"`
	MinConfidence *float64             `json:"min_confidence,omitempty"`
	MaxConfidence *float64             `json:"max_confidence,omitempty"`
	Query         string               `json:"query,omitempty"`
	Limit         int                  `json:"limit,omitempty"`
	Offset        int                  `json:"offset,omitempty"`
}

// Page is one window of a filtered, sorted alert list.
type Page struct {
	Alerts []models.Alert `json:"alerts"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// Match reports whether a satisfies every criterion of f except pagination.
func (f Filter) Match(a *models.Alert) bool {
	if len(f.Categories) > 0 && !containsFold(f.Categories, a.Category) {
		return false
	}
	if len(f.Severities) > 0 && !contains(f.Severities, a.Severity) {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, a.Status) {
		return false
	}
	if f.ChapterID != "" && a.ChapterID != f.ChapterID {
		return false
	}
	if f.EntityID != "" && !a.EntityIDs.Contains(f.EntityID) {
		return false
	}
	if f.MinConfidence != nil && a.Confidence < *f.MinConfidence {
		return false
	}
	if f.MaxConfidence != nil && a.Confidence > *f.MaxConfidence {
		return false
	}
	if q := normalize.Value(f.Query); q != "" {
		hay := normalize.Value(a.Title + " " + a.Description + " " + a.Excerpt)
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}

// Apply filters, sorts by severity rank then creation time, and paginates.
// It does not modify its input.
func Apply(all []models.Alert, f Filter) Page {
	matched := make([]models.Alert, 0, len(all))
	for i := range all {
		if f.Match(&all[i]) {
			matched = append(matched, all[i])
		}
	}
	Sort(matched)

	page := Page{Total: len(matched), Limit: f.Limit, Offset: f.Offset}
	start := min(max(f.Offset, 0), len(matched))
	end := len(matched)
	if f.Limit > 0 {
		end = min(start+f.Limit, end)
	}
	page.Alerts = matched[start:end]
	return page
}

// Sort orders alerts by severity, most severe first, then oldest first.
func Sort(list []models.Alert) {
	sort.SliceStable(list, func(i, j int) bool {
		ri, rj := list[i].Severity.Rank(), list[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}
