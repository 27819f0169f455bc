package models

import "time"

// AnalysisStatus is the per-project analysis state.
type AnalysisStatus string

const (
	StatusIdle           AnalysisStatus = "idle"
	StatusQueued         AnalysisStatus = "queued"
	StatusRunningTier1   AnalysisStatus = "running_tier1"
	StatusQueuedForHeavy AnalysisStatus = "queued_for_heavy"
	StatusRunningTier2   AnalysisStatus = "running_tier2"
	StatusCompleted      AnalysisStatus = "completed"
	StatusCancelled      AnalysisStatus = "cancelled"
	StatusError          AnalysisStatus = "error"
)

// Terminal reports whether no further transition happens without a new run.
func (s AnalysisStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusError:
		return true
	}
	return false
}

// Active reports whether a run currently owns the project.
func (s AnalysisStatus) Active() bool {
	switch s {
	case StatusQueued, StatusRunningTier1, StatusQueuedForHeavy, StatusRunningTier2:
		return true
	}
	return false
}

// Analysis modes
const (
	ModeFull    = "full"
	ModeExpress = "express"
)

// Project is the root scope of every other record.
type Project struct {
	ID             string         `db:"id" json:"id"`
	Name           string         `db:"name" json:"name"`
	AnalysisStatus AnalysisStatus `db:"analysis_status" json:"analysis_status"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// EntityType classifies what an entity refers to.
type EntityType string

const (
	EntityCharacter    EntityType = "character"
	EntityLocation     EntityType = "location"
	EntityOrganization EntityType = "organization"
	EntityObject       EntityType = "object"
	EntityEvent        EntityType = "event"
	EntityConcept      EntityType = "concept"
	EntityOther        EntityType = "other"
)

// Importance is the narrative weight of an entity.
type Importance string

const (
	ImportanceMain      Importance = "main"
	ImportanceSecondary Importance = "secondary"
	ImportanceMinor     Importance = "minor"
	ImportanceMentioned Importance = "mentioned"
)

// Mention is a text span referring to an entity. Only EntityID ever changes.
type Mention struct {
	ID           string    `db:"id" json:"id"`
	ProjectID    string    `db:"project_id" json:"project_id"`
	EntityID     string    `db:"entity_id" json:"entity_id"`
	SurfaceForm  string    `db:"surface_form" json:"surface_form"`
	StartChar    int       `db:"start_char" json:"start_char"`
	EndChar      int       `db:"end_char" json:"end_char"`
	ChapterID    string    `db:"chapter_id" json:"chapter_id"`
	SourceSignal string    `db:"source_signal" json:"source_signal"`
	Confidence   float64   `db:"confidence" json:"confidence"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Entity is the canonical referent mentions resolve to.
type Entity struct {
	ID            string     `db:"id" json:"id"`
	ProjectID     string     `db:"project_id" json:"project_id"`
	CanonicalName string     `db:"canonical_name" json:"canonical_name"`
	Aliases       StringList `db:"aliases" json:"aliases"`
	Type          EntityType `db:"entity_type" json:"type"`
	Importance    Importance `db:"importance" json:"importance"`
	Active        bool       `db:"active" json:"active"`
	MentionCount  int        `db:"mention_count" json:"mention_count"`
	MergedFrom    StringList `db:"merged_from" json:"merged_from,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// Names returns the canonical name followed by every alias.
func (e *Entity) Names() []string {
	out := make([]string, 0, len(e.Aliases)+1)
	out = append(out, e.CanonicalName)
	return append(out, e.Aliases...)
}

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	e.Aliases = append(StringList(nil), e.Aliases...)
	e.MergedFrom = append(StringList(nil), e.MergedFrom...)
	return e
}

// ExtractionMethod records how an attribute observation was obtained.
type ExtractionMethod string

const (
	MethodDirectDescription ExtractionMethod = "direct_description"
	MethodActionInference   ExtractionMethod = "action_inference"
	MethodDialogue          ExtractionMethod = "dialogue"
	MethodUnknown           ExtractionMethod = "unknown"
)

// MaxExcerptLength bounds stored evidence excerpts, in characters.
const MaxExcerptLength = 200

// Attribute is a (key, normalized value) pair of an entity. It always carries
// at least one Evidence.
type Attribute struct {
	ID              string     `db:"id" json:"id"`
	ProjectID       string     `db:"project_id" json:"project_id"`
	EntityID        string     `db:"entity_id" json:"entity_id"`
	Category        string     `db:"category" json:"category"`
	Key             string     `db:"attr_key" json:"key"`
	Value           string     `db:"value" json:"value"`
	NormalizedValue string     `db:"normalized_value" json:"normalized_value"`
	Confidence      float64    `db:"confidence" json:"confidence"`
	Evidence        []Evidence `db:"-" json:"evidence"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Clone returns a deep copy including evidence.
func (a Attribute) Clone() Attribute {
	ev := make([]Evidence, len(a.Evidence))
	for i := range a.Evidence {
		ev[i] = a.Evidence[i]
		ev[i].Keywords = append(StringList(nil), a.Evidence[i].Keywords...)
	}
	a.Evidence = ev
	return a
}

// Evidence is one located observation supporting an Attribute.
type Evidence struct {
	ID          string           `db:"id" json:"id"`
	AttributeID string           `db:"attribute_id" json:"attribute_id"`
	ProjectID   string           `db:"project_id" json:"project_id"`
	ChapterID   string           `db:"chapter_id" json:"chapter_id"`
	StartChar   int              `db:"start_char" json:"start_char"`
	EndChar     int              `db:"end_char" json:"end_char"`
	Excerpt     string           `db:"excerpt" json:"excerpt"`
	Method      ExtractionMethod `db:"method" json:"extraction_method"`
	Keywords    StringList       `db:"keywords" json:"keywords"`
	Confidence  float64          `db:"confidence" json:"confidence"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
}

// SameLocation reports whether two evidence rows describe the same span.
func (e Evidence) SameLocation(o Evidence) bool {
	return e.ChapterID == o.ChapterID && e.StartChar == o.StartChar && e.EndChar == o.EndChar
}

// EntitySnapshot freezes an entity and what it owned before a merge.
type EntitySnapshot struct {
	Entity       Entity      `json:"entity"`
	MentionIDs   []string    `json:"mention_ids"`
	AttributeIDs []string    `json:"attribute_ids"`
	Attributes   []Attribute `json:"attributes,omitempty"`
}

// MergeHistory is the immutable log entry of one merge.
type MergeHistory struct {
	ID             string           `db:"id" json:"id"`
	ProjectID      string           `db:"project_id" json:"project_id"`
	Sequence       int64            `db:"seq" json:"sequence"`
	TargetID       string           `db:"target_id" json:"target_id"`
	SourceIDs      StringList       `db:"source_ids" json:"source_ids"`
	Snapshots      []EntitySnapshot `db:"-" json:"snapshots"`
	ResultSnapshot Entity           `db:"-" json:"result"`
	Note           string           `db:"note" json:"note,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	UndoneAt       *time.Time       `db:"undone_at" json:"undone_at,omitempty"`
}

// CanUndo reports whether the merge is still in effect.
func (h *MergeHistory) CanUndo() bool { return h.UndoneAt == nil }

// Involves reports whether the merge touched entityID as source or target.
func (h *MergeHistory) Involves(entityID string) bool {
	if h.TargetID == entityID {
		return true
	}
	for _, id := range h.SourceIDs {
		if id == entityID {
			return true
		}
	}
	return false
}

// MergeSuggestion is a candidate pair whose consensus score passed the threshold.
type MergeSuggestion struct {
	ProjectID      string             `json:"project_id"`
	EntityA        string             `json:"entity_a"`
	EntityB        string             `json:"entity_b"`
	NameA          string             `json:"name_a"`
	NameB          string             `json:"name_b"`
	Score          float64            `json:"score"`
	Signals        map[string]float64 `json:"signals"`
	AppliedWeights map[string]float64 `json:"applied_weights"`
	Reason         string             `json:"reason,omitempty"`
}

// Alert categories
const (
	CategoryConsistency = "consistency"
	CategoryStyle       = "style"
	CategoryBehavioral  = "behavioral"
	CategoryStructural  = "structural"
	CategoryEntity      = "entity"
	CategoryOrthography = "orthography"
	CategoryGrammar     = "grammar"
	CategoryTimeline    = "timeline"
	CategoryOther       = "other"
)

// Severity of an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
	SeverityHint     Severity = "hint"
)

// Rank orders severities, most severe first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	case SeverityInfo:
		return 2
	case SeverityHint:
		return 3
	}
	return 4
}

// AlertStatus is derived from the newest AlertTransition.
type AlertStatus string

const (
	AlertNew          AlertStatus = "new"
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertInProgress   AlertStatus = "in_progress"
	AlertResolved     AlertStatus = "resolved"
	AlertDismissed    AlertStatus = "dismissed"
	AlertAutoResolved AlertStatus = "auto_resolved"
)

// Closed reports whether the alert needs no further review.
func (s AlertStatus) Closed() bool {
	return s == AlertResolved || s == AlertDismissed || s == AlertAutoResolved
}

// Alert is a persistent, reviewable record of a detected issue.
type Alert struct {
	ID             string      `db:"id" json:"id"`
	ProjectID      string      `db:"project_id" json:"project_id"`
	Category       string      `db:"category" json:"category"`
	Severity       Severity    `db:"severity" json:"severity"`
	Status         AlertStatus `db:"status" json:"status"`
	AlertType      string      `db:"alert_type" json:"alert_type"`
	Title          string      `db:"title" json:"title"`
	Description    string      `db:"description" json:"description"`
	Explanation    string      `db:"explanation" json:"explanation"`
	Suggestion     string      `db:"suggestion" json:"suggestion,omitempty"`
	EntityIDs      StringList  `db:"entity_ids" json:"entity_ids"`
	ChapterID      string      `db:"chapter_id" json:"chapter_id,omitempty"`
	StartChar      *int        `db:"start_char" json:"start_char,omitempty"`
	EndChar        *int        `db:"end_char" json:"end_char,omitempty"`
	Excerpt        string      `db:"excerpt" json:"excerpt,omitempty"`
	Confidence     float64     `db:"confidence" json:"confidence"`
	Source         string      `db:"source" json:"source"`
	ContentHash    string      `db:"content_hash" json:"content_hash"`
	Extra          JSONB       `db:"extra" json:"extra,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
	ResolvedAt     *time.Time  `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolutionNote string      `db:"resolution_note" json:"resolution_note,omitempty"`
}

// AlertTransition is one append-only row of an alert's status history.
type AlertTransition struct {
	ID         string      `db:"id" json:"id"`
	AlertID    string      `db:"alert_id" json:"alert_id"`
	ProjectID  string      `db:"project_id" json:"project_id"`
	FromStatus AlertStatus `db:"from_status" json:"from_status"`
	ToStatus   AlertStatus `db:"to_status" json:"to_status"`
	Note       string      `db:"note" json:"note,omitempty"`
	Actor      string      `db:"actor" json:"actor,omitempty"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}

// AnalysisProgress is the per-project progress record.
type AnalysisProgress struct {
	ProjectID        string             `db:"project_id" json:"project_id"`
	Status           AnalysisStatus     `db:"status" json:"status"`
	Mode             string             `db:"mode" json:"mode"`
	CurrentPhase     string             `db:"current_phase" json:"current_phase"`
	Percent          float64            `db:"percent" json:"percent"`
	Metrics          map[string]float64 `db:"-" json:"metrics"`
	PhasesCompleted  StringList         `db:"phases_completed" json:"phases_completed"`
	Error            string             `db:"error" json:"error,omitempty"`
	CancelReason     string             `db:"cancel_reason" json:"cancel_reason,omitempty"`
	Degraded         bool               `db:"degraded" json:"degraded"`
	AffectedChapters StringList         `db:"affected_chapters" json:"affected_chapters,omitempty"`
	NeedsResubmit    bool               `db:"needs_resubmit" json:"needs_resubmit"`
	StartedAt        time.Time          `db:"started_at" json:"started_at"`
	UpdatedAt        time.Time          `db:"updated_at" json:"updated_at"`
	FinishedAt       *time.Time         `db:"finished_at" json:"finished_at,omitempty"`
}

// Clone returns a deep copy.
func (p AnalysisProgress) Clone() AnalysisProgress {
	if p.Metrics != nil {
		m := make(map[string]float64, len(p.Metrics))
		for k, v := range p.Metrics {
			m[k] = v
		}
		p.Metrics = m
	}
	p.PhasesCompleted = append(StringList(nil), p.PhasesCompleted...)
	p.AffectedChapters = append(StringList(nil), p.AffectedChapters...)
	if p.FinishedAt != nil {
		t := *p.FinishedAt
		p.FinishedAt = &t
	}
	return p
}

// HeavyQueueEntry is the lightweight handle of a project waiting for a heavy slot.
type HeavyQueueEntry struct {
	ProjectID       string     `db:"project_id" json:"project_id"`
	Mode            string     `db:"mode" json:"mode"`
	CompletedPhases StringList `db:"completed_phases" json:"completed_phases"`
	CandidatePairs  PairList   `db:"candidate_pairs" json:"candidate_pairs"`
	EnqueuedAt      time.Time  `db:"enqueued_at" json:"enqueued_at"`
}
