package orchestrator

import (
	"context"
	"time"

	"github.com/Kocoro-lab/consistency-engine/internal/alerts"
	"github.com/Kocoro-lab/consistency-engine/internal/attributes"
	"github.com/Kocoro-lab/consistency-engine/internal/entities"
	"github.com/Kocoro-lab/consistency-engine/internal/models"
)

// Phase names reported in progress.
const (
	PhaseExtraction             = "extraction"
	PhaseEntityResolution       = "entity_resolution"
	PhaseAttributeConsolidation = "attribute_consolidation"
	PhaseConsistency            = "consistency"
	PhaseHeavyScoring           = "heavy_scoring"
)

// phaseSpans maps each phase to its share of the percent bar.
var phaseSpans = map[string][2]float64{
	PhaseExtraction:             {0, 30},
	PhaseEntityResolution:       {30, 60},
	PhaseAttributeConsolidation: {60, 75},
	PhaseConsistency:            {75, 85},
	PhaseHeavyScoring:           {85, 100},
}

func phasePercent(phase string, fraction float64) float64 {
	span, ok := phaseSpans[phase]
	if !ok {
		return 0
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return span[0] + (span[1]-span[0])*fraction
}

// Config tunes the orchestrator.
type Config struct {
	// HeavySlots is the number of projects scored by tier2 at once.
	HeavySlots int `mapstructure:"heavy_slots" yaml:"heavy_slots"`
	// HeavyTimeout bounds one heavy run.
	HeavyTimeout time.Duration `mapstructure:"heavy_timeout" yaml:"heavy_timeout"`
	// ResumeOnRestart re-admits persisted heavy-queue entries in Recover.
	ResumeOnRestart bool `mapstructure:"resume_on_restart" yaml:"resume_on_restart"`
	// ProgressRetention keeps finished runs in memory for this long.
	ProgressRetention time.Duration `mapstructure:"progress_retention" yaml:"progress_retention"`
	// CheckpointEvery is the pair batch size between cancellation checks in tier1 scoring.
	CheckpointEvery int `mapstructure:"checkpoint_every" yaml:"checkpoint_every"`
	// HeavyRescoreAll sends every candidate pair to tier2, not only ambiguous ones.
	HeavyRescoreAll bool `mapstructure:"heavy_rescore_all" yaml:"heavy_rescore_all"`
	// ContextChars is the number of characters kept on each side of a mention
	// for context-aware signals.
	ContextChars int `mapstructure:"context_chars" yaml:"context_chars"`
}

// DefaultConfig returns the shipped orchestrator settings.
func DefaultConfig() Config {
	return Config{
		HeavySlots:        1,
		HeavyTimeout:      30 * time.Minute,
		ProgressRetention: 5 * time.Minute,
		CheckpointEvery:   25,
		ContextChars:      80,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeavySlots < 1 {
		c.HeavySlots = d.HeavySlots
	}
	if c.HeavyTimeout <= 0 {
		c.HeavyTimeout = d.HeavyTimeout
	}
	if c.ProgressRetention <= 0 {
		c.ProgressRetention = d.ProgressRetention
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = d.CheckpointEvery
	}
	if c.ContextChars < 0 {
		c.ContextChars = 0
	}
	return c
}

// Chapter is one unit of document text.
type Chapter struct {
	ID     string `json:"id"`
	Number int    `json:"number"`
	Title  string `json:"title"`
	Text   string `json:"text"`
}

// Input is what a caller submits to Start.
type Input struct {
	Mode     string                 `json:"mode"`
	Chapters []Chapter              `json:"chapters"`
	Findings []alerts.CreateRequest `json:"findings,omitempty"`
}

// ChapterExtraction is the raw NLP output for one chapter.
type ChapterExtraction struct {
	Mentions   []entities.RawMention  `json:"mentions"`
	Attributes []attributes.Candidate `json:"attributes"`
}

// Extractor produces raw mentions and attribute candidates for a chapter.
type Extractor interface {
	ExtractChapter(ctx context.Context, projectID string, ch Chapter) (ChapterExtraction, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, projectID string, ch Chapter) (ChapterExtraction, error)

func (f ExtractorFunc) ExtractChapter(ctx context.Context, projectID string, ch Chapter) (ChapterExtraction, error) {
	return f(ctx, projectID, ch)
}

// ProgressSink persists progress snapshots. The store satisfies it
// synchronously; the db write queue satisfies it asynchronously.
type ProgressSink interface {
	SaveProgress(ctx context.Context, p *models.AnalysisProgress) error
}
