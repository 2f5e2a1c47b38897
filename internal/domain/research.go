package domain

import "time"

// Finding is one extracted piece of information from the research loop.
type Finding struct {
	ID          string    `json:"id"`
	Subtopic    string    `json:"subtopic,omitempty"`
	Content     string    `json:"content"`
	Source      string    `json:"source,omitempty"`
	CollectedAt time.Time `json:"collected_at"`
}

// SaturationLevel classifies how exhausted a research direction is.
type SaturationLevel string

const (
	SaturationLow       SaturationLevel = "low"
	SaturationMedium    SaturationLevel = "medium"
	SaturationHigh      SaturationLevel = "high"
	SaturationSaturated SaturationLevel = "saturated"
)

var saturationOrder = map[SaturationLevel]int{
	SaturationLow:       0,
	SaturationMedium:    1,
	SaturationHigh:      2,
	SaturationSaturated: 3,
}

// Index returns the ordinal position of the level (0=low).
func (s SaturationLevel) Index() int {
	return saturationOrder[s]
}

// SaturationMetrics is recomputed from the full findings set on every
// evaluation tick, never mutated incrementally.
type SaturationMetrics struct {
	TotalFindings   int             `json:"total_findings"`
	UniquePoints    int             `json:"unique_points"`
	DuplicateRate   float64         `json:"duplicate_rate"`
	NewInfoRate     float64         `json:"new_info_rate"`
	CoverageScore   float64         `json:"coverage_score"`
	QualityScore    float64         `json:"quality_score"`
	SaturationLevel SaturationLevel `json:"saturation_level"`
	Confidence      float64         `json:"confidence"`
}

// DepthAction is what the advisor recommends the research loop do next.
type DepthAction string

const (
	DepthContinue        DepthAction = "continue"
	DepthContinueFocused DepthAction = "continue_focused"
	DepthConsiderStop    DepthAction = "consider_stop"
	DepthStop            DepthAction = "stop"
)

// DepthAdvice is the advisor output. Ephemeral: recomputed, not stored.
// The calling loop or the user decides whether to act on it.
type DepthAdvice struct {
	Action           DepthAction       `json:"action"`
	CurrentDepth     int               `json:"current_depth"`
	SuggestedDepth   int               `json:"suggested_depth,omitempty"`
	Metrics          SaturationMetrics `json:"metrics"`
	Reason           string            `json:"reason"`
	FocusSuggestions []string          `json:"focus_suggestions,omitempty"`
	// EstimatedNewInfo is the forward-looking expected marginal value of
	// continuing, distinct from the backward-looking duplicate rate.
	EstimatedNewInfo float64 `json:"estimated_new_info"`
}

// DepthConfig tunes the saturation advisor.
type DepthConfig struct {
	// SimilarityThreshold above which two findings count as duplicates.
	SimilarityThreshold float64 `json:"similarity_threshold"`
	// Window is the number of trailing findings used for the duplicate rate.
	Window int `json:"window"`
	// BatchSize is how many of the most recent findings form the batch whose
	// novelty defines the new-info rate.
	BatchSize int `json:"batch_size"`
	// Subtopics is the originally planned coverage set.
	Subtopics []string `json:"subtopics,omitempty"`
	// MaxDepth caps the suggested depth.
	MaxDepth int `json:"max_depth"`
}
