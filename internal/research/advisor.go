// Package research implements the saturation advisor: it watches the stream
// of extracted findings and recommends when an open-ended research loop has
// stopped producing new value. It only advises; the loop or the user decides.
package research

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"agentgate/internal/domain"
)

const (
	defaultSimilarityThreshold = 0.6
	defaultWindow              = 10
	defaultBatchSize           = 5
	defaultMaxDepth            = 5

	// estimatedNewInfoFloor under which a "high" saturation tips into
	// consider_stop.
	estimatedNewInfoFloor = 0.15

	// stalledTicksForSaturation forces the saturated level after this many
	// consecutive evaluations that added zero unique points, even when
	// coverage is still incomplete.
	stalledTicksForSaturation = 5
)

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

// Advisor evaluates the accumulated findings set. It keeps a small amount of
// state across ticks (the new-info-rate history for decay extrapolation and
// the zero-progress streak); metrics themselves are recomputed from scratch
// every evaluation.
type Advisor struct {
	cfg    domain.DepthConfig
	logger *slog.Logger

	mu          sync.Mutex
	rateHistory []float64
	lastUnique  int
	zeroStreak  int
}

func NewAdvisor(cfg domain.DepthConfig, logger *slog.Logger) *Advisor {
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = defaultSimilarityThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	return &Advisor{cfg: cfg, logger: logger}
}

// Reset clears cross-tick state for a new research run.
func (a *Advisor) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rateHistory = nil
	a.lastUnique = 0
	a.zeroStreak = 0
}

// Evaluate recomputes the saturation metrics over the full findings set and
// maps them to a depth recommendation.
func (a *Advisor) Evaluate(findings []domain.Finding, currentDepth int) domain.DepthAdvice {
	a.mu.Lock()
	defer a.mu.Unlock()

	metrics := a.computeMetrics(findings)

	// Track progress across ticks for the stall detector and the decay
	// extrapolation.
	if metrics.UniquePoints > a.lastUnique {
		a.zeroStreak = 0
	} else {
		a.zeroStreak++
	}
	a.lastUnique = metrics.UniquePoints
	a.rateHistory = append(a.rateHistory, metrics.NewInfoRate)

	if a.zeroStreak >= stalledTicksForSaturation {
		metrics.SaturationLevel = domain.SaturationSaturated
	}

	estimated := a.extrapolateNewInfo()
	focus := a.uncoveredSubtopics(findings)

	advice := domain.DepthAdvice{
		CurrentDepth:     currentDepth,
		Metrics:          metrics,
		FocusSuggestions: focus,
		EstimatedNewInfo: estimated,
	}

	switch {
	case metrics.SaturationLevel == domain.SaturationSaturated:
		advice.Action = domain.DepthStop
		advice.SuggestedDepth = currentDepth
		advice.Reason = fmt.Sprintf("research is saturated: %d unique points out of %d findings, new info rate %.2f",
			metrics.UniquePoints, metrics.TotalFindings, metrics.NewInfoRate)
	case metrics.SaturationLevel == domain.SaturationHigh && estimated < estimatedNewInfoFloor && len(focus) == 0:
		advice.Action = domain.DepthConsiderStop
		advice.SuggestedDepth = currentDepth
		advice.Reason = fmt.Sprintf("diminishing returns: estimated new info %.2f below %.2f and no uncovered subtopics",
			estimated, estimatedNewInfoFloor)
	case metrics.SaturationLevel == domain.SaturationHigh && len(focus) > 0:
		advice.Action = domain.DepthContinueFocused
		advice.SuggestedDepth = minInt(currentDepth+1, a.cfg.MaxDepth)
		advice.Reason = fmt.Sprintf("general coverage is saturating but %d subtopics have no findings yet", len(focus))
	default:
		advice.Action = domain.DepthContinue
		advice.SuggestedDepth = minInt(currentDepth+1, a.cfg.MaxDepth)
		advice.Reason = fmt.Sprintf("still productive: new info rate %.2f, coverage %.2f",
			metrics.NewInfoRate, metrics.CoverageScore)
	}

	a.logger.Debug("saturation evaluated",
		"findings", metrics.TotalFindings, "unique", metrics.UniquePoints,
		"new_info_rate", metrics.NewInfoRate, "coverage", metrics.CoverageScore,
		"level", metrics.SaturationLevel, "action", advice.Action)
	return advice
}

func (a *Advisor) computeMetrics(findings []domain.Finding) domain.SaturationMetrics {
	tokens := make([]map[string]struct{}, len(findings))
	for i, f := range findings {
		tokens[i] = tokenize(f.Content)
	}

	// A finding is unique when it does not resemble any earlier unique one.
	var uniqueIdx []int
	isDup := make([]bool, len(findings))
	for i := range findings {
		dup := false
		for _, u := range uniqueIdx {
			if jaccard(tokens[i], tokens[u]) >= a.cfg.SimilarityThreshold {
				dup = true
				break
			}
		}
		isDup[i] = dup
		if !dup {
			uniqueIdx = append(uniqueIdx, i)
		}
	}

	m := domain.SaturationMetrics{
		TotalFindings: len(findings),
		UniquePoints:  len(uniqueIdx),
	}

	// New info rate: novelty of the most recent batch.
	batchStart := maxInt(0, len(findings)-a.cfg.BatchSize)
	m.NewInfoRate = noveltyRate(isDup, batchStart, len(findings))

	// Duplicate rate: complement of novelty over the trailing window.
	windowStart := maxInt(0, len(findings)-a.cfg.Window)
	m.DuplicateRate = 1 - noveltyRate(isDup, windowStart, len(findings))

	m.CoverageScore = a.coverageScore(findings)
	m.QualityScore = qualityScore(findings)
	m.Confidence = minFloat(1, float64(len(findings))/20)
	m.SaturationLevel = classify(m.NewInfoRate, m.CoverageScore)
	return m
}

// classify is a step function over the two axes. Early research (low coverage,
// high novelty) must stay "low" even though little is covered; late research
// with full coverage but a fresh angle must not be forced to "saturated".
func classify(newInfoRate, coverage float64) domain.SaturationLevel {
	switch {
	case newInfoRate <= 0.1 && coverage >= 0.8:
		return domain.SaturationSaturated
	case newInfoRate <= 0.25:
		return domain.SaturationHigh
	case newInfoRate <= 0.5 || coverage >= 0.9:
		return domain.SaturationMedium
	default:
		return domain.SaturationLow
	}
}

// extrapolateNewInfo projects the next tick's new-info rate from the decay
// between the last two observations. Forward-looking, unlike duplicate rate.
func (a *Advisor) extrapolateNewInfo() float64 {
	n := len(a.rateHistory)
	if n == 0 {
		return 1
	}
	last := a.rateHistory[n-1]
	if n == 1 {
		return last * 0.8
	}
	prev := a.rateHistory[n-2]
	if prev <= 0 {
		return last * 0.5
	}
	decay := last / prev
	if decay > 1 {
		decay = 1
	}
	return clamp01(last * decay)
}

func (a *Advisor) coverageScore(findings []domain.Finding) float64 {
	if len(a.cfg.Subtopics) == 0 {
		// Nothing was planned; coverage is complete as soon as anything
		// was found at all.
		if len(findings) > 0 {
			return 1
		}
		return 0
	}
	covered := make(map[string]bool)
	for _, f := range findings {
		if f.Subtopic != "" {
			covered[strings.ToLower(f.Subtopic)] = true
		}
	}
	n := 0
	for _, s := range a.cfg.Subtopics {
		if covered[strings.ToLower(s)] {
			n++
		}
	}
	return float64(n) / float64(len(a.cfg.Subtopics))
}

func (a *Advisor) uncoveredSubtopics(findings []domain.Finding) []string {
	if len(a.cfg.Subtopics) == 0 {
		return nil
	}
	covered := make(map[string]bool)
	for _, f := range findings {
		if f.Subtopic != "" {
			covered[strings.ToLower(f.Subtopic)] = true
		}
	}
	var out []string
	for _, s := range a.cfg.Subtopics {
		if !covered[strings.ToLower(s)] {
			out = append(out, s)
		}
	}
	return out
}

// noveltyRate is the fraction of findings in [start, end) that are not
// duplicates of anything before them.
func noveltyRate(isDup []bool, start, end int) float64 {
	if end <= start {
		return 1
	}
	fresh := 0
	for i := start; i < end; i++ {
		if !isDup[i] {
			fresh++
		}
	}
	return float64(fresh) / float64(end-start)
}

// qualityScore is a cheap proxy: substantive content plus an attributable
// source each count for half.
func qualityScore(findings []domain.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	total := 0.0
	for _, f := range findings {
		s := 0.0
		if len(f.Content) >= 80 {
			s += 0.5
		}
		if f.Source != "" {
			s += 0.5
		}
		total += s
	}
	return total / float64(len(findings))
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range tokenSplit.Split(strings.ToLower(s), -1) {
		if len(tok) >= 3 {
			out[tok] = struct{}{}
		}
	}
	return out
}

// jaccard is intersection over union of the token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
