package research

import (
	"fmt"
	"log/slog"
	"os"
	"testing"

	"agentgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func finding(subtopic, content string) domain.Finding {
	return domain.Finding{Subtopic: subtopic, Content: content, Source: "https://example.com"}
}

// distinctFindings produces findings with disjoint vocabularies.
func distinctFindings(n int) []domain.Finding {
	out := make([]domain.Finding, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, finding("", fmt.Sprintf(
			"topic%dalpha discovery%dbeta measurement%dgamma result%ddelta observation%depsilon",
			i, i, i, i, i)))
	}
	return out
}

func TestEvaluate_FreshFindingsContinue(t *testing.T) {
	a := NewAdvisor(domain.DepthConfig{}, testLogger())

	advice := a.Evaluate(distinctFindings(4), 1)
	if advice.Action != domain.DepthContinue {
		t.Fatalf("action = %s, want continue", advice.Action)
	}
	if advice.Metrics.NewInfoRate != 1 {
		t.Fatalf("new info rate = %f", advice.Metrics.NewInfoRate)
	}
	if advice.Metrics.UniquePoints != 4 {
		t.Fatalf("unique = %d", advice.Metrics.UniquePoints)
	}
	if advice.SuggestedDepth != 2 {
		t.Fatalf("suggested depth = %d", advice.SuggestedDepth)
	}
}

func TestEvaluate_DuplicatesDetected(t *testing.T) {
	a := NewAdvisor(domain.DepthConfig{}, testLogger())

	base := distinctFindings(3)
	// Two exact copies of the first finding.
	all := append(base, base[0], base[0])

	advice := a.Evaluate(all, 1)
	if advice.Metrics.TotalFindings != 5 {
		t.Fatalf("total = %d", advice.Metrics.TotalFindings)
	}
	if advice.Metrics.UniquePoints != 3 {
		t.Fatalf("unique = %d, want 3", advice.Metrics.UniquePoints)
	}
	if advice.Metrics.DuplicateRate == 0 {
		t.Fatal("duplicate rate = 0 despite copies")
	}
}

func TestEvaluate_StalledRunSaturates(t *testing.T) {
	a := NewAdvisor(domain.DepthConfig{Subtopics: []string{"a", "b", "c"}}, testLogger())

	// One real finding, then five evaluations that add only copies of it.
	base := []domain.Finding{finding("a", "solar panel efficiency depends on ambient temperature and irradiance levels")}
	set := base
	var advice domain.DepthAdvice
	for i := 0; i < 6; i++ {
		set = append(set, base[0])
		advice = a.Evaluate(set, i+1)
	}

	if advice.Action != domain.DepthStop {
		t.Fatalf("action = %s, want stop after stalled evaluations", advice.Action)
	}
	if advice.Metrics.SaturationLevel != domain.SaturationSaturated {
		t.Fatalf("level = %s, want saturated", advice.Metrics.SaturationLevel)
	}
}

func TestEvaluate_MonotoneUnderDecayingNovelty(t *testing.T) {
	a := NewAdvisor(domain.DepthConfig{}, testLogger())

	// Grow the set so each batch is progressively more duplicated; coverage
	// stays constant (no planned subtopics, findings always present).
	set := distinctFindings(5)
	prevLevel := a.Evaluate(set, 1).Metrics.SaturationLevel

	for i := 0; i < 4; i++ {
		// Each round appends one fresh finding and ever more copies.
		fresh := distinctFindings(6 + i)[5+i]
		set = append(set, fresh)
		for j := 0; j <= i; j++ {
			set = append(set, set[0])
		}
		level := a.Evaluate(set, i+2).Metrics.SaturationLevel
		if level.Index() < prevLevel.Index() {
			t.Fatalf("saturation decreased from %s to %s while novelty decayed", prevLevel, level)
		}
		prevLevel = level
	}
}

func TestEvaluate_ContinueFocusedOnUncoveredSubtopics(t *testing.T) {
	a := NewAdvisor(domain.DepthConfig{Subtopics: []string{"pricing", "regulation"}}, testLogger())

	base := finding("pricing", "wholesale electricity prices track marginal gas generation costs in most markets")
	set := []domain.Finding{base}
	// Batch full of duplicates: high saturation, but "regulation" is untouched.
	for i := 0; i < 5; i++ {
		set = append(set, base)
	}

	advice := a.Evaluate(set, 2)
	if advice.Action != domain.DepthContinueFocused {
		t.Fatalf("action = %s, want continue_focused", advice.Action)
	}
	if len(advice.FocusSuggestions) != 1 || advice.FocusSuggestions[0] != "regulation" {
		t.Fatalf("focus = %v", advice.FocusSuggestions)
	}
}

func TestEvaluate_ConsiderStopOnDiminishingReturns(t *testing.T) {
	a := NewAdvisor(domain.DepthConfig{Subtopics: []string{"history"}}, testLogger())

	tag := func(fs []domain.Finding) []domain.Finding {
		for i := range fs {
			fs[i].Subtopic = "history"
		}
		return fs
	}

	// First tick: everything fresh, rate 1.0.
	set := tag(distinctFindings(4))
	a.Evaluate(set, 1)

	// Second tick: the new batch of five has one fresh finding (rate 0.2,
	// high but not saturated) and coverage is complete, so there is nothing
	// left to focus on.
	set = append(set, set[0], set[1], set[2], set[3])
	set = append(set, tag(distinctFindings(9))[8])
	advice := a.Evaluate(set, 2)

	if advice.Metrics.SaturationLevel != domain.SaturationHigh {
		t.Fatalf("level = %s, want high", advice.Metrics.SaturationLevel)
	}
	if advice.Action != domain.DepthConsiderStop {
		t.Fatalf("action = %s, want consider_stop", advice.Action)
	}
	if advice.EstimatedNewInfo >= advice.Metrics.NewInfoRate {
		t.Fatalf("estimate %f not below observed rate %f", advice.EstimatedNewInfo, advice.Metrics.NewInfoRate)
	}
}

func TestEvaluate_SuggestedDepthCapped(t *testing.T) {
	a := NewAdvisor(domain.DepthConfig{MaxDepth: 3}, testLogger())

	advice := a.Evaluate(distinctFindings(3), 3)
	if advice.SuggestedDepth > 3 {
		t.Fatalf("suggested depth %d exceeds cap", advice.SuggestedDepth)
	}
}

func TestReset_ClearsStallState(t *testing.T) {
	a := NewAdvisor(domain.DepthConfig{Subtopics: []string{"a", "b"}}, testLogger())

	set := []domain.Finding{finding("a", "battery storage capacity factors vary widely across chemistries and climates")}
	for i := 0; i < 6; i++ {
		set = append(set, set[0])
		a.Evaluate(set, i+1)
	}
	a.Reset()

	advice := a.Evaluate(distinctFindings(4), 1)
	if advice.Metrics.SaturationLevel == domain.SaturationSaturated {
		t.Fatal("stall state survived reset")
	}
}
