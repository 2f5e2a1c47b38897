package research

import (
	"testing"

	"agentgate/internal/domain"
)

func TestTracker_AccumulatesAcrossBatches(t *testing.T) {
	tr := NewTracker(domain.DepthConfig{}, testLogger())

	first := tr.Add("s1", nil, distinctFindings(3), 1)
	if first.Metrics.TotalFindings != 3 {
		t.Fatalf("total after first batch = %d", first.Metrics.TotalFindings)
	}

	second := tr.Add("s1", nil, distinctFindings(3), 2)
	if second.Metrics.TotalFindings != 6 {
		t.Fatalf("total after second batch = %d", second.Metrics.TotalFindings)
	}
	if second.CurrentDepth != 2 {
		t.Fatalf("depth = %d", second.CurrentDepth)
	}
}

func TestTracker_SessionsAreIndependent(t *testing.T) {
	tr := NewTracker(domain.DepthConfig{}, testLogger())

	tr.Add("s1", nil, distinctFindings(5), 1)
	advice := tr.Add("s2", nil, distinctFindings(2), 1)
	if advice.Metrics.TotalFindings != 2 {
		t.Fatalf("s2 total = %d, leaked from s1?", advice.Metrics.TotalFindings)
	}
}

func TestTracker_FirstBatchFixesSubtopics(t *testing.T) {
	tr := NewTracker(domain.DepthConfig{}, testLogger())

	advice := tr.Add("s1", []string{"history", "economics"},
		[]domain.Finding{finding("history", "alpha beta gamma delta epsilon")}, 1)
	if advice.Metrics.CoverageScore >= 1 {
		t.Fatalf("coverage = %f with one of two subtopics covered", advice.Metrics.CoverageScore)
	}
	if len(advice.FocusSuggestions) != 1 || advice.FocusSuggestions[0] != "economics" {
		t.Fatalf("focus = %v", advice.FocusSuggestions)
	}
}

func TestTracker_ForgetResetsSession(t *testing.T) {
	tr := NewTracker(domain.DepthConfig{}, testLogger())

	tr.Add("s1", nil, distinctFindings(4), 3)
	tr.Forget("s1")

	advice := tr.Add("s1", nil, distinctFindings(1), 1)
	if advice.Metrics.TotalFindings != 1 {
		t.Fatalf("total after forget = %d", advice.Metrics.TotalFindings)
	}
	if advice.CurrentDepth != 1 {
		t.Fatalf("depth after forget = %d", advice.CurrentDepth)
	}
}
