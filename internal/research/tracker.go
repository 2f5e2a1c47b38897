package research

import (
	"log/slog"
	"sync"

	"agentgate/internal/domain"
)

// Tracker accumulates findings per session and runs an advisor over each
// session's growing set. Sessions are independent; forgetting one never
// affects another.
type Tracker struct {
	cfg    domain.DepthConfig
	logger *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	advisor  *Advisor
	findings []domain.Finding
	depth    int
}

func NewTracker(cfg domain.DepthConfig, logger *slog.Logger) *Tracker {
	return &Tracker{cfg: cfg, logger: logger, runs: make(map[string]*run)}
}

// Add appends a batch of findings to the session's set and re-evaluates.
// Subtopics, when given on the first batch, fix the planned coverage set for
// the run. depth > 0 advances the recorded research depth.
func (t *Tracker) Add(sessionID string, subtopics []string, findings []domain.Finding, depth int) domain.DepthAdvice {
	t.mu.Lock()
	r, ok := t.runs[sessionID]
	if !ok {
		cfg := t.cfg
		if len(subtopics) > 0 {
			cfg.Subtopics = subtopics
		}
		r = &run{advisor: NewAdvisor(cfg, t.logger.With("session", sessionID))}
		t.runs[sessionID] = r
	}
	r.findings = append(r.findings, findings...)
	if depth > r.depth {
		r.depth = depth
	}
	set := r.findings
	advisor := r.advisor
	currentDepth := r.depth
	t.mu.Unlock()

	return advisor.Evaluate(set, currentDepth)
}

// Forget drops a finished session's run.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, sessionID)
}
