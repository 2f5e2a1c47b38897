package trust

import (
	"sync"
	"time"

	"agentgate/internal/domain"
)

// Grants holds session-scoped category authorizations. A grant is installed
// after the user approves with "remember choice" and lasts until the session
// ends. Grants never leak across sessions and are never persisted.
type Grants struct {
	mu        sync.RWMutex
	bySession map[string]map[domain.OperationCategory]time.Time
}

func NewGrants() *Grants {
	return &Grants{bySession: make(map[string]map[domain.OperationCategory]time.Time)}
}

// Grant authorizes the category for the remainder of the session.
func (g *Grants) Grant(sessionID string, cat domain.OperationCategory) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.bySession[sessionID] == nil {
		g.bySession[sessionID] = make(map[domain.OperationCategory]time.Time)
	}
	g.bySession[sessionID][cat] = time.Now()
}

// Has reports whether the session holds a grant for the category.
func (g *Grants) Has(sessionID string, cat domain.OperationCategory) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.bySession[sessionID][cat]
	return ok
}

// List returns the session's grants, for the session state query.
func (g *Grants) List(sessionID string) []domain.SessionGrant {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cats := g.bySession[sessionID]
	out := make([]domain.SessionGrant, 0, len(cats))
	for cat, at := range cats {
		out = append(out, domain.SessionGrant{SessionID: sessionID, Category: cat, GrantedAt: at})
	}
	return out
}

// ClearSession drops every grant of the session. Called when a session ends.
func (g *Grants) ClearSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.bySession, sessionID)
}
