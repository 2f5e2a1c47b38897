package stream

import (
	"log/slog"
	"sync"
	"time"

	"agentgate/internal/domain"
)

const subscriberBuffer = 64

// Broker is an in-memory per-session event hub. Events for a session are
// delivered to its subscribers in emission order; a terminal event (done or
// error) seals the stream and later emits are dropped. There is no replay
// buffer — a reconnecting client catches up through the session state query.
type Broker struct {
	mu          sync.Mutex
	subscribers map[string]map[chan domain.Event]struct{} // session id -> channels
	sealed      map[string]bool
	logger      *slog.Logger
}

func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		subscribers: make(map[string]map[chan domain.Event]struct{}),
		sealed:      make(map[string]bool),
		logger:      logger,
	}
}

// Subscribe registers a listener for the given session. The returned cancel
// function is idempotent. Subscribing to a sealed session yields a channel
// that is already closed.
func (b *Broker) Subscribe(sessionID string) (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, subscriberBuffer)

	b.mu.Lock()
	if b.sealed[sessionID] {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if b.subscribers[sessionID] == nil {
		b.subscribers[sessionID] = make(map[chan domain.Event]struct{})
	}
	b.subscribers[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subscribers[sessionID]; ok {
			if _, member := subs[ch]; member {
				delete(subs, ch)
				close(ch)
				if len(subs) == 0 {
					delete(b.subscribers, sessionID)
				}
			}
		}
	}
	return ch, cancel
}

// Emit delivers an event to every subscriber of the session. Slow subscribers
// never block the emitting loop: when a channel is full the event is dropped
// for that subscriber only (transport loss is tolerated; session state is
// authoritative). A terminal event seals the stream and closes all channels.
func (b *Broker) Emit(sessionID string, ev domain.Event) {
	ev.SessionID = sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.sealed[sessionID] {
		b.mu.Unlock()
		b.logger.Warn("event after terminal dropped", "session", sessionID, "kind", ev.Kind)
		return
	}
	subs := b.subscribers[sessionID]
	if ev.Terminal() {
		b.sealed[sessionID] = true
		delete(b.subscribers, sessionID)
	}
	for ch := range subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("subscriber channel full, event dropped",
				"session", sessionID, "kind", ev.Kind)
		}
		if ev.Terminal() {
			close(ch)
		}
	}
	b.mu.Unlock()
}

// Sealed reports whether the session's stream has seen a terminal event.
func (b *Broker) Sealed(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed[sessionID]
}

// Forget releases the sealed marker of a finished session so the broker's
// memory stays bounded over many runs.
func (b *Broker) Forget(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sealed, sessionID)
}
