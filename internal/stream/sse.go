package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const heartbeatInterval = 25 * time.Second

// SSE encodes a session's event stream as Server-Sent Events on a long-lived
// HTTP response. One instance serves all sessions.
type SSE struct {
	broker *Broker
	logger *slog.Logger
}

func NewSSE(broker *Broker, logger *slog.Logger) *SSE {
	return &SSE{broker: broker, logger: logger}
}

// ServeSession streams events for one session until the client disconnects
// or the stream sees its terminal event. Heartbeat comments keep proxies
// from closing the idle connection.
func (s *SSE) ServeSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	events, cancel := s.broker.Subscribe(sessionID)
	defer cancel()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				// Stream sealed by a terminal event.
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("marshal event", "session", sessionID, "err", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}
