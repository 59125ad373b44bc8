package web

import (
	"net/http"
	"time"
)

// handleMonitor streams every internal gateway event to a dashboard client.
// Data-only frames; the event type lives inside the JSON payload.
func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	out, err := newSSEWriter(w, "")
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	out.SendData(map[string]any{
		"type":      "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})

	events, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Evicted for falling behind.
				return
			}
			out.SendData(ev)
		case <-r.Context().Done():
			return
		}
	}
}
