// Package hub fans internal gateway events out to monitor SSE clients.
package hub

import (
	"sync"
	"time"
)

const clientBufferCap = 256

// Event is one internal gateway event delivered to monitor clients.
type Event struct {
	Type       string         `json:"type"`
	Timestamp  string         `json:"timestamp"`
	SessionKey string         `json:"session_key,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType, sessionKey, requestID string, data map[string]any) Event {
	return Event{
		Type:       eventType,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		SessionKey: sessionKey,
		RequestID:  requestID,
		Data:       data,
	}
}

// Hub broadcasts events to all connected monitor clients. Publishing never
// blocks: a client whose buffer is full is evicted so one stalled consumer
// cannot stall the rest.
type Hub struct {
	mu      sync.Mutex
	clients map[chan Event]struct{}
}

// New creates a Hub ready for use.
func New() *Hub {
	return &Hub{clients: make(map[chan Event]struct{})}
}

// Publish delivers an event to every connected client.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
			delete(h.clients, ch)
			close(ch)
		}
	}
}

// Subscribe registers a new monitor client. The returned channel receives
// future events until unsubscribe is called or the client is evicted; in
// both cases the channel is closed.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, clientBufferCap)

	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.clients[ch]; ok {
			delete(h.clients, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// ClientCount reports how many monitor clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
