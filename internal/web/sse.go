package web

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
)

// sseWriter serializes SSE frames onto a response. The keepalive goroutine
// and the translator write concurrently, so every frame goes out under the
// mutex as one atomic write-and-flush.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter sets streaming headers and commits the 200 status. requestID
// goes out as X-Request-Id so clients can correlate logs.
func newSSEWriter(w http.ResponseWriter, requestID string) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	if requestID != "" {
		w.Header().Set("X-Request-Id", requestID)
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

// Send writes one named SSE event with a JSON payload.
func (s *sseWriter) Send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("sse marshal %s: %v", event, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.flusher.Flush()
}

// SendData writes an unnamed data-only frame, used by the monitor stream.
func (s *sseWriter) SendData(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("sse marshal: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

// Comment writes an SSE comment frame; clients ignore it, proxies keep the
// connection warm.
func (s *sseWriter) Comment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}
