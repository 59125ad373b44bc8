package session

import (
	"context"
	"sync"
)

// Queue serializes runs per session key. Each joining run chains onto the
// previous tail and becomes the new tail in one critical section, so two
// near-simultaneous requests for the same key always execute in join order.
// Different keys never wait on each other.
type Queue struct {
	mu    sync.Mutex
	tails map[string]*Slot
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{tails: make(map[string]*Slot)}
}

// Slot is one run's position in a session's queue.
type Slot struct {
	q    *Queue
	key  string
	prev <-chan struct{} // nil when this run is first in line
	done chan struct{}
	once sync.Once
}

// Join registers a run on the session's queue and makes it the new tail.
func (q *Queue) Join(key string) *Slot {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := &Slot{q: q, key: key, done: make(chan struct{})}
	if tail, ok := q.tails[key]; ok {
		s.prev = tail.done
	}
	q.tails[key] = s
	return s
}

// Wait blocks until every earlier run for the key has finished, or the
// context is cancelled.
func (s *Slot) Wait(ctx context.Context) error {
	if s.prev == nil {
		return nil
	}
	select {
	case <-s.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release marks the run finished, unblocking the next in line, and clears
// the tail entry if this run is still the tail. Idempotent.
func (s *Slot) Release() {
	s.once.Do(func() {
		close(s.done)
		s.q.mu.Lock()
		if s.q.tails[s.key] == s {
			delete(s.q.tails, s.key)
		}
		s.q.mu.Unlock()
	})
}

// Abandon releases the slot for a run that was cancelled while queued. The
// release is deferred until the predecessor finishes so a successor can
// never start while an earlier run is still active.
func (s *Slot) Abandon() {
	if s.prev == nil {
		s.Release()
		return
	}
	go func() {
		<-s.prev
		s.Release()
	}()
}

// pending reports whether any run currently holds the tail for a key.
func (q *Queue) pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tails[key]
	return ok
}
