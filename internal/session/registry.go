package session

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joestump/claude-relay/internal/db"
)

// Record is one registry entry: the CLI session a key resolves to.
type Record struct {
	UUID     string
	Identity string
	LastUsed time.Time
}

// Registry maps stable session keys to CLI session UUIDs, with optional
// identity-based migration across key changes and optional SQLite
// write-through so conversations survive restarts.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]Record
	store    *db.DB        // nil = in-memory only
	ttl      time.Duration // 0 = no eviction
}

// NewRegistry creates a registry. store may be nil; when present, persisted
// entries are loaded immediately.
func NewRegistry(store *db.DB, ttl time.Duration) (*Registry, error) {
	r := &Registry{
		sessions: make(map[string]Record),
		store:    store,
		ttl:      ttl,
	}
	if store != nil {
		recs, err := store.ListSessions()
		if err != nil {
			return nil, fmt.Errorf("load session registry: %w", err)
		}
		for _, rec := range recs {
			r.sessions[rec.Key] = Record{UUID: rec.UUID, Identity: rec.Identity, LastUsed: rec.LastUsed}
		}
	}
	return r, nil
}

// Lookup returns the record for an exact session-key match.
func (r *Registry) Lookup(key string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	rec, ok := r.sessions[key]
	return rec, ok
}

// Migrate transfers an existing entry with the same non-empty identity to a
// new session key, preserving its UUID. System prompts drift across
// deployments; migration keeps a known identity on its existing session
// instead of orphaning the conversation. Returns false when identity is
// empty or no entry matches.
func (r *Registry) Migrate(newKey, identity string) (Record, bool) {
	if identity == "" {
		return Record{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	for oldKey, rec := range r.sessions {
		if oldKey == newKey || rec.Identity != identity {
			continue
		}
		rec.LastUsed = time.Now()
		r.sessions[newKey] = rec
		delete(r.sessions, oldKey)
		r.persistLocked(newKey, rec)
		r.unpersistLocked(oldKey)
		return rec, true
	}
	return Record{}, false
}

// Record upserts an entry with lastUsed = now.
func (r *Registry) Record(key, uuid, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := Record{UUID: uuid, Identity: identity, LastUsed: time.Now()}
	r.sessions[key] = rec
	r.persistLocked(key, rec)
}

// Drop removes an entry, if present.
func (r *Registry) Drop(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, key)
	r.unpersistLocked(key)
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// sweepLocked evicts entries older than the TTL. Caller holds r.mu.
func (r *Registry) sweepLocked() {
	if r.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.ttl)
	for key, rec := range r.sessions {
		if rec.LastUsed.Before(cutoff) {
			delete(r.sessions, key)
			r.unpersistLocked(key)
		}
	}
}

func (r *Registry) persistLocked(key string, rec Record) {
	if r.store == nil {
		return
	}
	err := r.store.UpsertSession(db.SessionRecord{
		Key: key, UUID: rec.UUID, Identity: rec.Identity, LastUsed: rec.LastUsed,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "persist session %s: %v\n", key, err)
	}
}

func (r *Registry) unpersistLocked(key string) {
	if r.store == nil {
		return
	}
	if err := r.store.DeleteSession(key); err != nil {
		fmt.Fprintf(os.Stderr, "unpersist session %s: %v\n", key, err)
	}
}
