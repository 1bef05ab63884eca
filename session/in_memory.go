package session

import (
	"context"
	"sync"

	"github.com/hupe1980/agentpipe/core"
)

// Compile-time interface check.
var _ core.SessionStore = (*InMemoryStore)(nil)

// InMemoryStore is a volatile SessionStore implementation storing
// records in a process local map. It is safe for concurrent access and best
// suited for tests or ephemeral demo runs. Records are cloned on the way in
// and out to prevent external mutation of internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.SessionRecord
}

// NewInMemoryStore constructs an empty in‑memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*core.SessionRecord)}
}

// Get returns a clone of the stored record or core.ErrSessionNotFound.
func (s *InMemoryStore) Get(_ context.Context, key core.SessionKey) (*core.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[key.String()]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return rec.Clone(), nil
}

// Create stores rec unless its key is already taken.
func (s *InMemoryStore) Create(_ context.Context, rec *core.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := rec.Key.String()
	if _, ok := s.sessions[id]; ok {
		return core.ErrSessionExists
	}
	s.sessions[id] = rec.Clone()
	return nil
}

// Save replaces an existing record.
func (s *InMemoryStore) Save(_ context.Context, rec *core.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := rec.Key.String()
	if _, ok := s.sessions[id]; !ok {
		return core.ErrSessionNotFound
	}
	s.sessions[id] = rec.Clone()
	return nil
}

// Len returns the number of stored sessions.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }
