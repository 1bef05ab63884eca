package core

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// Entry is one attributed write to a ContextStore. Step 0 marks values seeded
// by the caller; pipeline steps use their 1-based position.
type Entry struct {
	Key     string
	Value   Value
	Step    int
	Written time.Time
}

// Snapshot is an immutable copy of the current entries keyed by name.
type Snapshot map[string]Entry

// Keys returns the snapshot keys in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ContextStore holds the structured outputs exchanged between pipeline steps.
// Each key has one current entry; every write is additionally kept in an
// ordered log so the producer of earlier values stays attributable.
// It is safe for concurrent use: observers may snapshot while a step writes.
type ContextStore struct {
	mu      sync.RWMutex
	current map[string]Entry
	writes  []Entry
	now     func() time.Time
}

// NewContextStore returns an empty store.
func NewContextStore() *ContextStore {
	return &ContextStore{current: map[string]Entry{}, now: time.Now}
}

// Set records value under key as produced by step.
func (s *ContextStore) Set(key string, value Value, step int) error {
	if key == "" {
		return fmt.Errorf("context store: empty key")
	}
	if value.IsZero() {
		return fmt.Errorf("context store: empty value for key %q", key)
	}
	if step < 0 {
		return fmt.Errorf("context store: negative step %d for key %q", step, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := Entry{Key: key, Value: value.Clone(), Step: step, Written: s.now()}
	s.current[key] = e
	s.writes = append(s.writes, e)

	return nil
}

// Get returns the current value for key.
func (s *ContextStore) Get(key string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.current[key]
	if !ok {
		return Value{}, false
	}
	return e.Value.Clone(), true
}

// Lookup returns the current entry for key or ErrNotFound.
func (s *ContextStore) Lookup(key string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.current[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	e.Value = e.Value.Clone()
	return e, nil
}

// Missing returns the keys from keys that have no current entry, in order.
func (s *ContextStore) Missing(keys ...string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var missing []string
	for _, k := range keys {
		if _, ok := s.current[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// Snapshot returns a copy of all current entries.
func (s *ContextStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(Snapshot, len(s.current))
	for k, e := range s.current {
		e.Value = e.Value.Clone()
		snap[k] = e
	}
	return snap
}

// Writes returns every write in the order it happened, overwritten ones included.
func (s *ContextStore) Writes() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.writes))
	for i, e := range s.writes {
		e.Value = e.Value.Clone()
		out[i] = e
	}
	return out
}

// Len returns the number of keys with a current entry.
func (s *ContextStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.current)
}
