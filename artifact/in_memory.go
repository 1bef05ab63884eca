package artifact

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/agentpipe/core"
)

type entry struct {
	ref  core.BlobRef
	data []byte
}

// InMemoryStore is an in-process ArtifactStore useful for tests and
// single-process runs. Data is copied on save and retrieval so callers cannot
// mutate stored buffers.
//
// Layout: scope -> artifactID -> entry
type InMemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]map[string]entry
}

// NewInMemoryStore returns an empty in-memory artifact store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{artifacts: make(map[string]map[string]entry)}
}

// Save stores (or overwrites) the artifact bytes. A missing ArtifactID is
// derived from the name plus a random suffix.
func (a *InMemoryStore) Save(_ context.Context, scope string, ref core.BlobRef, data []byte) (core.BlobRef, error) {
	if ref.ArtifactID == "" {
		ref.ArtifactID = newArtifactID(ref.Name)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.artifacts[scope]; !exists {
		a.artifacts[scope] = make(map[string]entry)
	}
	a.artifacts[scope][ref.ArtifactID] = entry{ref: ref, data: slices.Clone(data)}

	return ref, nil
}

// Get returns a copy of the stored artifact bytes or ErrNotFound.
func (a *InMemoryStore) Get(_ context.Context, scope, artifactID string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.artifacts[scope][artifactID]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(e.data), nil
}

// List returns the refs stored for scope sorted by artifact id.
func (a *InMemoryStore) List(_ context.Context, scope string) ([]core.BlobRef, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m := a.artifacts[scope]
	refs := make([]core.BlobRef, 0, len(m))
	for _, e := range m {
		refs = append(refs, e.ref)
	}
	slices.SortFunc(refs, func(x, y core.BlobRef) int { return strings.Compare(x.ArtifactID, y.ArtifactID) })
	return refs, nil
}

// Delete removes the artifact if present or returns ErrNotFound.
func (a *InMemoryStore) Delete(_ context.Context, scope, artifactID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.artifacts[scope]
	if !ok {
		return ErrNotFound
	}
	if _, ok := m[artifactID]; !ok {
		return ErrNotFound
	}
	delete(m, artifactID)
	return nil
}

func newArtifactID(name string) string {
	id := uuid.NewString()
	if name == "" {
		return id
	}
	return name + "-" + id[:8]
}
