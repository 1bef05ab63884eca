package core

import (
	"context"
	"fmt"

	"github.com/hupe1980/agentpipe/logging"
)

// RunContext carries execution state & helpers for one pipeline run.
// It aggregates:
//   - The ambient cancellation Context
//   - Identifiers (Session key, RunID, current step)
//   - The user input and the session history visible to models
//   - The ContextStore shared by the run's steps
//   - The ArtifactStore backing blob values
//
// WithStep derives a copy for a single step; all copies share Store.
type RunContext struct {
	Context   context.Context
	Session   SessionKey
	RunID     string
	Input     string
	History   []Turn
	Store     *ContextStore
	Artifacts ArtifactStore

	StepIndex int
	StepName  string

	runLogger
}

// NewRunContext constructs a RunContext. A nil store is replaced by an empty one.
func NewRunContext(
	ctx context.Context,
	session SessionKey,
	runID string,
	input string,
	history []Turn,
	store *ContextStore,
	artifacts ArtifactStore,
	logger logging.Logger,
) *RunContext {
	if store == nil {
		store = NewContextStore()
	}
	return &RunContext{
		Context:       ctx,
		Session:       session,
		RunID:         runID,
		Input:         input,
		History:       history,
		Store:         store,
		Artifacts:     artifacts,
		runLogger: newRunLogger(logger),
	}
}

// Done returns a channel closed when the underlying context is cancelled.
func (rc *RunContext) Done() <-chan struct{} { return rc.Context.Done() }

// Err returns the cancellation error (if any) from the underlying context.
func (rc *RunContext) Err() error { return rc.Context.Err() }

// WithStep returns a shallow copy scoped to the 1-based step index. Records
// logged through the copy carry the step name and index.
func (rc *RunContext) WithStep(index int, name string) *RunContext {
	c := *rc
	c.StepIndex = index
	c.StepName = name
	c.runLogger = rc.runLogger.scoped("step", name, "index", index)
	return &c
}

// WithContext returns a shallow copy using ctx.
func (rc *RunContext) WithContext(ctx context.Context) *RunContext {
	c := *rc
	c.Context = ctx
	return &c
}

// SaveArtifact stores bytes in the ArtifactStore scoped to the session.
func (rc *RunContext) SaveArtifact(ref BlobRef, data []byte) (BlobRef, error) {
	if rc.Artifacts == nil {
		return BlobRef{}, fmt.Errorf("artifact store not configured")
	}
	return rc.Artifacts.Save(rc.Context, rc.Session.String(), ref, data)
}

// GetArtifact retrieves previously saved artifact bytes.
func (rc *RunContext) GetArtifact(id string) ([]byte, error) {
	if rc.Artifacts == nil {
		return nil, fmt.Errorf("artifact store not configured")
	}
	return rc.Artifacts.Get(rc.Context, rc.Session.String(), id)
}
