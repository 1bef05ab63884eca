package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/agentpipe/agent"
	"github.com/hupe1980/agentpipe/artifact"
	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/session"
)

// DefaultInputKey is the context key the user message is seeded under.
const DefaultInputKey = "user_query"

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// MaxConcurrentRuns limits concurrent pipeline runs.
	MaxConcurrentRuns int
	// InputKey is the context key holding the user message (step 0).
	InputKey string
	// RetainContext reuses one ContextStore per session across runs instead
	// of starting every run with an empty store.
	RetainContext bool
	// Sessions owns conversational history.
	Sessions *session.Manager
	// ArtifactStore keeps binary tool outputs.
	ArtifactStore core.ArtifactStore
	Logger        logging.Logger
}

// Result is the user-visible outcome of one submission.
type Result struct {
	RunID string
	// Output is the final step's value.
	Output core.Value
	// Text is Output rendered as text; it is stored as the agent turn.
	Text     string
	Snapshot core.Snapshot
}

// Runner coordinates pipeline execution for sessions. Public methods are
// safe for concurrent use.
type Runner struct {
	pipeline *agent.Pipeline

	inputKey      string
	retainContext bool
	sem           *semaphore.Weighted

	sessions      *session.Manager
	artifactStore core.ArtifactStore
	logger        logging.Logger

	activeRuns map[string]context.CancelFunc
	retained   map[string]*core.ContextStore
	mu         sync.RWMutex
}

// New constructs a Runner with optional overrides.
func New(pipeline *agent.Pipeline, optFns ...func(o *Options)) *Runner {
	opts := Options{
		MaxConcurrentRuns: 10,
		InputKey:          DefaultInputKey,
		Logger:            logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxConcurrentRuns <= 0 {
		opts.MaxConcurrentRuns = 1
	}
	if opts.InputKey == "" {
		opts.InputKey = DefaultInputKey
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager(func(o *session.Options) { o.Logger = opts.Logger })
	}
	if opts.ArtifactStore == nil {
		opts.ArtifactStore = artifact.NewInMemoryStore()
	}

	return &Runner{
		pipeline:      pipeline,
		inputKey:      opts.InputKey,
		retainContext: opts.RetainContext,
		sem:           semaphore.NewWeighted(int64(opts.MaxConcurrentRuns)),
		sessions:      opts.Sessions,
		artifactStore: opts.ArtifactStore,
		logger:        opts.Logger,
		activeRuns:    make(map[string]context.CancelFunc),
		retained:      make(map[string]*core.ContextStore),
	}
}

// Submit runs the pipeline for one user message and appends the exchange to
// the session history. Pipeline failures are returned as *core.PipelineError
// and leave the history unchanged.
func (r *Runner) Submit(ctx context.Context, key core.SessionKey, message string) (*Result, error) {
	if err := key.Validate(); err != nil {
		return nil, core.WrapError(core.ErrInvalidSpec, err, "submit")
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, core.WrapError(core.ErrCancelled, err, "waiting for a run slot")
	}
	defer r.sem.Release(1)

	runID := uuid.NewString()

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.activeRuns[runID] = cancel
	r.mu.Unlock()

	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.activeRuns, runID)
		r.mu.Unlock()
	}()

	logger := r.runLogger(key, runID)

	rec, err := r.sessions.GetOrCreate(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	store := r.contextStore(key)
	if err := store.Set(r.inputKey, core.TextValue(message), 0); err != nil {
		return nil, err
	}

	rc := core.NewRunContext(ctx, key, runID, message, rec.History, store, r.artifactStore, logger)

	start := time.Now()
	res, err := r.pipeline.Run(rc)
	if err != nil {
		logger.Warn("runner.run.failed", "pipeline", r.pipeline.Name(), "kind", core.KindOf(err), "duration", time.Since(start))
		return nil, err
	}

	text := res.Output.String()

	if _, err := r.sessions.Commit(ctx, key,
		core.Turn{Role: core.TurnUser, Content: message, Timestamp: start.UTC()},
		core.Turn{Role: core.TurnAgent, Content: text},
	); err != nil {
		return nil, fmt.Errorf("failed to persist history: %w", err)
	}

	logger.Info("runner.run.completed", "pipeline", r.pipeline.Name(), "duration", time.Since(start))

	return &Result{
		RunID:    runID,
		Output:   res.Output,
		Text:     text,
		Snapshot: res.Snapshot,
	}, nil
}

// Cancel cancels a running run by ID.
func (r *Runner) Cancel(runID string) error {
	r.mu.RLock()
	cancel, exists := r.activeRuns[runID]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("run %s not found", runID)
	}

	cancel()

	return nil
}

// ActiveRuns returns the ids of in-flight runs.
func (r *Runner) ActiveRuns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.activeRuns))
	for id := range r.activeRuns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sessions returns the session manager.
func (r *Runner) Sessions() *session.Manager { return r.sessions }

// Close cancels in-flight runs and closes the session manager.
func (r *Runner) Close() error {
	r.mu.Lock()
	for _, cancel := range r.activeRuns {
		cancel()
	}
	r.mu.Unlock()

	return r.sessions.Close()
}

func (r *Runner) contextStore(key core.SessionKey) *core.ContextStore {
	if !r.retainContext {
		return core.NewContextStore()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := key.String()
	store, ok := r.retained[id]
	if !ok {
		store = core.NewContextStore()
		r.retained[id] = store
	}
	return store
}

func (r *Runner) runLogger(key core.SessionKey, runID string) logging.Logger {
	if sl, ok := r.logger.(*logging.StructuredLogger); ok {
		return sl.WithSession(key.String(), runID)
	}
	return r.logger
}
