package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/logging"
)

// Options configure a Manager.
type Options struct {
	// Store persists records. Defaults to a new InMemoryStore.
	Store core.SessionStore
	// Summarizer produces compaction summaries. Compaction is disabled
	// when nil.
	Summarizer Summarizer
	// Interval is the number of turns appended since the last compaction
	// that triggers the next one. Zero disables compaction.
	Interval int
	// Overlap is the number of newest turns kept verbatim by compaction.
	Overlap int
	Logger  logging.Logger
	// Now is the clock used for record and turn timestamps.
	Now func() time.Time
}

// Manager owns conversational history per session key. All methods are safe
// for concurrent use; operations on the same key are serialized, different
// keys never contend.
type Manager struct {
	store      core.SessionStore
	summarizer Summarizer
	interval   int
	overlap    int
	logger     logging.Logger
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager creates a Manager.
func NewManager(optFns ...func(o *Options)) *Manager {
	opts := Options{
		Store:  NewInMemoryStore(),
		Logger: logging.NoOpLogger{},
		Now:    func() time.Time { return time.Now().UTC() },
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.Summarizer == nil {
		opts.Interval = 0
	}

	return &Manager{
		store:      opts.Store,
		summarizer: opts.Summarizer,
		interval:   opts.Interval,
		overlap:    opts.Overlap,
		logger:     opts.Logger,
		now:        opts.Now,
		locks:      make(map[string]*keyLock),
	}
}

// lock acquires the mutex of key and returns its release function. Entries
// are dropped from the table once no caller holds or waits for them.
func (m *Manager) lock(key core.SessionKey) func() {
	id := key.String()

	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &keyLock{}
		m.locks[id] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
}

// GetOrCreate returns the record of key, creating an empty one if absent.
// A concurrent creation of the same key is resolved by fetching the winner.
func (m *Manager) GetOrCreate(ctx context.Context, key core.SessionKey) (*core.SessionRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	rec, err := m.store.Get(ctx, key)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, core.ErrSessionNotFound) {
		return nil, fmt.Errorf("get session %s: %w", key, err)
	}

	rec = core.NewSessionRecord(key)
	rec.Created = m.now()
	rec.Updated = rec.Created

	err = m.store.Create(ctx, rec)
	switch {
	case err == nil:
		m.logger.Info("session.created", "session", key.String())
		return rec, nil
	case errors.Is(err, core.ErrSessionExists):
		rec, err = m.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("get session %s after create conflict: %w", key, err)
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("create session %s: %w", key, err)
	}
}

// AppendTurn appends turns to the history of key and persists the record.
// Missing ids are generated and timestamps are clamped so history never goes
// back in time.
func (m *Manager) AppendTurn(ctx context.Context, key core.SessionKey, turns ...core.Turn) (*core.SessionRecord, error) {
	unlock := m.lock(key)
	defer unlock()

	rec, err := m.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}

	if err := m.append(rec, turns); err != nil {
		return nil, err
	}

	if err := m.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// MaybeCompact compacts the history of key when the compaction interval has
// been reached. It reports whether the history changed. A summarizer failure
// is returned but leaves the stored record untouched.
func (m *Manager) MaybeCompact(ctx context.Context, key core.SessionKey) (bool, error) {
	unlock := m.lock(key)
	defer unlock()

	rec, err := m.GetOrCreate(ctx, key)
	if err != nil {
		return false, err
	}

	compacted, err := m.compact(ctx, rec)
	if err != nil || !compacted {
		return false, err
	}

	if err := m.save(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Commit appends turns and compacts if due while holding the session lock
// once. Compaction failures are logged and never returned.
func (m *Manager) Commit(ctx context.Context, key core.SessionKey, turns ...core.Turn) (*core.SessionRecord, error) {
	unlock := m.lock(key)
	defer unlock()

	rec, err := m.GetOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}

	if err := m.append(rec, turns); err != nil {
		return nil, err
	}

	_, _ = m.compact(ctx, rec)

	if err := m.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) append(rec *core.SessionRecord, turns []core.Turn) error {
	last := time.Time{}
	if n := len(rec.History); n > 0 {
		last = rec.History[n-1].Timestamp
	}

	for _, t := range turns {
		if t.Role != core.TurnUser && t.Role != core.TurnAgent {
			return fmt.Errorf("session %s: invalid turn role %q", rec.Key, t.Role)
		}
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = m.now()
		}
		if t.Timestamp.Before(last) {
			t.Timestamp = last
		}
		last = t.Timestamp
		rec.History = append(rec.History, t)
	}
	return nil
}

func (m *Manager) compact(ctx context.Context, rec *core.SessionRecord) (bool, error) {
	if !compactionDue(rec, m.interval) {
		return false, nil
	}

	before := len(rec.History)

	compacted, err := compact(ctx, rec, m.summarizer, m.overlap)
	if err != nil {
		m.logger.Warn("session.compact.failed", "session", rec.Key.String(), "turns", before, "error", err)
		return false, fmt.Errorf("compact session %s: %w", rec.Key, err)
	}
	if compacted {
		m.logger.Info("session.compacted", "session", rec.Key.String(), "before", before, "after", len(rec.History))
	}
	return compacted, nil
}

func (m *Manager) save(ctx context.Context, rec *core.SessionRecord) error {
	rec.Updated = m.now()
	if err := m.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("save session %s: %w", rec.Key, err)
	}
	return nil
}
