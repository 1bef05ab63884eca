package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/internal/testutil"
	"github.com/hupe1980/agentpipe/session"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")
	s, err := NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestStore_CreateGetSave(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	rec := testutil.NewSessionBuilder("jobs", "u1", "s1").Turns(3).CompactedAt(1).Build()
	rec.History[0].Summary = true

	_, err := s.Get(ctx, rec.Key)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
	assert.ErrorIs(t, s.Save(ctx, rec), core.ErrSessionNotFound)

	require.NoError(t, s.Create(ctx, rec))
	assert.ErrorIs(t, s.Create(ctx, rec), core.ErrSessionExists)

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}

	got.History = append(got.History, core.Turn{ID: "t4", Role: core.TurnUser, Content: "more", Timestamp: got.History[2].Timestamp.Add(time.Second)})
	got.Updated = got.Updated.Add(time.Minute)
	require.NoError(t, s.Save(ctx, got))

	again, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Len(t, again.History, 4)
	assert.Equal(t, "more", again.History[3].Content)
}

func TestStore_EmptyHistoryDecodesAsEmptySlice(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	rec := testutil.NewSessionBuilder("jobs", "u1", "empty").Build()
	rec.History = nil
	require.NoError(t, s.Create(ctx, rec))

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.NotNil(t, got.History)
	assert.Empty(t, got.History)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	s, path := newTestStore(t)

	rec := testutil.NewSessionBuilder("jobs", "u1", "s1").Turns(2).Build()
	require.NoError(t, s.Create(ctx, rec))
	require.NoError(t, s.Close())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Len(t, got.History, 2)
}

func TestStore_Keys(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	older := testutil.NewSessionBuilder("jobs", "u1", "a").Build()
	newer := testutil.NewSessionBuilder("jobs", "u1", "b").Build()
	other := testutil.NewSessionBuilder("jobs", "u2", "c").Build()
	newer.Updated = older.Updated.Add(time.Hour)

	for _, r := range []*core.SessionRecord{older, newer, other} {
		require.NoError(t, s.Create(ctx, r))
	}

	keys, err := s.Keys(ctx, "jobs", "u1")
	require.NoError(t, err)
	assert.Equal(t, []core.SessionKey{newer.Key, older.Key}, keys)
}

func TestStore_WithManager(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	m := session.NewManager(func(o *session.Options) {
		o.Store = s
		o.Interval = 2
		o.Overlap = 1
		o.Summarizer = session.SummarizerFunc(func(_ context.Context, turns []core.Turn) (string, error) {
			return "summary", nil
		})
	})

	key := core.SessionKey{AppID: "jobs", UserID: "u1", SessionID: "s1"}
	_, err := m.Commit(ctx, key,
		core.Turn{Role: core.TurnUser, Content: "q1"},
		core.Turn{Role: core.TurnAgent, Content: "a1"},
	)
	require.NoError(t, err)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.True(t, got.History[0].Summary)
	assert.Equal(t, "a1", got.History[1].Content)
	assert.Equal(t, 2, got.LastCompactionTurnIndex)
}
