package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpipe/agent"
	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/model"
	"github.com/hupe1980/agentpipe/retry"
	"github.com/hupe1980/agentpipe/session"
)

var jobsKey = core.SessionKey{AppID: "jobs", UserID: "u1", SessionID: "s1"}

func noSleep(context.Context, time.Duration) error { return nil }

func newPipeline(t *testing.T, m model.Model) *agent.Pipeline {
	t.Helper()
	step, err := agent.NewStep(agent.StepSpec{
		Name:        "answer",
		Requires:    []string{DefaultInputKey},
		OutputKey:   "answer",
		Model:       m,
		Instruction: agent.NewInstructionFromText("Answer: {{.user_query}}"),
	}, func(o *agent.StepOptions) { o.Sleep = noSleep })
	require.NoError(t, err)

	p, err := agent.NewPipeline("qa", []*agent.Step{step})
	require.NoError(t, err)
	return p
}

// blockingModel blocks until the call's context is done.
type blockingModel struct {
	started chan struct{}
}

func (m *blockingModel) Generate(ctx context.Context, _ model.Request) (*model.Response, error) {
	m.started <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *blockingModel) Info() model.Info { return model.Info{Name: "blocking", Provider: "test"} }

func TestRunner_Submit(t *testing.T) {
	ctx := context.Background()
	m := model.NewScriptedModel("m", model.TextReply("a1"), model.TextReply("a2"))
	r := New(newPipeline(t, m))
	defer r.Close()

	res, err := r.Submit(ctx, jobsKey, "q1")
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "a1", res.Text)
	assert.Equal(t, core.TextValue("a1"), res.Output)
	assert.Equal(t, 0, res.Snapshot[DefaultInputKey].Step)
	assert.Equal(t, 1, res.Snapshot["answer"].Step)

	_, err = r.Submit(ctx, jobsKey, "q2")
	require.NoError(t, err)

	rec, err := r.Sessions().GetOrCreate(ctx, jobsKey)
	require.NoError(t, err)
	require.Len(t, rec.History, 4)
	assert.Equal(t, core.TurnUser, rec.History[0].Role)
	assert.Equal(t, "q1", rec.History[0].Content)
	assert.Equal(t, core.TurnAgent, rec.History[3].Role)
	assert.Equal(t, "a2", rec.History[3].Content)

	// The second run sees the first exchange as history.
	reqs := m.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Answer: q2", reqs[1].Instructions)
	require.Len(t, reqs[1].Contents, 3)
	assert.Equal(t, "q1", reqs[1].Contents[0].Text())
	assert.Equal(t, "a1", reqs[1].Contents[1].Text())
	assert.Equal(t, "q2", reqs[1].Contents[2].Text())

	assert.Empty(t, r.ActiveRuns())
}

func TestRunner_FailureLeavesHistoryUnchanged(t *testing.T) {
	ctx := context.Background()
	m := model.NewScriptedModel("m", model.ErrorReply(retry.NewStatusError(401, errors.New("unauthorized"))))
	r := New(newPipeline(t, m))

	_, err := r.Submit(ctx, jobsKey, "q1")
	require.Error(t, err)

	var perr *core.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.StepIndex)
	assert.Equal(t, core.ErrModel, perr.Kind)

	rec, err := r.Sessions().GetOrCreate(ctx, jobsKey)
	require.NoError(t, err)
	assert.Empty(t, rec.History)
}

func TestRunner_InvalidSessionKey(t *testing.T) {
	r := New(newPipeline(t, model.NewScriptedModel("m")))

	_, err := r.Submit(context.Background(), core.SessionKey{AppID: "jobs"}, "q")
	assert.Equal(t, core.ErrInvalidSpec, core.KindOf(err))
}

func TestRunner_RetainContext(t *testing.T) {
	ctx := context.Background()
	fresh := New(newPipeline(t, model.NewScriptedModel("m", model.TextReply("a1"))))
	_, err := fresh.Submit(ctx, jobsKey, "q1")
	require.NoError(t, err)
	assert.Empty(t, fresh.retained)

	m := model.NewScriptedModel("m", model.TextReply("b1"), model.TextReply("b2"))
	kept := New(newPipeline(t, m), func(o *Options) { o.RetainContext = true })

	_, err = kept.Submit(ctx, jobsKey, "q1")
	require.NoError(t, err)
	_, err = kept.Submit(ctx, jobsKey, "q2")
	require.NoError(t, err)

	store := kept.retained[jobsKey.String()]
	require.NotNil(t, store)
	assert.Len(t, store.Writes(), 4, "both runs wrote into the same store")
}

func TestRunner_Cancel(t *testing.T) {
	m := &blockingModel{started: make(chan struct{}, 1)}
	r := New(newPipeline(t, m))

	errc := make(chan error, 1)
	go func() {
		_, err := r.Submit(context.Background(), jobsKey, "q1")
		errc <- err
	}()

	<-m.started
	ids := r.ActiveRuns()
	require.Len(t, ids, 1)
	require.NoError(t, r.Cancel(ids[0]))

	select {
	case err := <-errc:
		assert.Equal(t, core.ErrCancelled, core.KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("run was not cancelled")
	}

	assert.Error(t, r.Cancel("unknown"))
}

func TestRunner_MaxConcurrentRuns(t *testing.T) {
	m := &blockingModel{started: make(chan struct{}, 1)}
	r := New(newPipeline(t, m), func(o *Options) { o.MaxConcurrentRuns = 1 })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.Submit(ctx, jobsKey, "q1")
		errc <- err
	}()
	<-m.started

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer waitCancel()

	other := core.SessionKey{AppID: "jobs", UserID: "u2", SessionID: "s2"}
	_, err := r.Submit(waitCtx, other, "q2")
	assert.Equal(t, core.ErrCancelled, core.KindOf(err))

	cancel()
	<-errc
}

func TestRunner_CommitCompactsHistory(t *testing.T) {
	ctx := context.Background()
	m := model.NewScriptedModel("m", model.TextReply("a1"), model.TextReply("a2"))

	sessions := session.NewManager(func(o *session.Options) {
		o.Interval = 4
		o.Overlap = 1
		o.Summarizer = session.SummarizerFunc(func(context.Context, []core.Turn) (string, error) {
			return "earlier: q1/a1/q2", nil
		})
	})
	r := New(newPipeline(t, m), func(o *Options) { o.Sessions = sessions })

	for _, q := range []string{"q1", "q2"} {
		_, err := r.Submit(ctx, jobsKey, q)
		require.NoError(t, err)
	}

	rec, err := sessions.GetOrCreate(ctx, jobsKey)
	require.NoError(t, err)
	require.Len(t, rec.History, 2)
	assert.True(t, rec.History[0].Summary)
	assert.Equal(t, "a2", rec.History[1].Content)
}
