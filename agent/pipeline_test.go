package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/model"
	"github.com/hupe1980/agentpipe/retry"
	"github.com/hupe1980/agentpipe/tool"
)

func TestNewPipeline_Validation(t *testing.T) {
	a := mustStep(t, StepSpec{Name: "a", OutputKey: "x", Model: model.NewScriptedModel("m")}, nil)
	a2 := mustStep(t, StepSpec{Name: "a", OutputKey: "y", Model: model.NewScriptedModel("m")}, nil)

	_, err := NewPipeline("", []*Step{a})
	assert.Equal(t, core.ErrInvalidSpec, core.KindOf(err))

	_, err = NewPipeline("p", nil)
	assert.Equal(t, core.ErrInvalidSpec, core.KindOf(err))

	_, err = NewPipeline("p", []*Step{a, a2})
	assert.Equal(t, core.ErrInvalidSpec, core.KindOf(err))

	_, err = NewPipeline("p", []*Step{a, nil})
	assert.Equal(t, core.ErrInvalidSpec, core.KindOf(err))

	p, err := NewPipeline("p", []*Step{a})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Steps())
	assert.Equal(t, "a", p.StepSpecs()[0].Name)
}

// jobSearchPipeline builds the four-step job search pipeline used by the
// end-to-end tests: search, resume parsing, scoring and CV generation.
type jobSearchPipeline struct {
	search, parse, score, write *model.ScriptedModel
	inv                         *mockInvoker
}

func newJobSearchModels() *jobSearchPipeline {
	inv := &mockInvoker{}
	inv.On("ListTools", jobsRef.Key()).Return([]tool.Definition{{Name: "search_jobs"}}, nil)
	inv.On("Invoke", jobsRef.Key(), "search_jobs", map[string]any{"query": "go"}).Return(&tool.Result{Text: `[{"id":1,"title":"Go Developer"}]`}, nil)
	inv.On("ListTools", resumeRef.Key()).Return([]tool.Definition{{Name: "parse_resume"}}, nil)
	inv.On("Invoke", resumeRef.Key(), "parse_resume", map[string]any{}).Return(&tool.Result{Text: "Ada Lovelace, Go, 10y"}, nil)
	inv.On("ListTools", cvRef.Key()).Return([]tool.Definition{{Name: "generate_cv"}}, nil)
	inv.On("Invoke", cvRef.Key(), "generate_cv", map[string]any{}).Return(&tool.Result{
		Blobs: []tool.Blob{{Name: "cv.pdf", MIMEType: "application/pdf", Data: []byte("%PDF")}},
	}, nil)

	return &jobSearchPipeline{
		search: model.NewScriptedModel("search",
			model.CallReply(core.FunctionCall{ID: "s1", Name: "search_jobs", Arguments: `{"query":"go"}`}),
			model.TextReply(`[{"id":1,"title":"Go Developer"}]`),
		),
		parse: model.NewScriptedModel("parse",
			model.CallReply(core.FunctionCall{ID: "p1", Name: "parse_resume"}),
			model.TextReply(`{"name":"Ada Lovelace","skills":["go"]}`),
		),
		score: model.NewScriptedModel("score",
			model.TextReply(`[{"id":1,"score":92}]`),
		),
		write: model.NewScriptedModel("write",
			model.CallReply(core.FunctionCall{ID: "w1", Name: "generate_cv"}),
			model.TextReply("CV generated."),
		),
		inv: inv,
	}
}

func (j *jobSearchPipeline) steps(t *testing.T, sleep func(context.Context, time.Duration) error, policy retry.Policy) []*Step {
	t.Helper()
	opts := func(o *StepOptions) {
		o.Invoker = j.inv
		o.Sleep = sleep
	}
	build := func(spec StepSpec) *Step {
		spec.Policy = policy
		s, err := NewStep(spec, opts)
		require.NoError(t, err)
		return s
	}
	return []*Step{
		build(StepSpec{
			Name: "job_search", Requires: []string{"user_query"}, OutputKey: "job_listings",
			OutputShape: ShapeJSONArray, Model: j.search, Tool: &jobsRef,
			Instruction: NewInstructionFromText("Find jobs matching: {{.user_query}}"),
		}),
		build(StepSpec{
			Name: "resume_parser", OutputKey: "parsed_resume_json",
			OutputShape: ShapeJSONObject, Model: j.parse, Tool: &resumeRef,
			Instruction: NewInstructionFromText("Parse the resume."),
		}),
		build(StepSpec{
			Name: "scoring", Requires: []string{"job_listings", "parsed_resume_json"}, OutputKey: "scored_jobs",
			OutputShape: ShapeJSONArray, Model: j.score,
			Instruction: NewInstructionFromText("Score {{.job_listings}} for {{.parsed_resume_json}}"),
		}),
		build(StepSpec{
			Name: "cv_writer", Requires: []string{"scored_jobs", "parsed_resume_json"}, OutputKey: "tailored_cv",
			OutputShape: ShapeBlob, Model: j.write, Tool: &cvRef,
			Instruction: NewInstructionFromText("Write a CV for the best job in {{.scored_jobs}}"),
		}),
	}
}

func TestPipeline_CompletesAfterTransientModelFailures(t *testing.T) {
	j := newJobSearchModels()

	rateLimited := retry.NewStatusError(429, errors.New("rate limited"))
	j.search = model.NewScriptedModel("search",
		model.ErrorReply(rateLimited),
		model.ErrorReply(rateLimited),
		model.ErrorReply(rateLimited),
		model.CallReply(core.FunctionCall{ID: "s1", Name: "search_jobs", Arguments: `{"query":"go"}`}),
		model.TextReply(`[{"id":1,"title":"Go Developer"}]`),
	)

	policy := retry.Policy{MaxAttempts: 5, StatusCodes: []int{429, 503}, InitialDelay: 5 * time.Millisecond, ExponentialBase: 2}

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return retry.Sleep(ctx, d)
	}

	var states []RunState
	p, err := NewPipeline("job-search", j.steps(t, sleep, policy), func(o *PipelineOptions) {
		o.Observer = func(st RunState) { states = append(states, st) }
	})
	require.NoError(t, err)

	rc := runContext(context.Background(), "go jobs")

	start := time.Now()
	res, err := p.Run(rc)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 4, res.StepIndex)
	assert.Equal(t, "tailored_cv", res.OutputKey)
	assert.Equal(t, core.ValueBlob, res.Output.Kind)

	wantDelays := []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}
	assert.Equal(t, wantDelays, delays)
	assert.GreaterOrEqual(t, elapsed, 35*time.Millisecond)
	assert.Equal(t, 5, j.search.Calls())

	steps := map[string]int{}
	for k, e := range res.Snapshot {
		steps[k] = e.Step
	}
	want := map[string]int{"user_query": 0, "job_listings": 1, "parsed_resume_json": 2, "scored_jobs": 3, "tailored_cv": 4}
	if diff := cmp.Diff(want, steps); diff != "" {
		t.Errorf("producing steps mismatch (-want +got):\n%s", diff)
	}

	assert.Contains(t, j.score.Requests()[0].Instructions, `"Go Developer"`)
	assert.Contains(t, j.score.Requests()[0].Instructions, `"Ada Lovelace"`)

	var seq []State
	for _, st := range states {
		seq = append(seq, st.State)
	}
	assert.Equal(t, []State{StatePending, StateRunning, StateRunning, StateRunning, StateRunning, StateCompleted}, seq)
	assert.Equal(t, 4, states[len(states)-1].StepIndex)
	j.inv.AssertExpectations(t)
}

func TestPipeline_MissingInputFailsBeforeAnyCall(t *testing.T) {
	j := newJobSearchModels()
	all := j.steps(t, noSleep, retry.DefaultPolicy())

	// scoring is placed before the resume parser that produces its input
	p, err := NewPipeline("job-search", []*Step{all[0], all[2], all[1], all[3]})
	require.NoError(t, err)

	var failed RunState
	p.observer = func(st RunState) {
		if st.State == StateFailed {
			failed = st
		}
	}

	rc := runContext(context.Background(), "go jobs")
	res, err := p.Run(rc)
	require.Error(t, err)
	assert.Nil(t, res)

	var perr *core.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.StepIndex)
	assert.Equal(t, "scoring", perr.Step)
	assert.Equal(t, core.ErrMissingInput, perr.Kind)
	assert.Equal(t, core.ErrMissingInput, core.KindOf(err))

	assert.Equal(t, 0, j.score.Calls())
	assert.Equal(t, 0, j.parse.Calls())
	assert.Equal(t, 0, j.write.Calls())
	j.inv.AssertNotCalled(t, "ListTools", resumeRef.Key())
	j.inv.AssertNotCalled(t, "Invoke", resumeRef.Key(), mock.Anything, mock.Anything)

	assert.Equal(t, StateFailed, failed.State)
	assert.Equal(t, 2, failed.StepIndex)
	assert.Equal(t, core.ErrMissingInput, failed.Kind)

	_, ok := rc.Store.Get("scored_jobs")
	assert.False(t, ok)
}

func TestPipeline_FailsWithToolExhausted(t *testing.T) {
	m := model.NewScriptedModel("search", model.CallReply(core.FunctionCall{ID: "s1", Name: "search_jobs"}))
	inv := &mockInvoker{}
	inv.On("ListTools", jobsRef.Key()).Return([]tool.Definition{{Name: "search_jobs"}}, nil)
	inv.On("Invoke", jobsRef.Key(), "search_jobs", map[string]any{}).
		Return(nil, &tool.Error{Endpoint: jobsRef.Key(), Tool: "search_jobs", Kind: core.ErrToolExhausted, Attempts: 5})

	s := mustStep(t, StepSpec{Name: "job_search", OutputKey: "job_listings", Model: m, Tool: &jobsRef}, inv)
	next := mustStep(t, StepSpec{Name: "scoring", OutputKey: "scored", Model: model.NewScriptedModel("score")}, nil)

	p, err := NewPipeline("job-search", []*Step{s, next})
	require.NoError(t, err)

	_, err = p.Run(runContext(context.Background(), "q"))
	var perr *core.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 1, perr.StepIndex)
	assert.Equal(t, core.ErrToolExhausted, perr.Kind)
	var terr *tool.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 5, terr.Attempts)
}

// cancellingModel answers and then cancels the run.
type cancellingModel struct {
	cancel context.CancelFunc
}

func (m cancellingModel) Generate(context.Context, model.Request) (*model.Response, error) {
	defer m.cancel()
	return &model.Response{Content: core.NewTextContent(core.RoleModel, "done")}, nil
}

func (m cancellingModel) Info() model.Info { return model.Info{Name: "cancelling"} }

func TestPipeline_CancellationBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := mustStep(t, StepSpec{Name: "first", OutputKey: "a", Model: cancellingModel{cancel: cancel}}, nil)
	secondModel := model.NewScriptedModel("second", model.TextReply("never"))
	second := mustStep(t, StepSpec{Name: "second", OutputKey: "b", Model: secondModel}, nil)

	p, err := NewPipeline("p", []*Step{first, second})
	require.NoError(t, err)

	rc := runContext(ctx, "q")
	_, err = p.Run(rc)

	var perr *core.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, core.ErrCancelled, perr.Kind)
	assert.Equal(t, 2, perr.StepIndex)
	assert.Equal(t, 0, secondModel.Calls())

	entry, err := rc.Store.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Step)
}

func TestPipeline_OverwriteKeepsAttribution(t *testing.T) {
	first := mustStep(t, StepSpec{Name: "draft", OutputKey: "answer", Model: model.NewScriptedModel("m1", model.TextReply("draft"))}, nil)
	second := mustStep(t, StepSpec{Name: "refine", Requires: []string{"answer"}, OutputKey: "answer", Model: model.NewScriptedModel("m2", model.TextReply("final"))}, nil)

	p, err := NewPipeline("p", []*Step{first, second})
	require.NoError(t, err)

	rc := runContext(context.Background(), "q")
	res, err := p.Run(rc)
	require.NoError(t, err)
	assert.Equal(t, "final", res.Output.Text)
	assert.Equal(t, 2, res.Snapshot["answer"].Step)

	var producers []int
	for _, w := range rc.Store.Writes() {
		if w.Key == "answer" {
			producers = append(producers, w.Step)
		}
	}
	assert.Equal(t, []int{1, 2}, producers)
}
