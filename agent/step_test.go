package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpipe/artifact"
	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/model"
	"github.com/hupe1980/agentpipe/retry"
	"github.com/hupe1980/agentpipe/tool"
)

type mockInvoker struct {
	mock.Mock
}

func (m *mockInvoker) Invoke(_ context.Context, ref tool.Ref, req tool.Request) (*tool.Result, error) {
	args := m.Called(ref.Key(), req.Tool, req.Arguments)
	res, _ := args.Get(0).(*tool.Result)
	return res, args.Error(1)
}

func (m *mockInvoker) ListTools(_ context.Context, ref tool.Ref) ([]tool.Definition, error) {
	args := m.Called(ref.Key())
	defs, _ := args.Get(0).([]tool.Definition)
	return defs, args.Error(1)
}

func noSleep(context.Context, time.Duration) error { return nil }

var (
	jobsRef   = tool.Ref{Name: "job-search", Transport: tool.TransportRemoteStream, Endpoint: "http://jobs.local/mcp"}
	resumeRef = tool.Ref{Name: "resume-parser", Transport: tool.TransportInProcess}
	cvRef     = tool.Ref{Name: "cv-writer", Transport: tool.TransportLocalProcess, Command: "cv-server"}
)

func runContext(ctx context.Context, input string, history ...core.Turn) *core.RunContext {
	rc := core.NewRunContext(
		ctx,
		core.SessionKey{AppID: "jobs", UserID: "u1", SessionID: "s1"},
		"run-1",
		input,
		history,
		nil,
		artifact.NewInMemoryStore(),
		logging.NoOpLogger{},
	)
	_ = rc.Store.Set("user_query", core.TextValue(input), 0)
	return rc
}

func mustStep(t *testing.T, spec StepSpec, inv ToolInvoker) *Step {
	t.Helper()
	s, err := NewStep(spec, func(o *StepOptions) {
		o.Invoker = inv
		o.Sleep = noSleep
	})
	require.NoError(t, err)
	return s
}

func TestNewStep_Validation(t *testing.T) {
	m := model.NewScriptedModel("m")

	_, err := NewStep(StepSpec{OutputKey: "x", Model: m})
	assert.Equal(t, core.ErrInvalidSpec, core.KindOf(err))

	_, err = NewStep(StepSpec{Name: "a", Model: m})
	assert.Equal(t, core.ErrInvalidSpec, core.KindOf(err))

	_, err = NewStep(StepSpec{Name: "a", OutputKey: "x"})
	assert.Equal(t, core.ErrInvalidSpec, core.KindOf(err))

	_, err = NewStep(StepSpec{Name: "a", OutputKey: "x", Model: m, OutputShape: "xml"})
	assert.Equal(t, core.ErrInvalidSpec, core.KindOf(err))

	_, err = NewStep(StepSpec{Name: "a", OutputKey: "x", Model: m, Tool: &jobsRef})
	assert.Equal(t, core.ErrInvalidSpec, core.KindOf(err), "tool binding without invoker")

	s, err := NewStep(StepSpec{Name: "a", OutputKey: "x", Model: m})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxTurns, s.Spec().MaxTurns)
	assert.Equal(t, ShapeText, s.Spec().OutputShape)
	assert.Equal(t, retry.DefaultPolicy(), s.Spec().Policy)
}

func TestStep_TextAnswer(t *testing.T) {
	m := model.NewScriptedModel("scorer", model.TextReply("looks good"))
	s := mustStep(t, StepSpec{
		Name:        "scoring",
		Requires:    []string{"user_query"},
		OutputKey:   "verdict",
		Model:       m,
		Instruction: NewInstructionFromText("Judge: {{.user_query}} ({{.tone}})"),
		Params:      map[string]any{"tone": "brief"},
	}, nil)

	history := []core.Turn{
		{Role: core.TurnUser, Content: "earlier question"},
		{Role: core.TurnAgent, Content: "earlier answer"},
	}
	rc := runContext(context.Background(), "go jobs in Berlin", history...).WithStep(3, "scoring")

	v, err := s.Execute(rc)
	require.NoError(t, err)
	assert.Equal(t, core.TextValue("looks good"), v)

	entry, err := rc.Store.Lookup("verdict")
	require.NoError(t, err)
	assert.Equal(t, 3, entry.Step)

	reqs := m.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "Judge: go jobs in Berlin (brief)", reqs[0].Instructions)
	require.Len(t, reqs[0].Contents, 3)
	assert.Equal(t, core.RoleUser, reqs[0].Contents[0].Role)
	assert.Equal(t, core.RoleModel, reqs[0].Contents[1].Role)
	assert.Equal(t, "go jobs in Berlin", reqs[0].Contents[2].Text())
	assert.Empty(t, reqs[0].Tools)
}

func TestStep_MissingInputBeforeAnyCall(t *testing.T) {
	m := model.NewScriptedModel("m", model.TextReply("x"))
	inv := &mockInvoker{}
	s := mustStep(t, StepSpec{
		Name:      "scoring",
		Requires:  []string{"job_listings", "parsed_resume_json"},
		OutputKey: "scored_jobs",
		Model:     m,
		Tool:      &resumeRef,
	}, inv)

	_, err := s.Execute(runContext(context.Background(), "q"))
	require.Error(t, err)
	assert.Equal(t, core.ErrMissingInput, core.KindOf(err))
	assert.Contains(t, err.Error(), "job_listings, parsed_resume_json")
	assert.Equal(t, 0, m.Calls())
	inv.AssertNotCalled(t, "ListTools", mock.Anything)
	inv.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)
}

func TestStep_InstructionRenderFailure(t *testing.T) {
	m := model.NewScriptedModel("m", model.TextReply("x"))
	s := mustStep(t, StepSpec{Name: "a", OutputKey: "x", Model: m, Instruction: NewInstructionFromText("{{.undeclared}}")}, nil)

	_, err := s.Execute(runContext(context.Background(), "q"))
	assert.Equal(t, core.ErrInvalidSpec, core.KindOf(err))
	assert.Equal(t, 0, m.Calls())
}

func TestStep_ToolLoop(t *testing.T) {
	m := model.NewScriptedModel("searcher",
		model.CallReply(core.FunctionCall{ID: "c1", Name: "search_jobs", Arguments: `{"query":"go"}`}),
		model.TextReply(`[{"title":"Go Developer"}]`),
	)
	inv := &mockInvoker{}
	inv.On("ListTools", jobsRef.Key()).Return([]tool.Definition{{Name: "search_jobs", Description: "Search"}}, nil)
	inv.On("Invoke", jobsRef.Key(), "search_jobs", map[string]any{"query": "go"}).Return(&tool.Result{Text: `{"jobs":1}`}, nil)

	s := mustStep(t, StepSpec{Name: "job_search", OutputKey: "job_listings", OutputShape: ShapeJSONArray, Model: m, Tool: &jobsRef}, inv)

	v, err := s.Execute(runContext(context.Background(), "go jobs").WithStep(1, "job_search"))
	require.NoError(t, err)
	assert.Equal(t, core.ValueJSON, v.Kind)
	assert.JSONEq(t, `[{"title":"Go Developer"}]`, string(v.JSON))
	inv.AssertExpectations(t)

	reqs := m.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "search_jobs", reqs[0].Tools[0].Name)

	last := reqs[1].Contents[len(reqs[1].Contents)-1]
	assert.Equal(t, core.RoleTool, last.Role)
	fr := last.Parts[0].(core.FunctionResponsePart).FunctionResponse
	assert.Equal(t, "c1", fr.ID)
	assert.Equal(t, `{"jobs":1}`, fr.Response)
}

func TestStep_UnknownToolIsReportedToModel(t *testing.T) {
	m := model.NewScriptedModel("m",
		model.CallReply(core.FunctionCall{ID: "c1", Name: "delete_everything"}),
		model.TextReply("sorry"),
	)
	inv := &mockInvoker{}
	inv.On("ListTools", jobsRef.Key()).Return([]tool.Definition{{Name: "search_jobs"}}, nil)

	s := mustStep(t, StepSpec{Name: "a", OutputKey: "x", Model: m, Tool: &jobsRef}, inv)

	v, err := s.Execute(runContext(context.Background(), "q"))
	require.NoError(t, err)
	assert.Equal(t, "sorry", v.Text)
	inv.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)

	last := m.Requests()[1].Contents
	fr := last[len(last)-1].Parts[0].(core.FunctionResponsePart).FunctionResponse
	assert.Contains(t, fr.Error, "unknown tool")
}

func TestStep_ToolErrorResultIsReportedToModel(t *testing.T) {
	m := model.NewScriptedModel("m",
		model.CallReply(core.FunctionCall{ID: "c1", Name: "search_jobs", Arguments: `{}`}),
		model.TextReply("no results"),
	)
	inv := &mockInvoker{}
	inv.On("ListTools", jobsRef.Key()).Return([]tool.Definition{{Name: "search_jobs"}}, nil)
	inv.On("Invoke", jobsRef.Key(), "search_jobs", map[string]any{}).Return(&tool.Result{IsError: true, Status: 400, Text: "query required"}, nil)

	s := mustStep(t, StepSpec{Name: "a", OutputKey: "x", Model: m, Tool: &jobsRef}, inv)

	_, err := s.Execute(runContext(context.Background(), "q"))
	require.NoError(t, err)

	last := m.Requests()[1].Contents
	fr := last[len(last)-1].Parts[0].(core.FunctionResponsePart).FunctionResponse
	assert.Equal(t, "query required", fr.Error)
}

func TestStep_FatalToolErrorAbortsStep(t *testing.T) {
	m := model.NewScriptedModel("m", model.CallReply(core.FunctionCall{ID: "c1", Name: "search_jobs"}))
	inv := &mockInvoker{}
	inv.On("ListTools", jobsRef.Key()).Return([]tool.Definition{{Name: "search_jobs"}}, nil)
	inv.On("Invoke", jobsRef.Key(), "search_jobs", map[string]any{}).
		Return(nil, &tool.Error{Endpoint: jobsRef.Key(), Tool: "search_jobs", Kind: core.ErrToolExhausted, Attempts: 5, Cause: errors.New("503")})

	s := mustStep(t, StepSpec{Name: "a", OutputKey: "x", Model: m, Tool: &jobsRef}, inv)

	rc := runContext(context.Background(), "q")
	_, err := s.Execute(rc)
	assert.Equal(t, core.ErrToolExhausted, core.KindOf(err))
	_, ok := rc.Store.Get("x")
	assert.False(t, ok)
}

func TestStep_ToolLoopExceeded(t *testing.T) {
	m := model.NewScriptedModel("m")
	m.SetFallback(func(model.Request) model.Reply {
		return model.CallReply(core.FunctionCall{ID: "c", Name: "search_jobs"})
	})
	inv := &mockInvoker{}
	inv.On("ListTools", jobsRef.Key()).Return([]tool.Definition{{Name: "search_jobs"}}, nil)
	inv.On("Invoke", jobsRef.Key(), "search_jobs", map[string]any{}).Return(&tool.Result{Text: "again"}, nil)

	s := mustStep(t, StepSpec{Name: "a", OutputKey: "x", Model: m, Tool: &jobsRef, MaxTurns: 3}, inv)

	_, err := s.Execute(runContext(context.Background(), "q"))
	assert.Equal(t, core.ErrToolLoopExceeded, core.KindOf(err))
	assert.Equal(t, 3, m.Calls())
	inv.AssertNumberOfCalls(t, "Invoke", 3)
}

func TestStep_NoToolBindingAnswersCallsWithError(t *testing.T) {
	m := model.NewScriptedModel("m",
		model.CallReply(core.FunctionCall{ID: "c1", Name: "search_jobs"}),
		model.TextReply("ok"),
	)
	s := mustStep(t, StepSpec{Name: "a", OutputKey: "x", Model: m}, nil)

	_, err := s.Execute(runContext(context.Background(), "q"))
	require.NoError(t, err)

	last := m.Requests()[1].Contents
	fr := last[len(last)-1].Parts[0].(core.FunctionResponsePart).FunctionResponse
	assert.Contains(t, fr.Error, "has no tools")
}

func TestStep_OutputShapeMismatch(t *testing.T) {
	m := model.NewScriptedModel("m", model.TextReply("Here are your jobs!"))
	s := mustStep(t, StepSpec{Name: "job_search", OutputKey: "job_listings", OutputShape: ShapeJSONArray, Model: m}, nil)

	rc := runContext(context.Background(), "q")
	_, err := s.Execute(rc)
	assert.Equal(t, core.ErrOutputShapeMismatch, core.KindOf(err))
	assert.Contains(t, err.Error(), "job_search")
	_, ok := rc.Store.Get("job_listings")
	assert.False(t, ok)
}

func TestStep_ModelErrors(t *testing.T) {
	t.Run("non-retryable", func(t *testing.T) {
		m := model.NewScriptedModel("m", model.ErrorReply(retry.NewStatusError(400, errors.New("bad request"))))
		s := mustStep(t, StepSpec{Name: "a", OutputKey: "x", Model: m}, nil)

		_, err := s.Execute(runContext(context.Background(), "q"))
		assert.Equal(t, core.ErrModel, core.KindOf(err))
		assert.Equal(t, 1, m.Calls())
	})

	t.Run("exhausted", func(t *testing.T) {
		m := model.NewScriptedModel("m")
		m.SetFallback(func(model.Request) model.Reply {
			return model.ErrorReply(retry.NewStatusError(503, errors.New("overloaded")))
		})
		s := mustStep(t, StepSpec{
			Name: "a", OutputKey: "x", Model: m,
			Policy: retry.Policy{MaxAttempts: 3, StatusCodes: []int{503}, InitialDelay: time.Second, ExponentialBase: 2},
		}, nil)

		_, err := s.Execute(runContext(context.Background(), "q"))
		assert.Equal(t, core.ErrModelExhausted, core.KindOf(err))
		assert.Equal(t, 3, m.Calls())
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		m := model.NewScriptedModel("m", model.TextReply("x"))
		s := mustStep(t, StepSpec{Name: "a", OutputKey: "x", Model: m}, nil)

		_, err := s.Execute(runContext(ctx, "q"))
		assert.Equal(t, core.ErrCancelled, core.KindOf(err))
	})
}

func TestStep_BlobOutputIsStoredAsArtifact(t *testing.T) {
	m := model.NewScriptedModel("writer",
		model.CallReply(core.FunctionCall{ID: "c1", Name: "generate_cv"}),
		model.TextReply("Your CV is ready."),
	)
	inv := &mockInvoker{}
	inv.On("ListTools", cvRef.Key()).Return([]tool.Definition{{Name: "generate_cv"}}, nil)
	inv.On("Invoke", cvRef.Key(), "generate_cv", map[string]any{}).Return(&tool.Result{
		Blobs: []tool.Blob{{Name: "cv.pdf", MIMEType: "application/pdf", Data: []byte("%PDF-1.7")}},
	}, nil)

	s := mustStep(t, StepSpec{Name: "cv", OutputKey: "cv", OutputShape: ShapeBlob, Model: m, Tool: &cvRef}, inv)

	rc := runContext(context.Background(), "q")
	v, err := s.Execute(rc)
	require.NoError(t, err)
	require.Equal(t, core.ValueBlob, v.Kind)
	assert.Equal(t, "application/pdf", v.Blob.MIMEType)
	require.NotEmpty(t, v.Blob.ArtifactID)

	data, err := rc.GetArtifact(v.Blob.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7"), data)
}
