package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/model"
)

type mockProvider struct {
	text string
	err  error
}

func (m mockProvider) Instruction(*core.RunContext) (string, error) { return m.text, m.err }

func newTestRunContext() *core.RunContext {
	return core.NewRunContext(
		context.Background(),
		core.SessionKey{AppID: "app", UserID: "u1", SessionID: "s1"},
		"run-1",
		"hello",
		nil,
		nil,
		nil,
		logging.NoOpLogger{},
	)
}

func TestInstruction_Static(t *testing.T) {
	inst := NewInstructionFromText("static instruction")
	assert.True(t, inst.IsStatic())

	got, err := inst.Resolve(newTestRunContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, "static instruction", got)
}

func TestInstruction_Template(t *testing.T) {
	inst := NewInstructionFromText("Score {{.job_listings}} for a {{.level | upper}} engineer")

	got, err := inst.Resolve(newTestRunContext(), map[string]any{"job_listings": `[{"title":"SRE"}]`, "level": "senior"})
	require.NoError(t, err)
	assert.Equal(t, `Score [{"title":"SRE"}] for a SENIOR engineer`, got)

	_, err = inst.Resolve(newTestRunContext(), map[string]any{"level": "senior"})
	assert.Error(t, err)
}

func TestInstruction_NewInstructionFromFunc(t *testing.T) {
	inst := NewInstructionFromFunc(func(rc *core.RunContext) (string, error) { return "dynamic for " + rc.RunID, nil })
	assert.False(t, inst.IsStatic())

	got, err := inst.Resolve(newTestRunContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, "dynamic for run-1", got)
}

func TestInstruction_NewInstructionFromProvider(t *testing.T) {
	inst := NewInstructionFromProvider(mockProvider{text: "provider text"})
	assert.False(t, inst.IsStatic())

	got, err := inst.Resolve(newTestRunContext(), nil)
	require.NoError(t, err)
	assert.Equal(t, "provider text", got)
}

func TestInstruction_ErrorPropagation(t *testing.T) {
	expectedErr := errors.New("boom")
	inst := NewInstructionFromProvider(mockProvider{err: expectedErr})
	_, err := inst.Resolve(newTestRunContext(), nil)
	assert.ErrorIs(t, err, expectedErr)
}

func TestInstruction_SyntaxErrorIsReportedUpFront(t *testing.T) {
	inst := NewInstructionFromText("Score {{.job_listings")
	require.Error(t, inst.Validate())

	_, err := inst.Resolve(newTestRunContext(), map[string]any{"job_listings": "[]"})
	assert.Error(t, err)

	_, err = NewStep(StepSpec{Name: "scoring", OutputKey: "scored", Model: model.NewScriptedModel("m"), Instruction: inst})
	assert.Equal(t, core.ErrInvalidSpec, core.KindOf(err))
}

func TestInstruction_ZeroValueRendersEmpty(t *testing.T) {
	var inst Instruction
	require.NoError(t, inst.Validate())
	got, err := inst.Resolve(newTestRunContext(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, inst.Text())
}
