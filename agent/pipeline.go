package agent

import (
	"fmt"
	"time"

	"github.com/hupe1980/agentpipe/core"
)

// State is the lifecycle state of a pipeline run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// RunState is reported to observers on every transition. StepIndex is the
// 1-based step being run (Running), the failing step (Failed) or the last
// step (Completed).
type RunState struct {
	Pipeline  string
	RunID     string
	State     State
	StepIndex int
	Step      string
	Kind      core.ErrorKind
	Snapshot  core.Snapshot
}

// Observer receives run state transitions. It runs synchronously on the
// pipeline goroutine and must not block.
type Observer func(RunState)

// Result is the outcome of a completed run.
type Result struct {
	State     State
	StepIndex int
	// Output is the value stored under the final step's output key.
	Output    core.Value
	OutputKey string
	Snapshot  core.Snapshot
}

// PipelineOptions configure a Pipeline.
type PipelineOptions struct {
	Observer Observer
}

// Pipeline coordinates the execution of steps in a fixed sequence.
//
// Every step sees the same RunContext and thereby the same ContextStore, so a
// step's output becomes available to all subsequent steps. Execution stops on
// the first error; there is no whole-step retry and no branching.
//
// A Pipeline is immutable after construction and safe for concurrent runs.
type Pipeline struct {
	name     string
	steps    []*Step
	observer Observer
}

// NewPipeline validates the step sequence and returns an immutable Pipeline.
func NewPipeline(name string, steps []*Step, optFns ...func(o *PipelineOptions)) (*Pipeline, error) {
	opts := PipelineOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	if name == "" {
		return nil, core.NewError(core.ErrInvalidSpec, "pipeline name is required")
	}
	if len(steps) == 0 {
		return nil, core.NewError(core.ErrInvalidSpec, "pipeline %s has no steps", name)
	}

	seen := make(map[string]bool, len(steps))
	for i, s := range steps {
		if s == nil {
			return nil, core.NewError(core.ErrInvalidSpec, "pipeline %s: step %d is nil", name, i+1)
		}
		if seen[s.Name()] {
			return nil, core.NewError(core.ErrInvalidSpec, "pipeline %s: duplicate step name %q", name, s.Name())
		}
		seen[s.Name()] = true
	}

	return &Pipeline{
		name:     name,
		steps:    append([]*Step(nil), steps...),
		observer: opts.Observer,
	}, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Steps returns the number of steps.
func (p *Pipeline) Steps() int { return len(p.steps) }

// StepSpecs returns the specs of all steps in order.
func (p *Pipeline) StepSpecs() []StepSpec {
	out := make([]StepSpec, len(p.steps))
	for i, s := range p.steps {
		out[i] = s.Spec()
	}
	return out
}

func (p *Pipeline) notify(rc *core.RunContext, st RunState) {
	if p.observer == nil {
		return
	}
	st.Pipeline = p.name
	st.RunID = rc.RunID
	st.Snapshot = rc.Store.Snapshot()
	p.observer(st)
}

// Run executes all steps in order on rc. Cancellation of rc is checked
// between steps. Any failure yields a *core.PipelineError.
func (p *Pipeline) Run(rc *core.RunContext) (*Result, error) {
	start := time.Now()

	p.notify(rc, RunState{State: StatePending})
	rc.LogInfo("pipeline.run.start", "pipeline", p.name, "run", rc.RunID, "steps", len(p.steps))

	var (
		output core.Value
		last   = p.steps[len(p.steps)-1]
	)

	for i, step := range p.steps {
		index := i + 1

		if err := rc.Err(); err != nil {
			return nil, p.fail(rc, index, step, core.WrapError(core.ErrCancelled, err, "run cancelled before step %s", step.Name()), start)
		}

		p.notify(rc, RunState{State: StateRunning, StepIndex: index, Step: step.Name()})

		src := rc.WithStep(index, step.Name())
		src.LogDebug("pipeline.step.start", "pipeline", p.name)

		stepStart := time.Now()
		v, err := step.Execute(src)
		if err != nil {
			return nil, p.fail(rc, index, step, err, start)
		}
		output = v

		src.LogDebug("pipeline.step.complete", "pipeline", p.name, "kind", string(v.Kind), "duration_ms", time.Since(stepStart).Milliseconds())
	}

	p.notify(rc, RunState{State: StateCompleted, StepIndex: len(p.steps), Step: last.Name()})
	p.logRun(rc, start, nil)

	return &Result{
		State:     StateCompleted,
		StepIndex: len(p.steps),
		Output:    output,
		OutputKey: last.spec.OutputKey,
		Snapshot:  rc.Store.Snapshot(),
	}, nil
}

func (p *Pipeline) fail(rc *core.RunContext, index int, step *Step, err error, start time.Time) error {
	kind := core.KindOf(err)
	if kind == "" {
		kind = core.ErrModel
	}

	perr := &core.PipelineError{Pipeline: p.name, StepIndex: index, Step: step.Name(), Kind: kind, Cause: err}

	p.notify(rc, RunState{State: StateFailed, StepIndex: index, Step: step.Name(), Kind: kind})
	rc.WithStep(index, step.Name()).LogError("pipeline.step.failed", "pipeline", p.name, "kind", string(kind), "error", err.Error())
	p.logRun(rc, start, perr)

	return perr
}

type pipelineRunLogger interface {
	LogPipelineRun(pipeline string, steps int, dur time.Duration, err error)
}

func (p *Pipeline) logRun(rc *core.RunContext, start time.Time, err error) {
	if l, ok := rc.Logger().(pipelineRunLogger); ok {
		l.LogPipelineRun(p.name, len(p.steps), time.Since(start), err)
		return
	}
	if err != nil {
		rc.LogInfo("pipeline.run.failed", "pipeline", p.name, "run", rc.RunID, "duration", time.Since(start), "error", fmt.Sprint(err))
		return
	}
	rc.LogInfo("pipeline.run.completed", "pipeline", p.name, "run", rc.RunID, "duration", time.Since(start))
}
