package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/model"
	"github.com/hupe1980/agentpipe/retry"
	"github.com/hupe1980/agentpipe/tool"
)

// DefaultMaxTurns bounds the model calls of one step when MaxTurns is unset.
const DefaultMaxTurns = 10

// ToolInvoker is the part of tool.Invoker a step depends on.
type ToolInvoker interface {
	Invoke(ctx context.Context, ref tool.Ref, req tool.Request) (*tool.Result, error)
	ListTools(ctx context.Context, ref tool.Ref) ([]tool.Definition, error)
}

// StepSpec declares one pipeline stage.
type StepSpec struct {
	Name string
	// Requires lists context keys that must be present before the step runs.
	Requires []string
	// OutputKey is where the step's validated answer is stored.
	OutputKey   string
	OutputShape Shape
	// Tool optionally binds a tool server whose tools are offered to the model.
	Tool        *tool.Ref
	Model       model.Model
	Instruction Instruction
	// Params are static template values merged under the required inputs.
	Params map[string]any
	// MaxTurns bounds the model calls of the model/tool loop.
	MaxTurns int
	// Policy governs model call retries. Zero means retry.DefaultPolicy().
	Policy retry.Policy
}

// Validate reports incomplete specs.
func (s StepSpec) Validate() error {
	if s.Name == "" {
		return errors.New("step name is required")
	}
	if s.OutputKey == "" {
		return fmt.Errorf("step %s: output key is required", s.Name)
	}
	if s.Model == nil {
		return fmt.Errorf("step %s: model is required", s.Name)
	}
	if !s.OutputShape.Valid() {
		return fmt.Errorf("step %s: unknown output shape %q", s.Name, s.OutputShape)
	}
	if err := s.Instruction.Validate(); err != nil {
		return fmt.Errorf("step %s: %w", s.Name, err)
	}
	if s.MaxTurns < 0 {
		return fmt.Errorf("step %s: max turns must be >= 0", s.Name)
	}
	if s.Tool != nil {
		if err := s.Tool.Validate(); err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
	}
	if s.Policy.MaxAttempts != 0 {
		if err := s.Policy.Validate(); err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
	}
	return nil
}

// StepOptions configure a Step.
type StepOptions struct {
	// Invoker performs tool calls for steps with a tool binding.
	Invoker ToolInvoker
	// Sleep overrides the model retry backoff sleep (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

// Step executes one StepSpec. A Step holds no per-run state and may be shared
// by concurrent runs.
type Step struct {
	spec StepSpec
	opts StepOptions
}

// NewStep validates spec and returns a Step.
func NewStep(spec StepSpec, optFns ...func(o *StepOptions)) (*Step, error) {
	opts := StepOptions{Sleep: retry.Sleep}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := spec.Validate(); err != nil {
		return nil, core.WrapError(core.ErrInvalidSpec, err, "invalid step")
	}
	if spec.Tool != nil && opts.Invoker == nil {
		return nil, core.NewError(core.ErrInvalidSpec, "step %s binds tool %s but no invoker is configured", spec.Name, spec.Tool.Key())
	}
	if spec.MaxTurns == 0 {
		spec.MaxTurns = DefaultMaxTurns
	}
	if spec.Policy.MaxAttempts == 0 {
		spec.Policy = retry.DefaultPolicy()
	}
	if spec.OutputShape == "" {
		spec.OutputShape = ShapeText
	}

	return &Step{spec: spec, opts: opts}, nil
}

// Name returns the step name.
func (s *Step) Name() string { return s.spec.Name }

// Spec returns a copy of the step's spec with defaults applied.
func (s *Step) Spec() StepSpec { return s.spec }

type modelCallLogger interface {
	LogModelCall(model string, tokens int, dur time.Duration, err error)
}

// Execute runs the step against rc and writes its output into rc.Store under
// OutputKey attributed to rc.StepIndex.
//
// Order of operations:
//  1. Required keys are checked before any model or tool call (ErrMissingInput)
//  2. The instruction is rendered (ErrInvalidSpec on failure)
//  3. The model/tool loop runs until the model answers without tool calls
//  4. The answer is validated against OutputShape and stored
func (s *Step) Execute(rc *core.RunContext) (core.Value, error) {
	if missing := rc.Store.Missing(s.spec.Requires...); len(missing) > 0 {
		return core.Value{}, core.NewError(core.ErrMissingInput, "step %s: missing required keys %s", s.spec.Name, strings.Join(missing, ", "))
	}

	data := make(map[string]any, len(s.spec.Params)+len(s.spec.Requires))
	for k, v := range s.spec.Params {
		data[k] = v
	}
	for _, k := range s.spec.Requires {
		v, _ := rc.Store.Get(k)
		data[k] = v.String()
	}

	instructions, err := s.spec.Instruction.Resolve(rc, data)
	if err != nil {
		return core.Value{}, core.WrapError(core.ErrInvalidSpec, err, "step %s: render instruction", s.spec.Name)
	}

	req := model.Request{Instructions: instructions, Contents: historyContents(rc.History)}
	if rc.Input != "" {
		req.Contents = append(req.Contents, core.NewTextContent(core.RoleUser, rc.Input))
	}

	offered := map[string]bool{}
	if s.spec.Tool != nil {
		defs, err := s.opts.Invoker.ListTools(rc.Context, *s.spec.Tool)
		if err != nil {
			return core.Value{}, err
		}
		for _, d := range defs {
			offered[d.Name] = true
			req.Tools = append(req.Tools, model.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
		}
	}

	limiter := core.NewTurnLimiter(s.spec.MaxTurns)

	var (
		blobs []core.BlobRef
		final string
	)

	for {
		if err := limiter.Increment(); err != nil {
			return core.Value{}, err
		}

		resp, err := s.generate(rc, req)
		if err != nil {
			return core.Value{}, err
		}

		calls := resp.Content.FunctionCalls()
		if len(calls) == 0 {
			final = resp.Content.Text()
			break
		}

		req.Contents = append(req.Contents, resp.Content)

		parts := make([]core.Part, 0, len(calls))
		for _, call := range calls {
			fr, refs, err := s.callTool(rc, offered, call)
			if err != nil {
				return core.Value{}, err
			}
			blobs = append(blobs, refs...)
			parts = append(parts, core.FunctionResponsePart{FunctionResponse: fr})
		}
		req.Contents = append(req.Contents, core.Content{Role: core.RoleTool, Parts: parts})
	}

	value, err := shapeValue(s.spec.OutputShape, final, blobs)
	if err != nil {
		var kerr *core.Error
		if errors.As(err, &kerr) {
			kerr.Message = fmt.Sprintf("step %s: %s", s.spec.Name, kerr.Message)
			return core.Value{}, kerr
		}
		return core.Value{}, core.WrapError(core.ErrOutputShapeMismatch, err, "step %s", s.spec.Name)
	}

	if err := rc.Store.Set(s.spec.OutputKey, value, rc.StepIndex); err != nil {
		return core.Value{}, err
	}

	return value, nil
}

// generate calls the model under the step's retry policy.
func (s *Step) generate(rc *core.RunContext, req model.Request) (*model.Response, error) {
	var resp *model.Response

	info := s.spec.Model.Info()

	err := retry.Do(rc.Context, s.spec.Policy, func(ctx context.Context, attempt int) error {
		start := time.Now()
		r, err := s.spec.Model.Generate(ctx, req)

		tokens := 0
		if r != nil && r.Usage != nil {
			tokens = r.Usage.TotalTokens
		}
		if l, ok := rc.Logger().(modelCallLogger); ok {
			l.LogModelCall(info.Name, tokens, time.Since(start), err)
		} else {
			rc.LogDebug("model.call", "model", info.Name, "attempt", attempt, "tokens", tokens, "error", err)
		}

		if err != nil {
			return err
		}
		if r == nil {
			return errors.New("model returned no response")
		}
		resp = r
		return nil
	}, func(o *retry.Options) {
		o.Sleep = s.opts.Sleep
		o.OnRetry = func(attempt, code int, delay time.Duration, err error) {
			rc.LogWarn("model.call.retry", "model", info.Name, "attempt", attempt, "status", code, "delay", delay)
		}
	})

	switch {
	case err == nil:
		return resp, nil
	case rc.Err() != nil:
		return nil, core.WrapError(core.ErrCancelled, err, "step %s: model call", s.spec.Name)
	}

	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return nil, core.WrapError(core.ErrModelExhausted, err, "step %s: model %s", s.spec.Name, info.Name)
	}
	return nil, core.WrapError(core.ErrModel, err, "step %s: model %s", s.spec.Name, info.Name)
}

// callTool answers one function call. Calls the step cannot serve are
// answered with an error payload so the model may recover; invoker failures
// are fatal to the step.
func (s *Step) callTool(rc *core.RunContext, offered map[string]bool, call core.FunctionCall) (core.FunctionResponse, []core.BlobRef, error) {
	fr := core.FunctionResponse{ID: call.ID, Name: call.Name}

	if s.spec.Tool == nil {
		fr.Error = fmt.Sprintf("step %s has no tools", s.spec.Name)
		return fr, nil, nil
	}
	if !offered[call.Name] {
		fr.Error = fmt.Sprintf("unknown tool %q", call.Name)
		return fr, nil, nil
	}

	args := map[string]any{}
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			fr.Error = fmt.Sprintf("arguments are not a JSON object: %v", err)
			return fr, nil, nil
		}
	}

	res, err := s.opts.Invoker.Invoke(rc.Context, *s.spec.Tool, tool.Request{Tool: call.Name, Arguments: args})
	if err != nil {
		return fr, nil, err
	}

	if res.IsError {
		fr.Error = res.Text
		if fr.Error == "" {
			fr.Error = "tool reported an error"
		}
		return fr, nil, nil
	}

	refs := make([]core.BlobRef, 0, len(res.Blobs))
	for _, b := range res.Blobs {
		ref := core.BlobRef{Name: b.Name, MIMEType: b.MIMEType, URI: b.URI}
		if len(b.Data) > 0 {
			saved, err := rc.SaveArtifact(ref, b.Data)
			if err != nil {
				return fr, nil, core.WrapError(core.ErrToolProtocol, err, "step %s: save tool artifact", s.spec.Name)
			}
			ref = saved
		}
		refs = append(refs, ref)
	}

	fr.Response = res.Text
	for _, ref := range refs {
		if fr.Response != "" {
			fr.Response += "\n"
		}
		fr.Response += "[blob " + ref.String() + "]"
	}

	return fr, refs, nil
}

// historyContents converts session turns into model contents.
func historyContents(history []core.Turn) []core.Content {
	out := make([]core.Content, 0, len(history))
	for _, t := range history {
		switch {
		case t.Summary:
			out = append(out, core.NewTextContent(core.RoleUser, "Summary of the earlier conversation:\n"+t.Content))
		case t.Role == core.TurnAgent:
			out = append(out, core.NewTextContent(core.RoleModel, t.Content))
		default:
			out = append(out, core.NewTextContent(core.RoleUser, t.Content))
		}
	}
	return out
}
