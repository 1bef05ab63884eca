package agent

import (
	"fmt"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/internal/util"
)

// Provider supplies dynamic instruction text at runtime.
// Implementations can derive instructions from the run's context store, environment, etc.
type Provider interface {
	Instruction(*core.RunContext) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(*core.RunContext) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(rc *core.RunContext) (string, error) { return f(rc) }

// Instruction represents either a static template or a dynamic provider.
//
// Static text is a text/template rendered over the step's required inputs and
// static params; referencing an unknown key fails instead of rendering empty.
type Instruction struct {
	tmpl     *util.Template
	parseErr error
	provider Provider
}

// NewInstructionFromText creates an Instruction from a template string. The
// template is parsed once; syntax errors are reported by Validate.
func NewInstructionFromText(text string) Instruction {
	tmpl, err := util.ParseTemplate(text)
	if err != nil {
		return Instruction{tmpl: &util.Template{}, parseErr: fmt.Errorf("parse instruction template: %w", err)}
	}
	return Instruction{tmpl: tmpl}
}

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(*core.RunContext) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a template string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Text returns the raw template text of a static instruction.
func (i Instruction) Text() string {
	if i.tmpl == nil {
		return ""
	}
	return i.tmpl.Text()
}

// Validate reports a static template that failed to parse.
func (i Instruction) Validate() error { return i.parseErr }

// Resolve returns the instruction text, invoking the provider or rendering the
// template over data.
func (i Instruction) Resolve(rc *core.RunContext, data map[string]any) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(rc)
	}
	if i.parseErr != nil {
		return "", i.parseErr
	}
	if i.tmpl == nil {
		return "", nil
	}
	return i.tmpl.Render(data)
}
