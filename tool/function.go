package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentpipe/internal/util"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/retry"
)

// FunctionTool exposes a plain Go function as a tool served in-process.
//
// Arguments are validated against the declared parameter schema before the
// function runs. A function error becomes an IsError result (reported back to
// the model); if the error carries a status code (retry.StatusError) the code
// is kept on the result so the invoker can retry transient failures.
//
// A FunctionTool has no mutable state after construction and is safe for
// concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	validator   *util.Validator
	schemaErr   error
	fn          func(ctx context.Context, args map[string]any) (any, error)
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	parse := NewFunctionTool(
//	  "resume_parser",
//	  "Extract the text of the candidate's resume",
//	  map[string]any{"type": "object", "properties": map[string]any{}},
//	  func(ctx context.Context, args map[string]any) (any, error) {
//	    return os.ReadFile(path)
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	if parameters == nil {
		parameters = util.EmptyObjectSchema()
	}
	v, err := util.CompileSchema(parameters)
	return &FunctionTool{name: name, description: description, parameters: parameters, validator: v, schemaErr: err, fn: fn}
}

// NewFunctionToolFromStruct derives the parameter schema from the exported
// fields of structType. Field descriptions are read from `jsonschema` tags.
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	parameters, err := util.CreateSchema(structType)
	if err != nil {
		return &FunctionTool{name: name, description: description, parameters: util.EmptyObjectSchema(), schemaErr: err, fn: fn}
	}
	return NewFunctionTool(name, description, parameters, fn)
}

// Name returns the unique tool name.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the natural language description exposed to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema describing expected arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Definition returns the tool's definition.
func (t *FunctionTool) Definition() Definition {
	return Definition{Name: t.name, Description: t.description, Parameters: t.parameters}
}

// call runs the function and converts its outcome into a Result.
func (t *FunctionTool) call(ctx context.Context, args map[string]any) *Result {
	if args == nil {
		args = map[string]any{}
	}
	if t.schemaErr != nil {
		return &Result{IsError: true, Text: fmt.Sprintf("tool %s has an invalid parameter schema: %v", t.name, t.schemaErr)}
	}
	if err := t.validator.Validate(args); err != nil {
		return &Result{IsError: true, Text: fmt.Sprintf("parameter validation failed: %v", err)}
	}

	out, err := t.fn(ctx, args)
	if err != nil {
		res := &Result{IsError: true, Text: err.Error()}
		if code, ok := retry.StatusCode(err); ok {
			res.Status = code
		}
		return res
	}

	switch v := out.(type) {
	case string:
		return &Result{Text: v}
	case []byte:
		return &Result{Text: string(v)}
	case Blob:
		return &Result{Blobs: []Blob{v}}
	case *Result:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return &Result{IsError: true, Text: fmt.Sprintf("encode result: %v", err)}
		}
		return &Result{Text: string(b), Structured: v}
	}
}

// FunctionServer is a Connector serving FunctionTools registered per endpoint.
type FunctionServer struct {
	mu      sync.RWMutex
	servers map[string]map[string]*FunctionTool
	logger  logging.Logger
}

// NewFunctionServer returns an empty in-process connector.
func NewFunctionServer(logger logging.Logger) *FunctionServer {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &FunctionServer{servers: map[string]map[string]*FunctionTool{}, logger: logger}
}

// Register adds tools to the server published under endpoint.
func (p *FunctionServer) Register(endpoint string, tools ...*FunctionTool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	srv, ok := p.servers[endpoint]
	if !ok {
		srv = map[string]*FunctionTool{}
		p.servers[endpoint] = srv
	}
	for _, t := range tools {
		srv[t.Name()] = t
	}
}

// Connect implements Connector.
func (p *FunctionServer) Connect(_ context.Context, ref Ref) (Conn, error) {
	p.mu.RLock()
	srv, ok := p.servers[ref.Key()]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no in-process server registered for %q", ref.Key())
	}

	tools := make(map[string]*FunctionTool, len(srv))
	for k, v := range srv {
		tools[k] = v
	}

	return &functionConn{endpoint: ref.Key(), tools: tools, logger: p.logger}, nil
}

type functionConn struct {
	endpoint string
	tools    map[string]*FunctionTool
	logger   logging.Logger

	mu     sync.RWMutex
	closed bool
}

func (c *functionConn) Call(ctx context.Context, req Request) (*Result, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrDisconnected
	}

	t, ok := c.tools[req.Tool]
	if !ok {
		return &Result{IsError: true, Text: fmt.Sprintf("unknown tool %q", req.Tool)}, nil
	}

	start := time.Now()
	type outcome struct{ res *Result }
	done := make(chan outcome, 1)
	go func() { done <- outcome{t.call(ctx, req.Arguments)} }()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		c.logger.Debug("tool.function.call", "endpoint", c.endpoint, "tool", req.Tool, "is_error", o.res.IsError, "duration_ms", time.Since(start).Milliseconds())
		return o.res, nil
	}
}

func (c *functionConn) ListTools(context.Context) ([]Definition, error) {
	defs := make([]Definition, 0, len(c.tools))
	for _, t := range c.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

func (c *functionConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
