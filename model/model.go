package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/agentpipe/core"
)

// ToolDefinition declaratively exposes a callable tool to the model.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input produced by pipeline steps.
type Request struct {
	Instructions string           `json:"instructions"`
	Contents     []core.Content   `json:"contents"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a complete model answer.
type Response struct {
	ID           string       `json:"id"`
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "scripted", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface pipeline steps need to drive generation.
//
// Errors caused by the backend should expose StatusCode() int (see
// retry.StatusError) so transient failures can be retried.
type Model interface {
	Generate(ctx context.Context, req Request) (*Response, error)

	// Info returns information about the model implementation.
	Info() Info
}

// ResponsePayload renders a function response as the text sent back to a
// provider: the raw response, or a JSON error object on failure.
func ResponsePayload(fr core.FunctionResponse) string {
	if fr.Error == "" {
		return fr.Response
	}
	b, _ := json.Marshal(map[string]string{"error": fr.Error})
	return string(b)
}

// ErrScriptExhausted is returned by ScriptedModel when no replies remain.
var ErrScriptExhausted = errors.New("scripted model: no replies left")

// Reply is one scripted answer: either a response or an error.
type Reply struct {
	Response *Response
	Err      error
}

// TextReply scripts a plain text answer.
func TextReply(text string) Reply {
	return Reply{Response: &Response{
		Content:      core.NewTextContent(core.RoleModel, text),
		FinishReason: "stop",
	}}
}

// CallReply scripts an answer requesting the given tool calls.
func CallReply(calls ...core.FunctionCall) Reply {
	parts := make([]core.Part, len(calls))
	for i, c := range calls {
		parts[i] = core.FunctionCallPart{FunctionCall: c}
	}
	return Reply{Response: &Response{
		Content:      core.Content{Role: core.RoleModel, Parts: parts},
		FinishReason: "tool_calls",
	}}
}

// ErrorReply scripts a failure.
func ErrorReply(err error) Reply { return Reply{Err: err} }

// ScriptedModel is an in-memory Model replaying canned replies in order.
// It records every request for later assertions and is safe for concurrent use.
type ScriptedModel struct {
	info     Info
	mu       sync.Mutex
	replies  []Reply
	requests []Request
	fallback func(req Request) Reply
}

// NewScriptedModel constructs a ScriptedModel with tool support enabled.
func NewScriptedModel(name string, replies ...Reply) *ScriptedModel {
	return &ScriptedModel{
		info:    Info{Name: name, Provider: "scripted", SupportsTools: true},
		replies: replies,
	}
}

// Push appends replies to the script.
func (m *ScriptedModel) Push(replies ...Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, replies...)
}

// SetFallback installs a reply generator used once the script is empty.
func (m *ScriptedModel) SetFallback(fn func(req Request) Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = fn
}

// Generate implements Model.
func (m *ScriptedModel) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	var r Reply
	switch {
	case len(m.replies) > 0:
		r = m.replies[0]
		m.replies = m.replies[1:]
	case m.fallback != nil:
		r = m.fallback(req)
	default:
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%s)", ErrScriptExhausted, m.info.Name)
	}
	m.mu.Unlock()

	if r.Err != nil {
		return nil, r.Err
	}
	resp := *r.Response
	return &resp, nil
}

// Calls returns how many times Generate was invoked.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of the recorded requests.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Info implements Model.
func (m *ScriptedModel) Info() Info { return m.info }
