package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a context store key has no entry.
	ErrNotFound = errors.New("not found")
	// ErrSessionNotFound is returned by session stores for unknown keys.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned by SessionStore.Create when the key is taken.
	ErrSessionExists = errors.New("session already exists")
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	ErrMissingInput        ErrorKind = "missing_input"
	ErrOutputShapeMismatch ErrorKind = "output_shape_mismatch"
	ErrInvalidSpec         ErrorKind = "invalid_spec"
	ErrToolUnavailable     ErrorKind = "tool_unavailable"
	ErrToolTimeout         ErrorKind = "tool_timeout"
	ErrToolProtocol        ErrorKind = "tool_protocol_error"
	ErrToolExhausted       ErrorKind = "tool_exhausted"
	ErrModelExhausted      ErrorKind = "model_exhausted"
	ErrModel               ErrorKind = "model_error"
	ErrToolLoopExceeded    ErrorKind = "tool_loop_exceeded"
	ErrCancelled           ErrorKind = "cancelled"
)

// Kinded is implemented by errors that carry an ErrorKind.
type Kinded interface {
	ErrorKind() ErrorKind
}

// KindOf returns the first ErrorKind in err's chain. Context cancellation
// without a kinded wrapper maps to ErrCancelled.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if isContextErr(err) {
		return ErrCancelled
	}
	return ""
}

// Error is a kinded failure raised inside a step.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// NewError builds a kinded error with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a kinded error around cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrorKind implements Kinded.
func (e *Error) ErrorKind() ErrorKind { return e.Kind }

// PipelineError is the single error surfaced when a pipeline run fails.
type PipelineError struct {
	Pipeline  string
	StepIndex int
	Step      string
	Kind      ErrorKind
	Cause     error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s failed at step %d (%s): %s: %v", e.Pipeline, e.StepIndex, e.Step, e.Kind, e.Cause)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// ErrorKind implements Kinded.
func (e *PipelineError) ErrorKind() ErrorKind { return e.Kind }

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
