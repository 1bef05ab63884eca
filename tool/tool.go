// Package tool implements the tool invocation subsystem: transport handles to
// external tool servers (local subprocesses, remote streams, in-process
// functions), cached per endpoint and called under a retry policy and a hard
// per-call timeout.
package tool

import (
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/internal/util"
)

// DefaultCallTimeout bounds a single tool call when a Ref sets none.
const DefaultCallTimeout = 300 * time.Second

// Transport selects how a tool server is reached.
type Transport string

const (
	// TransportLocalProcess spawns Command and speaks over stdio.
	TransportLocalProcess Transport = "local-process"
	// TransportRemoteStream connects to Endpoint over a streaming HTTP session.
	TransportRemoteStream Transport = "remote-stream"
	// TransportInProcess routes calls to Go functions registered with a FunctionServer.
	TransportInProcess Transport = "in-process"
)

// Ref identifies one tool server.
type Ref struct {
	Name        string
	Transport   Transport
	Endpoint    string
	Command     string
	Args        []string
	WorkDir     string
	Env         map[string]string
	CallTimeout time.Duration
}

// Key is the cache key of the ref's transport handle: Endpoint, or Name when
// no endpoint is set.
func (r Ref) Key() string {
	if r.Endpoint != "" {
		return r.Endpoint
	}
	return r.Name
}

// Timeout returns CallTimeout or DefaultCallTimeout.
func (r Ref) Timeout() time.Duration {
	if r.CallTimeout > 0 {
		return r.CallTimeout
	}
	return DefaultCallTimeout
}

// Validate reports incomplete refs.
func (r Ref) Validate() error {
	if r.Key() == "" {
		return fmt.Errorf("tool ref: name or endpoint is required")
	}
	switch r.Transport {
	case TransportLocalProcess:
		if r.Command == "" {
			return fmt.Errorf("tool ref %s: command is required for %s", r.Key(), r.Transport)
		}
	case TransportRemoteStream:
		if r.Endpoint == "" {
			return fmt.Errorf("tool ref %s: endpoint is required for %s", r.Key(), r.Transport)
		}
	case TransportInProcess:
	default:
		return fmt.Errorf("tool ref %s: unknown transport %q", r.Key(), r.Transport)
	}
	return nil
}

// Request is one logical tool call.
type Request struct {
	Tool      string
	Arguments map[string]any
}

// Blob is binary or linked content returned by a tool.
type Blob struct {
	Name     string
	MIMEType string
	URI      string
	Data     []byte
}

// Result is a tool server's answer. IsError marks tool-level failures that are
// reported back to the model; Status carries an HTTP-equivalent code the
// server attached to such a failure, if any.
type Result struct {
	Text       string
	Structured any
	Blobs      []Blob
	IsError    bool
	Status     int
}

// Definition describes a tool exposed by a server.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

var (
	// ErrDisconnected marks terminal transport loss. Connectors wrap their
	// transport-specific errors with it.
	ErrDisconnected = errors.New("tool transport disconnected")
	// ErrClosed is returned after Invoker.Close.
	ErrClosed = errors.New("tool invoker closed")
)

// Error is returned by Invoker when a call fails for good.
type Error struct {
	Endpoint string
	Tool     string
	Kind     core.ErrorKind
	Attempts int
	Cause    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tool %s on %s: %s after %d attempt(s): %v", e.Tool, e.Endpoint, e.Kind, e.Attempts, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// ErrorKind implements core.Kinded.
func (e *Error) ErrorKind() core.ErrorKind { return e.Kind }
