package tool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/agentpipe/core"
	"github.com/hupe1980/agentpipe/logging"
	"github.com/hupe1980/agentpipe/retry"
)

// statusUnavailable is the status assigned to timeouts, disconnections and
// failed establishment so the retry policy treats them as transient.
const statusUnavailable = 503

// Options configure an Invoker.
type Options struct {
	// Policy governs retries of a single Invoke.
	Policy retry.Policy
	// FailureThreshold is the number of consecutive failed invocations after
	// which an endpoint's handle is torn down. Zero disables the circuit.
	FailureThreshold int
	// Connectors maps transports to the connector establishing them.
	Connectors map[Transport]Connector
	// Logger receives one tool.invoke.attempt entry per attempt.
	Logger logging.Logger
	// Sleep overrides the backoff sleep (tests).
	Sleep func(ctx context.Context, d time.Duration) error
}

type handle struct {
	conn Conn
}

// Invoker issues tool calls against cached transport handles.
//
// Handles are keyed by Ref.Key(), established lazily on first use, reused by
// concurrent callers and torn down on Close, on terminal disconnection or
// after FailureThreshold consecutive failed invocations.
type Invoker struct {
	opts Options

	mu       sync.Mutex
	handles  map[string]*handle
	failures map[string]int
	closed   bool

	group singleflight.Group
}

// NewInvoker creates an Invoker. By default it uses retry.DefaultPolicy and
// opens the circuit after 5 consecutive failed invocations.
func NewInvoker(optFns ...func(o *Options)) *Invoker {
	opts := Options{
		Policy:           retry.DefaultPolicy(),
		FailureThreshold: 5,
		Connectors:       map[Transport]Connector{},
		Logger:           logging.NoOpLogger{},
		Sleep:            retry.Sleep,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Sleep == nil {
		opts.Sleep = retry.Sleep
	}
	return &Invoker{
		opts:     opts,
		handles:  map[string]*handle{},
		failures: map[string]int{},
	}
}

// Register installs or replaces the connector for a transport.
func (inv *Invoker) Register(t Transport, c Connector) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.opts.Connectors[t] = c
}

// invocation tracks state across the attempts of one Invoke or ListTools call.
type invocation struct {
	ref         Ref
	connected   bool
	reconnected bool
}

// attemptError classifies a failed attempt. A zero status is never retried.
type attemptError struct {
	kind    core.ErrorKind
	status  int
	outcome string
	err     error
}

func (e *attemptError) Error() string { return e.err.Error() }

func (e *attemptError) Unwrap() error { return e.err }

func (e *attemptError) StatusCode() int { return e.status }

// Invoke calls req.Tool on the server identified by ref.
func (inv *Invoker) Invoke(ctx context.Context, ref Ref, req Request) (*Result, error) {
	var result *Result
	err := inv.do(ctx, ref, req.Tool, true, func(ctx context.Context, conn Conn) error {
		res, err := conn.Call(ctx, req)
		if err != nil {
			return err
		}
		if res == nil {
			return fmt.Errorf("empty response")
		}
		if res.IsError && slices.Contains(inv.opts.Policy.StatusCodes, res.Status) {
			return retry.NewStatusError(res.Status, fmt.Errorf("tool reported a transient error"))
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListTools returns the tool definitions exposed by the server behind ref.
// Listings do not count toward the endpoint's circuit.
func (inv *Invoker) ListTools(ctx context.Context, ref Ref) ([]Definition, error) {
	var defs []Definition
	err := inv.do(ctx, ref, "tools/list", false, func(ctx context.Context, conn Conn) error {
		d, err := conn.ListTools(ctx)
		if err != nil {
			return err
		}
		defs = d
		return nil
	})
	return defs, err
}

// do runs fn under the retry policy. Only invocations with circuit set are
// counted toward FailureThreshold.
func (inv *Invoker) do(ctx context.Context, ref Ref, toolName string, circuit bool, fn func(ctx context.Context, conn Conn) error) error {
	key := ref.Key()
	if err := ref.Validate(); err != nil {
		return &Error{Endpoint: key, Tool: toolName, Kind: core.ErrInvalidSpec, Cause: err}
	}

	st := &invocation{ref: ref}
	attempts := 0

	err := retry.Do(ctx, inv.opts.Policy, func(ctx context.Context, attempt int) error {
		attempts = attempt
		start := time.Now()
		err := inv.attempt(ctx, st, fn)
		inv.logAttempt(key, attempt, outcomeOf(err), time.Since(start))
		return err
	}, func(o *retry.Options) { o.Sleep = inv.opts.Sleep })

	if err == nil {
		if circuit {
			inv.recordSuccess(key)
		}
		return nil
	}

	kind := classify(ctx, st, err)
	if circuit && kind != core.ErrCancelled {
		inv.recordFailure(key)
	}

	return &Error{Endpoint: key, Tool: toolName, Kind: kind, Attempts: attempts, Cause: err}
}

func classify(ctx context.Context, st *invocation, err error) core.ErrorKind {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return core.ErrCancelled
	}

	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		if !st.connected {
			return core.ErrToolUnavailable
		}
		var last *attemptError
		if errors.As(ex.Last, &last) && last.kind == core.ErrToolTimeout {
			return core.ErrToolTimeout
		}
		return core.ErrToolExhausted
	}

	var ae *attemptError
	if errors.As(err, &ae) {
		return ae.kind
	}

	return core.ErrToolProtocol
}

func (inv *Invoker) attempt(ctx context.Context, st *invocation, fn func(ctx context.Context, conn Conn) error) error {
	key := st.ref.Key()

	conn, err := inv.conn(ctx, st.ref)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrClosed) {
			return &attemptError{kind: core.ErrToolUnavailable, outcome: "closed", err: err}
		}
		return &attemptError{kind: core.ErrToolUnavailable, status: statusUnavailable, outcome: "unavailable", err: err}
	}
	st.connected = true

	callCtx, cancel := context.WithTimeout(ctx, st.ref.Timeout())
	defer cancel()

	err = fn(callCtx, conn)

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil:
		return &attemptError{
			kind:    core.ErrToolTimeout,
			status:  statusUnavailable,
			outcome: "timeout",
			err:     fmt.Errorf("call exceeded %s: %w", st.ref.Timeout(), err),
		}
	case errors.Is(err, ErrDisconnected):
		inv.discard(key, conn)
		if st.reconnected {
			return &attemptError{kind: core.ErrToolUnavailable, outcome: "disconnected", err: err}
		}
		st.reconnected = true
		if _, cerr := inv.conn(ctx, st.ref); cerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			inv.opts.Logger.Warn("tool.reconnect.failed", "endpoint", key, "error", cerr.Error())
			return &attemptError{kind: core.ErrToolUnavailable, outcome: "reconnect_failed", err: errors.Join(err, cerr)}
		}
		return &attemptError{kind: core.ErrToolUnavailable, status: statusUnavailable, outcome: "disconnected", err: err}
	}

	if code, ok := retry.StatusCode(err); ok {
		kind := core.ErrToolExhausted
		if !slices.Contains(inv.opts.Policy.StatusCodes, code) {
			kind = core.ErrToolProtocol
		}
		return &attemptError{kind: kind, status: code, outcome: fmt.Sprintf("status_%d", code), err: err}
	}

	return &attemptError{kind: core.ErrToolProtocol, outcome: "protocol_error", err: err}
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	var ae *attemptError
	if errors.As(err, &ae) {
		return ae.outcome
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	return "error"
}

type attemptLogger interface {
	LogToolAttempt(endpoint string, attempt int, outcome string, dur time.Duration)
}

func (inv *Invoker) logAttempt(endpoint string, attempt int, outcome string, dur time.Duration) {
	if l, ok := inv.opts.Logger.(attemptLogger); ok {
		l.LogToolAttempt(endpoint, attempt, outcome, dur)
		return
	}
	inv.opts.Logger.Info("tool.invoke.attempt", "endpoint", endpoint, "attempt", attempt, "outcome", outcome, "duration", dur)
}

// conn returns the cached handle for ref or establishes one. Concurrent
// first calls for the same key share a single establishment, which is bounded
// by ref.Timeout() and outlives the cancellation of any single caller.
func (inv *Invoker) conn(ctx context.Context, ref Ref) (Conn, error) {
	key := ref.Key()

	inv.mu.Lock()
	if inv.closed {
		inv.mu.Unlock()
		return nil, ErrClosed
	}
	if h, ok := inv.handles[key]; ok {
		inv.mu.Unlock()
		return h.conn, nil
	}
	connector, ok := inv.opts.Connectors[ref.Transport]
	inv.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no connector registered for transport %q", ref.Transport)
	}

	ch := inv.group.DoChan(key, func() (any, error) {
		inv.mu.Lock()
		if h, ok := inv.handles[key]; ok {
			inv.mu.Unlock()
			return h.conn, nil
		}
		inv.mu.Unlock()

		inv.opts.Logger.Info("tool.connect.start", "endpoint", key, "transport", string(ref.Transport))

		setupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ref.Timeout())
		defer cancel()

		conn, err := connector.Connect(setupCtx, ref)
		if err != nil {
			if setupCtx.Err() != nil {
				err = fmt.Errorf("connect exceeded %s: %w", ref.Timeout(), err)
			}
			inv.opts.Logger.Warn("tool.connect.failed", "endpoint", key, "error", err.Error())
			return nil, err
		}

		inv.mu.Lock()
		defer inv.mu.Unlock()
		if inv.closed {
			_ = conn.Close()
			return nil, ErrClosed
		}
		inv.handles[key] = &handle{conn: conn}
		return conn, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(Conn), nil
	}
}

// discard removes conn from the cache if it is still the current handle for key.
func (inv *Invoker) discard(key string, conn Conn) {
	inv.mu.Lock()
	h, ok := inv.handles[key]
	if ok && h.conn == conn {
		delete(inv.handles, key)
	}
	inv.mu.Unlock()

	if err := conn.Close(); err != nil {
		inv.opts.Logger.Debug("tool.close.error", "endpoint", key, "error", err.Error())
	}
}

func (inv *Invoker) recordSuccess(key string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	delete(inv.failures, key)
}

func (inv *Invoker) recordFailure(key string) {
	inv.mu.Lock()
	inv.failures[key]++
	n := inv.failures[key]
	var h *handle
	if inv.opts.FailureThreshold > 0 && n >= inv.opts.FailureThreshold {
		h = inv.handles[key]
		delete(inv.handles, key)
		delete(inv.failures, key)
	}
	open := inv.opts.FailureThreshold > 0 && n >= inv.opts.FailureThreshold
	inv.mu.Unlock()

	if open {
		inv.opts.Logger.Warn("tool.circuit.open", "endpoint", key, "consecutive_failures", n)
		if h != nil {
			_ = h.conn.Close()
		}
	}
}

// Cached reports whether a handle for key is currently established.
func (inv *Invoker) Cached(key string) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	_, ok := inv.handles[key]
	return ok
}

// Close tears down every cached handle. Subsequent calls fail with ErrClosed.
func (inv *Invoker) Close() error {
	inv.mu.Lock()
	inv.closed = true
	handles := inv.handles
	inv.handles = map[string]*handle{}
	inv.mu.Unlock()

	var errs []error
	for key, h := range handles {
		if err := h.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
