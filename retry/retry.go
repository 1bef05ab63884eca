// Package retry implements the bounded exponential backoff policy shared by
// model calls and tool invocations.
//
// A Policy is pure data: ShouldRetry and DelayBeforeAttempt are deterministic
// (no jitter) so tests can assert exact schedules. Do runs an operation under a
// policy and only retries failures that carry a retryable status code.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// DefaultStatusCodes are the transient HTTP-equivalent statuses retried by default.
var DefaultStatusCodes = []int{429, 500, 503, 504}

// Policy configures bounded exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first one.
	MaxAttempts int
	// StatusCodes lists the retryable status codes.
	StatusCodes []int
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// ExponentialBase multiplies the delay after every failed attempt.
	ExponentialBase float64
	// MaxDelay caps a single delay. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy returns five attempts starting at one second with base seven.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		StatusCodes:     slices.Clone(DefaultStatusCodes),
		InitialDelay:    time.Second,
		ExponentialBase: 7,
	}
}

// Validate reports configuration errors.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("retry: initial delay must be >= 0, got %s", p.InitialDelay)
	}
	if p.ExponentialBase < 1 {
		return fmt.Errorf("retry: exponential base must be >= 1, got %v", p.ExponentialBase)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("retry: max delay must be >= 0, got %s", p.MaxDelay)
	}
	return nil
}

// ShouldRetry reports whether another attempt is allowed after attempt
// attempts have been made and the last one failed with code.
func (p Policy) ShouldRetry(attempt, code int) bool {
	return attempt < p.MaxAttempts && slices.Contains(p.StatusCodes, code)
}

// DelayBeforeAttempt returns the wait after n failed attempts, that is
// InitialDelay * ExponentialBase^(n-1). The first retry waits InitialDelay.
func (p Policy) DelayBeforeAttempt(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.ExponentialBase, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ExhaustedError is returned by Do when every attempt failed with a retryable status.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry budget exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Options tune a single Do call.
type Options struct {
	// Sleep waits for d or until ctx is done. Tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before sleeping ahead of a retry.
	OnRetry func(attempt, code int, delay time.Duration, err error)
}

// Sleep waits for d honoring ctx cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, fails with a non-retryable error or the
// policy runs out of attempts. attempt passed to fn is 1-based.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, optFns ...func(o *Options)) error {
	opts := Options{Sleep: Sleep}
	for _, o := range optFns {
		o(&opts)
	}

	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}

		code, ok := StatusCode(err)
		if !ok || !slices.Contains(p.StatusCodes, code) {
			return err
		}

		if !p.ShouldRetry(attempt, code) {
			return &ExhaustedError{Attempts: attempt, Last: err}
		}

		delay := p.DelayBeforeAttempt(attempt)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, code, delay, err)
		}

		if serr := opts.Sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}
