package core

import "sync"

// TurnLimiter enforces a maximum number of model calls within one step's
// model/tool loop.
type TurnLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewTurnLimiter creates a limiter allowing max model calls.
// If max == 0, unlimited calls are allowed.
func NewTurnLimiter(max int) *TurnLimiter {
	return &TurnLimiter{max: max}
}

// Increment counts a model call and fails with ErrToolLoopExceeded once the
// limit is passed.
func (l *TurnLimiter) Increment() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.count++
	if l.max > 0 && l.count > l.max {
		return NewError(ErrToolLoopExceeded, "exceeded max model turns: %d", l.max)
	}

	return nil
}

// Count returns the current number of calls made.
func (l *TurnLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.count
}

// Remaining returns how many calls are left before hitting the limit.
func (l *TurnLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max == 0 {
		return -1 // unlimited
	}

	return l.max - l.count
}
