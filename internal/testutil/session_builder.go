package testutil

import (
	"fmt"
	"time"

	"github.com/hupe1980/agentpipe/core"
)

// SessionBuilder helps construct session records with fluent chaining for tests.
// Example:
//
//	rec := NewSessionBuilder("app", "u1", "s1").Turns(10).Build()
type SessionBuilder struct {
	rec  *core.SessionRecord
	base time.Time
}

// NewSessionBuilder creates a builder for an empty session record.
func NewSessionBuilder(app, user, session string) *SessionBuilder {
	key := core.SessionKey{AppID: app, UserID: user, SessionID: session}
	return &SessionBuilder{
		rec:  core.NewSessionRecord(key),
		base: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Turn appends one turn with the given role and content (chainable).
func (b *SessionBuilder) Turn(role core.TurnRole, content string) *SessionBuilder {
	n := len(b.rec.History)
	b.rec.History = append(b.rec.History, core.Turn{
		ID:        fmt.Sprintf("t%d", n+1),
		Role:      role,
		Content:   content,
		Timestamp: b.base.Add(time.Duration(n) * time.Second),
	})
	return b
}

// Turns appends n alternating user/agent turns numbered from the current length (chainable).
func (b *SessionBuilder) Turns(n int) *SessionBuilder {
	for i := 0; i < n; i++ {
		idx := len(b.rec.History) + 1
		role := core.TurnUser
		if idx%2 == 0 {
			role = core.TurnAgent
		}
		b.Turn(role, fmt.Sprintf("turn %d", idx))
	}
	return b
}

// CompactedAt sets LastCompactionTurnIndex (chainable).
func (b *SessionBuilder) CompactedAt(i int) *SessionBuilder {
	b.rec.LastCompactionTurnIndex = i
	return b
}

// Build returns the record.
func (b *SessionBuilder) Build() *core.SessionRecord { return b.rec.Clone() }
