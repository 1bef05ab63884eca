package core

import (
	"context"
	"fmt"
	"time"
)

// SessionKey identifies a conversation.
type SessionKey struct {
	AppID     string `json:"app_id" cbor:"app_id"`
	UserID    string `json:"user_id" cbor:"user_id"`
	SessionID string `json:"session_id" cbor:"session_id"`
}

// String renders the key as app/user/session.
func (k SessionKey) String() string {
	return k.AppID + "/" + k.UserID + "/" + k.SessionID
}

// Validate reports empty components.
func (k SessionKey) Validate() error {
	if k.AppID == "" || k.UserID == "" || k.SessionID == "" {
		return fmt.Errorf("invalid session key %q: app, user and session ids are required", k.String())
	}
	return nil
}

// TurnRole is the author of a history turn.
type TurnRole string

const (
	TurnUser  TurnRole = "user"
	TurnAgent TurnRole = "agent"
)

// Turn is one entry of a session's conversational history. Summary marks
// synthetic turns produced by compaction.
type Turn struct {
	ID        string    `json:"id" cbor:"id"`
	Role      TurnRole  `json:"role" cbor:"role"`
	Content   string    `json:"content" cbor:"content"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
	Summary   bool      `json:"summary,omitempty" cbor:"summary,omitempty"`
}

// SessionRecord is the durable state of one conversation.
//
// Contract:
//   - History is append-only except for compaction, which replaces a
//     contiguous prefix with a single summary turn
//   - Timestamps in History never decrease
//   - LastCompactionTurnIndex is the history length right after the last compaction
type SessionRecord struct {
	Key                     SessionKey `json:"key" cbor:"key"`
	History                 []Turn     `json:"history" cbor:"history"`
	LastCompactionTurnIndex int        `json:"last_compaction_turn_index" cbor:"last_compaction_turn_index"`
	Created                 time.Time  `json:"created" cbor:"created"`
	Updated                 time.Time  `json:"updated" cbor:"updated"`
}

// NewSessionRecord creates an empty record for key.
func NewSessionRecord(key SessionKey) *SessionRecord {
	now := time.Now().UTC()
	return &SessionRecord{Key: key, History: []Turn{}, Created: now, Updated: now}
}

// Clone returns a deep copy of the record.
func (r *SessionRecord) Clone() *SessionRecord {
	c := *r
	c.History = make([]Turn, len(r.History))
	copy(c.History, r.History)
	return &c
}

// TurnsSinceCompaction returns how many turns were appended since the last compaction.
func (r *SessionRecord) TurnsSinceCompaction() int {
	return len(r.History) - r.LastCompactionTurnIndex
}

// SessionStore persists session records keyed by SessionKey.
type SessionStore interface {
	// Get returns a copy of the record or ErrSessionNotFound.
	Get(ctx context.Context, key SessionKey) (*SessionRecord, error)
	// Create stores a new record or returns ErrSessionExists.
	Create(ctx context.Context, rec *SessionRecord) error
	// Save overwrites an existing record or returns ErrSessionNotFound.
	Save(ctx context.Context, rec *SessionRecord) error
	// Close releases the store's resources.
	Close() error
}
