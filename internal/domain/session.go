// Package domain defines the core types shared across the agent pipeline.
package domain

import (
	"time"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single message in the session history.
type Turn struct {
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	Intent    Intent    `json:"intent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session holds the conversation state for one session identifier.
// It is owned by the coordinator and only mutated at turn boundaries.
type Session struct {
	ID         string        `json:"id"`
	History    []Turn        `json:"history"`
	Schema     SchemaContext `json:"schema,omitempty"`
	LastResult *QueryResult  `json:"last_result,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// NewSession returns an empty session for id.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AppendTurn adds a message to the session history.
func (s *Session) AppendTurn(role, message string, intent Intent, ts time.Time) {
	s.History = append(s.History, Turn{
		Role:      role,
		Message:   message,
		Intent:    intent,
		Timestamp: ts,
	})
	s.UpdatedAt = ts
}

// RecentTurns returns the last n turns from history.
func (s *Session) RecentTurns(n int) []Turn {
	if n <= 0 {
		return nil
	}
	if n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// HasResult reports whether a previous turn produced a query result with
// rows to visualize.
func (s *Session) HasResult() bool {
	return !s.LastResult.IsEmpty()
}

// Clone returns a copy that can be mutated during a turn without touching s.
// QueryResult values are immutable and shared.
func (s *Session) Clone() *Session {
	out := *s
	out.History = append([]Turn(nil), s.History...)
	out.Schema = s.Schema.Clone()
	return &out
}
