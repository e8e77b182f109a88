package domain

import "time"

// ToolCallOutcomeOK marks a successful tool invocation.
const ToolCallOutcomeOK = "ok"

// ToolCallRecord captures one remote tool invocation for observability.
// Records live for a single turn and are never persisted with the session.
type ToolCallRecord struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Outcome   string         `json:"outcome"`
	Error     string         `json:"error,omitempty"`
	Latency   time.Duration  `json:"latency_ns"`
	StartedAt time.Time      `json:"started_at"`
}
