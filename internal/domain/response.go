package domain

// Step outcomes.
const (
	StepOK      = "ok"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// Step reports one agent hop of a turn.
type Step struct {
	Agent      string    `json:"agent"`
	Outcome    string    `json:"outcome"`
	DurationMS int64     `json:"duration_ms"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
}

// Response is the single reply produced for a user message.
type Response struct {
	SessionID     string             `json:"session_id"`
	TurnID        string             `json:"turn_id"`
	Intent        Intent             `json:"intent"`
	Success       bool               `json:"success"`
	Message       string             `json:"message"`
	Result        *QueryResult       `json:"result,omitempty"`
	Chart         *ChartConfirmation `json:"chart,omitempty"`
	Tables        []string           `json:"tables,omitempty"`
	Table         *TableSchema       `json:"table,omitempty"`
	Clarification bool               `json:"clarification,omitempty"`
	ErrorKind     ErrorKind          `json:"error_kind,omitempty"`
	Steps         []Step             `json:"steps,omitempty"`
}
