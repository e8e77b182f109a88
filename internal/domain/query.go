package domain

import (
	"time"
)

// VerdictStatus is the outcome of validating a SQL candidate.
type VerdictStatus string

const (
	VerdictPending  VerdictStatus = "pending"
	VerdictAccepted VerdictStatus = "accepted"
	VerdictRejected VerdictStatus = "rejected"
)

// Verdict records whether a candidate may be executed and, if not, why.
type Verdict struct {
	Status VerdictStatus `json:"status"`
	Rule   string        `json:"rule,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// Accept returns an accepted verdict.
func Accept() Verdict {
	return Verdict{Status: VerdictAccepted}
}

// Reject returns a rejected verdict for rule with a human-readable reason.
func Reject(rule, reason string) Verdict {
	return Verdict{Status: VerdictRejected, Rule: rule, Reason: reason}
}

// Accepted reports whether the verdict allows execution.
func (v Verdict) Accepted() bool {
	return v.Status == VerdictAccepted
}

// SQLCandidate is a generated statement awaiting or carrying a verdict.
type SQLCandidate struct {
	Text        string
	Explanation string
	Schema      SchemaContext
	Attempt     int
	Verdict     Verdict
}

// ColumnMeta describes a result column.
type ColumnMeta struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Row maps column names to values.
type Row map[string]any

// QueryResult is the tabular outcome of an executed statement.
// Treat it as immutable once produced.
type QueryResult struct {
	SQL         string        `json:"sql,omitempty"`
	Explanation string        `json:"explanation,omitempty"`
	Columns     []ColumnMeta  `json:"columns"`
	Rows        []Row         `json:"rows"`
	RowCount    int           `json:"row_count"`
	Truncated   bool          `json:"truncated,omitempty"`
	Duration    time.Duration `json:"duration_ns,omitempty"`
}

// IsEmpty reports whether the result has no rows.
func (r *QueryResult) IsEmpty() bool {
	return r == nil || len(r.Rows) == 0
}

// ColumnNames returns the result's column names in order.
func (r *QueryResult) ColumnNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports whether the result contains the named column.
func (r *QueryResult) HasColumn(name string) bool {
	if r == nil || name == "" {
		return false
	}
	for _, c := range r.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}
