// Package agent implements the specialised agents of the pipeline: intent
// classification, SQL generation and execution, chart creation and plain
// conversation.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/delfos/internal/domain"
	"github.com/ashureev/delfos/internal/llm"
	"github.com/ashureev/delfos/internal/metrics"
	"github.com/ashureev/delfos/internal/toolclient"
)

// ErrCandidateNotAccepted is returned by Execute for candidates without an
// accepted verdict.
var ErrCandidateNotAccepted = errors.New("sql candidate has not been accepted by the validator")

// Validator decides whether a statement may run.
type Validator interface {
	Validate(sql string, schema domain.SchemaContext) domain.Verdict
}

// SQLAgentConfig configures a SQLAgent.
type SQLAgentConfig struct {
	ExecuteTool    string
	MaxCorrections int
	RetryBackoff   time.Duration
	MaxRows        int
	Dialect        string
	HistoryTurns   int
}

// DefaultSQLAgentConfig returns the defaults used by the server.
func DefaultSQLAgentConfig() SQLAgentConfig {
	return SQLAgentConfig{
		ExecuteTool:    "execute_sql_query",
		MaxCorrections: 2,
		RetryBackoff:   500 * time.Millisecond,
		MaxRows:        1000,
		Dialect:        "ANSI SQL",
		HistoryTurns:   6,
	}
}

// SQLRequest is the input of one generation and execution cycle.
type SQLRequest struct {
	Question string
	Schema   domain.SchemaContext
	History  []domain.Turn
}

// SQLAgent turns questions into validated SQL and executes it.
type SQLAgent struct {
	model     llm.Completer
	validator Validator
	tools     toolclient.Invoker
	cfg       SQLAgentConfig
	logger    *slog.Logger
	sleep     sleepFunc
}

// NewSQLAgent creates a SQLAgent.
func NewSQLAgent(model llm.Completer, validator Validator, tools toolclient.Invoker, cfg SQLAgentConfig, logger *slog.Logger) *SQLAgent {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultSQLAgentConfig()
	if cfg.ExecuteTool == "" {
		cfg.ExecuteTool = def.ExecuteTool
	}
	if cfg.MaxCorrections < 0 {
		cfg.MaxCorrections = 0
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = def.MaxRows
	}
	if cfg.Dialect == "" {
		cfg.Dialect = def.Dialect
	}
	return &SQLAgent{
		model:     model,
		validator: validator,
		tools:     tools,
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// GenerateAndExecute proposes SQL for the question, validates it and runs the
// first accepted candidate. Rejected candidates are fed back to the model up
// to MaxCorrections times.
func (a *SQLAgent) GenerateAndExecute(ctx context.Context, req SQLRequest) (*domain.QueryResult, error) {
	attempts := a.cfg.MaxCorrections + 1
	var rejected []domain.SQLCandidate

	for attempt := 1; attempt <= attempts; attempt++ {
		cand, err := a.Propose(ctx, req, attempt, rejected)
		if err != nil {
			return nil, domain.NewError(domain.ErrGenerationFailed, err)
		}

		cand.Verdict = a.validator.Validate(cand.Text, req.Schema)
		metrics.ObserveVerdict(string(cand.Verdict.Status), cand.Verdict.Rule)
		if cand.Verdict.Accepted() {
			a.logger.Info("sql candidate accepted", "attempt", attempt)
			return a.Execute(ctx, cand)
		}

		a.logger.Warn("sql candidate rejected",
			"attempt", attempt,
			"max_attempts", attempts,
			"rule", cand.Verdict.Rule,
			"reason", cand.Verdict.Reason,
			"sql", cand.Text,
		)
		rejected = append(rejected, cand)
	}

	last := rejected[len(rejected)-1].Verdict
	return nil, domain.Errorf(domain.ErrValidationExhausted,
		"%d candidates rejected, last by %s: %s", len(rejected), last.Rule, last.Reason)
}

// Propose asks the model for a candidate. It has no effect other than the
// model call.
func (a *SQLAgent) Propose(ctx context.Context, req SQLRequest, attempt int, rejected []domain.SQLCandidate) (domain.SQLCandidate, error) {
	history := req.History
	if a.cfg.HistoryTurns >= 0 && len(history) > a.cfg.HistoryTurns {
		history = history[len(history)-a.cfg.HistoryTurns:]
	}
	prompt := req
	prompt.History = history

	out, err := a.model.Complete(llm.WithOperation(ctx, "sql_generation"), []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(sqlSystemPrompt, a.cfg.Dialect, a.cfg.MaxRows)},
		{Role: llm.RoleUser, Content: sqlUserPrompt(prompt, rejected)},
	})
	if err != nil {
		return domain.SQLCandidate{}, fmt.Errorf("generate sql: %w", err)
	}

	sql, explanation := parseSQLResponse(out)
	return domain.SQLCandidate{
		Text:        sql,
		Explanation: explanation,
		Schema:      req.Schema,
		Attempt:     attempt,
		Verdict:     domain.Verdict{Status: domain.VerdictPending},
	}, nil
}

// Execute runs an accepted candidate through the execution tool. It refuses
// every candidate whose verdict is not accepted.
func (a *SQLAgent) Execute(ctx context.Context, cand domain.SQLCandidate) (*domain.QueryResult, error) {
	if !cand.Verdict.Accepted() {
		return nil, domain.NewError(domain.ErrValidationExhausted, ErrCandidateNotAccepted)
	}

	started := time.Now()
	res, err := invokeWithRetry(ctx, a.tools, a.cfg.ExecuteTool, map[string]any{
		"query":    cand.Text,
		"max_rows": a.cfg.MaxRows,
	}, a.cfg.RetryBackoff, a.sleep, a.logger)
	if err != nil {
		return nil, domain.NewError(domain.ErrExecutionFailed, err)
	}

	result, err := decodeQueryResult(res)
	if err != nil {
		return nil, domain.NewError(domain.ErrExecutionFailed, err)
	}
	result.SQL = cand.Text
	result.Explanation = cand.Explanation
	result.Duration = time.Since(started)
	return result, nil
}

// parseSQLResponse reads {"sql", "explanation"} from model output, falling
// back to a fenced or bare statement.
func parseSQLResponse(out string) (sql, explanation string) {
	var parsed struct {
		SQL         string `json:"sql"`
		SQLQuery    string `json:"sql_query"`
		Query       string `json:"query"`
		Explanation string `json:"explanation"`
	}
	if err := llm.DecodeJSON(out, &parsed); err == nil {
		for _, candidate := range []string{parsed.SQL, parsed.SQLQuery, parsed.Query} {
			if strings.TrimSpace(candidate) != "" {
				return strings.TrimSpace(candidate), strings.TrimSpace(parsed.Explanation)
			}
		}
	}
	return llm.ExtractSQL(out), ""
}
