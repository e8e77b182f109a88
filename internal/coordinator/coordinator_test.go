package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/delfos/internal/agent"
	"github.com/ashureev/delfos/internal/domain"
	"github.com/ashureev/delfos/internal/llm"
	"github.com/ashureev/delfos/internal/toolclient"
	"github.com/ashureev/delfos/internal/validator"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubClassifier struct {
	intent domain.Intent
	err    error
}

func (s stubClassifier) Classify(context.Context, string, domain.SchemaContext) (domain.Intent, error) {
	return s.intent, s.err
}

type stubSQL struct {
	mu       sync.Mutex
	calls    int
	requests []agent.SQLRequest
	result   *domain.QueryResult
	err      error
	hook     func(ctx context.Context)
}

func (s *stubSQL) GenerateAndExecute(ctx context.Context, req agent.SQLRequest) (*domain.QueryResult, error) {
	s.mu.Lock()
	s.calls++
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.hook != nil {
		s.hook(ctx)
	}
	return s.result, s.err
}

func (s *stubSQL) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubViz struct {
	mu      sync.Mutex
	calls   int
	results []*domain.QueryResult
	reqs    []agent.ChartRequest
	err     error
}

func (s *stubViz) CreateChart(_ context.Context, result *domain.QueryResult, req agent.ChartRequest) (*domain.ChartConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.results = append(s.results, result)
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.ChartBar
	}
	return &domain.ChartConfirmation{Kind: kind, Title: "Chart", URL: "https://charts.example/1", Points: len(result.Rows)}, nil
}

type stubReplier struct {
	calls int
	reply string
	err   error
}

func (s *stubReplier) Reply(context.Context, string, []domain.Turn, []string) (string, error) {
	s.calls++
	return s.reply, s.err
}

// fakeTools serves the schema and execution tools of the SQL server.
type fakeTools struct {
	mu    sync.Mutex
	calls []string
	rows  string
}

func (f *fakeTools) Invoke(_ context.Context, tool string, args map[string]any) (toolclient.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tool)
	f.mu.Unlock()

	switch tool {
	case "list_tables":
		return toolclient.Result{Text: `{"tables": ["clients", "accounts"]}`}, nil
	case "get_table_schema":
		switch args["table_name"] {
		case "clients":
			return toolclient.Result{Text: `{"table": "clients", "columns": [{"name": "id", "data_type": "integer"}, {"name": "type", "data_type": "text"}]}`}, nil
		case "accounts":
			return toolclient.Result{Text: `[{"column_name": "id", "type": "integer"}, {"column_name": "balance", "type": "numeric", "is_nullable": "YES"}]`}, nil
		}
		return toolclient.Result{Text: `{"columns": []}`}, nil
	case "execute_sql_query":
		return toolclient.Result{Text: f.rows}, nil
	}
	return toolclient.Result{}, &toolclient.Error{Kind: toolclient.KindRemoteRejected, Tool: tool, Err: errors.New("unknown tool")}
}

func (f *fakeTools) called(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == tool {
			n++
		}
	}
	return n
}

type memStore struct {
	mu       sync.Mutex
	sessions map[string][]byte
}

func (m *memStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	var s domain.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (m *memStore) UpsertSession(_ context.Context, _ string, s *domain.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[string][]byte)
	}
	m.sessions[s.ID] = raw
	return nil
}

func (m *memStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memStore) CleanupExpiredSessions(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

type fixture struct {
	sql   *stubSQL
	viz   *stubViz
	conv  *stubReplier
	tools *fakeTools
	store *memStore
	coord *Coordinator
}

func newFixture(t *testing.T, classifier agent.Classifier) *fixture {
	t.Helper()
	f := &fixture{
		sql:   &stubSQL{result: clientsResult()},
		viz:   &stubViz{},
		conv:  &stubReplier{reply: "Hi! Ask me about your data."},
		tools: &fakeTools{},
		store: &memStore{},
	}
	if classifier == nil {
		classifier = agent.NewKeywordClassifier(agent.NewMatcher(agent.DefaultVocabulary()))
	}
	f.coord = New(Deps{
		Classifier:   classifier,
		SQL:          f.sql,
		Viz:          f.viz,
		Conversation: f.conv,
		SchemaTools:  f.tools,
		Store:        f.store,
		Logger:       discardLogger(),
	}, Config{})
	return f
}

func clientsResult() *domain.QueryResult {
	return &domain.QueryResult{
		SQL:      "SELECT type, COUNT(*) AS count FROM clients GROUP BY type",
		Columns:  []domain.ColumnMeta{{Name: "type"}, {Name: "count"}},
		Rows:     []domain.Row{{"type": "A", "count": float64(10)}, {"type": "B", "count": float64(5)}},
		RowCount: 2,
	}
}

func stepAgents(resp *domain.Response) []string {
	names := make([]string, len(resp.Steps))
	for i, s := range resp.Steps {
		names[i] = s.Agent
	}
	return names
}

func TestDataQueryRunsSQLAgentOnly(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.coord.Handle(context.Background(), "s1", "Show me balance by account type")
	require.NoError(t, err)

	assert.Equal(t, domain.IntentDataQuery, resp.Intent)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{StepClassifier, StepSchemaLoader, StepSQLAgent}, stepAgents(resp))
	assert.Equal(t, 1, f.sql.count())
	assert.Zero(t, f.viz.calls)
	assert.Zero(t, f.conv.calls)
	assert.Equal(t, 2, resp.Result.RowCount)
	assert.NotEmpty(t, resp.TurnID)

	req := f.sql.requests[0]
	assert.True(t, req.Schema.HasColumn("clients", "type"))
	assert.True(t, req.Schema.HasColumn("accounts", "balance"))
	tbl, _ := req.Schema.Table("accounts")
	assert.True(t, tbl.Columns[1].Nullable)
}

func TestSchemaIsLoadedOncePerSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.coord.Handle(ctx, "s1", "How many clients per type?")
	require.NoError(t, err)
	resp, err := f.coord.Handle(ctx, "s1", "Total balance per client")
	require.NoError(t, err)

	assert.Equal(t, []string{StepClassifier, StepSQLAgent}, stepAgents(resp))
	assert.Equal(t, 1, f.tools.called("list_tables"))
	require.Len(t, f.sql.requests, 2)
	require.Len(t, f.sql.requests[1].History, 2)
	assert.Equal(t, "How many clients per type?", f.sql.requests[1].History[0].Message)
}

func TestDataQueryWithChartVocabularyRunsViz(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.coord.Handle(context.Background(), "s1", "Bar chart of clients by type")
	require.NoError(t, err)

	assert.Equal(t, domain.IntentDataQuery, resp.Intent)
	assert.Equal(t, []string{StepClassifier, StepSchemaLoader, StepSQLAgent, StepVizAgent}, stepAgents(resp))
	require.Equal(t, 1, f.viz.calls)
	assert.Equal(t, domain.ChartBar, f.viz.reqs[0].Kind)
	require.NotNil(t, resp.Chart)
	assert.NotNil(t, resp.Result)
	assert.Empty(t, resp.ErrorKind)
}

func TestChartRequestUsesPreviousResult(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.coord.Handle(ctx, "s1", "Show me balance by account type")
	require.NoError(t, err)

	resp, err := f.coord.Handle(ctx, "s1", "Bar chart with transactions")
	require.NoError(t, err)

	assert.Equal(t, domain.IntentChartRequest, resp.Intent)
	assert.Equal(t, []string{StepClassifier, StepVizAgent}, stepAgents(resp))
	assert.Equal(t, 1, f.sql.count(), "chart request must not run the SQL agent")
	require.Equal(t, 1, f.viz.calls)
	assert.Same(t, f.sql.result, f.viz.results[0])
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Message, "https://charts.example/1")
}

func TestChartRequestWithoutResultAsksForClarification(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.coord.Handle(context.Background(), "s1", "Bar chart with transactions")
	require.NoError(t, err)

	assert.Equal(t, domain.IntentChartRequest, resp.Intent)
	assert.True(t, resp.Clarification)
	assert.False(t, resp.Success)
	assert.Equal(t, domain.ErrNoDataToVisualize, resp.ErrorKind)
	assert.Equal(t, domain.UserMessage(domain.ErrNoDataToVisualize), resp.Message)
	assert.Equal(t, []string{StepClassifier}, stepAgents(resp))
	assert.Zero(t, f.sql.count())
	assert.Zero(t, f.viz.calls)
	assert.Empty(t, f.tools.calls)
}

func TestChartRequestAfterEmptyResultAsksForClarification(t *testing.T) {
	f := newFixture(t, nil)
	f.sql.result = &domain.QueryResult{Columns: []domain.ColumnMeta{{Name: "type"}}}
	ctx := context.Background()

	_, err := f.coord.Handle(ctx, "s1", "Show me balance by account type")
	require.NoError(t, err)

	resp, err := f.coord.Handle(ctx, "s1", "Bar chart with transactions")
	require.NoError(t, err)

	assert.True(t, resp.Clarification)
	assert.False(t, resp.Success)
	assert.Equal(t, domain.ErrNoDataToVisualize, resp.ErrorKind)
	assert.Equal(t, []string{StepClassifier}, stepAgents(resp))
	assert.Zero(t, f.viz.calls)
}

func TestEndToEndSpanishAggregate(t *testing.T) {
	tools := &fakeTools{rows: `{"columns": ["type", "count"], "rows": [{"type": "A", "count": 10}, {"type": "B", "count": 5}]}`}
	model := llm.CompleterFunc(func(context.Context, []llm.Message) (string, error) {
		return "```json\n{\"sql\": \"SELECT type, COUNT(*) AS count FROM clients GROUP BY type\", \"explanation\": \"Clientes por tipo\"}\n```", nil
	})
	sqlAgent := agent.NewSQLAgent(model, validator.New(validator.DefaultPolicy()), tools, agent.DefaultSQLAgentConfig(), discardLogger())

	coord := New(Deps{
		Classifier:   agent.NewKeywordClassifier(agent.NewMatcher(agent.DefaultVocabulary())),
		SQL:          sqlAgent,
		Viz:          &stubViz{},
		Conversation: &stubReplier{},
		SchemaTools:  tools,
		Logger:       discardLogger(),
	}, Config{})

	resp, err := coord.Handle(context.Background(), "es-1", "Cuantos clientes hay por tipo?")
	require.NoError(t, err)

	assert.Equal(t, domain.IntentDataQuery, resp.Intent)
	require.True(t, resp.Success, resp.Message)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "SELECT type, COUNT(*) AS count FROM clients GROUP BY type", resp.Result.SQL)
	assert.Equal(t, []domain.Row{
		{"type": "A", "count": float64(10)},
		{"type": "B", "count": float64(5)},
	}, resp.Result.Rows)
	assert.Contains(t, resp.Message, "Clientes por tipo")

	sess, err := coord.Session(context.Background(), "es-1")
	require.NoError(t, err)
	require.NotNil(t, sess.LastResult)
	assert.Equal(t, resp.Result.Rows, sess.LastResult.Rows)
	require.Len(t, sess.History, 2)
	assert.Equal(t, domain.RoleUser, sess.History[0].Role)
	assert.Equal(t, domain.RoleAssistant, sess.History[1].Role)
	assert.True(t, sess.Schema.HasTable("clients"))
	assert.Equal(t, 1, tools.called("execute_sql_query"))
}

func TestEndToEndUnsafeSQLIsNeverExecuted(t *testing.T) {
	tools := &fakeTools{rows: `[]`}
	var generations atomic.Int32
	model := llm.CompleterFunc(func(context.Context, []llm.Message) (string, error) {
		generations.Add(1)
		return `{"sql": "DELETE FROM clients"}`, nil
	})
	sqlAgent := agent.NewSQLAgent(model, validator.New(validator.DefaultPolicy()), tools,
		agent.SQLAgentConfig{MaxCorrections: 2}, discardLogger())

	coord := New(Deps{
		Classifier:   stubClassifier{intent: domain.IntentDataQuery},
		SQL:          sqlAgent,
		Viz:          &stubViz{},
		Conversation: &stubReplier{},
		SchemaTools:  tools,
		Logger:       discardLogger(),
	}, Config{})

	resp, err := coord.Handle(context.Background(), "s1", "remove every client")
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, domain.ErrValidationExhausted, resp.ErrorKind)
	assert.NotContains(t, resp.Message, "DELETE")
	assert.EqualValues(t, 3, generations.Load())
	assert.Zero(t, tools.called("execute_sql_query"))
}

func TestSQLFailureDoesNotCascadeOrTouchResult(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.coord.Handle(ctx, "s1", "How many clients per type?")
	require.NoError(t, err)
	previous := f.sql.result

	f.sql.result = nil
	f.sql.err = domain.Errorf(domain.ErrExecutionFailed, "connection refused")
	resp, err := f.coord.Handle(ctx, "s1", "Pie chart of balance by account type")
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, domain.ErrExecutionFailed, resp.ErrorKind)
	assert.NotContains(t, resp.Message, "connection refused")
	assert.Zero(t, f.viz.calls, "a failed query must not reach the viz agent")

	sess, err := f.coord.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Same(t, previous, sess.LastResult)
	assert.Len(t, sess.History, 4)
}

func TestExecutionFailureNamesToolErrorKind(t *testing.T) {
	f := newFixture(t, nil)
	f.sql.result = nil
	f.sql.err = domain.NewError(domain.ErrExecutionFailed, &toolclient.Error{
		Kind: toolclient.KindTimeout,
		Tool: "execute_sql_query",
		Err:  errors.New("canceling statement due to statement timeout on host db-7"),
	})

	resp, err := f.coord.Handle(context.Background(), "s1", "How many clients per type?")
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, domain.ErrExecutionFailed, resp.ErrorKind)
	assert.Equal(t, domain.FailureMessage(domain.ErrExecutionFailed, "timeout"), resp.Message)
	assert.Contains(t, resp.Message, "took too long")
	assert.NotContains(t, resp.Message, "db-7")
}

func TestPartialSuccessWhenChartFails(t *testing.T) {
	f := newFixture(t, nil)
	f.viz.err = domain.Errorf(domain.ErrExecutionFailed, "renderer down")

	resp, err := f.coord.Handle(context.Background(), "s1", "Pie chart of clients by type")
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Result)
	assert.Nil(t, resp.Chart)
	assert.Equal(t, domain.ErrExecutionFailed, resp.ErrorKind)
	assert.Equal(t, domain.StepFailed, resp.Steps[len(resp.Steps)-1].Outcome)

	sess, err := f.coord.Session(context.Background(), "s1")
	require.NoError(t, err)
	assert.NotNil(t, sess.LastResult, "the query result survives a chart failure")
}

func TestEmptyResultSkipsChart(t *testing.T) {
	f := newFixture(t, nil)
	f.sql.result = &domain.QueryResult{Columns: []domain.ColumnMeta{{Name: "type"}}}

	resp, err := f.coord.Handle(context.Background(), "s1", "Bar chart of clients by type")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Zero(t, f.viz.calls)
	assert.Contains(t, resp.Message, "no rows")
}

func TestConversationalRoute(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := f.coord.Handle(context.Background(), "s1", "Hello there!")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentConversational, resp.Intent)
	assert.Equal(t, "Hi! Ask me about your data.", resp.Message)
	assert.Equal(t, 1, f.conv.calls)
	assert.Empty(t, f.tools.calls)
	assert.Zero(t, f.sql.count())
}

func TestClassifierFailureFallsBackToConversation(t *testing.T) {
	f := newFixture(t, stubClassifier{err: errors.New("model unavailable")})

	resp, err := f.coord.Handle(context.Background(), "s1", "what now?")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, domain.IntentConversational, resp.Intent)
	assert.Equal(t, domain.StepFailed, resp.Steps[0].Outcome)
	assert.Equal(t, domain.ErrClassificationFailed, resp.Steps[0].ErrorKind)

	f.conv.err = errors.New("still down")
	resp, err = f.coord.Handle(context.Background(), "s1", "hello?")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, domain.ErrClassificationFailed, resp.ErrorKind)
}

func TestSchemaInspection(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resp, err := f.coord.Handle(ctx, "s1", "What tables are there?")
	require.NoError(t, err)
	assert.Equal(t, domain.IntentSchemaInspection, resp.Intent)
	assert.Equal(t, []string{"accounts", "clients"}, resp.Tables)
	assert.Nil(t, resp.Table)
	assert.Zero(t, f.sql.count())

	resp, err = f.coord.Handle(ctx, "s1", "Describe the clients table")
	require.NoError(t, err)
	require.NotNil(t, resp.Table)
	assert.Equal(t, "clients", resp.Table.Name)
	assert.Contains(t, resp.Message, "type (text)")
}

func TestDescribedTableJoinsSessionSchema(t *testing.T) {
	f := newFixture(t, nil)
	coord := New(Deps{
		Classifier:   agent.NewKeywordClassifier(agent.NewMatcher(agent.DefaultVocabulary())),
		SQL:          f.sql,
		Viz:          f.viz,
		Conversation: f.conv,
		SchemaTools:  f.tools,
		Logger:       discardLogger(),
	}, Config{SchemaMaxTables: 1})
	ctx := context.Background()

	_, err := coord.Handle(ctx, "s1", "Total balance per client")
	require.NoError(t, err)
	require.Len(t, f.sql.requests, 1)
	assert.False(t, f.sql.requests[0].Schema.HasTable("clients"))

	resp, err := coord.Handle(ctx, "s1", "Describe the clients table")
	require.NoError(t, err)
	require.NotNil(t, resp.Table)

	sess, err := coord.Session(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sess.Schema.HasColumn("clients", "type"))
	assert.True(t, sess.Schema.HasColumn("accounts", "balance"))

	_, err = coord.Handle(ctx, "s1", "How many clients per type?")
	require.NoError(t, err)
	require.Len(t, f.sql.requests, 2)
	assert.True(t, f.sql.requests[1].Schema.HasColumn("clients", "type"))
	assert.Equal(t, 2, f.tools.called("list_tables"))
}

func TestDescribeBeforeAnyQueryLeavesSchemaUnloaded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.coord.Handle(ctx, "s1", "Describe the clients table")
	require.NoError(t, err)

	sess, err := f.coord.Session(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sess.Schema.Empty())

	resp, err := f.coord.Handle(ctx, "s1", "Total balance per client")
	require.NoError(t, err)
	assert.Equal(t, []string{StepClassifier, StepSchemaLoader, StepSQLAgent}, stepAgents(resp))
}

func TestHandleRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coord.Handle(context.Background(), "s1", "   ")
	assert.Equal(t, domain.ErrInvalidRequest, domain.KindOf(err))
}

func TestHandleAssignsSessionID(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.coord.Handle(context.Background(), "", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.SessionID)
}

func TestCancelledTurnIsDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var pipelineErr error
	f.sql.hook = func(pctx context.Context) {
		cancel()
		pipelineErr = pctx.Err()
	}

	_, err := f.coord.Handle(ctx, "s1", "How many clients per type?")
	require.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, pipelineErr, "in-flight calls run to completion")

	_, err = f.coord.Session(context.Background(), "s1")
	assert.Equal(t, domain.ErrSessionNotFound, domain.KindOf(err), "an abandoned turn must not update the session")
}

func TestTurnsForOneSessionAreSequential(t *testing.T) {
	f := newFixture(t, nil)
	var inFlight, maxInFlight atomic.Int32
	f.sql.hook = func(context.Context) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Handle(context.Background(), "shared", "How many clients per type?")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxInFlight.Load())
	sess, err := f.coord.Session(context.Background(), "shared")
	require.NoError(t, err)
	assert.Len(t, sess.History, 8)
}

func TestWaitingForBusySessionHonoursCancellation(t *testing.T) {
	f := newFixture(t, nil)
	lease, err := f.coord.Sessions().Acquire(context.Background(), "busy")
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = f.coord.Handle(ctx, "busy", "hello")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.conv.calls)

	resp, err := f.coord.Handle(context.Background(), "other", "hello")
	require.NoError(t, err, "other sessions are unaffected")
	assert.True(t, resp.Success)
}

func TestSessionsSurviveRestartThroughStore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.coord.Handle(ctx, "s1", "How many clients per type?")
	require.NoError(t, err)

	restarted := New(Deps{
		Classifier:   agent.NewKeywordClassifier(agent.NewMatcher(agent.DefaultVocabulary())),
		SQL:          f.sql,
		Viz:          f.viz,
		Conversation: f.conv,
		SchemaTools:  f.tools,
		Store:        f.store,
		Logger:       discardLogger(),
	}, Config{})

	resp, err := restarted.Handle(ctx, "s1", "Bar chart with transactions")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, f.viz.calls)
}

func TestCloseSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.coord.Handle(ctx, "s1", "hello")
	require.NoError(t, err)

	require.NoError(t, f.coord.CloseSession(ctx, "s1"))
	_, err = f.coord.Session(ctx, "s1")
	assert.Equal(t, domain.ErrSessionNotFound, domain.KindOf(err))
	assert.Zero(t, f.coord.Sessions().Len())

	require.NoError(t, f.coord.CloseSession(ctx, "never-existed"))
}

func TestTablesAndTableSchema(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tables, err := f.coord.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts", "clients"}, tables)

	ts, err := f.coord.TableSchema(ctx, "clients")
	require.NoError(t, err)
	assert.Len(t, ts.Columns, 2)

	_, err = f.coord.TableSchema(ctx, "ghosts")
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestEvictIdleSkipsLeasedSessions(t *testing.T) {
	m := NewSessionManager()
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	idle, err := m.Acquire(ctx, "idle")
	require.NoError(t, err)
	idle.Commit(domain.NewSession("idle", now))
	idle.Release()

	busy, err := m.Acquire(ctx, "busy")
	require.NoError(t, err)
	defer busy.Release()

	now = now.Add(2 * time.Hour)
	evicted := m.EvictIdle(time.Hour)
	assert.Equal(t, []string{"idle"}, evicted)
	assert.Equal(t, 1, m.Len())
	_, ok := m.Snapshot("idle")
	assert.False(t, ok)
}

func TestEvictionWorkerSweeps(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coord.Handle(context.Background(), "s1", "hello")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.coord.StartEvictionWorker(ctx, EvictionConfig{IdleTTL: time.Nanosecond, Interval: 5 * time.Millisecond})

	require.Eventually(t, func() bool { return f.coord.Sessions().Len() == 0 }, time.Second, 5*time.Millisecond)
}
