// Package coordinator routes each user message through the agent pipeline
// and owns session state.
//
// A turn classifies the message, runs the agents its intent calls for and
// assembles a single Response. Session state changes only when a turn
// completes, and turns for the same session never overlap.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/delfos/internal/agent"
	"github.com/ashureev/delfos/internal/convlog"
	"github.com/ashureev/delfos/internal/domain"
	"github.com/ashureev/delfos/internal/identity"
	"github.com/ashureev/delfos/internal/metrics"
	"github.com/ashureev/delfos/internal/toolclient"
)

// Agent names reported in response steps.
const (
	StepClassifier   = "classifier"
	StepSchemaLoader = "schema_loader"
	StepSchemaLookup = "schema_lookup"
	StepSQLAgent     = "sql_agent"
	StepVizAgent     = "viz_agent"
	StepConversation = "conversational_agent"
)

// SQLRunner generates, validates and executes SQL for a question.
type SQLRunner interface {
	GenerateAndExecute(ctx context.Context, req agent.SQLRequest) (*domain.QueryResult, error)
}

// ChartMaker renders a chart for a query result.
type ChartMaker interface {
	CreateChart(ctx context.Context, result *domain.QueryResult, req agent.ChartRequest) (*domain.ChartConfirmation, error)
}

// Replier answers conversational messages.
type Replier interface {
	Reply(ctx context.Context, message string, history []domain.Turn, tables []string) (string, error)
}

// Config holds coordinator settings.
type Config struct {
	ListTablesTool  string
	DescribeTool    string
	SchemaMaxTables int
	HistoryTurns    int
}

// DefaultConfig returns the defaults used by the server.
func DefaultConfig() Config {
	return Config{
		ListTablesTool:  "list_tables",
		DescribeTool:    "get_table_schema",
		SchemaMaxTables: 50,
		HistoryTurns:    6,
	}
}

// Deps are the collaborators of a Coordinator. Store and Log are optional.
type Deps struct {
	Classifier   agent.Classifier
	SQL          SQLRunner
	Viz          ChartMaker
	Conversation Replier
	SchemaTools  toolclient.Invoker
	Matcher      *agent.Matcher
	Sessions     *SessionManager
	Store        SessionStore
	Log          convlog.Logger
	Logger       *slog.Logger
}

// Coordinator is the entry point of the pipeline.
type Coordinator struct {
	classifier   agent.Classifier
	sql          SQLRunner
	viz          ChartMaker
	conversation Replier
	schemaTools  toolclient.Invoker
	matcher      *agent.Matcher
	sessions     *SessionManager
	store        SessionStore
	convlog      convlog.Logger
	logger       *slog.Logger
	cfg          Config
	now          func() time.Time
}

// New creates a Coordinator.
func New(deps Deps, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.ListTablesTool == "" {
		cfg.ListTablesTool = def.ListTablesTool
	}
	if cfg.DescribeTool == "" {
		cfg.DescribeTool = def.DescribeTool
	}
	if cfg.SchemaMaxTables <= 0 {
		cfg.SchemaMaxTables = def.SchemaMaxTables
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}

	c := &Coordinator{
		classifier:   deps.Classifier,
		sql:          deps.SQL,
		viz:          deps.Viz,
		conversation: deps.Conversation,
		schemaTools:  deps.SchemaTools,
		matcher:      deps.Matcher,
		sessions:     deps.Sessions,
		store:        deps.Store,
		convlog:      deps.Log,
		logger:       deps.Logger,
		cfg:          cfg,
		now:          time.Now,
	}
	if c.matcher == nil {
		c.matcher = agent.NewMatcher(agent.DefaultVocabulary())
	}
	if c.sessions == nil {
		c.sessions = NewSessionManager()
	}
	if c.convlog == nil {
		c.convlog = convlog.Noop{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Sessions returns the session registry.
func (c *Coordinator) Sessions() *SessionManager {
	return c.sessions
}

type channelKey struct{}

// WithChannel tags ctx with the transport a message arrived on. The tag only
// appears in conversation logs.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey{}, channel)
}

func channelFrom(ctx context.Context) string {
	ch, _ := ctx.Value(channelKey{}).(string)
	return ch
}

// turn accumulates the outcome of one message.
type turn struct {
	id      string
	started time.Time
	resp    *domain.Response
	schema  domain.SchemaContext
	result  *domain.QueryResult
	cause   error
}

func (t *turn) step(agent string, started time.Time, err error) {
	s := domain.Step{
		Agent:      agent,
		Outcome:    domain.StepOK,
		DurationMS: time.Since(started).Milliseconds(),
	}
	if err != nil {
		s.Outcome = domain.StepFailed
		s.ErrorKind = domain.KindOf(err)
	}
	t.resp.Steps = append(t.resp.Steps, s)
}

// fail turns the response into a user-facing error for err's kind.
func (t *turn) fail(kind domain.ErrorKind, err error) {
	t.resp.Success = false
	t.resp.ErrorKind = kind
	t.resp.Message = FailureMessage(kind, err)
	t.cause = err
}

// FailureMessage is the client-facing text for a failure of kind caused by
// err. Tool failures add a fixed summary of their kind; err's text is never
// shown.
func FailureMessage(kind domain.ErrorKind, err error) string {
	return domain.FailureMessage(kind, string(toolclient.KindOf(err)))
}

// Handle processes one user message for sessionID and returns the single
// response for it. An empty sessionID starts a new session.
//
// The pipeline is not interrupted when ctx is cancelled: in-flight calls
// complete, then the outcome is discarded and ctx.Err() is returned without
// touching the session.
func (c *Coordinator) Handle(ctx context.Context, sessionID, message string) (*domain.Response, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, domain.Errorf(domain.ErrInvalidRequest, "message is empty")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	lease, err := c.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	userID := identity.UserIDFromContext(ctx)
	sess := c.loadSession(ctx, lease, sessionID)

	t := &turn{
		id:      uuid.NewString(),
		started: c.now(),
		resp:    &domain.Response{SessionID: sessionID},
	}
	t.resp.TurnID = t.id
	logger := c.logger.With("session_id", sessionID, "turn_id", t.id)

	c.convlog.Log(convlog.Event{
		UserID:     userID,
		SessionID:  sessionID,
		TurnID:     t.id,
		Channel:    channelFrom(ctx),
		Direction:  convlog.DirectionInbound,
		EventType:  convlog.EventUserMessage,
		ContentRaw: message,
	})

	trace := toolclient.NewTrace()
	pipelineCtx := toolclient.WithTrace(context.WithoutCancel(ctx), trace)
	c.run(pipelineCtx, logger, sess, message, t)

	elapsed := time.Since(t.started)
	if err := ctx.Err(); err != nil {
		logger.Warn("turn abandoned by caller, discarding result", "intent", t.resp.Intent, "error", err)
		metrics.ObserveTurn(string(t.resp.Intent), "canceled", elapsed)
		return nil, err
	}

	c.commit(ctx, lease, sess, userID, message, t)

	outcome := "ok"
	switch {
	case t.resp.Clarification:
		outcome = "clarification"
	case !t.resp.Success:
		outcome = "failed"
	case t.resp.ErrorKind != "":
		outcome = "partial"
	}
	metrics.ObserveTurn(string(t.resp.Intent), outcome, elapsed)

	c.logTurn(ctx, userID, t, trace.Records(), elapsed)
	if t.cause != nil {
		logger.Warn("turn failed", "intent", t.resp.Intent, "error_kind", t.resp.ErrorKind, "error", t.cause)
	} else {
		logger.Info("turn completed", "intent", t.resp.Intent, "outcome", outcome, "duration", elapsed)
	}
	return t.resp, nil
}

// loadSession returns a working copy of the session, restoring it from the
// store when it is not in memory. Unknown ids start fresh.
func (c *Coordinator) loadSession(ctx context.Context, lease *Lease, id string) *domain.Session {
	if s := lease.Session(); s != nil {
		return s
	}
	if c.store != nil {
		s, err := c.store.GetSession(ctx, id)
		if err != nil {
			c.logger.Error("failed to load session, starting fresh", "session_id", id, "error", err)
		}
		if s != nil {
			return s
		}
	}
	c.logger.Debug("session not found, starting fresh", "session_id", id, "error_kind", domain.ErrSessionNotFound)
	return domain.NewSession(id, c.now())
}

// commit appends both turns and stores anything the turn produced.
func (c *Coordinator) commit(ctx context.Context, lease *Lease, sess *domain.Session, userID, message string, t *turn) {
	sess.AppendTurn(domain.RoleUser, message, t.resp.Intent, t.started)
	sess.AppendTurn(domain.RoleAssistant, t.resp.Message, t.resp.Intent, c.now())
	if t.schema != nil {
		sess.Schema = t.schema
	}
	if t.result != nil {
		sess.LastResult = t.result
	}
	lease.Commit(sess)

	if c.store != nil {
		if err := c.store.UpsertSession(context.WithoutCancel(ctx), userID, sess); err != nil {
			c.logger.Error("failed to persist session", "session_id", sess.ID, "error", err)
		}
	}
}

func (c *Coordinator) run(ctx context.Context, logger *slog.Logger, sess *domain.Session, message string, t *turn) {
	started := time.Now()
	intent, err := c.classifier.Classify(ctx, message, sess.Schema)
	if err == nil && !intent.Valid() {
		err = fmt.Errorf("classifier returned unknown intent %q", intent)
	}
	if err != nil {
		t.step(StepClassifier, started, domain.NewError(domain.ErrClassificationFailed, err))
		logger.Warn("classification failed, answering conversationally", "error", err)
		t.resp.Intent = domain.IntentConversational
		c.converse(ctx, sess, message, t, domain.ErrClassificationFailed)
		return
	}
	t.step(StepClassifier, started, nil)
	t.resp.Intent = intent

	switch intent {
	case domain.IntentDataQuery:
		c.dataQuery(ctx, sess, message, t)
	case domain.IntentChartRequest:
		c.chartRequest(ctx, sess, message, t)
	case domain.IntentSchemaInspection:
		c.schemaInspection(ctx, sess, message, t)
	case domain.IntentConversational:
		c.converse(ctx, sess, message, t, domain.ErrGenerationFailed)
	}
}

func (c *Coordinator) dataQuery(ctx context.Context, sess *domain.Session, message string, t *turn) {
	schema := sess.Schema
	if schema.Empty() {
		started := time.Now()
		loaded, err := c.loadSchema(ctx)
		if err != nil {
			err = domain.NewError(domain.ErrExecutionFailed, err)
			t.step(StepSchemaLoader, started, err)
			t.fail(domain.ErrExecutionFailed, err)
			return
		}
		t.step(StepSchemaLoader, started, nil)
		schema = loaded
	}

	started := time.Now()
	result, err := c.sql.GenerateAndExecute(ctx, agent.SQLRequest{
		Question: message,
		Schema:   schema,
		History:  sess.RecentTurns(c.cfg.HistoryTurns),
	})
	t.step(StepSQLAgent, started, err)
	if err != nil {
		t.fail(kindOr(err, domain.ErrExecutionFailed), err)
		return
	}

	t.schema = schema
	t.result = result
	t.resp.Success = true
	t.resp.Result = result
	t.resp.Message = describeResult(result)

	if !c.matcher.WantsChart(message) || result.IsEmpty() {
		return
	}
	kind, _ := c.matcher.ChartKind(message)
	c.chart(ctx, result, agent.ChartRequest{Question: message, Kind: kind}, t, true)
}

func (c *Coordinator) chartRequest(ctx context.Context, sess *domain.Session, message string, t *turn) {
	if !sess.HasResult() {
		t.resp.Clarification = true
		t.fail(domain.ErrNoDataToVisualize, nil)
		return
	}
	kind, _ := c.matcher.ChartKind(message)
	c.chart(ctx, sess.LastResult, agent.ChartRequest{Question: message, Kind: kind}, t, false)
}

// chart runs the VizAgent. After a successful query a chart failure leaves a
// partial success; on its own it fails the turn.
func (c *Coordinator) chart(ctx context.Context, result *domain.QueryResult, req agent.ChartRequest, t *turn, partial bool) {
	started := time.Now()
	conf, err := c.viz.CreateChart(ctx, result, req)
	t.step(StepVizAgent, started, err)
	if err != nil {
		kind := kindOr(err, domain.ErrExecutionFailed)
		if partial {
			t.resp.ErrorKind = kind
			t.resp.Message += "\n\nThe chart could not be created: " + FailureMessage(kind, err)
			t.cause = err
			return
		}
		t.fail(kind, err)
		return
	}

	t.resp.Chart = conf
	t.resp.Success = true
	msg := fmt.Sprintf("Created a %s chart", conf.Kind)
	if conf.Title != "" {
		msg += fmt.Sprintf(" titled %q", conf.Title)
	}
	if conf.URL != "" {
		msg += ": " + conf.URL
	}
	if partial {
		t.resp.Message += "\n\n" + msg + "."
		return
	}
	t.resp.Message = msg + "."
}

func (c *Coordinator) schemaInspection(ctx context.Context, sess *domain.Session, message string, t *turn) {
	started := time.Now()
	tables, err := c.listTables(ctx)
	if err != nil {
		err = domain.NewError(domain.ErrExecutionFailed, err)
		t.step(StepSchemaLookup, started, err)
		t.fail(domain.ErrExecutionFailed, err)
		return
	}

	t.resp.Success = true
	t.resp.Tables = tables
	name, named := c.matcher.NamedTable(message, tables)
	if !named {
		t.step(StepSchemaLookup, started, nil)
		if len(tables) == 0 {
			t.resp.Message = "The database has no tables I can read."
			return
		}
		t.resp.Message = fmt.Sprintf("The database has %d tables: %s.", len(tables), strings.Join(tables, ", "))
		return
	}

	ts, err := c.describeTable(ctx, name)
	if err != nil {
		err = domain.NewError(domain.ErrExecutionFailed, err)
		t.step(StepSchemaLookup, started, err)
		t.fail(domain.ErrExecutionFailed, err)
		return
	}
	t.step(StepSchemaLookup, started, nil)
	t.resp.Table = &ts

	// A described table joins a loaded schema so later queries can use it,
	// even when it fell outside SchemaMaxTables. An unloaded schema stays
	// empty so the next query still loads every table.
	if !sess.Schema.Empty() {
		t.schema = sess.Schema.Clone()
		t.schema.Add(ts)
	}

	cols := make([]string, 0, len(ts.Columns))
	for _, col := range ts.Columns {
		if col.DataType != "" {
			cols = append(cols, fmt.Sprintf("%s (%s)", col.Name, col.DataType))
			continue
		}
		cols = append(cols, col.Name)
	}
	t.resp.Message = fmt.Sprintf("Table %s has %d columns: %s.", ts.Name, len(cols), strings.Join(cols, ", "))
}

// converse answers with one model call. failKind is reported when the model
// is unavailable.
func (c *Coordinator) converse(ctx context.Context, sess *domain.Session, message string, t *turn, failKind domain.ErrorKind) {
	started := time.Now()
	reply, err := c.conversation.Reply(ctx, message, sess.RecentTurns(c.cfg.HistoryTurns), sess.Schema.Tables())
	t.step(StepConversation, started, err)
	if err != nil {
		t.fail(failKind, err)
		return
	}
	t.resp.Success = true
	t.resp.Message = reply
}

func (c *Coordinator) logTurn(ctx context.Context, userID string, t *turn, calls []domain.ToolCallRecord, elapsed time.Duration) {
	success := t.resp.Success
	event := convlog.Event{
		UserID:     userID,
		SessionID:  t.resp.SessionID,
		TurnID:     t.id,
		Channel:    channelFrom(ctx),
		Direction:  convlog.DirectionOutbound,
		EventType:  convlog.EventAssistantMessage,
		Intent:     t.resp.Intent,
		ContentRaw: t.resp.Message,
		Success:    &success,
		ErrorKind:  t.resp.ErrorKind,
		Steps:      t.resp.Steps,
		ToolCalls:  calls,
		DurationMS: elapsed.Milliseconds(),
	}
	if t.result != nil {
		event.SQL = t.result.SQL
		event.RowCount = t.result.RowCount
	}
	if t.cause != nil {
		event.Error = t.cause.Error()
	}
	c.convlog.Log(event)
}

// Tables lists the tables of the SQL server.
func (c *Coordinator) Tables(ctx context.Context) ([]string, error) {
	tables, err := c.listTables(ctx)
	if err != nil {
		return nil, domain.NewError(domain.ErrExecutionFailed, err)
	}
	return tables, nil
}

// TableSchema describes one table. It fails with ErrTableNotFound when the
// server does not know it.
func (c *Coordinator) TableSchema(ctx context.Context, table string) (*domain.TableSchema, error) {
	ts, err := c.describeTable(ctx, table)
	if err != nil {
		if errors.Is(err, ErrTableNotFound) {
			return nil, err
		}
		return nil, domain.NewError(domain.ErrExecutionFailed, err)
	}
	return &ts, nil
}

// Session returns a read-only snapshot of a session.
func (c *Coordinator) Session(ctx context.Context, id string) (*domain.Session, error) {
	if s, ok := c.sessions.Snapshot(id); ok {
		return s, nil
	}
	if c.store != nil {
		s, err := c.store.GetSession(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if s != nil {
			return s, nil
		}
	}
	return nil, domain.Errorf(domain.ErrSessionNotFound, "session %s not found", id)
}

// CloseSession discards a session. It waits for an in-flight turn of the
// session to finish first. Closing an unknown session is not an error.
func (c *Coordinator) CloseSession(ctx context.Context, id string) error {
	lease, err := c.sessions.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer lease.Release()

	if c.store != nil {
		if err := c.store.DeleteSession(ctx, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	lease.Close()

	c.convlog.Log(convlog.Event{
		UserID:    identity.UserIDFromContext(ctx),
		SessionID: id,
		Direction: convlog.DirectionInternal,
		EventType: convlog.EventSessionClosed,
	})
	c.logger.Info("session closed", "session_id", id)
	return nil
}

func kindOr(err error, fallback domain.ErrorKind) domain.ErrorKind {
	if kind := domain.KindOf(err); kind != "" {
		return kind
	}
	return fallback
}

func describeResult(result *domain.QueryResult) string {
	var b strings.Builder
	if result.Explanation != "" {
		b.WriteString(result.Explanation)
		b.WriteString("\n\n")
	}
	switch {
	case result.IsEmpty():
		b.WriteString("The query returned no rows.")
	case result.RowCount == 1:
		b.WriteString("The query returned 1 row.")
	default:
		fmt.Fprintf(&b, "The query returned %d rows.", result.RowCount)
	}
	if result.Truncated {
		fmt.Fprintf(&b, " Only the first %d are shown.", len(result.Rows))
	}
	return b.String()
}
