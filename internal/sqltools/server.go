package sqltools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ashureev/delfos/internal/domain"
)

// Tool names served.
const (
	ToolExecute    = "execute_sql_query"
	ToolListTables = "list_tables"
	ToolDescribe   = "get_table_schema"
)

// Validator gates statements before they reach the database.
type Validator interface {
	Validate(sql string, schema domain.SchemaContext) domain.Verdict
}

// Config configures a Server.
type Config struct {
	Name    string
	Version string
	// Schema is the database schema exposed, "public" by default.
	Schema  string
	MaxRows int
	// SchemaTTL bounds how long the cached schema used for validation lives.
	SchemaTTL time.Duration
}

// Server exposes a Database as MCP tools.
type Server struct {
	db        Database
	validator Validator
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	schema   domain.SchemaContext
	loadedAt time.Time
	now      func() time.Time
}

// NewServer creates a Server. validator may be nil to execute statements
// without a second check.
func NewServer(db Database, validator Validator, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "delfos-sqltools"
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 1000
	}
	if cfg.SchemaTTL <= 0 {
		cfg.SchemaTTL = 5 * time.Minute
	}
	return &Server{db: db, validator: validator, cfg: cfg, logger: logger, now: time.Now}
}

// MCPServer builds the MCP server with the SQL tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer(s.cfg.Name, s.cfg.Version, server.WithToolCapabilities(false))

	srv.AddTool(mcp.NewTool(ToolExecute,
		mcp.WithDescription("Run a single read-only SQL statement and return its rows as JSON."),
		mcp.WithString("query", mcp.Required(), mcp.Description("The SELECT statement to run")),
		mcp.WithNumber("max_rows", mcp.Description("Maximum number of rows to return")),
	), s.handleExecute)

	srv.AddTool(mcp.NewTool(ToolListTables,
		mcp.WithDescription("List the tables that can be queried."),
	), s.handleListTables)

	srv.AddTool(mcp.NewTool(ToolDescribe,
		mcp.WithDescription("Describe the columns of one table."),
		mcp.WithString("table_name", mcp.Required(), mcp.Description("Table to describe")),
	), s.handleDescribe)

	return srv
}

// Handler serves the MCP server over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.MCPServer())
}

type executeResult struct {
	Columns   []domain.ColumnMeta `json:"columns"`
	Rows      []domain.Row        `json:"rows"`
	RowCount  int                 `json:"row_count"`
	Truncated bool                `json:"truncated,omitempty"`
}

// handleExecute rejects statements the validator refuses with a protocol
// error so callers do not retry them. Database failures are tool errors.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return nil, err
	}
	maxRows := req.GetInt("max_rows", s.cfg.MaxRows)
	if maxRows <= 0 || maxRows > s.cfg.MaxRows {
		maxRows = s.cfg.MaxRows
	}

	if s.validator != nil {
		schema, err := s.schemaContext(ctx)
		if err != nil {
			s.logger.Error("schema load failed", "error", err)
			return mcp.NewToolResultError("schema unavailable"), nil
		}
		if v := s.validator.Validate(query, schema); !v.Accepted() {
			s.logger.Warn("statement rejected", "rule", v.Rule, "reason", v.Reason)
			return nil, fmt.Errorf("statement rejected: %s", v.Reason)
		}
	}

	res, err := s.db.Query(ctx, query, maxRows)
	if err != nil {
		s.logger.Warn("query failed", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	s.logger.Info("query executed", "rows", res.RowCount, "truncated", res.Truncated, "duration", res.Duration)

	rows := res.Rows
	if rows == nil {
		rows = []domain.Row{}
	}
	return jsonResult(executeResult{
		Columns:   res.Columns,
		Rows:      rows,
		RowCount:  res.RowCount,
		Truncated: res.Truncated,
	})
}

func (s *Server) handleListTables(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tables, err := s.db.ListTables(ctx, s.cfg.Schema)
	if err != nil {
		s.logger.Warn("list tables failed", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("list tables failed: %v", err)), nil
	}
	if tables == nil {
		tables = []string{}
	}
	return jsonResult(map[string]any{"tables": tables})
}

func (s *Server) handleDescribe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	table, err := req.RequireString("table_name")
	if err != nil {
		return nil, err
	}
	table = strings.TrimSpace(table)

	cols, err := s.db.DescribeTable(ctx, s.cfg.Schema, table)
	if err != nil {
		s.logger.Warn("describe failed", "table", table, "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("describe failed: %v", err)), nil
	}
	if cols == nil {
		cols = []domain.Column{}
	}
	return jsonResult(domain.TableSchema{Name: table, Columns: cols})
}

// schemaContext returns the cached schema, reloading it after SchemaTTL.
func (s *Server) schemaContext(ctx context.Context) (domain.SchemaContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schema != nil && s.now().Sub(s.loadedAt) < s.cfg.SchemaTTL {
		return s.schema, nil
	}

	tables, err := s.db.ListTables(ctx, s.cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	schema := make(domain.SchemaContext, len(tables))
	for _, t := range tables {
		cols, err := s.db.DescribeTable(ctx, s.cfg.Schema, t)
		if err != nil {
			return nil, fmt.Errorf("describe %s: %w", t, err)
		}
		schema.Add(domain.TableSchema{Name: t, Columns: cols})
	}
	s.schema = schema
	s.loadedAt = s.now()
	return schema, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}
