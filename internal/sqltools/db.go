// Package sqltools is the SQL tool server: it exposes read-only query
// execution and schema introspection of a PostgreSQL database as MCP tools.
//
// Every query runs inside a READ ONLY transaction with a statement timeout,
// after the same validator the control plane uses has accepted it.
package sqltools

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashureev/delfos/internal/domain"
)

// Database is the storage the tools run against.
type Database interface {
	ListTables(ctx context.Context, schema string) ([]string, error)
	DescribeTable(ctx context.Context, schema, table string) ([]domain.Column, error)
	Query(ctx context.Context, sql string, maxRows int) (*domain.QueryResult, error)
	Ping(ctx context.Context) error
	Close()
}

// PG is a Database backed by a pgx connection pool.
type PG struct {
	pool             *pgxpool.Pool
	statementTimeout time.Duration
}

// Connect opens a pool for dsn and verifies the connection.
func Connect(ctx context.Context, dsn string, statementTimeout time.Duration) (*PG, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgx connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx ping: %w", err)
	}
	return &PG{pool: pool, statementTimeout: statementTimeout}, nil
}

// Close shuts down the pool.
func (p *PG) Close() {
	p.pool.Close()
}

// Ping checks the database connection.
func (p *PG) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// ListTables lists base tables and views in schema.
func (p *PG) ListTables(ctx context.Context, schema string) ([]string, error) {
	if schema == "" {
		schema = "public"
	}
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type IN ('BASE TABLE', 'VIEW')
		ORDER BY table_name`
	rows, err := p.pool.Query(ctx, query, schema)
	if err != nil {
		return nil, err
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return names, nil
}

// DescribeTable returns the columns of table in ordinal order. An unknown
// table has no columns.
func (p *PG) DescribeTable(ctx context.Context, schema, table string) ([]domain.Column, error) {
	if schema == "" {
		schema = "public"
	}
	query := `
		SELECT column_name, data_type, is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`
	rows, err := p.pool.Query(ctx, query, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []domain.Column
	for rows.Next() {
		var c domain.Column
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// Query runs sql in a read-only transaction and returns at most maxRows rows.
func (p *PG) Query(ctx context.Context, sql string, maxRows int) (*domain.QueryResult, error) {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return nil, fmt.Errorf("empty query")
	}

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if p.statementTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", p.statementTimeout.Milliseconds())); err != nil {
			return nil, fmt.Errorf("set statement timeout: %w", err)
		}
	}

	rows, err := tx.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	typeMap := tx.Conn().TypeMap()
	fields := rows.FieldDescriptions()
	out := &domain.QueryResult{SQL: sql, Columns: make([]domain.ColumnMeta, len(fields))}
	for i, f := range fields {
		out.Columns[i] = domain.ColumnMeta{Name: f.Name}
		if t, ok := typeMap.TypeForOID(f.DataTypeOID); ok {
			out.Columns[i].Type = t.Name
		}
	}

	for rows.Next() {
		if maxRows > 0 && len(out.Rows) >= maxRows {
			out.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(domain.Row, len(fields))
		for i, v := range values {
			row[fields[i].Name] = jsonValue(v)
		}
		out.Rows = append(out.Rows, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out.RowCount = len(out.Rows)
	out.Duration = time.Since(start)
	return out, nil
}

// jsonValue converts pgx-decoded values into JSON-friendly ones.
func jsonValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		if f, err := x.Float64Value(); err == nil && f.Valid {
			return f.Float64
		}
		return nil
	case [16]byte:
		return formatUUID(x)
	case []byte:
		return "\\x" + hex.EncodeToString(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case pgtype.Interval:
		if !x.Valid {
			return nil
		}
		return fmt.Sprintf("%d months %d days %dus", x.Months, x.Days, x.Microseconds)
	case fmt.Stringer:
		return x.String()
	default:
		return v
	}
}

func formatUUID(b [16]byte) string {
	s := hex.EncodeToString(b[:])
	return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]
}
