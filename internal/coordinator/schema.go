package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ashureev/delfos/internal/domain"
	"github.com/ashureev/delfos/internal/toolclient"
)

// ErrTableNotFound is returned by TableSchema when the SQL server does not
// know the table.
var ErrTableNotFound = errors.New("table not found")

// listTables calls the list tool. The reply may be {"tables": [...]} or a
// bare array, with entries as names or {"name": ...} objects.
func (c *Coordinator) listTables(ctx context.Context) ([]string, error) {
	res, err := c.schemaTools.Invoke(ctx, c.cfg.ListTablesTool, map[string]any{})
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := res.Decode(&raw); err != nil {
		return nil, err
	}
	var wrapped struct {
		Tables []json.RawMessage `json:"tables"`
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("decode table list: %w", err)
		}
		entries = wrapped.Tables
	}

	tables := make([]string, 0, len(entries))
	for _, e := range entries {
		var name string
		if err := json.Unmarshal(e, &name); err != nil {
			var obj struct {
				Name   string `json:"name"`
				Table  string `json:"table_name"`
				Schema string `json:"schema"`
			}
			if err := json.Unmarshal(e, &obj); err != nil {
				return nil, fmt.Errorf("decode table entry: %w", err)
			}
			name = obj.Name
			if name == "" {
				name = obj.Table
			}
		}
		if name = strings.TrimSpace(name); name != "" {
			tables = append(tables, name)
		}
	}
	sort.Strings(tables)
	return tables, nil
}

// describeTable calls the describe tool. The reply may be
// {"table": ..., "columns": [...]} or a bare column array.
func (c *Coordinator) describeTable(ctx context.Context, table string) (domain.TableSchema, error) {
	res, err := c.schemaTools.Invoke(ctx, c.cfg.DescribeTool, map[string]any{"table_name": table})
	if err != nil {
		return domain.TableSchema{}, err
	}

	type wireColumn struct {
		Name       string `json:"name"`
		ColumnName string `json:"column_name"`
		DataType   string `json:"data_type"`
		Type       string `json:"type"`
		Nullable   any    `json:"nullable"`
		IsNullable any    `json:"is_nullable"`
	}
	var raw json.RawMessage
	if err := res.Decode(&raw); err != nil {
		return domain.TableSchema{}, err
	}
	var wrapped struct {
		Table   string       `json:"table"`
		Name    string       `json:"name"`
		Columns []wireColumn `json:"columns"`
	}
	if err := json.Unmarshal(raw, &wrapped.Columns); err != nil {
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return domain.TableSchema{}, fmt.Errorf("decode table schema: %w", err)
		}
	}

	name := table
	if wrapped.Table != "" {
		name = wrapped.Table
	} else if wrapped.Name != "" {
		name = wrapped.Name
	}
	out := domain.TableSchema{Name: name}
	for _, wc := range wrapped.Columns {
		col := domain.Column{Name: wc.Name, DataType: wc.DataType}
		if col.Name == "" {
			col.Name = wc.ColumnName
		}
		if col.DataType == "" {
			col.DataType = wc.Type
		}
		col.Nullable = truthy(wc.Nullable) || truthy(wc.IsNullable)
		if col.Name != "" {
			out.Columns = append(out.Columns, col)
		}
	}
	if len(out.Columns) == 0 {
		return domain.TableSchema{}, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return out, nil
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		s := strings.ToLower(strings.TrimSpace(b))
		return s == "yes" || s == "true" || s == "y" || s == "1"
	case float64:
		return b != 0
	}
	return false
}

// loadSchema lists the tables and describes up to SchemaMaxTables of them.
// Tables that fail to describe are skipped; failing to list is fatal.
func (c *Coordinator) loadSchema(ctx context.Context) (domain.SchemaContext, error) {
	tables, err := c.listTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	if len(tables) > c.cfg.SchemaMaxTables {
		c.logger.Warn("schema truncated", "tables", len(tables), "limit", c.cfg.SchemaMaxTables)
		tables = tables[:c.cfg.SchemaMaxTables]
	}

	schema := make(domain.SchemaContext, len(tables))
	for _, t := range tables {
		ts, err := c.describeTable(ctx, t)
		if err != nil {
			if toolclient.KindOf(err) == toolclient.KindConnection || toolclient.KindOf(err) == toolclient.KindTimeout {
				return nil, fmt.Errorf("describe %s: %w", t, err)
			}
			c.logger.Warn("skipping table without schema", "table", t, "error", err)
			continue
		}
		schema.Add(ts)
	}
	if schema.Empty() {
		return nil, errors.New("no table schema available")
	}
	return schema, nil
}
