package domain

import (
	"sort"
	"strings"
)

// Column describes a single column of a table.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type,omitempty"`
	Nullable bool   `json:"nullable,omitempty"`
}

// TableSchema holds the columns known for a table.
type TableSchema struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// HasColumn reports whether the table declares column name (case-insensitive).
func (t TableSchema) HasColumn(name string) bool {
	name = NormalizeIdentifier(name)
	for _, c := range t.Columns {
		if NormalizeIdentifier(c.Name) == name {
			return true
		}
	}
	return false
}

// SchemaContext maps normalized table names to their schema. It is the set of
// tables and columns generated SQL is allowed to reference.
type SchemaContext map[string]TableSchema

// NewSchemaContext builds a context from a list of tables.
func NewSchemaContext(tables ...TableSchema) SchemaContext {
	sc := make(SchemaContext, len(tables))
	for _, t := range tables {
		sc.Add(t)
	}
	return sc
}

// Add registers or replaces a table.
func (sc SchemaContext) Add(t TableSchema) {
	sc[TableKey(t.Name)] = t
}

// Table looks up a table by name. Schema prefixes such as "dbo." or
// "public." and identifier quoting are ignored.
func (sc SchemaContext) Table(name string) (TableSchema, bool) {
	t, ok := sc[TableKey(name)]
	return t, ok
}

// HasTable reports whether the table exists.
func (sc SchemaContext) HasTable(name string) bool {
	_, ok := sc.Table(name)
	return ok
}

// HasColumn reports whether table declares column.
func (sc SchemaContext) HasColumn(table, column string) bool {
	t, ok := sc.Table(table)
	if !ok {
		return false
	}
	return t.HasColumn(column)
}

// AnyTableHasColumn reports whether any known table declares column.
func (sc SchemaContext) AnyTableHasColumn(column string) bool {
	for _, t := range sc {
		if t.HasColumn(column) {
			return true
		}
	}
	return false
}

// Tables returns the table names in sorted order.
func (sc SchemaContext) Tables() []string {
	names := make([]string, 0, len(sc))
	for _, t := range sc {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// Empty reports whether no tables are known.
func (sc SchemaContext) Empty() bool {
	return len(sc) == 0
}

// Clone returns a copy of the context.
func (sc SchemaContext) Clone() SchemaContext {
	if sc == nil {
		return nil
	}
	out := make(SchemaContext, len(sc))
	for k, t := range sc {
		t.Columns = append([]Column(nil), t.Columns...)
		out[k] = t
	}
	return out
}

// TableKey normalizes a possibly qualified table name to its lookup key.
func TableKey(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return NormalizeIdentifier(name)
}

// NormalizeIdentifier strips identifier quoting and lowercases the name.
func NormalizeIdentifier(name string) string {
	name = strings.TrimSpace(name)
	if len(name) >= 2 {
		switch {
		case name[0] == '"' && name[len(name)-1] == '"',
			name[0] == '[' && name[len(name)-1] == ']',
			name[0] == '`' && name[len(name)-1] == '`':
			name = name[1 : len(name)-1]
		}
	}
	return strings.ToLower(name)
}
