package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashureev/delfos/internal/domain"
	"github.com/ashureev/delfos/internal/toolclient"
)

var errMalformedResult = errors.New("malformed query result")

// wireResult is the execution tool's payload. Columns may be plain names or
// {name, type} objects and rows may be objects or positional arrays.
type wireResult struct {
	Columns   []json.RawMessage `json:"columns"`
	Rows      []json.RawMessage `json:"rows"`
	RowCount  *int              `json:"row_count"`
	Truncated bool              `json:"truncated"`
}

// decodeQueryResult converts a tool result into a QueryResult. A top-level
// JSON array of row objects is accepted as well.
func decodeQueryResult(res toolclient.Result) (*domain.QueryResult, error) {
	raw := bytes.TrimSpace(res.Data)
	if len(raw) == 0 {
		raw = bytes.TrimSpace([]byte(res.Text))
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", errMalformedResult)
	}

	var wire wireResult
	switch raw[0] {
	case '[':
		if err := json.Unmarshal(raw, &wire.Rows); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedResult, err)
		}
	case '{':
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedResult, err)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected payload %q", errMalformedResult, truncate(string(raw), 60))
	}

	out := &domain.QueryResult{Truncated: wire.Truncated}
	for _, c := range wire.Columns {
		col, err := decodeColumn(c)
		if err != nil {
			return nil, err
		}
		out.Columns = append(out.Columns, col)
	}

	for _, r := range wire.Rows {
		r = bytes.TrimSpace(r)
		if len(r) == 0 {
			continue
		}
		switch r[0] {
		case '{':
			var row domain.Row
			if err := json.Unmarshal(r, &row); err != nil {
				return nil, fmt.Errorf("%w: %v", errMalformedResult, err)
			}
			if len(out.Columns) == 0 {
				keys, err := objectKeys(r)
				if err != nil {
					return nil, err
				}
				for _, k := range keys {
					out.Columns = append(out.Columns, domain.ColumnMeta{Name: k})
				}
			}
			out.Rows = append(out.Rows, row)
		case '[':
			var values []any
			if err := json.Unmarshal(r, &values); err != nil {
				return nil, fmt.Errorf("%w: %v", errMalformedResult, err)
			}
			if len(values) != len(out.Columns) {
				return nil, fmt.Errorf("%w: row has %d values for %d columns", errMalformedResult, len(values), len(out.Columns))
			}
			row := make(domain.Row, len(values))
			for i, v := range values {
				row[out.Columns[i].Name] = v
			}
			out.Rows = append(out.Rows, row)
		default:
			return nil, fmt.Errorf("%w: row is not an object or array", errMalformedResult)
		}
	}

	out.RowCount = len(out.Rows)
	if wire.RowCount != nil && *wire.RowCount > out.RowCount {
		out.RowCount = *wire.RowCount
		out.Truncated = true
	}
	return out, nil
}

func decodeColumn(raw json.RawMessage) (domain.ColumnMeta, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return domain.ColumnMeta{Name: name}, nil
	}
	var col domain.ColumnMeta
	if err := json.Unmarshal(raw, &col); err != nil || col.Name == "" {
		return domain.ColumnMeta{}, fmt.Errorf("%w: bad column %s", errMalformedResult, truncate(string(raw), 60))
	}
	return col, nil
}

// objectKeys returns the keys of a JSON object in document order.
func objectKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedResult, err)
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedResult, err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: non-string key", errMalformedResult)
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedResult, err)
		}
	}
	return keys, nil
}

// numeric converts a JSON-decoded value to float64.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// inferColumnKind reports "number" or "text" from the first non-null value.
func inferColumnKind(result *domain.QueryResult, column string) string {
	for _, row := range result.Rows {
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		if _, isNum := numeric(v); isNum {
			return "number"
		}
		return "text"
	}
	return "unknown"
}
