package validator

// keywords are words that never name a table or column in a read-only query.
// Date parts and type names are included so casts and EXTRACT do not read as
// column references.
var keywords = setOf(
	"select", "from", "where", "group", "by", "order", "having", "limit", "offset",
	"top", "percent", "ties", "distinct", "all", "as", "on", "using",
	"join", "inner", "left", "right", "full", "outer", "cross", "natural", "lateral", "apply",
	"and", "or", "not", "in", "is", "null", "true", "false", "unknown",
	"like", "ilike", "similar", "escape", "between", "symmetric", "asymmetric",
	"case", "when", "then", "else", "end",
	"asc", "desc", "nulls", "first", "last",
	"union", "intersect", "except", "minus", "exists", "any", "some",
	"over", "partition", "rows", "range", "groups", "preceding", "following",
	"unbounded", "current", "row", "fetch", "next", "only", "window", "qualify",
	"filter", "within", "recursive", "materialized", "with", "for",
	"rollup", "cube", "grouping", "sets", "values", "default", "collate",
	"interval", "at", "zone", "both", "leading", "trailing", "array",
	"nolock", "readuncommitted", "holdlock", "noexpand",
	"current_date", "current_time", "current_timestamp", "localtime", "localtimestamp",
	"current_user", "session_user", "current_schema",
	"year", "month", "day", "hour", "minute", "second", "week", "quarter",
	"dow", "doy", "epoch", "millisecond", "microsecond", "isodow", "isoyear", "dayofweek", "dayofyear",
	"int", "integer", "bigint", "smallint", "tinyint", "decimal", "numeric", "float", "real",
	"double", "precision", "varchar", "nvarchar", "char", "nchar", "character", "varying",
	"text", "date", "time", "timestamp", "timestamptz", "datetime", "datetime2", "smalldatetime",
	"boolean", "bool", "money", "bit", "uuid", "json", "jsonb", "signed", "unsigned",
	"pivot", "unpivot", "tablesample",
)

// subqueryIntroducers are words after which "(" opens a grouping or
// subquery rather than a function call.
var subqueryIntroducers = setOf(
	"in", "exists", "any", "all", "some", "from", "join", "as", "over", "filter",
	"values", "using", "on", "and", "or", "not", "when", "then", "else", "by",
	"select", "where", "having", "with", "within", "lateral", "apply", "top",
	"union", "intersect", "except", "case", "is", "between", "like", "ilike",
)

func setOf(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
