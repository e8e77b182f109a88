package agent

import (
	"fmt"
	"strings"

	"github.com/ashureev/delfos/internal/domain"
)

// Delimiters separating trusted instructions from user-provided data. They
// are stripped from untrusted content before it is placed in a prompt.
var promptDelimiters = []string{
	"<question>", "</question>",
	"<schema>", "</schema>",
	"<history>", "</history>",
	"<rejection-feedback>", "</rejection-feedback>",
	"<result-columns>", "</result-columns>",
	"<answer>", "</answer>",
}

// sanitize strips prompt delimiters from untrusted text.
func sanitize(content string) string {
	result := content
	for _, delim := range promptDelimiters {
		result = strings.ReplaceAll(result, delim, "")
	}
	return result
}

const classifierSystemPrompt = `You route messages for a database assistant.
Classify the user's message into exactly one intent:
- data_query: a question answered by querying the database (counts, totals, lists, comparisons)
- chart_request: a request to visualize the previous result without asking a new question
- schema_inspection: a question about which tables or columns exist
- conversational: greetings, thanks, or anything not about the data

Respond with ONLY this JSON: {"intent": "<one of the four labels>"}`

func classifierUserPrompt(message string, schema domain.SchemaContext) string {
	var b strings.Builder
	if tables := schema.Tables(); len(tables) > 0 {
		fmt.Fprintf(&b, "<schema>\nKnown tables: %s\n</schema>\n", strings.Join(tables, ", "))
	}
	fmt.Fprintf(&b, "<question>\n%s\n</question>", sanitize(message))
	return b.String()
}

const sqlSystemPrompt = `You are SQLAgent, an expert SQL analyst.

Write exactly one read-only SQL statement (%s dialect) that answers the question inside <question>.

RULES:
- Use only the tables and columns listed inside <schema>
- Only SELECT statements (optionally with WITH); never modify data
- A single statement, no semicolon-separated batches, no comments
- Use meaningful column aliases with AS
- Aggregations: use COUNT, SUM, AVG with GROUP BY
- Monetary values: round to 2 decimals
- Limit large result sets to %d rows

If <rejection-feedback> is present, earlier statements were rejected by the security
validator; write a new statement that avoids every listed problem.

Respond with ONLY this JSON format:
` + "```json" + `
{
  "sql": "SELECT ...",
  "explanation": "Brief description of what the query does"
}
` + "```"

func sqlUserPrompt(req SQLRequest, rejections []domain.SQLCandidate) string {
	var b strings.Builder

	b.WriteString("<schema>\n")
	b.WriteString(formatSchema(req.Schema))
	b.WriteString("</schema>\n")

	if len(req.History) > 0 {
		b.WriteString("<history>\n")
		for _, t := range req.History {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, sanitize(truncate(t.Message, 500)))
		}
		b.WriteString("</history>\n")
	}

	if len(rejections) > 0 {
		b.WriteString("<rejection-feedback>\n")
		for _, c := range rejections {
			fmt.Fprintf(&b, "Attempt %d:\n%s\nRejected (%s): %s\n\n", c.Attempt, sanitize(c.Text), c.Verdict.Rule, c.Verdict.Reason)
		}
		b.WriteString("</rejection-feedback>\n")
	}

	fmt.Fprintf(&b, "<question>\n%s\n</question>", sanitize(req.Question))
	return b.String()
}

// formatSchema renders the schema context one table per line.
func formatSchema(schema domain.SchemaContext) string {
	if schema.Empty() {
		return "(no tables known)\n"
	}
	var b strings.Builder
	for _, name := range schema.Tables() {
		t, _ := schema.Table(name)
		cols := make([]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			if c.DataType != "" {
				cols = append(cols, c.Name+" "+c.DataType)
				continue
			}
			cols = append(cols, c.Name)
		}
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, strings.Join(cols, ", "))
	}
	return b.String()
}

const vizSystemPrompt = `You are VizAgent, a data visualization specialist.

Pick the best chart for the query result described inside <result-columns>.

CHART TYPE SELECTION:
- pie: proportions or composition (max 7 categories)
- bar: comparisons between categories (max 15 categories)
- line: time series and trends over time
- stackedbar: several series compared across categories
- table: detailed data with many columns

RULES:
- x_field, y_field and series_field must be column names from <result-columns>
- y_field must be numeric
- series_field is optional

Respond with ONLY this JSON format:
` + "```json" + `
{
  "chart_type": "pie|bar|line|stackedbar|table",
  "title": "Descriptive chart title",
  "x_field": "column",
  "y_field": "column",
  "series_field": ""
}
` + "```"

func vizUserPrompt(result *domain.QueryResult, req ChartRequest, sample int) string {
	var b strings.Builder
	b.WriteString("<result-columns>\n")
	for _, c := range result.Columns {
		kind := c.Type
		if kind == "" {
			kind = inferColumnKind(result, c.Name)
		}
		fmt.Fprintf(&b, "- %s (%s)\n", c.Name, kind)
	}
	fmt.Fprintf(&b, "Rows: %d\n", result.RowCount)
	for i, row := range result.Rows {
		if i >= sample {
			break
		}
		fmt.Fprintf(&b, "Sample: %v\n", row)
	}
	b.WriteString("</result-columns>\n")
	if req.Kind != "" {
		fmt.Fprintf(&b, "The user asked for a %s chart.\n", req.Kind)
	}
	fmt.Fprintf(&b, "<question>\n%s\n</question>", sanitize(req.Question))
	return b.String()
}

const conversationalSystemPrompt = `You are Delfos, an assistant that answers questions about a relational database.
Reply briefly and helpfully. You can answer data questions, show the database tables,
and draw charts of query results. Do not invent data; suggest asking a data question instead.`

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
