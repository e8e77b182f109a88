package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/delfos/internal/domain"
	"github.com/ashureev/delfos/internal/llm"
	"github.com/ashureev/delfos/internal/toolclient"
)

// Category limits above which a chart kind becomes unreadable.
const (
	maxPieCategories = 7
	maxBarCategories = 15
)

// VizAgentConfig configures a VizAgent.
type VizAgentConfig struct {
	ChartTool    string
	RetryBackoff time.Duration
	MaxPoints    int
	SampleRows   int
}

// DefaultVizAgentConfig returns the defaults used by the server.
func DefaultVizAgentConfig() VizAgentConfig {
	return VizAgentConfig{
		ChartTool:    "generate_chart",
		RetryBackoff: 500 * time.Millisecond,
		MaxPoints:    500,
		SampleRows:   5,
	}
}

// ChartRequest carries what the user asked for. Kind is empty when the user
// did not name a chart type.
type ChartRequest struct {
	Question string
	Kind     domain.ChartKind
	Title    string
}

// VizAgent turns a query result into a rendered chart.
type VizAgent struct {
	model  llm.Completer
	tools  toolclient.Invoker
	cfg    VizAgentConfig
	logger *slog.Logger
	sleep  sleepFunc
}

// NewVizAgent creates a VizAgent.
func NewVizAgent(model llm.Completer, tools toolclient.Invoker, cfg VizAgentConfig, logger *slog.Logger) *VizAgent {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultVizAgentConfig()
	if cfg.ChartTool == "" {
		cfg.ChartTool = def.ChartTool
	}
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = def.MaxPoints
	}
	if cfg.SampleRows <= 0 {
		cfg.SampleRows = def.SampleRows
	}
	return &VizAgent{model: model, tools: tools, cfg: cfg, logger: logger, sleep: sleepCtx}
}

// CreateChart renders result. An empty result fails with NoDataToVisualize
// before any model or tool call.
func (a *VizAgent) CreateChart(ctx context.Context, result *domain.QueryResult, req ChartRequest) (*domain.ChartConfirmation, error) {
	if result.IsEmpty() {
		return nil, domain.Errorf(domain.ErrNoDataToVisualize, "no rows to chart")
	}

	spec := a.proposeSpec(ctx, result, req)
	spec = normalizeSpec(spec, result, req)
	points := buildDataPoints(spec, a.cfg.MaxPoints)

	args := map[string]any{
		"chart_type":   string(spec.Kind),
		"title":        spec.Title,
		"x_field":      spec.XField,
		"y_field":      spec.YField,
		"series_field": spec.SeriesField,
		"data_points":  points,
		"question":     req.Question,
		"metric_name":  spec.YField,
	}

	res, err := invokeWithRetry(ctx, a.tools, a.cfg.ChartTool, args, a.cfg.RetryBackoff, a.sleep, a.logger)
	if err != nil {
		return nil, domain.NewError(domain.ErrExecutionFailed, err)
	}

	conf, err := decodeConfirmation(res, spec)
	if err != nil {
		return nil, domain.NewError(domain.ErrExecutionFailed, err)
	}
	conf.Points = len(points)
	return conf, nil
}

// proposeSpec asks the model for a chart spec. A model failure falls back to
// the heuristic spec since a chart can always be drawn from the columns.
func (a *VizAgent) proposeSpec(ctx context.Context, result *domain.QueryResult, req ChartRequest) domain.ChartSpec {
	out, err := a.model.Complete(llm.WithOperation(ctx, "chart_selection"), []llm.Message{
		{Role: llm.RoleSystem, Content: vizSystemPrompt},
		{Role: llm.RoleUser, Content: vizUserPrompt(result, req, a.cfg.SampleRows)},
	})
	if err != nil {
		a.logger.Warn("chart spec generation failed, using heuristic", "error", err)
		return domain.ChartSpec{}
	}

	var parsed struct {
		ChartType   string `json:"chart_type"`
		Title       string `json:"title"`
		XField      string `json:"x_field"`
		YField      string `json:"y_field"`
		SeriesField string `json:"series_field"`
	}
	if err := llm.DecodeJSON(out, &parsed); err != nil {
		a.logger.Warn("unparseable chart spec, using heuristic", "output", truncate(out, 200))
		return domain.ChartSpec{}
	}
	spec := domain.ChartSpec{
		Title:       strings.TrimSpace(parsed.Title),
		XField:      strings.TrimSpace(parsed.XField),
		YField:      strings.TrimSpace(parsed.YField),
		SeriesField: strings.TrimSpace(parsed.SeriesField),
	}
	if parsed.ChartType != "" {
		spec.Kind = domain.ParseChartKind(parsed.ChartType)
	}
	return spec
}

// normalizeSpec constrains spec to the columns of result. Fields the result
// does not have are replaced by the first textual column for x and the first
// numeric column for y.
func normalizeSpec(spec domain.ChartSpec, result *domain.QueryResult, req ChartRequest) domain.ChartSpec {
	spec.Source = result

	var firstText, firstNumber string
	for _, c := range result.Columns {
		switch columnKind(result, c) {
		case "number":
			if firstNumber == "" {
				firstNumber = c.Name
			}
		default:
			if firstText == "" {
				firstText = c.Name
			}
		}
	}

	if !result.HasColumn(spec.XField) {
		spec.XField = firstText
		if spec.XField == "" && len(result.Columns) > 0 {
			spec.XField = result.Columns[0].Name
		}
	}
	if !result.HasColumn(spec.YField) || columnKind(result, columnMeta(result, spec.YField)) != "number" {
		spec.YField = firstNumber
	}
	if spec.YField == spec.XField {
		spec.YField = ""
	}
	if !result.HasColumn(spec.SeriesField) || spec.SeriesField == spec.XField || spec.SeriesField == spec.YField {
		spec.SeriesField = ""
	}

	if req.Kind != "" {
		spec.Kind = req.Kind
	}
	if spec.Kind == "" {
		spec.Kind = defaultKind(spec, result)
	}
	if spec.YField == "" {
		spec.Kind = domain.ChartTable
	}

	categories := distinctValues(result, spec.XField)
	if spec.Kind == domain.ChartPie && categories > maxPieCategories {
		spec.Kind = domain.ChartBar
	}
	if spec.Kind == domain.ChartStackedBar && spec.SeriesField == "" {
		spec.Kind = domain.ChartBar
	}

	if spec.Title == "" {
		spec.Title = req.Title
	}
	if spec.Title == "" {
		spec.Title = defaultTitle(spec)
	}
	return spec
}

func defaultKind(spec domain.ChartSpec, result *domain.QueryResult) domain.ChartKind {
	switch {
	case looksTemporal(spec.XField):
		return domain.ChartLine
	case spec.SeriesField != "":
		return domain.ChartStackedBar
	case distinctValues(result, spec.XField) <= maxPieCategories && len(result.Columns) == 2:
		return domain.ChartPie
	case distinctValues(result, spec.XField) <= maxBarCategories:
		return domain.ChartBar
	default:
		return domain.ChartTable
	}
}

var temporalMarkers = []string{"date", "fecha", "time", "month", "mes", "year", "ano", "año", "day", "dia", "week", "semana", "period"}

func looksTemporal(column string) bool {
	name := strings.ToLower(column)
	for _, m := range temporalMarkers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

func defaultTitle(spec domain.ChartSpec) string {
	if spec.YField == "" {
		return spec.XField
	}
	return fmt.Sprintf("%s by %s", spec.YField, spec.XField)
}

func columnMeta(result *domain.QueryResult, name string) domain.ColumnMeta {
	for _, c := range result.Columns {
		if c.Name == name {
			return c
		}
	}
	return domain.ColumnMeta{Name: name}
}

// columnKind prefers the declared type and falls back to the values.
func columnKind(result *domain.QueryResult, c domain.ColumnMeta) string {
	t := strings.ToLower(c.Type)
	switch {
	case t == "":
		return inferColumnKind(result, c.Name)
	case strings.Contains(t, "int"), strings.Contains(t, "num"), strings.Contains(t, "dec"),
		strings.Contains(t, "float"), strings.Contains(t, "double"), strings.Contains(t, "real"),
		strings.Contains(t, "money"):
		return "number"
	default:
		return "text"
	}
}

func distinctValues(result *domain.QueryResult, column string) int {
	seen := make(map[string]struct{})
	for _, row := range result.Rows {
		seen[fmt.Sprint(row[column])] = struct{}{}
	}
	return len(seen)
}

// buildDataPoints extracts at most maxPoints points in row order.
func buildDataPoints(spec domain.ChartSpec, maxPoints int) []domain.DataPoint {
	rows := spec.Source.Rows
	if len(rows) > maxPoints {
		rows = rows[:maxPoints]
	}
	points := make([]domain.DataPoint, 0, len(rows))
	for _, row := range rows {
		p := domain.DataPoint{X: row[spec.XField]}
		if spec.YField != "" {
			p.Y = row[spec.YField]
			if f, ok := numeric(p.Y); ok {
				p.Y = f
			}
		}
		if spec.SeriesField != "" {
			p.Category = fmt.Sprint(row[spec.SeriesField])
		}
		points = append(points, p)
	}
	return points
}

// decodeConfirmation reads the chart tool reply. A plain URL in the text body
// is accepted as well.
func decodeConfirmation(res toolclient.Result, spec domain.ChartSpec) (*domain.ChartConfirmation, error) {
	var wire struct {
		URL       string `json:"url"`
		ChartURL  string `json:"chart_url"`
		ImageURL  string `json:"image_url"`
		RunID     any    `json:"run_id"`
		ChartType string `json:"chart_type"`
		Title     string `json:"title"`
	}
	conf := &domain.ChartConfirmation{Kind: spec.Kind, Title: spec.Title}

	if err := res.Decode(&wire); err != nil {
		text := strings.TrimSpace(res.Text)
		if strings.HasPrefix(text, "http://") || strings.HasPrefix(text, "https://") {
			conf.URL = text
			return conf, nil
		}
		return nil, fmt.Errorf("decode chart confirmation: %w", err)
	}

	conf.URL = wire.URL
	if conf.URL == "" {
		conf.URL = wire.ChartURL
	}
	conf.ImageURL = wire.ImageURL
	if wire.RunID != nil {
		switch id := wire.RunID.(type) {
		case float64:
			conf.RunID = fmt.Sprintf("%.0f", id)
		default:
			conf.RunID = fmt.Sprint(id)
		}
	}
	if wire.ChartType != "" {
		conf.Kind = domain.ParseChartKind(wire.ChartType)
	}
	if wire.Title != "" {
		conf.Title = wire.Title
	}
	if conf.URL == "" && conf.ImageURL == "" && conf.RunID == "" {
		return nil, fmt.Errorf("chart confirmation carries no url or run id: %s", truncate(string(mustJSON(wire)), 120))
	}
	return conf, nil
}

func mustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
