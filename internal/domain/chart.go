package domain

import "strings"

// ChartKind is the visualisation type requested from the chart service.
type ChartKind string

const (
	ChartBar        ChartKind = "bar"
	ChartLine       ChartKind = "line"
	ChartPie        ChartKind = "pie"
	ChartStackedBar ChartKind = "stackedbar"
	ChartTable      ChartKind = "table"
)

// ParseChartKind maps a free-form label to a kind, defaulting to bar.
func ParseChartKind(s string) ChartKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "line", "linea", "línea":
		return ChartLine
	case "pie", "pastel", "torta":
		return ChartPie
	case "stackedbar", "stacked_bar", "stacked":
		return ChartStackedBar
	case "table", "tabla":
		return ChartTable
	default:
		return ChartBar
	}
}

// ChartSpec describes a chart over a query result. Field names always refer
// to columns of Source.
type ChartSpec struct {
	Kind        ChartKind    `json:"chart_type"`
	Title       string       `json:"title,omitempty"`
	XField      string       `json:"x_field"`
	YField      string       `json:"y_field"`
	SeriesField string       `json:"series_field,omitempty"`
	Source      *QueryResult `json:"-"`
}

// DataPoint is one plotted value.
type DataPoint struct {
	X        any    `json:"x_value"`
	Y        any    `json:"y_value"`
	Category string `json:"category,omitempty"`
}

// ChartConfirmation is what the chart service returns for a rendered chart.
type ChartConfirmation struct {
	Kind     ChartKind `json:"chart_type"`
	Title    string    `json:"title,omitempty"`
	URL      string    `json:"url,omitempty"`
	ImageURL string    `json:"image_url,omitempty"`
	RunID    string    `json:"run_id,omitempty"`
	Points   int       `json:"data_points"`
}
