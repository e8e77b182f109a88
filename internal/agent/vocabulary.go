package agent

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ashureev/delfos/internal/domain"
)

// Vocabulary lists the phrases that drive heuristic intent detection. Phrases
// are matched on whole words, case and accent insensitively.
type Vocabulary struct {
	Chart     []string                      `yaml:"chart"`
	Aggregate []string                      `yaml:"aggregate"`
	Data      []string                      `yaml:"data"`
	Schema    []string                      `yaml:"schema"`
	Kinds     map[domain.ChartKind][]string `yaml:"kinds"`
}

// DefaultVocabulary covers English and Spanish.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Chart: []string{
			"chart", "charts", "graph", "graphs", "plot", "plots", "visualize", "visualise", "visualization",
			"diagram", "histogram", "bar", "bars", "pie", "line chart", "dashboard", "power bi",
			"grafico", "graficos", "grafica", "graficas", "graficar", "grafique", "visualiza", "visualizar",
			"diagrama", "barras", "pastel", "torta", "linea", "lineas",
		},
		Aggregate: []string{
			"how many", "how much", "count", "number of", "total", "totals", "sum", "average", "avg", "mean",
			"max", "maximum", "min", "minimum", "top", "most", "least", "by", "per", "percentage", "percent",
			"ratio", "distribution", "breakdown", "group", "grouped", "trend", "over time", "monthly", "yearly",
			"cuantos", "cuantas", "cuanto", "cuanta", "cantidad", "numero de", "suma", "promedio", "media",
			"maximo", "minimo", "mayor", "menor", "por", "porcentaje", "distribucion", "agrupado", "tendencia",
			"mensual", "anual",
		},
		Data: []string{
			"show", "list", "give me", "find", "which", "what are", "who", "display", "get", "fetch", "retrieve",
			"compare", "balance", "balances", "records", "rows",
			"muestra", "muestrame", "mostrar", "lista", "listar", "dame", "busca", "buscar", "cuales", "quienes",
			"compara", "comparar", "saldo", "saldos", "registros",
		},
		Schema: []string{
			"schema", "schemas", "tables", "table structure", "columns", "column", "describe", "structure of",
			"what tables", "which tables", "data model", "fields",
			"esquema", "tablas", "estructura", "columnas", "campos", "describe la tabla", "que tablas", "modelo de datos",
		},
		Kinds: map[domain.ChartKind][]string{
			domain.ChartPie:        {"pie", "pastel", "torta", "donut", "proportion", "composition", "proporcion", "composicion"},
			domain.ChartLine:       {"line", "lines", "linea", "lineas", "trend", "over time", "tendencia", "evolucion"},
			domain.ChartStackedBar: {"stacked", "apiladas", "apilado"},
			domain.ChartTable:      {"table chart", "tabular"},
			domain.ChartBar:        {"bar", "bars", "barras", "column chart", "histogram", "histograma"},
		},
	}
}

// Merge overlays non-empty lists from o onto v.
func (v Vocabulary) Merge(o Vocabulary) Vocabulary {
	if len(o.Chart) > 0 {
		v.Chart = o.Chart
	}
	if len(o.Aggregate) > 0 {
		v.Aggregate = o.Aggregate
	}
	if len(o.Data) > 0 {
		v.Data = o.Data
	}
	if len(o.Schema) > 0 {
		v.Schema = o.Schema
	}
	if len(o.Kinds) > 0 {
		kinds := make(map[domain.ChartKind][]string, len(v.Kinds))
		for k, words := range v.Kinds {
			kinds[k] = words
		}
		for k, words := range o.Kinds {
			kinds[k] = words
		}
		v.Kinds = kinds
	}
	return v
}

// kindOrder fixes the precedence used when a message names several chart kinds.
var kindOrder = []domain.ChartKind{domain.ChartStackedBar, domain.ChartPie, domain.ChartLine, domain.ChartTable, domain.ChartBar}

// Matcher is a compiled Vocabulary.
type Matcher struct {
	chart     []string
	aggregate []string
	data      []string
	schema    []string
	kinds     map[domain.ChartKind][]string
}

// NewMatcher compiles v.
func NewMatcher(v Vocabulary) *Matcher {
	m := &Matcher{
		chart:     foldAll(v.Chart),
		aggregate: foldAll(v.Aggregate),
		data:      foldAll(v.Data),
		schema:    foldAll(v.Schema),
		kinds:     make(map[domain.ChartKind][]string, len(v.Kinds)),
	}
	for k, words := range v.Kinds {
		m.kinds[k] = foldAll(words)
	}
	return m
}

// WantsChart reports whether the message asks for a visualisation.
func (m *Matcher) WantsChart(message string) bool {
	return containsAny(Fold(message), m.chart)
}

// ChartKind returns the chart kind named in the message, if any.
func (m *Matcher) ChartKind(message string) (domain.ChartKind, bool) {
	text := Fold(message)
	for _, kind := range kindOrder {
		if containsAny(text, m.kinds[kind]) {
			return kind, true
		}
	}
	return "", false
}

// NamedTable returns the first of tables mentioned in the message.
func (m *Matcher) NamedTable(message string, tables []string) (string, bool) {
	text := Fold(message)
	for _, t := range tables {
		key := domain.TableKey(t)
		if key == "" {
			continue
		}
		if containsPhrase(text, Fold(key)) || containsPhrase(text, Fold(strings.ReplaceAll(key, "_", " "))) {
			return t, true
		}
	}
	return "", false
}

func (m *Matcher) signals(message string, schema domain.SchemaContext) signals {
	text := Fold(message)
	s := signals{
		chart:     containsAny(text, m.chart),
		aggregate: containsAny(text, m.aggregate),
		data:      containsAny(text, m.data),
		schema:    containsAny(text, m.schema),
	}
	if !s.data {
		s.data = mentionsSchema(text, schema)
	}
	return s
}

type signals struct {
	chart, aggregate, data, schema bool
}

func mentionsSchema(text string, schema domain.SchemaContext) bool {
	for key, t := range schema {
		if containsPhrase(text, Fold(key)) {
			return true
		}
		for _, c := range t.Columns {
			name := Fold(strings.ReplaceAll(c.Name, "_", " "))
			if len(name) > 2 && containsPhrase(text, name) {
				return true
			}
		}
	}
	return false
}

var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases s, strips accents and reduces punctuation to single spaces,
// padding the result so phrases can be matched on word boundaries.
func Fold(s string) string {
	stripped, _, err := transform.String(foldTransformer, s)
	if err != nil {
		stripped = s
	}
	var b strings.Builder
	b.Grow(len(stripped) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(stripped) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

func foldAll(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if f := strings.TrimSpace(Fold(w)); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func containsPhrase(folded, phrase string) bool {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return false
	}
	return strings.Contains(folded, " "+phrase+" ")
}

func containsAny(folded string, phrases []string) bool {
	for _, p := range phrases {
		if containsPhrase(folded, p) {
			return true
		}
	}
	return false
}
