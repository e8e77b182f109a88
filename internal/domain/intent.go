package domain

import "fmt"

// Intent is the classification of a user message. It decides which agents run.
type Intent string

const (
	IntentDataQuery        Intent = "data_query"
	IntentChartRequest     Intent = "chart_request"
	IntentSchemaInspection Intent = "schema_inspection"
	IntentConversational   Intent = "conversational"
)

// Intents lists every intent in a stable order.
var Intents = []Intent{
	IntentDataQuery,
	IntentChartRequest,
	IntentSchemaInspection,
	IntentConversational,
}

// Valid reports whether i is one of the known intents.
func (i Intent) Valid() bool {
	switch i {
	case IntentDataQuery, IntentChartRequest, IntentSchemaInspection, IntentConversational:
		return true
	}
	return false
}

// ParseIntent converts a label into an Intent.
func ParseIntent(s string) (Intent, error) {
	i := Intent(s)
	if !i.Valid() {
		return "", fmt.Errorf("unknown intent %q", s)
	}
	return i, nil
}
