package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/delfos/internal/domain"
	"github.com/ashureev/delfos/internal/llm"
)

// Classifier maps a user message to an intent.
type Classifier interface {
	Classify(ctx context.Context, message string, schema domain.SchemaContext) (domain.Intent, error)
}

// KeywordClassifier classifies messages from vocabulary signals alone. It is
// deterministic and never fails.
type KeywordClassifier struct {
	matcher *Matcher
}

// NewKeywordClassifier creates a classifier over m.
func NewKeywordClassifier(m *Matcher) *KeywordClassifier {
	return &KeywordClassifier{matcher: m}
}

func (c *KeywordClassifier) Classify(_ context.Context, message string, schema domain.SchemaContext) (domain.Intent, error) {
	return decide(c.matcher.signals(message, schema)), nil
}

// decide breaks ties toward data_query when the message carries quantitative
// language and toward conversational otherwise.
func decide(s signals) domain.Intent {
	switch {
	case s.schema && !s.aggregate && !s.chart:
		return domain.IntentSchemaInspection
	case s.chart && !s.aggregate:
		return domain.IntentChartRequest
	case s.aggregate || s.data:
		return domain.IntentDataQuery
	default:
		return domain.IntentConversational
	}
}

// LLMClassifier asks the model for the intent label.
type LLMClassifier struct {
	model  llm.Completer
	logger *slog.Logger
}

// NewLLMClassifier creates a model-backed classifier.
func NewLLMClassifier(model llm.Completer, logger *slog.Logger) *LLMClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClassifier{model: model, logger: logger}
}

func (c *LLMClassifier) Classify(ctx context.Context, message string, schema domain.SchemaContext) (domain.Intent, error) {
	out, err := c.model.Complete(llm.WithOperation(ctx, "classification"), []llm.Message{
		{Role: llm.RoleSystem, Content: classifierSystemPrompt},
		{Role: llm.RoleUser, Content: classifierUserPrompt(message, schema)},
	})
	if err != nil {
		return "", fmt.Errorf("classify: %w", err)
	}
	intent, err := parseIntentLabel(out)
	if err != nil {
		c.logger.Warn("unparseable intent label", "output", truncate(out, 200))
		return "", err
	}
	return intent, nil
}

// parseIntentLabel accepts {"intent": "..."} or a bare label.
func parseIntentLabel(out string) (domain.Intent, error) {
	var parsed struct {
		Intent string `json:"intent"`
	}
	if err := llm.DecodeJSON(out, &parsed); err == nil && parsed.Intent != "" {
		return domain.ParseIntent(strings.ToLower(strings.TrimSpace(parsed.Intent)))
	}
	label := strings.ToLower(strings.Trim(strings.TrimSpace(out), "`\"'. "))
	for _, intent := range domain.Intents {
		if label == string(intent) {
			return intent, nil
		}
	}
	for _, intent := range domain.Intents {
		if strings.Contains(label, string(intent)) {
			return intent, nil
		}
	}
	return "", fmt.Errorf("unknown intent label %q", truncate(out, 80))
}

// FallbackClassifier tries primary and falls back to secondary on error.
type FallbackClassifier struct {
	Primary   Classifier
	Secondary Classifier
	Logger    *slog.Logger
}

func (c *FallbackClassifier) Classify(ctx context.Context, message string, schema domain.SchemaContext) (domain.Intent, error) {
	intent, err := c.Primary.Classify(ctx, message, schema)
	if err == nil {
		return intent, nil
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("primary classifier failed, using fallback", "error", err)
	return c.Secondary.Classify(ctx, message, schema)
}
