// Package llm provides the language model capability used by the agents.
//
// Providers are interchangeable behind Completer so agents never depend on a
// particular backend. All calls accept a context for cancellation.
package llm

import (
	"context"
	"errors"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a chat message.
type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Completer is the interface all model backends implement.
type Completer interface {
	// Complete sends a conversation and returns the assistant's reply.
	Complete(ctx context.Context, messages []Message) (string, error)

	// Name returns the provider name for logs and metrics.
	Name() string
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, messages []Message) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

func (f CompleterFunc) Name() string { return "func" }

var (
	errEmptyResponse = errors.New("empty response from model")
	errNoMessages    = errors.New("no messages provided")
)

// Config selects and configures a provider.
type Config struct {
	Provider  string
	Model     string
	Timeout   time.Duration
	MaxTokens int

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AzureEndpoint   string
	AzureDeployment string
	AzureAPIVersion string

	AnthropicAPIKey  string
	AnthropicBaseURL string

	GeminiAPIKey string

	OllamaHost string
}

type operationKey struct{}

// WithOperation labels completions made with ctx, e.g. "sql_generation".
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}

// OperationFrom returns the operation label attached to ctx.
func OperationFrom(ctx context.Context) string {
	op, _ := ctx.Value(operationKey{}).(string)
	if op == "" {
		return "completion"
	}
	return op
}

// splitSystem separates system messages from the conversation.
func splitSystem(messages []Message) (system string, rest []Message) {
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
