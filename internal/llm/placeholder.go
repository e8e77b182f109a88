package llm

import (
	"context"
	"fmt"
)

// Placeholder is a canned provider for running the server without model
// credentials. It never produces SQL, so data questions end in a generation
// failure.
type Placeholder struct{}

var _ Completer = (*Placeholder)(nil)

func NewPlaceholder() *Placeholder {
	return &Placeholder{}
}

func (p *Placeholder) Name() string {
	return "placeholder"
}

func (p *Placeholder) Complete(ctx context.Context, messages []Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return "", errNoMessages
	}
	last := messages[len(messages)-1].Content
	return fmt.Sprintf("[placeholder model] You asked: %q. Configure LLM_PROVIDER to get real answers.", truncate(last, 200)), nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
