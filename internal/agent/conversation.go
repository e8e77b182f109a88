package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/delfos/internal/domain"
	"github.com/ashureev/delfos/internal/llm"
)

// Conversationalist answers messages that need no data access.
type Conversationalist struct {
	model        llm.Completer
	historyTurns int
	logger       *slog.Logger
}

// NewConversationalist creates a Conversationalist that includes up to
// historyTurns previous turns in each prompt.
func NewConversationalist(model llm.Completer, historyTurns int, logger *slog.Logger) *Conversationalist {
	if logger == nil {
		logger = slog.Default()
	}
	if historyTurns < 0 {
		historyTurns = 0
	}
	return &Conversationalist{model: model, historyTurns: historyTurns, logger: logger}
}

// Reply makes exactly one model call. Tables, when known, are mentioned so
// the model can point the user at them.
func (c *Conversationalist) Reply(ctx context.Context, message string, history []domain.Turn, tables []string) (string, error) {
	if len(history) > c.historyTurns {
		history = history[len(history)-c.historyTurns:]
	}

	system := conversationalSystemPrompt
	if len(tables) > 0 {
		system += "\nAvailable tables: " + strings.Join(tables, ", ")
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, t := range history {
		role := llm.RoleUser
		if t.Role == domain.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Message})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: message})

	out, err := c.model.Complete(llm.WithOperation(ctx, "conversation"), msgs)
	if err != nil {
		return "", domain.NewError(domain.ErrGenerationFailed, fmt.Errorf("conversational reply: %w", err))
	}
	return strings.TrimSpace(out), nil
}
