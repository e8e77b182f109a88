package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"
)

// Ollama implements Completer for a local Ollama server.
type Ollama struct {
	client *ollama.Client
	model  string
}

var _ Completer = (*Ollama)(nil)

// NewOllama creates an Ollama provider.
func NewOllama(cfg Config) (*Ollama, error) {
	host := cfg.OllamaHost
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: %w", host, err)
	}
	model := cfg.Model
	if model == "" {
		model = "llama3.1"
	}
	httpClient := &http.Client{Timeout: orDefault(cfg.Timeout, 120*time.Second)}
	return &Ollama{client: ollama.NewClient(u, httpClient), model: model}, nil
}

func (o *Ollama) Name() string {
	return fmt.Sprintf("ollama (%s)", o.model)
}

func (o *Ollama) Complete(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", errNoMessages
	}
	apiMsgs := make([]ollama.Message, 0, len(messages))
	for _, m := range messages {
		apiMsgs = append(apiMsgs, ollama.Message{Role: m.Role, Content: m.Content})
	}

	stream := false
	req := &ollama.ChatRequest{
		Model:    o.model,
		Messages: apiMsgs,
		Stream:   &stream,
		Options:  map[string]any{"temperature": 0},
	}

	var text strings.Builder
	if err := o.client.Chat(ctx, req, func(resp ollama.ChatResponse) error {
		text.WriteString(resp.Message.Content)
		return nil
	}); err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("ollama: %w", errEmptyResponse)
	}
	return text.String(), nil
}
