package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAI implements Completer for the OpenAI chat API, Azure OpenAI
// deployments and OpenAI-compatible servers.
type OpenAI struct {
	client *openai.Client
	model  string
	label  string
}

var _ Completer = (*OpenAI)(nil)

// NewOpenAI creates an OpenAI provider. A non-empty AzureEndpoint selects
// Azure OpenAI with AzureDeployment as the deployment name.
func NewOpenAI(cfg Config) *OpenAI {
	model := cfg.Model
	var occ openai.ClientConfig
	label := "openai"
	if cfg.AzureEndpoint != "" {
		occ = openai.DefaultAzureConfig(cfg.OpenAIAPIKey, cfg.AzureEndpoint)
		if cfg.AzureAPIVersion != "" {
			occ.APIVersion = cfg.AzureAPIVersion
		}
		deployment := cfg.AzureDeployment
		occ.AzureModelMapperFunc = func(string) string { return deployment }
		if model == "" {
			model = deployment
		}
		label = "azure"
	} else {
		occ = openai.DefaultConfig(cfg.OpenAIAPIKey)
		if cfg.OpenAIBaseURL != "" {
			occ.BaseURL = cfg.OpenAIBaseURL
		}
	}
	if model == "" {
		model = "gpt-4o"
	}
	occ.HTTPClient = &http.Client{Timeout: orDefault(cfg.Timeout, 60*time.Second)}

	return &OpenAI{
		client: openai.NewClientWithConfig(occ),
		model:  model,
		label:  label,
	}
}

func (o *OpenAI) Name() string {
	return fmt.Sprintf("%s (%s)", o.label, o.model)
}

func (o *OpenAI) Complete(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", errNoMessages
	}
	apiMsgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		apiMsgs = append(apiMsgs, openai.ChatCompletionMessage{
			Role:    openAIRole(m.Role),
			Content: m.Content,
		})
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: apiMsgs,
	})
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("openai: %w", errEmptyResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

func openAIRole(role string) string {
	switch role {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
