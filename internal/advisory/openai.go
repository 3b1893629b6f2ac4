package advisory

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dfetterman/taxjimmy/internal/models"
)

// OpenAIProvider queries the knowledge base through an OpenAI-compatible
// chat endpoint.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates a provider. baseURL is optional and allows
// pointing at a compatible gateway in front of the knowledge base.
func NewOpenAIProvider(apiKey, baseURL, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (p *OpenAIProvider) QueryKnowledgeBase(ctx context.Context, knowledgeBaseID, prompt string) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf("Answer strictly from knowledge base %s.", knowledgeBaseID),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
	})
	if err != nil {
		return "", models.WrapError(models.ErrAdvisoryService, "openai chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return "", models.WrapError(models.ErrAdvisoryService, "openai chat completion",
			fmt.Errorf("empty choices in response"))
	}
	return resp.Choices[0].Message.Content, nil
}
