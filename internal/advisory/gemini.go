package advisory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dfetterman/taxjimmy/internal/models"
)

// GeminiProvider queries the knowledge base through Google Gemini.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a provider. The caller owns closing it.
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) QueryKnowledgeBase(ctx context.Context, knowledgeBaseID, prompt string) (string, error) {
	model := p.client.GenerativeModel(p.model)
	model.SetTemperature(0)

	full := fmt.Sprintf("Answer strictly from knowledge base %s.\n\n%s", knowledgeBaseID, prompt)
	resp, err := model.GenerateContent(ctx, genai.Text(full))
	if err != nil {
		return "", models.WrapError(models.ErrAdvisoryService, "gemini generate content", err)
	}

	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
	}
	if b.Len() == 0 {
		return "", models.WrapError(models.ErrAdvisoryService, "gemini generate content",
			fmt.Errorf("no text parts in response"))
	}
	return b.String(), nil
}

// Close releases the underlying client.
func (p *GeminiProvider) Close() error {
	return p.client.Close()
}
