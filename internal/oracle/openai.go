package oracle

import (
	"context"
	"errors"

	"github.com/sells-group/roleplay-eval/internal/prompt"
	"github.com/sells-group/roleplay-eval/internal/resilience"
	"github.com/sells-group/roleplay-eval/pkg/openai"
)

type openaiBackend struct {
	client   openai.Client
	settings Settings
}

// NewOpenAI returns an Oracle backed by OpenAI Chat Completions in JSON mode.
func NewOpenAI(c openai.Client, s Settings, guard *resilience.Guard) Oracle {
	return newClient(&openaiBackend{client: c, settings: s}, s.Timeout, guard)
}

func (b *openaiBackend) name() string { return "openai" }

func (b *openaiBackend) complete(ctx context.Context, p prompt.Payload) (*completion, error) {
	temp := b.settings.Temperature
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatRequest{
		Model:       b.settings.Model,
		System:      p.System,
		User:        p.User,
		MaxTokens:   b.settings.MaxTokens,
		Temperature: &temp,
		JSONMode:    true,
	})
	if err != nil {
		return nil, err
	}

	modelID := resp.Model
	if modelID == "" {
		modelID = b.settings.Model
	}
	resp.Usage.LogCost(modelID, "score")

	return &completion{
		Text:  resp.Content,
		Model: modelID,
		Usage: Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}, nil
}

func (b *openaiBackend) statusCode(err error) (int, bool) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}
