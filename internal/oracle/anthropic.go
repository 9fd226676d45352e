package oracle

import (
	"context"
	"errors"

	"github.com/sells-group/roleplay-eval/internal/prompt"
	"github.com/sells-group/roleplay-eval/internal/resilience"
	"github.com/sells-group/roleplay-eval/pkg/anthropic"
)

type anthropicBackend struct {
	client   anthropic.Client
	settings Settings
}

// NewAnthropic returns an Oracle backed by the Anthropic Messages API.
func NewAnthropic(c anthropic.Client, s Settings, guard *resilience.Guard) Oracle {
	return newClient(&anthropicBackend{client: c, settings: s}, s.Timeout, guard)
}

func (b *anthropicBackend) name() string { return "anthropic" }

func (b *anthropicBackend) complete(ctx context.Context, p prompt.Payload) (*completion, error) {
	temp := b.settings.Temperature
	resp, err := b.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       b.settings.Model,
		MaxTokens:   b.settings.MaxTokens,
		System:      anthropic.BuildCachedSystemBlocks(p.System, ""),
		Messages:    []anthropic.Message{{Role: "user", Content: p.User}},
		Temperature: &temp,
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
		Text:  resp.Text(),
		Model: modelID,
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

func (b *anthropicBackend) statusCode(err error) (int, bool) {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}
