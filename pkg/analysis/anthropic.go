package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic calls the Messages API through the official SDK.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

func NewAnthropic(model, apiKey string, timeout time.Duration) *Anthropic {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(timeout),
		// retries are owned by the pipeline
		option.WithMaxRetries(0),
	)
	return &Anthropic{client: &client, model: model}
}

func (a *Anthropic) Complete(ctx context.Context, prompt string) (Reply, error) {
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && transientStatus(apiErr.StatusCode) {
			return Reply{}, transient(fmt.Errorf("call anthropic: %w", err))
		}
		if errors.As(err, &apiErr) || ctx.Err() != nil {
			return Reply{}, fmt.Errorf("call anthropic: %w", err)
		}
		// transport failure
		return Reply{}, transient(fmt.Errorf("call anthropic: %w", err))
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return Reply{}, fmt.Errorf("anthropic: no text content returned")
	}
	model := string(message.Model)
	if model == "" {
		model = a.model
	}
	return Reply{Text: text, Model: model}, nil
}
