package analysis

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Gemini calls the Gemini API through the genai SDK.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, model, apiKey string) (*Gemini, error) {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Complete(ctx context.Context, prompt string) (Reply, error) {
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}
	result, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), config)
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		errStr := strings.ToLower(err.Error())
		for _, marker := range []string{"429", "rate limit", "exhausted", "500", "503", "unavailable", "deadline"} {
			if strings.Contains(errStr, marker) {
				return Reply{}, transient(fmt.Errorf("call gemini: %w", err))
			}
		}
		return Reply{}, fmt.Errorf("call gemini: %w", err)
	}

	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil ||
		len(result.Candidates[0].Content.Parts) == 0 {
		return Reply{}, fmt.Errorf("gemini: no content returned")
	}
	var text strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		if part != nil {
			text.WriteString(part.Text)
		}
	}
	model := result.ModelVersion
	if model == "" {
		model = g.model
	}
	return Reply{Text: text.String(), Model: model}, nil
}
