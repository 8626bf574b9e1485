package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OpenAI calls an OpenAI-compatible chat completions endpoint in JSON mode.
type OpenAI struct {
	client  *http.Client
	model   string
	apiKey  string
	baseURL string
}

func NewOpenAI(model, apiKey, baseURL string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAI{
		client:  &http.Client{Timeout: timeout},
		model:   model,
		apiKey:  apiKey,
		baseURL: baseURL,
	}
}

func (o *OpenAI) Complete(ctx context.Context, prompt string) (Reply, error) {
	payload := map[string]any{
		"model": o.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("create openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, ctx.Err()
		}
		return Reply{}, transient(fmt.Errorf("call openai: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp map[string]any
		json.NewDecoder(resp.Body).Decode(&errResp)
		err := fmt.Errorf("openai status %d: %v", resp.StatusCode, errResp)
		if transientStatus(resp.StatusCode) {
			return Reply{}, transient(err)
		}
		return Reply{}, err
	}

	var result struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Reply{}, fmt.Errorf("decode openai response: %w", err)
	}

	if len(result.Choices) == 0 {
		return Reply{}, fmt.Errorf("openai: no choices returned")
	}
	model := result.Model
	if model == "" {
		model = o.model
	}
	return Reply{Text: result.Choices[0].Message.Content, Model: model}, nil
}
