package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/config"
	"github.com/marcus-qen/actiongate/internal/gwerrors"
)

// llmProvider dispatches an action as a completion request against the
// Anthropic Messages API, replacing the teacher's hand-rolled net/http
// Anthropic client with the real SDK. It only sends completions; it is
// not an `llm_guardrail` evaluator, which is registered separately with
// the pipeline.
type llmProvider struct {
	name   string
	client anthropic.Client
	model  string
}

func newLLMProvider(c config.ProviderConfig) (Provider, error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("llm provider requires api_key")
	}
	model := c.Model
	if model == "" {
		model = string(anthropic.ModelClaude3_5HaikuLatest)
	}
	opts := []option.RequestOption{option.WithAPIKey(c.APIKey)}
	if c.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(c.Endpoint))
	}
	return &llmProvider{
		name:   c.Name,
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

func (p *llmProvider) Name() string { return p.name }

func (p *llmProvider) Execute(ctx context.Context, a action.Action) (map[string]any, error) {
	prompt, _ := a.Payload["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("llm provider requires payload.prompt")
	}

	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, &gwerrors.ProviderError{
			Provider:  p.name,
			Retryable: anthropicRetryable(err),
			Code:      "anthropic_api",
			Err:       fmt.Errorf("anthropic completion: %w", err),
		}
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return map[string]any{
		"text":          text,
		"stop_reason":   string(message.StopReason),
		"input_tokens":  message.Usage.InputTokens,
		"output_tokens": message.Usage.OutputTokens,
	}, nil
}

// anthropicRetryable classifies a stainless-generated anthropic.Error
// by HTTP status: 429 (rate limited) and 5xx are retryable, 4xx
// otherwise (bad request, auth, not found) is terminal. A transport
// error with no structured API response is treated as retryable.
func anthropicRetryable(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return httpRetryable(apiErr.StatusCode)
	}
	return true
}
