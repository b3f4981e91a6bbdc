package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/slack-go/slack"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/config"
	"github.com/marcus-qen/actiongate/internal/gwerrors"
)

// slackWebhookProvider posts to a Slack incoming webhook URL, grounded
// on the teacher's SlackChannel.
type slackWebhookProvider struct {
	name       string
	webhookURL string
	channel    string
	client     *http.Client
}

func newSlackWebhookProvider(c config.ProviderConfig) (Provider, error) {
	if c.Endpoint == "" {
		return nil, fmt.Errorf("slack_webhook provider requires endpoint")
	}
	return &slackWebhookProvider{
		name:       c.Name,
		webhookURL: c.Endpoint,
		channel:    c.Channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (p *slackWebhookProvider) Name() string { return p.name }

func (p *slackWebhookProvider) Execute(ctx context.Context, a action.Action) (map[string]any, error) {
	text, _ := a.Payload["text"].(string)
	if text == "" {
		text = fmt.Sprintf("actiongate: %s", a.ActionType)
	}
	payload := map[string]any{"text": text}
	if p.channel != "" {
		payload["channel"] = p.channel
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.webhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build slack webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &gwerrors.ProviderError{Provider: p.name, Retryable: true, Code: "transport", Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, string(respBody))
		return nil, &gwerrors.ProviderError{
			Provider:  p.name,
			Retryable: httpRetryable(resp.StatusCode),
			Code:      fmt.Sprintf("http_%d", resp.StatusCode),
			Err:       err,
		}
	}
	return map[string]any{"status": "sent"}, nil
}

// slackBotProvider posts via the full Slack Bot API, used when richer
// formatting or a channel lookup by name (rather than a fixed webhook
// URL) is required.
type slackBotProvider struct {
	name    string
	client  *slack.Client
	channel string
}

func newSlackBotProvider(c config.ProviderConfig) (Provider, error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("slack_bot provider requires api_key (bot token)")
	}
	if c.Channel == "" {
		return nil, fmt.Errorf("slack_bot provider requires channel")
	}
	return &slackBotProvider{
		name:    c.Name,
		client:  slack.New(c.APIKey),
		channel: c.Channel,
	}, nil
}

func (p *slackBotProvider) Name() string { return p.name }

func (p *slackBotProvider) Execute(ctx context.Context, a action.Action) (map[string]any, error) {
	text, _ := a.Payload["text"].(string)
	if text == "" {
		text = fmt.Sprintf("actiongate: %s", a.ActionType)
	}
	channelID, timestamp, err := p.client.PostMessageContext(ctx, p.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return nil, &gwerrors.ProviderError{
			Provider:  p.name,
			Retryable: slackRetryable(err),
			Code:      "slack_api",
			Err:       err,
		}
	}
	return map[string]any{"channel": channelID, "ts": timestamp}, nil
}

// slackRetryable classifies a slack-go client error: rate limiting and
// 5xx responses are retryable, everything else (bad channel, invalid
// auth, malformed request) is terminal.
func slackRetryable(err error) bool {
	var rateLimited *slack.RateLimitedError
	if errors.As(err, &rateLimited) {
		return true
	}
	var statusErr slack.StatusCodeError
	if errors.As(err, &statusErr) {
		return httpRetryable(int(statusErr.Code))
	}
	return true // transport-level failure (no structured response at all)
}

// telegramProvider sends via the Telegram Bot API, grounded on the
// teacher's TelegramChannel.
type telegramProvider struct {
	name     string
	botToken string
	chatID   string
	client   *http.Client
}

func newTelegramProvider(c config.ProviderConfig) (Provider, error) {
	if c.APIKey == "" || c.ChatID == "" {
		return nil, fmt.Errorf("telegram provider requires api_key (bot token) and chat_id")
	}
	return &telegramProvider{
		name:     c.Name,
		botToken: c.APIKey,
		chatID:   c.ChatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (p *telegramProvider) Name() string { return p.name }

func (p *telegramProvider) Execute(ctx context.Context, a action.Action) (map[string]any, error) {
	text, _ := a.Payload["text"].(string)
	if text == "" {
		text = fmt.Sprintf("actiongate: %s", a.ActionType)
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", p.botToken)
	body, _ := json.Marshal(map[string]any{"chat_id": p.chatID, "text": text})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &gwerrors.ProviderError{Provider: p.name, Retryable: true, Code: "transport", Err: err}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("telegram returned %d: %s", resp.StatusCode, string(respBody))
		return nil, &gwerrors.ProviderError{
			Provider:  p.name,
			Retryable: httpRetryable(resp.StatusCode),
			Code:      fmt.Sprintf("http_%d", resp.StatusCode),
			Err:       err,
		}
	}
	return map[string]any{"status": "sent"}, nil
}
