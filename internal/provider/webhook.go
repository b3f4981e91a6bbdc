package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/config"
	"github.com/marcus-qen/actiongate/internal/gwerrors"
)

// webhookProvider posts the action payload as JSON to an HTTP endpoint.
// Also backs the "sms" provider type: no SMS vendor SDK appears anywhere
// in the corpus, so SMS is dispatched as a generic HTTP webhook call to
// whatever gateway endpoint the operator configures, grounded on the
// teacher's WebhookChannel.
type webhookProvider struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

func newWebhookProvider(c config.ProviderConfig) (Provider, error) {
	if c.Endpoint == "" {
		return nil, fmt.Errorf("webhook provider requires endpoint")
	}
	timeout := c.TimeoutSeconds
	if timeout <= 0 {
		timeout = 10
	}
	return &webhookProvider{
		name:    c.Name,
		url:     c.Endpoint,
		headers: c.CustomHeaders,
		client:  &http.Client{Timeout: time.Duration(timeout) * time.Second},
	}, nil
}

func (p *webhookProvider) Name() string { return p.name }

func (p *webhookProvider) Execute(ctx context.Context, a action.Action) (map[string]any, error) {
	body, err := json.Marshal(map[string]any{
		"action_id":   a.ID,
		"action_type": a.ActionType,
		"tenant":      a.Tenant,
		"namespace":   a.Namespace,
		"payload":     a.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &gwerrors.ProviderError{Provider: p.name, Retryable: true, Code: "transport", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook %s returned %d: %s", p.url, resp.StatusCode, string(respBody))
		return nil, &gwerrors.ProviderError{
			Provider:  p.name,
			Retryable: httpRetryable(resp.StatusCode),
			Code:      fmt.Sprintf("http_%d", resp.StatusCode),
			Err:       err,
		}
	}
	return map[string]any{"status_code": resp.StatusCode, "body": string(respBody)}, nil
}
