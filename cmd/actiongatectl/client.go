package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type APIClient struct {
	server string
	apiKey string
	http   *http.Client
}

type APIError struct {
	Error string `json:"error"`
}

type ruleListResponse struct {
	Rules []ruleView `json:"rules"`
}

// ruleView mirrors action.Rule's JSON shape without importing the
// gateway module's internal packages into the CLI binary.
type ruleView struct {
	Name        string `json:"name"`
	Priority    int    `json:"priority"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

type auditQueryResponse struct {
	Records []json.RawMessage `json:"records"`
	Total   int               `json:"total"`
}

func NewAPIClient(server, apiKey string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = "http://localhost:8080"
	}
	return &APIClient{
		server: server,
		apiKey: apiKey,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *APIClient) ListRules(ctx context.Context) ([]ruleView, error) {
	var out ruleListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/rules", nil, &out); err != nil {
		return nil, err
	}
	return out.Rules, nil
}

func (c *APIClient) RegisterRule(ctx context.Context, rule json.RawMessage) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/rules", rule, nil)
}

func (c *APIClient) ReloadRules(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/rules/reload", nil, nil)
}

func (c *APIClient) SetRuleEnabled(ctx context.Context, name string, enabled bool) error {
	path := fmt.Sprintf("/api/v1/rules/%s/enabled", name)
	return c.doJSON(ctx, http.MethodPost, path, map[string]bool{"enabled": enabled}, nil)
}

func (c *APIClient) QueryAudit(ctx context.Context, query string) (*auditQueryResponse, error) {
	path := "/api/v1/audit"
	if query != "" {
		path += "?" + query
	}
	var out auditQueryResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) DecideApproval(ctx context.Context, actionID string, approve bool, decidedBy, reason, confirmation string) (json.RawMessage, error) {
	path := "/api/v1/approvals/" + actionID + "/decide"
	payload := map[string]any{
		"approve":      approve,
		"decided_by":   decidedBy,
		"reason":       reason,
		"confirmation": confirmation,
	}
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case json.RawMessage:
		reader = bytes.NewReader(v)
	default:
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if err := json.Unmarshal(resBody, &apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(resBody)))
	}

	if out == nil || len(resBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
