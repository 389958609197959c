package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// ExecutorClient submits remediation actions to the cluster-action service.
// Implements engine.Executor. The service owns execution; an accepted
// dispatch means accepted for execution, not completed.
type ExecutorClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewExecutorClient constructs an action-service client.
func NewExecutorClient(baseURL, apiKey string, timeout time.Duration) *ExecutorClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ExecutorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Dispatch submits one action and reports the service's verdict.
func (c *ExecutorClient) Dispatch(ctx context.Context, action models.ActionDescriptor) (models.DispatchAck, error) {
	if c == nil {
		return models.DispatchAck{}, fmt.Errorf("executor client not initialised")
	}
	if c.baseURL == "" {
		return models.DispatchAck{}, fmt.Errorf("action-service base URL not configured")
	}

	payload := map[string]any{
		"type":   string(action.Type),
		"target": action.Target,
		"params": action.Params,
		"risk":   string(action.Risk),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return models.DispatchAck{}, fmt.Errorf("marshal action: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/actions", bytes.NewReader(body))
	if err != nil {
		return models.DispatchAck{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.DispatchAck{}, fmt.Errorf("action-service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return models.DispatchAck{}, fmt.Errorf("action-service returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var response struct {
		Accepted bool   `json:"accepted"`
		Detail   string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return models.DispatchAck{}, fmt.Errorf("decode response: %w", err)
	}
	return models.DispatchAck{Accepted: response.Accepted, Detail: response.Detail}, nil
}

// postJSON is the shared request helper for the gateway clients.
func postJSON(ctx context.Context, client *http.Client, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
