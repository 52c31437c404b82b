package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the control plane's HTTP API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // API key, e.g. "sk_..."
	AgentID string // Calling agent's id
}

// ControlPlaneClient is a pure HTTP client for the control plane API.
type ControlPlaneClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewControlPlaneClient creates a new client for the control plane API.
func NewControlPlaneClient(cfg Config) *ControlPlaneClient {
	return &ControlPlaneClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the control plane.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the control plane and returns the response body.
func (c *ControlPlaneClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// EvaluatePayment asks the control plane whether a prospective payment would
// be allowed under current policy, without recording it.
func (c *ControlPlaneClient) EvaluatePayment(ctx context.Context, recipient, amount, currency, protocol string) (json.RawMessage, error) {
	body := map[string]string{
		"agentId":   c.cfg.AgentID,
		"recipient": recipient,
		"amount":    amount,
		"currency":  currency,
		"protocol":  protocol,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/policy/evaluate", nil, body)
}

// GetSpend returns the agent's current spend against its configured budgets.
func (c *ControlPlaneClient) GetSpend(ctx context.Context, window string) (json.RawMessage, error) {
	q := url.Values{}
	if window != "" {
		q.Set("window", window)
	}
	path := "/v1/agents/" + c.cfg.AgentID + "/spend"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// ListAlerts lists recently fired alerts, optionally filtered by severity.
func (c *ControlPlaneClient) ListAlerts(ctx context.Context, severity string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("agentId", c.cfg.AgentID)
	if severity != "" {
		q.Set("severity", severity)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/alerts", q, nil)
}

// FileDispute opens a dispute against a settled transaction.
func (c *ControlPlaneClient) FileDispute(ctx context.Context, transactionID, reason string) (json.RawMessage, error) {
	body := map[string]string{
		"transactionId": transactionID,
		"agentId":       c.cfg.AgentID,
		"reason":        reason,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes", nil, body)
}

// BreakerStatus returns the Circuit Breaker's current state for a facilitator key.
func (c *ControlPlaneClient) BreakerStatus(ctx context.Context, facilitatorKey string) (json.RawMessage, error) {
	path := "/v1/breaker/" + facilitatorKey
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}
