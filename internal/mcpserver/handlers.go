package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *ControlPlaneClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *ControlPlaneClient) *Handlers {
	return &Handlers{client: client}
}

// HandleEvaluatePayment checks a prospective payment against policy without recording it.
func (h *Handlers) HandleEvaluatePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recipient := req.GetString("recipient", "")
	if recipient == "" {
		return mcp.NewToolResultError("recipient is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	currency := req.GetString("currency", "")
	protocol := req.GetString("protocol", "")

	raw, err := h.client.EvaluatePayment(ctx, recipient, amount, currency, protocol)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to evaluate payment: %v", err)), nil
	}

	text, err := formatDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetSpend returns the agent's current budget spend.
func (h *Handlers) HandleGetSpend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	window := req.GetString("window", "")

	raw, err := h.client.GetSpend(ctx, window)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get spend: %v", err)), nil
	}

	text, err := formatSpend(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse spend: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListAlerts lists recently fired alerts for the agent.
func (h *Handlers) HandleListAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	severity := req.GetString("severity", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListAlerts(ctx, severity, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list alerts: %v", err)), nil
	}

	text, err := formatAlertList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse alerts: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleFileDispute opens a dispute against a settled transaction.
func (h *Handlers) HandleFileDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	transactionID := req.GetString("transaction_id", "")
	if transactionID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.FileDispute(ctx, transactionID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to file dispute: %v", err)), nil
	}

	disputeID := getString(mustMap(raw), "id", "disputeId")
	return mcp.NewToolResultText(fmt.Sprintf(
		"Dispute filed for transaction %s.\n"+
			"Dispute ID: %s\n"+
			"Reason: %s\n"+
			"Status: open — awaiting resolution.",
		transactionID, disputeID, reason)), nil
}

// HandleBreakerStatus reports the Circuit Breaker's current state for a facilitator key.
func (h *Handlers) HandleBreakerStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	facilitatorKey := req.GetString("facilitator_key", "")
	if facilitatorKey == "" {
		return mcp.NewToolResultError("facilitator_key is required"), nil
	}

	raw, err := h.client.BreakerStatus(ctx, facilitatorKey)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get breaker status: %v", err)), nil
	}

	text, err := formatBreakerStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse breaker status: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func mustMap(raw json.RawMessage) map[string]any {
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}

func formatDecision(raw json.RawMessage) (string, error) {
	m := mustMap(raw)
	if m == nil {
		return "", fmt.Errorf("unexpected decision response format")
	}

	allowed := false
	if v, ok := m["allowed"].(bool); ok {
		allowed = v
	}

	var sb strings.Builder
	if allowed {
		sb.WriteString("Payment would be ALLOWED.\n")
	} else {
		sb.WriteString("Payment would be DENIED.\n")
	}
	if reason := getString(m, "reason"); reason != "" {
		sb.WriteString(fmt.Sprintf("Reason: %s\n", reason))
	}
	if action := getString(m, "action"); action != "" {
		sb.WriteString(fmt.Sprintf("Action: %s\n", action))
	}
	return sb.String(), nil
}

func formatSpend(raw json.RawMessage) (string, error) {
	var resp struct {
		Budgets []map[string]any `json:"budgets"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Budgets) == 0 {
		return "No budgets configured for this agent.", nil
	}

	var sb strings.Builder
	sb.WriteString("Current spend:\n")
	for _, b := range resp.Budgets {
		window := getString(b, "window")
		spent := getString(b, "spent")
		limit := getString(b, "limit")
		currency := getString(b, "currency")
		sb.WriteString(fmt.Sprintf("  %s: %s / %s %s\n", window, spent, limit, currency))
	}
	return sb.String(), nil
}

func formatAlertList(raw json.RawMessage) (string, error) {
	var resp struct {
		Alerts []map[string]any `json:"alerts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected alerts response format")
	}

	if len(resp.Alerts) == 0 {
		return "No alerts found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d alert(s):\n\n", len(resp.Alerts)))
	for i, a := range resp.Alerts {
		ruleType := getString(a, "type")
		severity := getString(a, "severity")
		message := getString(a, "message")
		sb.WriteString(fmt.Sprintf("%d. [%s] %s\n", i+1, severity, ruleType))
		if message != "" {
			sb.WriteString(fmt.Sprintf("   %s\n", message))
		}
	}
	return sb.String(), nil
}

func formatBreakerStatus(raw json.RawMessage) (string, error) {
	m := mustMap(raw)
	if m == nil {
		return "", fmt.Errorf("unexpected breaker status response format")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Breaker state: %s\n", getString(m, "state")))
	if v, ok := getFloat(m, "failures"); ok {
		sb.WriteString(fmt.Sprintf("Consecutive failures: %.0f\n", v))
	}
	if v, ok := getFloat(m, "remainingMs"); ok && v > 0 {
		sb.WriteString(fmt.Sprintf("Recovery in: %.0fms\n", v))
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
