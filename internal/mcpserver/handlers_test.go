package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:  ts.URL,
		APIKey:  "sk_test_key",
		AgentID: "agent-1",
	}
	client := NewControlPlaneClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"budgets":[]}`))
	}))
	defer ts.Close()

	client := NewControlPlaneClient(Config{APIURL: ts.URL, APIKey: "sk_secret123", AgentID: "agent-1"})
	_, err := client.GetSpend(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "forbidden",
			"message": "Invalid API key",
		})
	}))
	defer ts.Close()

	client := NewControlPlaneClient(Config{APIURL: ts.URL, APIKey: "bad", AgentID: "agent-1"})
	_, err := client.GetSpend(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "Invalid API key")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewControlPlaneClient(Config{APIURL: ts.URL, APIKey: "k", AgentID: "agent-1"})
	_, err := client.GetSpend(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_EvaluatePayment_SendsExpectedBody(t *testing.T) {
	var gotBody map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/policy/evaluate", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"allowed": true})
	}))
	defer ts.Close()

	client := NewControlPlaneClient(Config{APIURL: ts.URL, APIKey: "k", AgentID: "agent-1"})
	_, err := client.EvaluatePayment(context.Background(), "0xseller", "1.00", "USDC", "x402")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", gotBody["agentId"])
	assert.Equal(t, "0xseller", gotBody["recipient"])
	assert.Equal(t, "x402", gotBody["protocol"])
}

// ============================================================
// HandleEvaluatePayment
// ============================================================

func TestHandleEvaluatePayment_Allowed(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"allowed": true})
	}))
	defer closeFn()

	result, err := h.HandleEvaluatePayment(context.Background(), makeRequest(map[string]any{
		"recipient": "0xseller", "amount": "1.00",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "ALLOWED")
}

func TestHandleEvaluatePayment_Denied(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"allowed": false, "reason": "daily budget exceeded"})
	}))
	defer closeFn()

	result, err := h.HandleEvaluatePayment(context.Background(), makeRequest(map[string]any{
		"recipient": "0xseller", "amount": "1000.00",
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "DENIED")
	assert.Contains(t, text, "daily budget exceeded")
}

func TestHandleEvaluatePayment_MissingRecipient(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach the server")
	}))
	defer closeFn()

	result, err := h.HandleEvaluatePayment(context.Background(), makeRequest(map[string]any{"amount": "1.00"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ============================================================
// HandleGetSpend
// ============================================================

func TestHandleGetSpend_FormatsBudgets(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"budgets": []map[string]any{
				{"window": "daily", "spent": "12.50", "limit": "100.00", "currency": "USDC"},
			},
		})
	}))
	defer closeFn()

	result, err := h.HandleGetSpend(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "daily")
	assert.Contains(t, text, "12.50")
	assert.Contains(t, text, "100.00")
}

func TestHandleGetSpend_NoBudgets(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"budgets": []map[string]any{}})
	}))
	defer closeFn()

	result, err := h.HandleGetSpend(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No budgets configured")
}

// ============================================================
// HandleListAlerts
// ============================================================

func TestHandleListAlerts_FormatsList(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "agent-1", r.URL.Query().Get("agentId"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"alerts": []map[string]any{
				{"type": "large_transaction", "severity": "warning", "message": "large transaction: 500.00 USDC"},
			},
		})
	}))
	defer closeFn()

	result, err := h.HandleListAlerts(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "large_transaction")
	assert.Contains(t, text, "warning")
}

func TestHandleListAlerts_Empty(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"alerts": []map[string]any{}})
	}))
	defer closeFn()

	result, err := h.HandleListAlerts(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No alerts found")
}

// ============================================================
// HandleFileDispute
// ============================================================

func TestHandleFileDispute_Success(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/disputes", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "dsp_abc123"})
	}))
	defer closeFn()

	result, err := h.HandleFileDispute(context.Background(), makeRequest(map[string]any{
		"transaction_id": "ps_xyz", "reason": "service never delivered",
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "dsp_abc123")
	assert.Contains(t, text, "ps_xyz")
}

func TestHandleFileDispute_MissingReason(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach the server")
	}))
	defer closeFn()

	result, err := h.HandleFileDispute(context.Background(), makeRequest(map[string]any{"transaction_id": "ps_xyz"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ============================================================
// HandleBreakerStatus
// ============================================================

func TestHandleBreakerStatus_Open(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/breaker/coinbase:settle", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"state": "open", "failures": 5, "remainingMs": 12000})
	}))
	defer closeFn()

	result, err := h.HandleBreakerStatus(context.Background(), makeRequest(map[string]any{
		"facilitator_key": "coinbase:settle",
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "open")
	assert.Contains(t, text, "12000")
}

func TestHandleBreakerStatus_MissingKey(t *testing.T) {
	h, closeFn := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach the server")
	}))
	defer closeFn()

	result, err := h.HandleBreakerStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
