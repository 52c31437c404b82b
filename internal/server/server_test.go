package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paysentry/internal/alerts"
	"github.com/mbd888/paysentry/internal/analytics"
	"github.com/mbd888/paysentry/internal/circuitbreaker"
	"github.com/mbd888/paysentry/internal/config"
	"github.com/mbd888/paysentry/internal/dispute"
	"github.com/mbd888/paysentry/internal/facilitator"
	"github.com/mbd888/paysentry/internal/ledger"
	"github.com/mbd888/paysentry/internal/policy"
	"github.com/mbd888/paysentry/internal/provenance"
	"github.com/mbd888/paysentry/internal/recovery"
)

type fakeFacilitatorClient struct {
	verifyResult facilitator.VerifyResult
	verifyErr    error
	settleResult facilitator.SettleResult
	settleErr    error
}

func (f *fakeFacilitatorClient) Verify(ctx context.Context, payload facilitator.X402Payload, req facilitator.X402Requirements) (facilitator.VerifyResult, error) {
	return f.verifyResult, f.verifyErr
}

func (f *fakeFacilitatorClient) Settle(ctx context.Context, payload facilitator.X402Payload, req facilitator.X402Requirements) (facilitator.SettleResult, error) {
	return f.settleResult, f.settleErr
}

func (f *fakeFacilitatorClient) Supported(ctx context.Context) (facilitator.SupportedResult, error) {
	return facilitator.SupportedResult{Schemes: []string{"exact"}, Networks: []string{"base"}}, nil
}

type fakeExecutor struct{}

func (fakeExecutor) Execute(ctx context.Context, action *recovery.Action) (string, error) {
	return "ext_ref_1", nil
}

func newTestServer(t *testing.T, client facilitator.FacilitatorClient) *Server {
	t.Helper()

	pe := policy.New()
	pe.LoadPolicy(policy.Policy{
		ID:      "default",
		Name:    "default",
		Enabled: true,
		Rules: []policy.Rule{
			{ID: "allow-all", Name: "allow all", Enabled: true, Priority: 100, Action: policy.ActionAllow},
		},
		Budgets: []policy.BudgetLimit{
			{Window: policy.WindowDaily, MaxAmount: "100.00", Currency: "USDC"},
		},
	})

	l := ledger.New()
	prov := provenance.New()
	ae := alerts.New(l, nil)
	an := analytics.New(l)
	dm := dispute.New(prov, nil)
	breaker := circuitbreaker.New(3, 0)
	re := recovery.New(dm, l, fakeExecutor{}, 3, 100, nil)

	adapter := facilitator.New(client, pe, l, prov, ae, breaker, facilitator.Config{
		FacilitatorKey:  "test",
		DefaultAgent:    "agent-1",
		DefaultCurrency: "USDC",
	}, nil)

	cfg := &config.Config{
		Port:             "8080",
		Env:              "test",
		RateLimitRPM:     1000,
		DefaultCurrency:  "USDC",
		HTTPReadTimeout:  config.DefaultHTTPReadTimeout,
		HTTPWriteTimeout: config.DefaultHTTPWriteTimeout,
		HTTPIdleTimeout:  config.DefaultHTTPIdleTimeout,
	}

	srv, err := New(cfg, WithEngines(Engines{
		Policy:     pe,
		Ledger:     l,
		Provenance: prov,
		Alerts:     ae,
		Analytics:  an,
		Disputes:   dm,
		Recovery:   re,
		Breaker:    breaker,
		Adapter:    adapter,
	}))
	require.NoError(t, err)
	return srv
}

func doJSON(srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, &fakeFacilitatorClient{})
	w := doJSON(srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["healthy"])
}

func TestHandleEvaluate_Allowed(t *testing.T) {
	srv := newTestServer(t, &fakeFacilitatorClient{})
	w := doJSON(srv, http.MethodPost, "/v1/policy/evaluate", map[string]string{
		"agentId":   "agent-1",
		"recipient": "merchant-1",
		"amount":    "1.50",
		"currency":  "USDC",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var decision decisionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decision))
	assert.True(t, decision.Allowed)
	assert.Equal(t, "allow", decision.Action)
}

func TestHandleEvaluate_MissingFields(t *testing.T) {
	srv := newTestServer(t, &fakeFacilitatorClient{})
	w := doJSON(srv, http.MethodPost, "/v1/policy/evaluate", map[string]string{
		"agentId": "agent-1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetSpend(t *testing.T) {
	srv := newTestServer(t, &fakeFacilitatorClient{})
	w := doJSON(srv, http.MethodGet, "/v1/agents/agent-1/spend", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Budgets []budgetResponse `json:"budgets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Budgets, 1)
	assert.Equal(t, "daily", body.Budgets[0].Window)
	assert.Equal(t, "USDC", body.Budgets[0].Currency)
}

func TestHandleListAlerts_Empty(t *testing.T) {
	srv := newTestServer(t, &fakeFacilitatorClient{})
	w := doJSON(srv, http.MethodGet, "/v1/alerts?agentId=agent-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Alerts []alertResponse `json:"alerts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body.Alerts)
}

func TestHandleFileDispute_TransactionNotFound(t *testing.T) {
	srv := newTestServer(t, &fakeFacilitatorClient{})
	w := doJSON(srv, http.MethodPost, "/v1/disputes", map[string]string{
		"transactionId": "does-not-exist",
		"agentId":       "agent-1",
		"reason":        "item never delivered",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleBreakerSnapshot_UnknownKeyIsClosed(t *testing.T) {
	srv := newTestServer(t, &fakeFacilitatorClient{})
	w := doJSON(srv, http.MethodGet, "/v1/breaker/unknown-key", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body breakerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "closed", body.State)
}

func TestHandleResetBreaker_RequiresAdminSecret(t *testing.T) {
	pe := policy.New()
	l := ledger.New()
	prov := provenance.New()
	ae := alerts.New(l, nil)
	an := analytics.New(l)
	dm := dispute.New(prov, nil)
	breaker := circuitbreaker.New(3, 0)
	re := recovery.New(dm, l, fakeExecutor{}, 3, 100, nil)
	adapter := facilitator.New(&fakeFacilitatorClient{}, pe, l, prov, ae, breaker, facilitator.Config{FacilitatorKey: "test"}, nil)

	cfg := &config.Config{
		Port: "8080", Env: "test", RateLimitRPM: 1000, DefaultCurrency: "USDC",
		HTTPReadTimeout: config.DefaultHTTPReadTimeout, HTTPWriteTimeout: config.DefaultHTTPWriteTimeout, HTTPIdleTimeout: config.DefaultHTTPIdleTimeout,
		AdminSecret: "top-secret",
	}
	srv, err := New(cfg, WithEngines(Engines{
		Policy: pe, Ledger: l, Provenance: prov, Alerts: ae, Analytics: an,
		Disputes: dm, Recovery: re, Breaker: breaker, Adapter: adapter,
	}))
	require.NoError(t, err)

	w := doJSON(srv, http.MethodPost, "/v1/breaker/test:settle/reset", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/breaker/test:settle/reset", nil)
	req.Header.Set("X-Admin-Secret", "top-secret")
	w2 := httptest.NewRecorder()
	srv.Router().ServeHTTP(w2, req)
	assert.Equal(t, http.StatusNoContent, w2.Code)
}

func TestHandleX402Verify(t *testing.T) {
	client := &fakeFacilitatorClient{verifyResult: facilitator.VerifyResult{IsValid: true, Payer: "agent-1"}}
	srv := newTestServer(t, client)

	w := doJSON(srv, http.MethodPost, "/v1/x402/verify", map[string]any{
		"x402Version": 1,
		"scheme":      "exact",
		"network":     "base",
		"payload":     "0xdeadbeef",
		"payer":       "agent-1",
		"requirements": map[string]string{
			"scheme":            "exact",
			"network":           "base",
			"maxAmountRequired": "1000000",
			"payTo":             "merchant-1",
		},
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var result facilitator.VerifyResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.IsValid)
}

func TestHandleX402Supported(t *testing.T) {
	srv := newTestServer(t, &fakeFacilitatorClient{})
	w := doJSON(srv, http.MethodGet, "/v1/x402/supported", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var result facilitator.SupportedResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Contains(t, result.Schemes, "exact")
}
