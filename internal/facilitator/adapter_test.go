package facilitator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paysentry/internal/alerts"
	"github.com/mbd888/paysentry/internal/circuitbreaker"
	"github.com/mbd888/paysentry/internal/ledger"
	"github.com/mbd888/paysentry/internal/policy"
	"github.com/mbd888/paysentry/internal/provenance"
)

type fakeClient struct {
	verifyResult VerifyResult
	verifyErr    error
	settleResult SettleResult
	settleErr    error
	verifyCalls  int
	settleCalls  int
}

func (f *fakeClient) Verify(ctx context.Context, payload X402Payload, requirements X402Requirements) (VerifyResult, error) {
	f.verifyCalls++
	return f.verifyResult, f.verifyErr
}

func (f *fakeClient) Settle(ctx context.Context, payload X402Payload, requirements X402Requirements) (SettleResult, error) {
	f.settleCalls++
	return f.settleResult, f.settleErr
}

func (f *fakeClient) Supported(ctx context.Context) (SupportedResult, error) {
	return SupportedResult{Schemes: []string{"exact"}, Networks: []string{"base"}}, nil
}

func newAdapter(client FacilitatorClient) (*Adapter, *ledger.Ledger, *provenance.Log, *policy.Engine) {
	l := ledger.New()
	prov := provenance.New()
	pe := policy.New()
	ae := alerts.New(l, nil)
	breaker := circuitbreaker.New(3, time.Minute)
	cfg := Config{FacilitatorKey: "coinbase", DefaultCurrency: "USDC"}
	return New(client, pe, l, prov, ae, breaker, cfg, nil), l, prov, pe
}

func reqFor(amount string) X402Requirements {
	return X402Requirements{Scheme: "exact", Network: "base", MaxAmountRequired: amount, PayTo: "0xseller", Description: "api call"}
}

func TestVerifyAllowedForwardsToClient(t *testing.T) {
	client := &fakeClient{verifyResult: VerifyResult{IsValid: true, Payer: "agent-1"}}
	a, _, prov, _ := newAdapter(client)

	result, err := a.Verify(context.Background(), X402Payload{Payer: "agent-1"}, reqFor("1000000"))
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, 1, client.verifyCalls)

	ids := prov.TransactionIDs()
	require.Len(t, ids, 1)
	assert.Equal(t, provenance.StagePolicyCheck, prov.GetLastStage(ids[0]))
}

func TestVerifyDeniedNeverCallsClient(t *testing.T) {
	client := &fakeClient{verifyResult: VerifyResult{IsValid: true}}
	a, _, _, pe := newAdapter(client)
	pe.LoadPolicy(policy.Policy{
		ID: "p1", Enabled: true,
		Rules: []policy.Rule{{ID: "block-all", Enabled: true, Priority: 1, Action: policy.ActionDeny}},
	})

	result, err := a.Verify(context.Background(), X402Payload{Payer: "agent-1"}, reqFor("1000000"))
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, "policy:")
	assert.Equal(t, 0, client.verifyCalls)
}

func TestSettleSuccessRecordsLedgerAndBudget(t *testing.T) {
	client := &fakeClient{settleResult: SettleResult{Success: true, TxHash: "0xabc", Network: "base"}}
	a, l, prov, pe := newAdapter(client)
	pe.LoadPolicy(policy.Policy{
		ID: "p1", Enabled: true,
		Budgets: []policy.BudgetLimit{{Window: policy.WindowDaily, MaxAmount: "100.00", Currency: "USDC"}},
	})

	result, err := a.Settle(context.Background(), X402Payload{Payer: "agent-1"}, reqFor("1000000"))
	require.NoError(t, err)
	assert.True(t, result.Success)

	txs := l.GetByAgent("agent-1")
	require.Len(t, txs, 1)
	assert.Equal(t, "completed", string(txs[0].Status))

	snap := pe.GetCurrentSpend("p1", policy.BudgetLimit{Window: policy.WindowDaily, MaxAmount: "100.00", Currency: "USDC"}, time.Now())
	assert.Equal(t, "1.000000", snap.Amount)

	ids := prov.TransactionIDs()
	require.Len(t, ids, 1)
	assert.Equal(t, provenance.StageSettlement, prov.GetLastStage(ids[0]))
}

func TestSettleFailureDoesNotRecordBudget(t *testing.T) {
	client := &fakeClient{settleResult: SettleResult{Success: false, Error: "insufficient funds"}}
	a, l, _, pe := newAdapter(client)
	pe.LoadPolicy(policy.Policy{
		ID: "p1", Enabled: true,
		Budgets: []policy.BudgetLimit{{Window: policy.WindowDaily, MaxAmount: "100.00", Currency: "USDC"}},
	})

	result, err := a.Settle(context.Background(), X402Payload{Payer: "agent-1"}, reqFor("1000000"))
	require.NoError(t, err)
	assert.False(t, result.Success)

	txs := l.GetByAgent("agent-1")
	require.Len(t, txs, 1)
	assert.Equal(t, "failed", string(txs[0].Status))

	snap := pe.GetCurrentSpend("p1", policy.BudgetLimit{Window: policy.WindowDaily, MaxAmount: "100.00", Currency: "USDC"}, time.Now())
	assert.Equal(t, "0.000000", snap.Amount)
}

func TestSettleClientErrorReRaisedAfterRecordingFailure(t *testing.T) {
	client := &fakeClient{settleErr: errors.New("network timeout")}
	a, l, _, _ := newAdapter(client)

	_, err := a.Settle(context.Background(), X402Payload{Payer: "agent-1"}, reqFor("1000000"))
	assert.Error(t, err)

	txs := l.GetByAgent("agent-1")
	require.Len(t, txs, 1)
	assert.Equal(t, "failed", string(txs[0].Status))
}

func TestSettleBreakerOpenPropagatesWithoutRecordingSettlement(t *testing.T) {
	client := &fakeClient{settleErr: errors.New("down")}
	l := ledger.New()
	prov := provenance.New()
	pe := policy.New()
	ae := alerts.New(l, nil)
	breaker := circuitbreaker.New(1, time.Hour)
	cfg := Config{FacilitatorKey: "coinbase", DefaultCurrency: "USDC"}
	a := New(client, pe, l, prov, ae, breaker, cfg, nil)

	_, err := a.Settle(context.Background(), X402Payload{Payer: "agent-1"}, reqFor("1000000"))
	require.Error(t, err)

	_, err = a.Settle(context.Background(), X402Payload{Payer: "agent-1"}, reqFor("1000000"))
	var openErr *circuitbreaker.OpenError
	require.ErrorAs(t, err, &openErr)

	// Only the first attempt reached the client and got ledger-recorded;
	// the breaker-open call never touched the ledger for its (new) tx id.
	txs := l.GetByAgent("agent-1")
	assert.Len(t, txs, 1)
}

func TestSupportedPassesThrough(t *testing.T) {
	client := &fakeClient{}
	a, _, _, _ := newAdapter(client)
	result, err := a.Supported(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"exact"}, result.Schemes)
}
