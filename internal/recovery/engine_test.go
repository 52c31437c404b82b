package recovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paysentry/internal/dispute"
	"github.com/mbd888/paysentry/internal/transaction"
)

type fakeDisputes struct {
	cases map[string]*dispute.Case
}

func (f *fakeDisputes) Get(id string) (*dispute.Case, error) {
	d, ok := f.cases[id]
	if !ok {
		return nil, dispute.ErrNotFound
	}
	return d, nil
}

type fakeTxs struct {
	txs map[string]*transaction.Transaction
}

func (f *fakeTxs) Get(id string) (*transaction.Transaction, bool) {
	tx, ok := f.txs[id]
	return tx, ok
}

type fakeExecutor struct {
	failUntil int
	calls     int
}

func (f *fakeExecutor) Execute(ctx context.Context, action *Action) (string, error) {
	f.calls++
	if f.calls <= f.failUntil {
		return "", errors.New("processor unavailable")
	}
	return "ext_ref_1", nil
}

func refundedDispute(id, txID, agentID, requested string) *dispute.Case {
	return &dispute.Case{ID: id, TransactionID: txID, AgentID: agentID, Status: dispute.StatusResolvedRefunded, RequestedAmount: requested}
}

func sampleTx(id, currency string) *transaction.Transaction {
	return &transaction.Transaction{ID: id, Currency: currency}
}

func TestInitiateFullRefund(t *testing.T) {
	ds := &fakeDisputes{cases: map[string]*dispute.Case{"dsp_1": refundedDispute("dsp_1", "ps_1", "agent-1", "10.00")}}
	txs := &fakeTxs{txs: map[string]*transaction.Transaction{"ps_1": sampleTx("ps_1", "USDC")}}
	e := New(ds, txs, &fakeExecutor{}, 3, 1, nil)

	action, err := e.Initiate(context.Background(), "dsp_1", InitiateInput{})
	require.NoError(t, err)
	assert.Equal(t, TypeFullRefund, action.Type)
	assert.Equal(t, "10.00", action.Amount)
	assert.Equal(t, StatusPending, action.Status)
}

func TestInitiateRejectsIneligibleDispute(t *testing.T) {
	ds := &fakeDisputes{cases: map[string]*dispute.Case{"dsp_1": {ID: "dsp_1", Status: dispute.StatusOpen}}}
	e := New(ds, &fakeTxs{txs: map[string]*transaction.Transaction{}}, &fakeExecutor{}, 3, 1, nil)

	_, err := e.Initiate(context.Background(), "dsp_1", InitiateInput{})
	assert.ErrorIs(t, err, ErrNotEligible)
}

func TestInitiateRejectsDuplicateActive(t *testing.T) {
	ds := &fakeDisputes{cases: map[string]*dispute.Case{"dsp_1": refundedDispute("dsp_1", "ps_1", "agent-1", "10.00")}}
	txs := &fakeTxs{txs: map[string]*transaction.Transaction{"ps_1": sampleTx("ps_1", "USDC")}}
	e := New(ds, txs, &fakeExecutor{}, 3, 1, nil)

	_, err := e.Initiate(context.Background(), "dsp_1", InitiateInput{})
	require.NoError(t, err)
	_, err = e.Initiate(context.Background(), "dsp_1", InitiateInput{})
	assert.ErrorIs(t, err, ErrAlreadyActive)
}

func TestInitiateRejectsSecondAttemptAfterCompletion(t *testing.T) {
	ds := &fakeDisputes{cases: map[string]*dispute.Case{"dsp_1": refundedDispute("dsp_1", "ps_1", "agent-1", "10.00")}}
	txs := &fakeTxs{txs: map[string]*transaction.Transaction{"ps_1": sampleTx("ps_1", "USDC")}}
	exec := &fakeExecutor{}
	e := New(ds, txs, exec, 3, 1, nil)

	_, err := e.Initiate(context.Background(), "dsp_1", InitiateInput{})
	require.NoError(t, err)
	e.ProcessQueue(context.Background())

	_, err = e.Initiate(context.Background(), "dsp_1", InitiateInput{})
	assert.ErrorIs(t, err, ErrAlreadyActive)
}

func TestProcessQueueCompletesOnSuccess(t *testing.T) {
	ds := &fakeDisputes{cases: map[string]*dispute.Case{"dsp_1": refundedDispute("dsp_1", "ps_1", "agent-1", "10.00")}}
	txs := &fakeTxs{txs: map[string]*transaction.Transaction{"ps_1": sampleTx("ps_1", "USDC")}}
	exec := &fakeExecutor{}
	e := New(ds, txs, exec, 3, 1, nil)

	action, err := e.Initiate(context.Background(), "dsp_1", InitiateInput{})
	require.NoError(t, err)

	e.ProcessQueue(context.Background())

	got, err := e.Get(action.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "ext_ref_1", got.ExternalRefund)
}

func TestProcessQueueRetriesThenSucceeds(t *testing.T) {
	ds := &fakeDisputes{cases: map[string]*dispute.Case{"dsp_1": refundedDispute("dsp_1", "ps_1", "agent-1", "10.00")}}
	txs := &fakeTxs{txs: map[string]*transaction.Transaction{"ps_1": sampleTx("ps_1", "USDC")}}
	exec := &fakeExecutor{failUntil: 2}
	e := New(ds, txs, exec, 5, 1, nil)

	action, err := e.Initiate(context.Background(), "dsp_1", InitiateInput{})
	require.NoError(t, err)

	e.ProcessQueue(context.Background())

	got, err := e.Get(action.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, 3, got.Attempts)
}

func TestProcessQueueFailsAfterMaxAttempts(t *testing.T) {
	ds := &fakeDisputes{cases: map[string]*dispute.Case{"dsp_1": refundedDispute("dsp_1", "ps_1", "agent-1", "10.00")}}
	txs := &fakeTxs{txs: map[string]*transaction.Transaction{"ps_1": sampleTx("ps_1", "USDC")}}
	exec := &fakeExecutor{failUntil: 100}
	e := New(ds, txs, exec, 2, 1, nil)

	action, err := e.Initiate(context.Background(), "dsp_1", InitiateInput{})
	require.NoError(t, err)

	e.ProcessQueue(context.Background())

	got, err := e.Get(action.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
}

func TestCancelOnlyAllowedWhilePending(t *testing.T) {
	ds := &fakeDisputes{cases: map[string]*dispute.Case{"dsp_1": refundedDispute("dsp_1", "ps_1", "agent-1", "10.00")}}
	txs := &fakeTxs{txs: map[string]*transaction.Transaction{"ps_1": sampleTx("ps_1", "USDC")}}
	e := New(ds, txs, &fakeExecutor{}, 3, 1, nil)

	action, err := e.Initiate(context.Background(), "dsp_1", InitiateInput{})
	require.NoError(t, err)

	cancelled, err := e.Cancel(action.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	e.ProcessQueue(context.Background())
	got, _ := e.Get(action.ID)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestCancelRejectsNonPending(t *testing.T) {
	ds := &fakeDisputes{cases: map[string]*dispute.Case{"dsp_1": refundedDispute("dsp_1", "ps_1", "agent-1", "10.00")}}
	txs := &fakeTxs{txs: map[string]*transaction.Transaction{"ps_1": sampleTx("ps_1", "USDC")}}
	exec := &fakeExecutor{}
	e := New(ds, txs, exec, 3, 1, nil)

	action, err := e.Initiate(context.Background(), "dsp_1", InitiateInput{})
	require.NoError(t, err)
	e.ProcessQueue(context.Background())

	_, err = e.Cancel(action.ID)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestGetStats(t *testing.T) {
	ds := &fakeDisputes{cases: map[string]*dispute.Case{
		"dsp_1": refundedDispute("dsp_1", "ps_1", "agent-1", "10.00"),
		"dsp_2": refundedDispute("dsp_2", "ps_2", "agent-1", "5.00"),
	}}
	txs := &fakeTxs{txs: map[string]*transaction.Transaction{
		"ps_1": sampleTx("ps_1", "USDC"), "ps_2": sampleTx("ps_2", "USDC"),
	}}
	e := New(ds, txs, &fakeExecutor{}, 3, 1, nil)

	_, err := e.Initiate(context.Background(), "dsp_1", InitiateInput{})
	require.NoError(t, err)
	_, err = e.Initiate(context.Background(), "dsp_2", InitiateInput{})
	require.NoError(t, err)

	stats := e.GetStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[StatusPending])
}
