package dispute

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paysentry/internal/provenance"
)

func TestFileCreatesOpenDispute(t *testing.T) {
	m := New(nil, nil)
	d, err := m.File(context.Background(), FileInput{
		TransactionID: "ps_1", AgentID: "agent-1", Reason: "not delivered", RequestedAmount: "10.00",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, d.Status)
	assert.Equal(t, LiabilityUndetermined, d.Liability)
}

func TestFileRejectsWhileActiveDisputeOpen(t *testing.T) {
	m := New(nil, nil)
	ctx := context.Background()
	_, err := m.File(ctx, FileInput{TransactionID: "ps_1", AgentID: "agent-1", Reason: "r1"})
	require.NoError(t, err)

	_, err = m.File(ctx, FileInput{TransactionID: "ps_1", AgentID: "agent-1", Reason: "r2"})
	assert.ErrorIs(t, err, ErrActiveDisputeExists)
}

func TestFileAllowedAfterPriorDisputeClosed(t *testing.T) {
	m := New(nil, nil)
	ctx := context.Background()
	d1, err := m.File(ctx, FileInput{TransactionID: "ps_1", AgentID: "agent-1", Reason: "r1"})
	require.NoError(t, err)

	_, err = m.Resolve(d1.ID, ResolveInput{Status: StatusResolvedDenied, Liability: LiabilityAgent})
	require.NoError(t, err)

	_, err = m.File(ctx, FileInput{TransactionID: "ps_1", AgentID: "agent-1", Reason: "r2"})
	assert.NoError(t, err)
}

func TestFilePullsProvenanceChainAsEvidence(t *testing.T) {
	log := provenance.New()
	log.RecordIntent("ps_1", "initiated", nil)
	log.RecordSettlement("ps_1", provenance.OutcomePass, nil)

	m := New(log, nil)
	d, err := m.File(context.Background(), FileInput{TransactionID: "ps_1", AgentID: "agent-1", Reason: "bad"})
	require.NoError(t, err)
	require.Len(t, d.Evidence, 1)
	assert.Equal(t, "transaction_log", d.Evidence[0].Type)

	chain := log.GetChain("ps_1")
	assert.Equal(t, provenance.StageDispute, chain[len(chain)-1].Stage)
}

func TestFileSignsTransactionLogEvidenceWhenSignerConfigured(t *testing.T) {
	log := provenance.New()
	log.RecordIntent("ps_1", "initiated", nil)
	log.RecordSettlement("ps_1", provenance.OutcomePass, nil)
	chainBeforeDispute := log.GetChain("ps_1")

	m := New(log, nil)
	m.SetSigner(provenance.NewSigner("shared-secret"))

	d, err := m.File(context.Background(), FileInput{TransactionID: "ps_1", AgentID: "agent-1", Reason: "bad"})
	require.NoError(t, err)
	require.Len(t, d.Evidence, 1)

	signer := provenance.NewSigner("shared-secret")
	assert.True(t, signer.VerifyChain(chainBeforeDispute, d.Evidence[0].Signature))
}

func TestFileLeavesEvidenceUnsignedWithoutSigner(t *testing.T) {
	log := provenance.New()
	log.RecordIntent("ps_1", "initiated", nil)
	log.RecordSettlement("ps_1", provenance.OutcomePass, nil)

	m := New(log, nil)
	d, err := m.File(context.Background(), FileInput{TransactionID: "ps_1", AgentID: "agent-1", Reason: "bad"})
	require.NoError(t, err)
	require.Len(t, d.Evidence, 1)
	assert.Equal(t, "", d.Evidence[0].Signature)
}

func TestAddEvidenceFailsOnClosedDispute(t *testing.T) {
	m := New(nil, nil)
	d, _ := m.File(context.Background(), FileInput{TransactionID: "ps_1", AgentID: "agent-1", Reason: "r"})
	_, err := m.Resolve(d.ID, ResolveInput{Status: StatusResolvedRefunded, Liability: LiabilityServiceProvider, ResolvedAmount: "10.00"})
	require.NoError(t, err)

	_, err = m.AddEvidence(d.ID, Evidence{Type: "note", Content: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestResolveRejectsNonTerminalStatus(t *testing.T) {
	m := New(nil, nil)
	d, _ := m.File(context.Background(), FileInput{TransactionID: "ps_1", AgentID: "agent-1", Reason: "r"})
	_, err := m.Resolve(d.ID, ResolveInput{Status: StatusInvestigating})
	assert.Error(t, err)
}

func TestResolveTwiceFails(t *testing.T) {
	m := New(nil, nil)
	d, _ := m.File(context.Background(), FileInput{TransactionID: "ps_1", AgentID: "agent-1", Reason: "r"})
	_, err := m.Resolve(d.ID, ResolveInput{Status: StatusResolvedRefunded, Liability: LiabilityServiceProvider})
	require.NoError(t, err)

	_, err = m.Resolve(d.ID, ResolveInput{Status: StatusResolvedDenied, Liability: LiabilityAgent})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestListenerNotifiedOnFileAndResolve(t *testing.T) {
	m := New(nil, nil)
	var transitions []Status
	m.OnStatusChange(func(d *Case, previous Status) { transitions = append(transitions, d.Status) })
	m.OnStatusChange(func(d *Case, previous Status) { panic("boom") })

	d, _ := m.File(context.Background(), FileInput{TransactionID: "ps_1", AgentID: "agent-1", Reason: "r"})
	_, err := m.Resolve(d.ID, ResolveInput{Status: StatusResolvedPartial, Liability: LiabilityProtocol, ResolvedAmount: "5.00"})
	require.NoError(t, err)

	require.Len(t, transitions, 2)
	assert.Equal(t, StatusOpen, transitions[0])
	assert.Equal(t, StatusResolvedPartial, transitions[1])
}

func TestQueryFiltersAndOrdersNewestFirst(t *testing.T) {
	m := New(nil, nil)
	ctx := context.Background()
	d1, _ := m.File(ctx, FileInput{TransactionID: "ps_1", AgentID: "agent-1", Reason: "r"})
	d2, _ := m.File(ctx, FileInput{TransactionID: "ps_2", AgentID: "agent-1", Reason: "r"})
	_, _ = m.File(ctx, FileInput{TransactionID: "ps_3", AgentID: "agent-2", Reason: "r"})

	byAgent := m.GetByAgent("agent-1")
	require.Len(t, byAgent, 2)
	ids := map[string]bool{d1.ID: true, d2.ID: true}
	assert.True(t, ids[byAgent[0].ID])
	assert.True(t, ids[byAgent[1].ID])
}

func TestGetStatsCountsByStatus(t *testing.T) {
	m := New(nil, nil)
	ctx := context.Background()
	d1, _ := m.File(ctx, FileInput{TransactionID: "ps_1", AgentID: "agent-1", Reason: "r"})
	_, _ = m.File(ctx, FileInput{TransactionID: "ps_2", AgentID: "agent-1", Reason: "r"})
	_, err := m.Resolve(d1.ID, ResolveInput{Status: StatusResolvedRefunded, Liability: LiabilityServiceProvider})
	require.NoError(t, err)

	stats := m.GetStats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[StatusOpen])
	assert.Equal(t, 1, stats.ByStatus[StatusResolvedRefunded])
}

func TestGetNotFound(t *testing.T) {
	m := New(nil, nil)
	_, err := m.Get("dsp_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
