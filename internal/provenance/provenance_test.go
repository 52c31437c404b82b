package provenance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendOrderPreserved(t *testing.T) {
	log := New()
	log.RecordIntent("ps_1", "transaction proposed", nil)
	log.RecordPolicyCheck("ps_1", OutcomePass, map[string]string{"policy": "default"})
	log.RecordExecution("ps_1", nil)
	log.RecordSettlement("ps_1", OutcomePass, map[string]string{"txHash": "0xabc"})

	chain := log.GetChain("ps_1")
	require.Len(t, chain, 4)
	assert.Equal(t, StageIntent, chain[0].Stage)
	assert.Equal(t, StagePolicyCheck, chain[1].Stage)
	assert.Equal(t, StageExecution, chain[2].Stage)
	assert.Equal(t, StageSettlement, chain[3].Stage)
}

func TestGetChainReturnsCopy(t *testing.T) {
	log := New()
	log.RecordIntent("ps_1", "proposed", map[string]string{"k": "v"})

	chain := log.GetChain("ps_1")
	chain[0].Details["k"] = "mutated"

	fresh := log.GetChain("ps_1")
	assert.Equal(t, "v", fresh[0].Details["k"])
}

func TestIsComplete(t *testing.T) {
	log := New()
	log.RecordIntent("ps_1", "proposed", nil)
	assert.False(t, log.IsComplete("ps_1"))

	log.RecordSettlement("ps_1", OutcomePass, nil)
	assert.True(t, log.IsComplete("ps_1"))
}

func TestIsCompleteViaDispute(t *testing.T) {
	log := New()
	log.RecordIntent("ps_1", "proposed", nil)
	log.RecordDispute("ps_1", OutcomePending, nil)
	assert.True(t, log.IsComplete("ps_1"))
}

func TestGetLastStage(t *testing.T) {
	log := New()
	assert.Equal(t, Stage(""), log.GetLastStage("missing"))

	log.RecordIntent("ps_1", "proposed", nil)
	log.RecordExecution("ps_1", nil)
	assert.Equal(t, StageExecution, log.GetLastStage("ps_1"))
}

func TestTotalRecordsAndTransactionIDs(t *testing.T) {
	log := New()
	log.RecordIntent("ps_1", "a", nil)
	log.RecordIntent("ps_2", "b", nil)
	log.RecordExecution("ps_1", nil)

	assert.Equal(t, 3, log.TotalRecords())
	assert.ElementsMatch(t, []string{"ps_1", "ps_2"}, log.TransactionIDs())
}

func TestSignerRoundTrip(t *testing.T) {
	log := New()
	log.RecordIntent("ps_1", "proposed", nil)
	log.RecordSettlement("ps_1", OutcomePass, nil)
	chain := log.GetChain("ps_1")

	signer := NewSigner("shared-secret")
	sig := signer.SignChain(chain)
	require.NotEmpty(t, sig)
	assert.True(t, signer.VerifyChain(chain, sig))
	assert.False(t, signer.VerifyChain(chain, "bogus"))
}

func TestNilSignerDisabled(t *testing.T) {
	var signer *Signer
	assert.Equal(t, "", signer.SignChain(nil))
	assert.False(t, signer.VerifyChain(nil, "anything"))
}
