package ledger

import (
	"math/big"

	"github.com/mbd888/paysentry/internal/money"
	"github.com/mbd888/paysentry/internal/transaction"
)

// ReconcileResult is the outcome of comparing one agent's ledger total
// against an externally supplied expected total.
type ReconcileResult struct {
	AgentID  string
	Match    bool
	Ledger   string
	Expected string
	Diff     string
}

// defaultReconcileThreshold is the mismatch, 1 USDC (1,000,000 smallest
// units), above which a reconciliation is flagged as not matching.
var defaultReconcileThreshold, _ = money.Parse("1.000000", 6)

// Reconcile compares, for every agent in expectedByAgent, the ledger's sum
// of completed-transaction amounts (in USDC units) against the externally
// supplied total, flagging any mismatch beyond defaultReconcileThreshold.
// This is a read-only report; it never mutates the ledger.
func (l *Ledger) Reconcile(expectedByAgent map[string]string) []ReconcileResult {
	results := make([]ReconcileResult, 0, len(expectedByAgent))
	for agentID, expected := range expectedByAgent {
		total := big.NewInt(0)
		for _, tx := range l.GetByAgent(agentID) {
			if tx.Status != transaction.StatusCompleted {
				continue
			}
			decimals := money.DecimalsFor(tx.Currency)
			amt, ok := money.Parse(tx.Amount, decimals)
			if !ok {
				continue
			}
			// Normalize to 6-decimal USDC-equivalent units for comparison
			// across currencies with differing precision.
			total.Add(total, rescale(amt, decimals, 6))
		}

		expAmt, _ := money.Parse(expected, 6)
		if expAmt == nil {
			expAmt = big.NewInt(0)
		}
		diff := new(big.Int).Sub(total, expAmt)
		absDiff := new(big.Int).Abs(diff)

		results = append(results, ReconcileResult{
			AgentID:  agentID,
			Match:    absDiff.Cmp(defaultReconcileThreshold) <= 0,
			Ledger:   money.Format(total, 6),
			Expected: money.Format(expAmt, 6),
			Diff:     money.Format(diff, 6),
		})
	}
	return results
}

func rescale(amount *big.Int, from, to int) *big.Int {
	if from == to {
		return new(big.Int).Set(amount)
	}
	out := new(big.Int).Set(amount)
	if to > from {
		return out.Mul(out, pow10(to-from))
	}
	return out.Div(out, pow10(from-to))
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
