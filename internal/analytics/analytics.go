// Package analytics provides aggregated summaries over the Spend Ledger's
// transaction stream.
package analytics

import (
	"math/big"

	"github.com/mbd888/paysentry/internal/ledger"
	"github.com/mbd888/paysentry/internal/money"
	"github.com/mbd888/paysentry/internal/transaction"
)

// AgentSummary aggregates one agent's completed spend.
type AgentSummary struct {
	AgentID          string
	TotalSpent       string
	CompletedCount   int
	FailedCount      int
	DisputedCount    int
	DistinctServices int
}

// Service summarizes aggregated spend over a Spend Ledger.
type Service struct {
	ledger *ledger.Ledger
}

// New builds an analytics Service over the given Spend Ledger.
func New(l *ledger.Ledger) *Service {
	return &Service{ledger: l}
}

// AgentSummary computes the aggregate for one agent across every
// currency, normalized to 6-decimal USDC-equivalent units.
func (s *Service) AgentSummary(agentID string) AgentSummary {
	txs := s.ledger.GetByAgent(agentID)
	summary := AgentSummary{AgentID: agentID}
	total := big.NewInt(0)
	services := make(map[string]bool)

	for _, tx := range txs {
		switch tx.Status {
		case transaction.StatusCompleted:
			summary.CompletedCount++
			decimals := money.DecimalsFor(tx.Currency)
			if amt, ok := money.Parse(tx.Amount, decimals); ok {
				total.Add(total, rescaleTo6(amt, decimals))
			}
			if tx.Service != "" {
				services[tx.Service] = true
			}
		case transaction.StatusFailed:
			summary.FailedCount++
		case transaction.StatusDisputed:
			summary.DisputedCount++
		}
	}

	summary.TotalSpent = money.Format(total, 6)
	summary.DistinctServices = len(services)
	return summary
}

// TopRecipients returns the recipients with the highest completed spend
// for an agent, most-spent-first, truncated to limit.
func (s *Service) TopRecipients(agentID string, limit int) []RecipientTotal {
	txs := s.ledger.GetByAgent(agentID)
	totals := make(map[string]*big.Int)
	for _, tx := range txs {
		if tx.Status != transaction.StatusCompleted {
			continue
		}
		decimals := money.DecimalsFor(tx.Currency)
		amt, ok := money.Parse(tx.Amount, decimals)
		if !ok {
			continue
		}
		if totals[tx.Recipient] == nil {
			totals[tx.Recipient] = big.NewInt(0)
		}
		totals[tx.Recipient].Add(totals[tx.Recipient], rescaleTo6(amt, decimals))
	}

	out := make([]RecipientTotal, 0, len(totals))
	for recipient, total := range totals {
		out = append(out, RecipientTotal{Recipient: recipient, Total: money.Format(total, 6)})
	}
	sortDescending(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RecipientTotal pairs a recipient with its aggregate completed spend.
type RecipientTotal struct {
	Recipient string
	Total     string
}

func sortDescending(totals []RecipientTotal) {
	for i := 1; i < len(totals); i++ {
		for j := i; j > 0 && money.Compare(totals[j].Total, totals[j-1].Total, 6) > 0; j-- {
			totals[j], totals[j-1] = totals[j-1], totals[j]
		}
	}
}

func rescaleTo6(amount *big.Int, decimals int) *big.Int {
	if decimals == 6 {
		return new(big.Int).Set(amount)
	}
	out := new(big.Int).Set(amount)
	if decimals < 6 {
		return out.Mul(out, pow10(6-decimals))
	}
	return out.Div(out, pow10(decimals-6))
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
