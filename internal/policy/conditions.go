package policy

import (
	"github.com/mbd888/paysentry/internal/glob"
	"github.com/mbd888/paysentry/internal/money"
	"github.com/mbd888/paysentry/internal/transaction"
)

// matches reports whether every present field of c matches tx. An absent
// field (nil/empty slice, empty string) is not checked.
func (c Condition) matches(tx *transaction.Transaction) bool {
	if len(c.Agents) > 0 && !glob.MatchAny(tx.AgentID, c.Agents) {
		return false
	}
	if len(c.Recipients) > 0 && !glob.MatchAny(tx.Recipient, c.Recipients) {
		return false
	}
	if len(c.Services) > 0 && !exactMatch(tx.Service, c.Services) {
		return false
	}
	if len(c.Protocols) > 0 && !exactMatch(string(tx.Protocol), c.Protocols) {
		return false
	}
	if len(c.Currencies) > 0 && !exactMatch(tx.Currency, c.Currencies) {
		return false
	}
	decimals := money.DecimalsFor(tx.Currency)
	if c.MinAmount != "" && money.Compare(tx.Amount, c.MinAmount, decimals) < 0 {
		return false
	}
	if c.MaxAmount != "" && money.Compare(tx.Amount, c.MaxAmount, decimals) > 0 {
		return false
	}
	for k, v := range c.Metadata {
		if tx.Metadata[k] != v {
			return false
		}
	}
	return true
}

func exactMatch(value string, candidates []string) bool {
	for _, c := range candidates {
		if value == c {
			return true
		}
	}
	return false
}

// budgetApplies reports whether a budget's currency/agent/service filters
// admit tx.
func budgetApplies(b BudgetLimit, tx *transaction.Transaction) bool {
	if b.Currency != "" && b.Currency != tx.Currency {
		return false
	}
	if len(b.AgentIDs) > 0 && !exactMatch(tx.AgentID, b.AgentIDs) {
		return false
	}
	if len(b.ServiceIDs) > 0 && !exactMatch(tx.Service, b.ServiceIDs) {
		return false
	}
	return true
}
