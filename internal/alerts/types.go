// Package alerts implements the Alert Evaluator: budget, rate,
// recipient-novelty, and statistical-anomaly rules fired per transaction.
package alerts

// Severity is an alert's urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// RuleType is the closed taxonomy of alert rule kinds.
type RuleType string

const (
	RuleBudgetThreshold  RuleType = "budget_threshold"
	RuleLargeTransaction RuleType = "large_transaction"
	RuleRateSpike        RuleType = "rate_spike"
	RuleNewRecipient     RuleType = "new_recipient"
	RuleAnomaly          RuleType = "anomaly"
)

// BudgetThresholdParams fires when sliding-window spend would cross a
// percentage of threshold.
type BudgetThresholdParams struct {
	AgentID        string // optional filter
	Currency       string
	WindowMs       int64
	Threshold      string
	AlertAtPercent float64
}

// LargeTransactionParams fires when a single transaction's amount meets or
// exceeds a threshold.
type LargeTransactionParams struct {
	Currency  string
	Threshold string
}

// RateSpikeParams fires when an agent exceeds a transaction count within a
// sliding window.
type RateSpikeParams struct {
	AgentID         string // optional filter
	MaxTransactions int
	WindowMs        int64
}

// NewRecipientParams fires the first time a scope pays a recipient it has
// not paid before.
type NewRecipientParams struct {
	AgentID string // optional filter; empty means a single global scope
}

// AnomalyParams fires when a transaction's amount is a statistical outlier
// relative to the agent+currency's historical completed transactions.
type AnomalyParams struct {
	AgentID         string // optional filter
	StdDevThreshold float64
	MinSampleSize   int
}

// Rule is one configured alert rule. Exactly the params field matching
// Type is consulted.
type Rule struct {
	ID       string
	Name     string
	Type     RuleType
	Severity Severity
	Enabled  bool

	BudgetThreshold  *BudgetThresholdParams
	LargeTransaction *LargeTransactionParams
	RateSpike        *RateSpikeParams
	NewRecipient     *NewRecipientParams
	Anomaly          *AnomalyParams
}

// Alert is a fired notification.
type Alert struct {
	Type          RuleType
	Severity      Severity
	Message       string
	Timestamp     string
	AgentID       string
	TransactionID string
	Data          map[string]string
}

// Handler receives fired alerts. Errors must be caught by the Evaluator;
// they must not prevent delivery to other handlers or other alerts.
type Handler func(Alert) error
