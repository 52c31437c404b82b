package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/paysentry/internal/ledger"
	"github.com/mbd888/paysentry/internal/money"
	"github.com/mbd888/paysentry/internal/transaction"
)

// LedgerSource is the read surface the Evaluator needs from the Spend
// Ledger; satisfied by *ledger.Ledger.
type LedgerSource interface {
	Query(f ledger.Filter) []*transaction.Transaction
}

// Evaluator is the Alert Evaluator.
type Evaluator struct {
	mu    sync.RWMutex
	rules []Rule

	handlersMu sync.RWMutex
	handlers   []Handler

	seenMu sync.Mutex
	seen   map[string]map[string]bool // scopeKey -> recipient set

	ledger LedgerSource
	logger *slog.Logger
}

// New builds an Evaluator backed by a Spend Ledger for window queries.
func New(source LedgerSource, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		ledger: source,
		seen:   make(map[string]map[string]bool),
		logger: logger,
	}
}

// AddRule appends a rule.
func (e *Evaluator) AddRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
}

// RemoveRule deletes a rule by id.
func (e *Evaluator) RemoveRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return
		}
	}
}

// GetRules returns every configured rule.
func (e *Evaluator) GetRules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// OnAlert registers a handler invoked for every fired alert.
func (e *Evaluator) OnAlert(h Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Evaluate runs every enabled rule against tx and dispatches fired alerts
// to every registered handler before returning them.
func (e *Evaluator) Evaluate(ctx context.Context, tx *transaction.Transaction) []Alert {
	e.mu.RLock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	var fired []Alert
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if a, ok := e.evaluateRule(r, tx); ok {
			fired = append(fired, a)
		}
	}

	for _, a := range fired {
		e.dispatch(a)
	}
	return fired
}

func (e *Evaluator) dispatch(a Alert) {
	e.handlersMu.RLock()
	handlers := make([]Handler, len(e.handlers))
	copy(handlers, e.handlers)
	e.handlersMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("alert handler panicked", "panic", r)
				}
			}()
			if err := h(a); err != nil {
				e.logger.Error("alert handler failed", "error", err)
			}
		}()
	}
}

func (e *Evaluator) evaluateRule(r Rule, tx *transaction.Transaction) (Alert, bool) {
	switch r.Type {
	case RuleBudgetThreshold:
		return e.evalBudgetThreshold(r, tx)
	case RuleLargeTransaction:
		return e.evalLargeTransaction(r, tx)
	case RuleRateSpike:
		return e.evalRateSpike(r, tx)
	case RuleNewRecipient:
		return e.evalNewRecipient(r, tx)
	case RuleAnomaly:
		return e.evalAnomaly(r, tx)
	default:
		return Alert{}, false
	}
}

func (e *Evaluator) base(r Rule, tx *transaction.Transaction, message string, data map[string]string) Alert {
	if data == nil {
		data = make(map[string]string)
	}
	data["ruleId"] = r.ID
	data["ruleName"] = r.Name
	return Alert{
		Type:          r.Type,
		Severity:      r.Severity,
		Message:       message,
		Timestamp:     time.Now().UTC().Format(transaction.Timestamp),
		AgentID:       tx.AgentID,
		TransactionID: tx.ID,
		Data:          data,
	}
}

func cutoff(windowMs int64) string {
	return time.Now().UTC().Add(-time.Duration(windowMs) * time.Millisecond).Format(transaction.Timestamp)
}

func (e *Evaluator) evalBudgetThreshold(r Rule, tx *transaction.Transaction) (Alert, bool) {
	p := r.BudgetThreshold
	if p == nil || tx.Currency != p.Currency {
		return Alert{}, false
	}
	f := ledger.Filter{
		Currency: p.Currency,
		Status:   transaction.StatusCompleted,
		After:    cutoff(p.WindowMs),
	}
	if p.AgentID != "" {
		f.AgentID = p.AgentID
	}
	decimals := money.DecimalsFor(tx.Currency)
	sum := sumAmounts(e.ledger.Query(f), decimals)

	txAmt, _ := money.Parse(tx.Amount, decimals)
	if txAmt == nil {
		return Alert{}, false
	}
	sum.Add(sum, txAmt)

	threshold, ok := money.Parse(p.Threshold, decimals)
	if !ok {
		return Alert{}, false
	}
	limit := scaleByPercent(threshold, p.AlertAtPercent)
	if sum.Cmp(limit) < 0 {
		return Alert{}, false
	}

	percent := 0.0
	if threshold.Sign() > 0 {
		percent = money.Float64(money.Format(sum, decimals), decimals) / money.Float64(money.Format(threshold, decimals), decimals) * 100
	}
	return e.base(r, tx, fmt.Sprintf("budget threshold reached: %.1f%% utilized", percent), map[string]string{
		"projected": money.Format(sum, decimals),
		"threshold": p.Threshold,
	}), true
}

func (e *Evaluator) evalLargeTransaction(r Rule, tx *transaction.Transaction) (Alert, bool) {
	p := r.LargeTransaction
	if p == nil || tx.Currency != p.Currency {
		return Alert{}, false
	}
	decimals := money.DecimalsFor(tx.Currency)
	if money.Compare(tx.Amount, p.Threshold, decimals) < 0 {
		return Alert{}, false
	}
	return e.base(r, tx, fmt.Sprintf("large transaction: %s %s", tx.Amount, tx.Currency), map[string]string{
		"amount":    tx.Amount,
		"threshold": p.Threshold,
	}), true
}

func (e *Evaluator) evalRateSpike(r Rule, tx *transaction.Transaction) (Alert, bool) {
	p := r.RateSpike
	if p == nil {
		return Alert{}, false
	}
	f := ledger.Filter{After: cutoff(p.WindowMs)}
	if p.AgentID != "" {
		f.AgentID = p.AgentID
	} else {
		f.AgentID = tx.AgentID
	}
	count := len(e.ledger.Query(f)) + 1
	if count <= p.MaxTransactions {
		return Alert{}, false
	}
	return e.base(r, tx, fmt.Sprintf("rate spike: %d transactions in window", count), map[string]string{
		"count": fmt.Sprintf("%d", count),
		"max":   fmt.Sprintf("%d", p.MaxTransactions),
	}), true
}

func (e *Evaluator) evalNewRecipient(r Rule, tx *transaction.Transaction) (Alert, bool) {
	p := r.NewRecipient
	scopeKey := "*"
	if p != nil && p.AgentID != "" {
		scopeKey = p.AgentID
	}

	e.seenMu.Lock()
	defer e.seenMu.Unlock()

	set, ok := e.seen[scopeKey]
	if !ok {
		set = e.seedRecipients(scopeKey)
		e.seen[scopeKey] = set
	}

	if set[tx.Recipient] {
		return Alert{}, false
	}
	set[tx.Recipient] = true
	return e.base(r, tx, fmt.Sprintf("new recipient: %s", tx.Recipient), map[string]string{
		"recipient": tx.Recipient,
	}), true
}

func (e *Evaluator) seedRecipients(scopeKey string) map[string]bool {
	set := make(map[string]bool)
	f := ledger.Filter{}
	if scopeKey != "*" {
		f.AgentID = scopeKey
	}
	for _, tx := range e.ledger.Query(f) {
		set[tx.Recipient] = true
	}
	return set
}

func (e *Evaluator) evalAnomaly(r Rule, tx *transaction.Transaction) (Alert, bool) {
	p := r.Anomaly
	if p == nil {
		return Alert{}, false
	}
	agentID := p.AgentID
	if agentID == "" {
		agentID = tx.AgentID
	}
	f := ledger.Filter{AgentID: agentID, Currency: tx.Currency, Status: transaction.StatusCompleted}
	history := e.ledger.Query(f)
	if len(history) < p.MinSampleSize {
		return Alert{}, false
	}

	decimals := money.DecimalsFor(tx.Currency)
	mean, stddev := populationStats(history, decimals)
	if stddev <= 0 {
		return Alert{}, false
	}

	amount := money.Float64(tx.Amount, decimals)
	z := (amount - mean) / stddev
	if z <= p.StdDevThreshold {
		return Alert{}, false
	}
	return e.base(r, tx, fmt.Sprintf("anomalous transaction: z-score %.2f", z), map[string]string{
		"zScore": fmt.Sprintf("%.4f", z),
		"mean":   fmt.Sprintf("%.6f", mean),
	}), true
}
