package policy

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/paysentry/internal/money"
	"github.com/mbd888/paysentry/internal/syncutil"
	"github.com/mbd888/paysentry/internal/traces"
	"github.com/mbd888/paysentry/internal/transaction"
)

// bucket is one budget-window accumulator. Access is serialized by the
// Engine's sharded per-key lock, not an embedded mutex, so that lookup and
// amount comparison for a given key never tear even while unrelated keys
// mutate concurrently.
type bucket struct {
	amount *big.Int
	count  int
}

// Engine is the Policy Engine: loaded policies, budget buckets, and
// per-agent cooldown timestamps.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	order    []string // load order, for stable priority ties

	bucketsMu sync.RWMutex
	buckets   map[string]*bucket
	bucketLk  syncutil.ShardedMutex

	lastTxMu sync.RWMutex
	lastTx   map[string]time.Time

	seq int64 // monotonically increasing load counter
}

// New returns an Engine with no policies loaded.
func New() *Engine {
	return &Engine{
		policies: make(map[string]*Policy),
		buckets:  make(map[string]*bucket),
		lastTx:   make(map[string]time.Time),
	}
}

// LoadPolicy installs or replaces a policy by id.
func (e *Engine) LoadPolicy(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	for i := range p.Rules {
		p.Rules[i].createdAt = e.seq
	}
	if _, exists := e.policies[p.ID]; !exists {
		e.order = append(e.order, p.ID)
	}
	cp := p
	e.policies[p.ID] = &cp
}

// RemovePolicy deletes a policy by id. No-op if absent.
func (e *Engine) RemovePolicy(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.policies, id)
	for i, pid := range e.order {
		if pid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// GetPolicies returns every loaded policy, in load order.
func (e *Engine) GetPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.order))
	for _, id := range e.order {
		if p, ok := e.policies[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

// Evaluate returns the most restrictive decision across every enabled
// policy. With zero policies loaded, returns allow with reason
// "no policies".
func (e *Engine) Evaluate(ctx context.Context, tx *transaction.Transaction) Decision {
	_, span := traces.StartSpan(ctx, "policy.evaluate", traces.TransactionID(tx.ID))
	defer span.End()

	e.mu.RLock()
	policies := make([]*Policy, 0, len(e.order))
	for _, id := range e.order {
		if p, ok := e.policies[id]; ok {
			policies = append(policies, p)
		}
	}
	e.mu.RUnlock()

	if len(policies) == 0 {
		return Decision{Allowed: true, Action: ActionAllow, Reason: "no policies"}
	}

	var best *Decision
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		d := e.evaluatePolicy(p, tx)
		if best == nil || severityRank[d.Action] < severityRank[best.Action] {
			dd := d
			best = &dd
		}
	}
	if best == nil {
		return Decision{Allowed: true, Action: ActionAllow, Reason: "no enabled policies"}
	}
	return *best
}

func (e *Engine) evaluatePolicy(p *Policy, tx *transaction.Transaction) Decision {
	if d, violated := e.checkBudgets(p, tx); violated {
		return d
	}

	if p.CooldownMs > 0 {
		e.lastTxMu.RLock()
		last, ok := e.lastTx[cooldownKey(p.ID, tx.AgentID)]
		e.lastTxMu.RUnlock()
		if ok {
			elapsed := time.Since(last)
			remaining := time.Duration(p.CooldownMs)*time.Millisecond - elapsed
			if remaining > 0 {
				return Decision{
					Allowed:  false,
					Action:   ActionDeny,
					Reason:   fmt.Sprintf("Cooldown active for agent %s", tx.AgentID),
					PolicyID: p.ID,
					Details:  map[string]string{"remainingMs": fmt.Sprintf("%d", remaining.Milliseconds())},
				}
			}
		}
	}

	rules := make([]Rule, len(p.Rules))
	copy(rules, p.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].createdAt < rules[j].createdAt
	})

	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if r.Conditions.matches(tx) {
			return Decision{
				Allowed:  r.Action == ActionAllow || r.Action == ActionFlag,
				Action:   r.Action,
				Reason:   fmt.Sprintf("matched rule %s", r.ID),
				PolicyID: p.ID,
				RuleID:   r.ID,
			}
		}
	}

	return Decision{Allowed: true, Action: ActionAllow, Reason: "no rule matched", PolicyID: p.ID}
}

func cooldownKey(policyID, agentID string) string {
	return policyID + "|" + agentID
}

// checkBudgets evaluates every budget whose filters admit tx; the first
// projected-over-limit budget yields a deny decision.
func (e *Engine) checkBudgets(p *Policy, tx *transaction.Transaction) (Decision, bool) {
	decimals := money.DecimalsFor(tx.Currency)
	txAmount, ok := money.Parse(tx.Amount, decimals)
	if !ok {
		txAmount = big.NewInt(0)
	}

	for _, b := range p.Budgets {
		if !budgetApplies(b, tx) {
			continue
		}
		maxAmount, ok := money.Parse(b.MaxAmount, decimals)
		if !ok {
			continue
		}

		var projected *big.Int
		if b.Window == WindowPerTransaction {
			projected = txAmount
		} else {
			key := bucketKey(p.ID, b, time.Now())
			unlock := e.bucketLk.Lock(key)
			bk := e.getBucket(key)
			projected = new(big.Int).Add(bk.amount, txAmount)
			unlock()
		}

		if projected.Cmp(maxAmount) > 0 {
			return Decision{
				Allowed:  false,
				Action:   ActionDeny,
				Reason:   fmt.Sprintf("budget exceeded for window %s (projected %s > max %s)", b.Window, money.Format(projected, decimals), b.MaxAmount),
				PolicyID: p.ID,
			}, true
		}
	}
	return Decision{}, false
}

func (e *Engine) getBucket(key string) *bucket {
	e.bucketsMu.RLock()
	bk, ok := e.buckets[key]
	e.bucketsMu.RUnlock()
	if ok {
		return bk
	}

	e.bucketsMu.Lock()
	defer e.bucketsMu.Unlock()
	if bk, ok = e.buckets[key]; ok {
		return bk
	}
	bk = &bucket{amount: big.NewInt(0)}
	e.buckets[key] = bk
	return bk
}

// RecordTransaction increments every matching budget bucket for every
// enabled policy and updates the agent's last-transaction time. This is
// the only function that mutates buckets; callers defer it until after
// external execution succeeds so budgets count only settled funds.
func (e *Engine) RecordTransaction(tx *transaction.Transaction) {
	e.mu.RLock()
	policies := make([]*Policy, 0, len(e.order))
	for _, id := range e.order {
		if p, ok := e.policies[id]; ok {
			policies = append(policies, p)
		}
	}
	e.mu.RUnlock()

	now := time.Now()
	decimals := money.DecimalsFor(tx.Currency)
	txAmount, ok := money.Parse(tx.Amount, decimals)
	if !ok {
		txAmount = big.NewInt(0)
	}

	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		for _, b := range p.Budgets {
			if b.Window == WindowPerTransaction || !budgetApplies(b, tx) {
				continue
			}
			key := bucketKey(p.ID, b, now)
			unlock := e.bucketLk.Lock(key)
			bk := e.getBucket(key)
			bk.amount.Add(bk.amount, txAmount)
			bk.count++
			unlock()
		}
		if p.CooldownMs > 0 {
			e.lastTxMu.Lock()
			e.lastTx[cooldownKey(p.ID, tx.AgentID)] = now
			e.lastTxMu.Unlock()
		}
	}
}

// SpendSnapshot is the current amount/count of a budget bucket.
type SpendSnapshot struct {
	Amount string
	Count  int
}

// GetCurrentSpend returns the current bucket state for a policy's budget
// at referenceTime (defaults to now if zero).
func (e *Engine) GetCurrentSpend(policyID string, b BudgetLimit, referenceTime time.Time) SpendSnapshot {
	if referenceTime.IsZero() {
		referenceTime = time.Now()
	}
	decimals := 6
	if b.Currency != "" {
		decimals = money.DecimalsFor(b.Currency)
	}
	key := bucketKey(policyID, b, referenceTime)
	unlock := e.bucketLk.Lock(key)
	defer unlock()
	bk := e.getBucket(key)
	return SpendSnapshot{Amount: money.Format(bk.amount, decimals), Count: bk.count}
}

// Reset returns the engine to its freshly constructed spend state: clears
// all budget buckets and cooldown timestamps. Loaded policies are
// unaffected.
func (e *Engine) Reset() {
	e.bucketsMu.Lock()
	e.buckets = make(map[string]*bucket)
	e.bucketsMu.Unlock()

	e.lastTxMu.Lock()
	e.lastTx = make(map[string]time.Time)
	e.lastTxMu.Unlock()
}
