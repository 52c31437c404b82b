// Package ledger implements the Spend Ledger: an indexed, queryable store
// of transaction records over the lifetime of the process.
package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/mbd888/paysentry/internal/money"
	"github.com/mbd888/paysentry/internal/traces"
	"github.com/mbd888/paysentry/internal/transaction"
)

// ErrNotFound is returned by lookups that require an existing transaction.
var ErrNotFound = errors.New("ledger: transaction not found")

// Filter narrows a Query. Zero-value fields are not applied.
type Filter struct {
	AgentID     string
	Recipient   string
	Service     string
	Protocol    transaction.Protocol
	Status      transaction.Status
	Currency    string
	MinAmount   string
	MaxAmount   string
	After       string // ISO-8601, exclusive lower bound on CreatedAt
	Before      string // ISO-8601, exclusive upper bound on CreatedAt
	Limit       int
}

// Ledger is the Spend Ledger: primary store + secondary indices over
// transaction records. Safe for concurrent use.
type Ledger struct {
	mu sync.RWMutex

	byID        map[string]*transaction.Transaction
	byAgent     map[string]map[string]bool
	byService   map[string]map[string]bool
	byRecipient map[string]map[string]bool
	order       []string // chronological insertion order, first-seen only

	persist func(ctx context.Context, tx *transaction.Transaction)
}

// New returns an empty in-memory Spend Ledger.
func New() *Ledger {
	return &Ledger{
		byID:        make(map[string]*transaction.Transaction),
		byAgent:     make(map[string]map[string]bool),
		byService:   make(map[string]map[string]bool),
		byRecipient: make(map[string]map[string]bool),
	}
}

// SetPersistHook attaches a write-through callback invoked (in a new
// goroutine, so the in-memory path never blocks on it) every time Record
// stores a transaction. Wire a *PostgresStore.Upsert here to mirror the
// ledger durably; nil disables it. The in-memory index is always the
// source of truth read by Get/Query — persistence is best-effort.
func (l *Ledger) SetPersistHook(fn func(ctx context.Context, tx *transaction.Transaction)) {
	l.mu.Lock()
	l.persist = fn
	l.mu.Unlock()
}

// Record inserts a new transaction or, if the id already exists, overwrites
// the primary entry in place. Secondary indices and the chronological list
// are only updated on first-seen insert — re-recording the same id is
// idempotent with respect to ledger size and index membership.
func (l *Ledger) Record(ctx context.Context, tx *transaction.Transaction) {
	_, span := traces.StartSpan(ctx, "ledger.record", traces.TransactionID(tx.ID))
	defer span.End()

	l.mu.Lock()
	stored := tx.Clone()
	if _, exists := l.byID[tx.ID]; !exists {
		l.order = append(l.order, tx.ID)
		index(l.byAgent, stored.AgentID, stored.ID)
		if stored.Service != "" {
			index(l.byService, stored.Service, stored.ID)
		}
		index(l.byRecipient, stored.Recipient, stored.ID)
	}
	l.byID[tx.ID] = stored
	persist := l.persist
	l.mu.Unlock()

	if persist != nil {
		go persist(ctx, stored.Clone())
	}
}

func index(m map[string]map[string]bool, key, id string) {
	if key == "" {
		return
	}
	set, ok := m[key]
	if !ok {
		set = make(map[string]bool)
		m[key] = set
	}
	set[id] = true
}

// Get returns the stored transaction by id, or (nil, false).
func (l *Ledger) Get(id string) (*transaction.Transaction, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tx, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	return tx.Clone(), true
}

// GetByAgent returns every transaction for agentID, newest-first.
func (l *Ledger) GetByAgent(agentID string) []*transaction.Transaction {
	return l.lookupIndex(l.byAgent, agentID)
}

// GetByService returns every transaction for service, newest-first.
func (l *Ledger) GetByService(service string) []*transaction.Transaction {
	return l.lookupIndex(l.byService, service)
}

// GetByRecipient returns every transaction for recipient, newest-first.
func (l *Ledger) GetByRecipient(recipient string) []*transaction.Transaction {
	return l.lookupIndex(l.byRecipient, recipient)
}

func (l *Ledger) lookupIndex(m map[string]map[string]bool, key string) []*transaction.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	set := m[key]
	out := make([]*transaction.Transaction, 0, len(set))
	for id := range set {
		if tx, ok := l.byID[id]; ok {
			out = append(out, tx.Clone())
		}
	}
	sortNewestFirst(out)
	return out
}

func sortNewestFirst(txs []*transaction.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].CreatedAt > txs[j].CreatedAt
	})
}

// Query applies the filter's predicates with AND semantics, choosing the
// most selective available index (agent, then service, then recipient, in
// that order) as the starting candidate set, then scanning the chronological
// list when no index filter is present. Results are newest-first, truncated
// to Limit if set.
func (l *Ledger) Query(f Filter) []*transaction.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var candidates []string
	switch {
	case f.AgentID != "":
		candidates = setKeys(l.byAgent[f.AgentID])
	case f.Service != "":
		candidates = setKeys(l.byService[f.Service])
	case f.Recipient != "":
		candidates = setKeys(l.byRecipient[f.Recipient])
	default:
		candidates = append(candidates, l.order...)
	}

	out := make([]*transaction.Transaction, 0, len(candidates))
	for _, id := range candidates {
		tx, ok := l.byID[id]
		if !ok || !matches(tx, f) {
			continue
		}
		out = append(out, tx.Clone())
	}
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func setKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func matches(tx *transaction.Transaction, f Filter) bool {
	if f.AgentID != "" && tx.AgentID != f.AgentID {
		return false
	}
	if f.Recipient != "" && tx.Recipient != f.Recipient {
		return false
	}
	if f.Service != "" && tx.Service != f.Service {
		return false
	}
	if f.Protocol != "" && tx.Protocol != f.Protocol {
		return false
	}
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if f.Currency != "" && tx.Currency != f.Currency {
		return false
	}
	decimals := money.DecimalsFor(tx.Currency)
	if f.MinAmount != "" && money.Compare(tx.Amount, f.MinAmount, decimals) < 0 {
		return false
	}
	if f.MaxAmount != "" && money.Compare(tx.Amount, f.MaxAmount, decimals) > 0 {
		return false
	}
	if f.After != "" && strings.Compare(tx.CreatedAt, f.After) <= 0 {
		return false
	}
	if f.Before != "" && strings.Compare(tx.CreatedAt, f.Before) >= 0 {
		return false
	}
	return true
}

// Size returns the number of distinct transactions held.
func (l *Ledger) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

// Agents returns the distinct agent ids seen.
func (l *Ledger) Agents() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return setKeys(l.byAgent)
}

// Recipients returns the distinct recipients seen.
func (l *Ledger) Recipients() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return setKeys(l.byRecipient)
}
