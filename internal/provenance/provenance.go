// Package provenance implements the Provenance Log: an append-only record
// of lifecycle stages per transaction.
package provenance

import (
	"sync"
	"time"

	"github.com/mbd888/paysentry/internal/transaction"
)

// Stage is one point in a transaction's lifecycle the core records against.
type Stage string

const (
	StageIntent      Stage = "intent"
	StagePolicyCheck Stage = "policy_check"
	StageApproval    Stage = "approval"
	StageExecution   Stage = "execution"
	StageSettlement  Stage = "settlement"
	StageDispute     Stage = "dispute"
)

// Outcome is the result recorded alongside a stage.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomePending Outcome = "pending"
)

// Record is one append-only provenance entry.
type Record struct {
	TransactionID string
	Stage         Stage
	Timestamp     string
	Action        string
	Outcome       Outcome
	Details       map[string]string
}

// Log is the append-only, per-transaction stage log. Safe for concurrent
// use; every append, whatever its transaction id, is serialized by a
// single mutex.
type Log struct {
	mu      sync.Mutex
	records map[string][]*Record // txID -> chronological records
	order   []string             // distinct txIDs in first-seen order

	persist func(rec *Record)
}

// New returns an empty Provenance Log.
func New() *Log {
	return &Log{records: make(map[string][]*Record)}
}

// SetPersistHook attaches a write-through callback invoked (in a new
// goroutine) every time a record is appended. Wire a *PostgresStore.Append
// here for durability across restarts; nil disables it.
func (l *Log) SetPersistHook(fn func(rec *Record)) {
	l.mu.Lock()
	l.persist = fn
	l.mu.Unlock()
}

func (l *Log) append(txID string, stage Stage, action string, outcome Outcome, details map[string]string) *Record {
	l.mu.Lock()
	rec := &Record{
		TransactionID: txID,
		Stage:         stage,
		Timestamp:     time.Now().UTC().Format(transaction.Timestamp),
		Action:        action,
		Outcome:       outcome,
		Details:       cloneDetails(details),
	}
	if _, ok := l.records[txID]; !ok {
		l.order = append(l.order, txID)
	}
	l.records[txID] = append(l.records[txID], rec)
	persist := l.persist
	l.mu.Unlock()

	if persist != nil {
		cp := *rec
		cp.Details = cloneDetails(rec.Details)
		go persist(&cp)
	}
	return rec
}

func cloneDetails(d map[string]string) map[string]string {
	out := make(map[string]string, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// RecordIntent appends the stage recorded when a transaction is first
// proposed, before policy evaluation.
func (l *Log) RecordIntent(txID, action string, details map[string]string) *Record {
	return l.append(txID, StageIntent, action, OutcomePending, details)
}

// RecordPolicyCheck appends the Policy Engine's verdict.
func (l *Log) RecordPolicyCheck(txID string, outcome Outcome, details map[string]string) *Record {
	return l.append(txID, StagePolicyCheck, "policy evaluation", outcome, details)
}

// RecordApproval appends a human/external approval decision.
func (l *Log) RecordApproval(txID string, outcome Outcome, details map[string]string) *Record {
	return l.append(txID, StageApproval, "approval decision", outcome, details)
}

// RecordExecution appends the start of facilitator execution.
func (l *Log) RecordExecution(txID string, details map[string]string) *Record {
	return l.append(txID, StageExecution, "forwarded to facilitator", OutcomePending, details)
}

// RecordSettlement appends the facilitator's settlement result.
func (l *Log) RecordSettlement(txID string, outcome Outcome, details map[string]string) *Record {
	return l.append(txID, StageSettlement, "settlement result", outcome, details)
}

// RecordDispute appends a dispute filing or resolution event.
func (l *Log) RecordDispute(txID string, outcome Outcome, details map[string]string) *Record {
	return l.append(txID, StageDispute, "dispute event", outcome, details)
}

// GetChain returns the chronological, read-only chain of records for txID.
// The caller receives a copy; mutating it never affects the log.
func (l *Log) GetChain(txID string) []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	src := l.records[txID]
	out := make([]*Record, len(src))
	for i, r := range src {
		cp := *r
		cp.Details = cloneDetails(r.Details)
		out[i] = &cp
	}
	return out
}

// IsComplete reports whether txID has an intent record and at least one of
// settlement or dispute.
func (l *Log) IsComplete(txID string) bool {
	chain := l.GetChain(txID)
	hasIntent := false
	hasTerminal := false
	for _, r := range chain {
		switch r.Stage {
		case StageIntent:
			hasIntent = true
		case StageSettlement, StageDispute:
			hasTerminal = true
		}
	}
	return hasIntent && hasTerminal
}

// GetLastStage returns the most recently appended stage for txID, or ""
// if no records exist.
func (l *Log) GetLastStage(txID string) Stage {
	chain := l.GetChain(txID)
	if len(chain) == 0 {
		return ""
	}
	return chain[len(chain)-1].Stage
}

// TransactionIDs returns every transaction id with at least one record, in
// first-seen order.
func (l *Log) TransactionIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// TotalRecords returns the total number of records appended across all
// transactions.
func (l *Log) TotalRecords() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, recs := range l.records {
		total += len(recs)
	}
	return total
}
