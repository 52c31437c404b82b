package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/paysentry/internal/idgen"
	"github.com/mbd888/paysentry/internal/provenance"
	"github.com/mbd888/paysentry/internal/traces"
	"github.com/mbd888/paysentry/internal/transaction"
)

// Stats summarizes the case set by status.
type Stats struct {
	Total   int
	ByStatus map[Status]int
}

// Manager is the Dispute Manager: files, tracks, and resolves disputes
// over transactions recorded by the Spend Ledger.
type Manager struct {
	mu      sync.RWMutex
	byID    map[string]*Case
	locks   sync.Map // id -> *sync.Mutex, per-dispute serialization

	listenersMu sync.RWMutex
	listeners   []Listener

	provenance *provenance.Log    // optional; nil disables evidence pull
	signer     *provenance.Signer // optional; nil disables signing
	logger     *slog.Logger
}

// New builds a Manager. prov may be nil to disable automatic
// transaction_log evidence on file.
func New(prov *provenance.Log, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		byID:       make(map[string]*Case),
		provenance: prov,
		logger:     logger,
	}
}

// SetSigner attaches a provenance.Signer used to sign the transaction_log
// evidence chain on File. nil disables signing.
func (m *Manager) SetSigner(s *provenance.Signer) {
	m.mu.Lock()
	m.signer = s
	m.mu.Unlock()
}

func (m *Manager) caseLock(id string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// OnStatusChange registers a listener invoked on every status transition,
// including the open->resolved transition made by Resolve.
func (m *Manager) OnStatusChange(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) notify(d *Case, previous Status) {
	m.listenersMu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.RUnlock()

	clone := *d
	clone.Evidence = append([]Evidence(nil), d.Evidence...)

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("dispute listener panicked", "panic", r)
				}
			}()
			l(&clone, previous)
		}()
	}
}

// File opens a new dispute for a transaction. It is rejected if any
// non-closed dispute already exists for the transaction.
func (m *Manager) File(ctx context.Context, in FileInput) (*Case, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.File")
	defer span.End()
	span.SetAttributes(traces.TransactionID(in.TransactionID))

	m.mu.Lock()
	for _, d := range m.byID {
		if d.TransactionID == in.TransactionID && !d.Status.IsClosed() {
			m.mu.Unlock()
			return nil, ErrActiveDisputeExists
		}
	}
	m.mu.Unlock()

	now := time.Now().UTC().Format(transaction.Timestamp)
	d := &Case{
		ID:              idgen.WithPrefix(idgen.PrefixDispute),
		TransactionID:   in.TransactionID,
		AgentID:         in.AgentID,
		Reason:          in.Reason,
		Status:          StatusOpen,
		Liability:       LiabilityUndetermined,
		RequestedAmount: in.RequestedAmount,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if m.provenance != nil {
		if chain := m.provenance.GetChain(in.TransactionID); len(chain) > 0 {
			m.mu.RLock()
			signer := m.signer
			m.mu.RUnlock()
			d.Evidence = append(d.Evidence, Evidence{
				Type:      "transaction_log",
				Content:   formatChain(chain),
				Timestamp: now,
				Signature: signer.SignChain(chain),
			})
		}
		m.provenance.RecordDispute(in.TransactionID, provenance.OutcomePending, map[string]string{
			"disputeId": d.ID,
			"reason":    in.Reason,
		})
	}

	m.mu.Lock()
	m.byID[d.ID] = d
	m.mu.Unlock()

	m.notify(d, "")
	return d, nil
}

func formatChain(chain []*provenance.Record) string {
	out := ""
	for _, r := range chain {
		out += fmt.Sprintf("[%s] %s -> %s\n", r.Timestamp, r.Stage, r.Outcome)
	}
	return out
}

// AddEvidence appends an evidence item. Fails on a closed dispute.
func (m *Manager) AddEvidence(id string, ev Evidence) (*Case, error) {
	lk := m.caseLock(id)
	lk.Lock()
	defer lk.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Status.IsClosed() {
		return nil, ErrClosed
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(transaction.Timestamp)
	}
	d.Evidence = append(d.Evidence, ev)
	d.UpdatedAt = time.Now().UTC().Format(transaction.Timestamp)
	return cloneCase(d), nil
}

// UpdateStatus sets the status of a non-closed dispute (e.g. open ->
// investigating) and notifies listeners with the prior status. The target
// status is not checked: a closed status is accepted too, and unlike
// Resolve it does not stamp a resolution time or liability.
func (m *Manager) UpdateStatus(id string, status Status) (*Case, error) {
	lk := m.caseLock(id)
	lk.Lock()
	defer lk.Unlock()

	m.mu.Lock()
	d, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if d.Status.IsClosed() {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	previous := d.Status
	d.Status = status
	d.UpdatedAt = time.Now().UTC().Format(transaction.Timestamp)
	clone := cloneCase(d)
	m.mu.Unlock()

	m.notify(clone, previous)
	return clone, nil
}

// Resolve closes a dispute with a terminal outcome and liability.
func (m *Manager) Resolve(id string, in ResolveInput) (*Case, error) {
	if !in.Status.IsClosed() {
		return nil, fmt.Errorf("dispute: resolve requires a terminal status, got %q", in.Status)
	}

	lk := m.caseLock(id)
	lk.Lock()
	defer lk.Unlock()

	m.mu.Lock()
	d, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if d.Status.IsClosed() {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	previous := d.Status
	now := time.Now().UTC().Format(transaction.Timestamp)
	d.Status = in.Status
	d.Liability = in.Liability
	d.ResolvedAmount = in.ResolvedAmount
	d.ResolvedAt = now
	d.UpdatedAt = now
	clone := cloneCase(d)
	m.mu.Unlock()

	if m.provenance != nil {
		outcome := provenance.OutcomePass
		if in.Status == StatusResolvedDenied {
			outcome = provenance.OutcomeFail
		}
		m.provenance.RecordDispute(d.TransactionID, outcome, map[string]string{
			"disputeId": d.ID,
			"resolution": string(in.Status),
			"liability":  string(in.Liability),
		})
	}

	m.notify(clone, previous)
	return clone, nil
}

// Get returns a dispute by id.
func (m *Manager) Get(id string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCase(d), nil
}

// GetByTransaction returns every dispute filed against a transaction,
// newest first.
func (m *Manager) GetByTransaction(txID string) []*Case {
	return m.Query(Filter{TransactionID: txID})
}

// GetByAgent returns every dispute filed by an agent, newest first.
func (m *Manager) GetByAgent(agentID string) []*Case {
	return m.Query(Filter{AgentID: agentID})
}

// Query returns disputes matching every non-zero field in f, newest
// first, truncated to f.Limit when positive.
func (m *Manager) Query(f Filter) []*Case {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Case
	for _, d := range m.byID {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.AgentID != "" && d.AgentID != f.AgentID {
			continue
		}
		if f.TransactionID != "" && d.TransactionID != f.TransactionID {
			continue
		}
		if f.Liability != "" && d.Liability != f.Liability {
			continue
		}
		out = append(out, cloneCase(d))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// GetStats summarizes the current case set by status.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{ByStatus: make(map[Status]int)}
	for _, d := range m.byID {
		stats.Total++
		stats.ByStatus[d.Status]++
	}
	return stats
}

func cloneCase(d *Case) *Case {
	out := *d
	out.Evidence = append([]Evidence(nil), d.Evidence...)
	return &out
}
