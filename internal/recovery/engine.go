package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/paysentry/internal/dispute"
	"github.com/mbd888/paysentry/internal/idgen"
	"github.com/mbd888/paysentry/internal/traces"
	"github.com/mbd888/paysentry/internal/transaction"
)

// DisputeSource is the read surface Initiate needs from the Dispute
// Manager; satisfied by *dispute.Manager.
type DisputeSource interface {
	Get(id string) (*dispute.Case, error)
}

// TransactionSource resolves a transaction's currency for Initiate;
// satisfied by *ledger.Ledger.
type TransactionSource interface {
	Get(id string) (*transaction.Transaction, bool)
}

// Executor performs the external side effect (refund API call, chargeback
// filing, ledger credit) for a queued action.
type Executor interface {
	Execute(ctx context.Context, action *Action) (externalRefundID string, err error)
}

// InitiateInput overrides the action type Initiate would otherwise infer
// from the dispute's resolution. Zero value lets Initiate decide.
type InitiateInput struct {
	Type Type
}

// Engine is the Recovery Engine: a FIFO queue of compensation actions
// driven off resolved disputes, executed with linear-backoff retry.
type Engine struct {
	mu    sync.Mutex
	byID  map[string]*Action
	queue []string // pending action ids, FIFO order

	disputes DisputeSource
	txs      TransactionSource
	executor Executor
	logger   *slog.Logger

	maxAttempts  int
	retryDelayMs int64
}

// New builds a Recovery Engine. maxAttempts and retryDelayMs govern
// ProcessQueue's linear backoff: attempt N waits retryDelayMs*N
// milliseconds before the next try, with no wait after the last attempt.
func New(disputes DisputeSource, txs TransactionSource, executor Executor, maxAttempts int, retryDelayMs int64, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Engine{
		byID:         make(map[string]*Action),
		disputes:     disputes,
		txs:          txs,
		executor:     executor,
		logger:       logger,
		maxAttempts:  maxAttempts,
		retryDelayMs: retryDelayMs,
	}
}

// Initiate enqueues a recovery action for a resolved dispute. The dispute
// must be resolved_refunded or resolved_partial, and must not already
// have an active (non-terminal) recovery action.
func (e *Engine) Initiate(ctx context.Context, disputeID string, in InitiateInput) (*Action, error) {
	_, span := traces.StartSpan(ctx, "recovery.Initiate")
	defer span.End()
	span.SetAttributes(traces.DisputeID(disputeID))

	d, err := e.disputes.Get(disputeID)
	if err != nil {
		return nil, err
	}

	actionType := in.Type
	var amount string
	switch d.Status {
	case dispute.StatusResolvedRefunded:
		amount = d.RequestedAmount
		if actionType == "" {
			actionType = TypeFullRefund
		}
	case dispute.StatusResolvedPartial:
		amount = d.ResolvedAmount
		if actionType == "" {
			actionType = TypePartialRefund
		}
	default:
		return nil, ErrNotEligible
	}

	currency := ""
	if e.txs != nil {
		if tx, ok := e.txs.Get(d.TransactionID); ok {
			currency = tx.Currency
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, a := range e.byID {
		if a.DisputeID == disputeID && !a.Status.terminal() {
			return nil, ErrAlreadyActive
		}
	}

	now := time.Now().UTC().Format(transaction.Timestamp)
	action := &Action{
		ID:            idgen.WithPrefix(idgen.PrefixRecovery),
		DisputeID:     disputeID,
		TransactionID: d.TransactionID,
		AgentID:       d.AgentID,
		Type:          actionType,
		Amount:        amount,
		Currency:      currency,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	e.byID[action.ID] = action
	e.queue = append(e.queue, action.ID)

	out := *action
	return &out, nil
}

// ProcessQueue drains every currently queued action, executing each with
// linear-backoff retry. It returns once the queue (as observed at call
// time) is empty; actions enqueued concurrently are left for the next call.
func (e *Engine) ProcessQueue(ctx context.Context) {
	for {
		id, ok := e.dequeue()
		if !ok {
			return
		}
		e.process(ctx, id)
	}
}

func (e *Engine) dequeue() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return "", false
	}
	id := e.queue[0]
	e.queue = e.queue[1:]
	return id, true
}

func (e *Engine) process(ctx context.Context, id string) {
	e.mu.Lock()
	action, ok := e.byID[id]
	if !ok || action.Status != StatusPending {
		e.mu.Unlock()
		return
	}
	action.Status = StatusProcessing
	action.UpdatedAt = time.Now().UTC().Format(transaction.Timestamp)
	e.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		action.Attempts = attempt
		refundID, err := e.executor.Execute(ctx, action)
		if err == nil {
			e.mu.Lock()
			action.Status = StatusCompleted
			action.ExternalRefund = refundID
			action.UpdatedAt = time.Now().UTC().Format(transaction.Timestamp)
			e.mu.Unlock()
			return
		}
		lastErr = err
		e.logger.Warn("recovery execute failed", "actionId", id, "attempt", attempt, "error", err)

		if attempt == e.maxAttempts {
			break
		}
		delay := time.Duration(e.retryDelayMs*int64(attempt)) * time.Millisecond
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = e.maxAttempts
		case <-time.After(delay):
		}
	}

	e.mu.Lock()
	action.Status = StatusFailed
	if lastErr != nil {
		action.Error = lastErr.Error()
	}
	action.UpdatedAt = time.Now().UTC().Format(transaction.Timestamp)
	e.mu.Unlock()
}

// Cancel cancels a pending action. Actions already processing or
// terminal cannot be cancelled.
func (e *Engine) Cancel(id string) (*Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	action, ok := e.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if action.Status != StatusPending {
		return nil, ErrNotPending
	}
	action.Status = StatusCancelled
	action.UpdatedAt = time.Now().UTC().Format(transaction.Timestamp)

	for i, qid := range e.queue {
		if qid == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}

	out := *action
	return &out, nil
}

// Get returns an action by id.
func (e *Engine) Get(id string) (*Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	action, ok := e.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *action
	return &out, nil
}

// GetByDispute returns every action filed against a dispute.
func (e *Engine) GetByDispute(disputeID string) []*Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Action
	for _, a := range e.byID {
		if a.DisputeID == disputeID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

// GetAll returns every action currently held.
func (e *Engine) GetAll() []*Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Action, 0, len(e.byID))
	for _, a := range e.byID {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// GetStats summarizes the action set by status.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	stats := Stats{ByStatus: make(map[Status]int)}
	for _, a := range e.byID {
		stats.Total++
		stats.ByStatus[a.Status]++
	}
	return stats
}
