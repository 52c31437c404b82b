// Package transaction defines the canonical Transaction value shared by the
// Policy Engine, Spend Ledger, Provenance Log, Alert Evaluator, Dispute
// Manager, and Facilitator Adapter.
package transaction

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/paysentry/internal/money"
)

// Status is the transaction's lifecycle status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDisputed  Status = "disputed"
	StatusRefunded  Status = "refunded"
)

// Protocol is the payment protocol tag, a closed set.
type Protocol string

const (
	ProtocolX402          Protocol = "x402-style"
	ProtocolAgentCommerce  Protocol = "agent-commerce"
	ProtocolAgentMandate   Protocol = "agent-mandate"
	ProtocolCard           Protocol = "card"
	ProtocolCustom         Protocol = "custom"
)

var ErrInvalidTransition = errors.New("transaction: invalid status transition")

// validTransitions encodes the transaction lifecycle graph.
var validTransitions = map[Status]map[Status]bool{
	StatusPending:   {StatusApproved: true, StatusRejected: true},
	StatusApproved:  {StatusExecuting: true},
	StatusExecuting: {StatusCompleted: true, StatusFailed: true},
	StatusCompleted: {StatusDisputed: true, StatusRefunded: true},
	StatusFailed:    {StatusDisputed: true},
	StatusDisputed:  {StatusRefunded: true, StatusCompleted: true},
}

// CanTransition reports whether moving from 'from' to 'to' is a legal edge
// in the lifecycle graph.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	edges, ok := validTransitions[from]
	return ok && edges[to]
}

// Transaction is the core's canonical transaction record.
//
// Metadata is frozen at construction time: New copies the map once and
// nothing in this package mutates it afterward.
type Transaction struct {
	ID             string
	AgentID        string
	Recipient      string
	Amount         string // decimal string, strictly positive
	Currency       string
	Purpose        string
	Protocol       Protocol
	Status         Status
	Service        string // optional
	ProtocolTxID   string // optional, set on settlement
	Metadata       map[string]string
	CreatedAt      string // ISO-8601 UTC, millisecond precision
	UpdatedAt      string
}

// Input carries the fields a caller supplies to New; ID/timestamps/status
// are derived.
type Input struct {
	AgentID   string
	Recipient string
	Amount    string
	Currency  string
	Purpose   string
	Protocol  Protocol
	Service   string
	Metadata  map[string]string
}

// New constructs a fresh pending Transaction. The caller supplies the id
// (typically from idgen.WithPrefix(idgen.PrefixTransaction)) so this
// package has no import-time dependency on id generation policy.
func New(id string, in Input, now time.Time) (*Transaction, error) {
	if in.AgentID == "" {
		return nil, errors.New("transaction: agentID is required")
	}
	if in.Recipient == "" {
		return nil, errors.New("transaction: recipient is required")
	}
	if in.Currency == "" {
		return nil, errors.New("transaction: currency is required")
	}
	if !money.IsPositive(in.Amount, money.DecimalsFor(in.Currency)) {
		return nil, errors.New("transaction: amount must be strictly positive")
	}

	meta := make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		meta[k] = v
	}

	ts := now.UTC().Format(Timestamp)
	return &Transaction{
		ID:        id,
		AgentID:   in.AgentID,
		Recipient: in.Recipient,
		Amount:    in.Amount,
		Currency:  in.Currency,
		Purpose:   in.Purpose,
		Protocol:  in.Protocol,
		Status:    StatusPending,
		Service:   in.Service,
		Metadata:  meta,
		CreatedAt: ts,
		UpdatedAt: ts,
	}, nil
}

// Timestamp is the ISO-8601 UTC millisecond-precision layout used for every
// core timestamp, chosen so that lexicographic string comparison equals
// chronological comparison.
const Timestamp = "2006-01-02T15:04:05.000Z"

// Clone returns a deep copy safe for the caller to mutate.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.Metadata = make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// SetStatus validates the transition against the lifecycle graph and stamps
// UpdatedAt. It never mutates status on an invalid edge.
func (t *Transaction) SetStatus(to Status, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s (tx %s)", ErrInvalidTransition, t.Status, to, t.ID)
	}
	t.Status = to
	t.UpdatedAt = now.UTC().Format(Timestamp)
	return nil
}
