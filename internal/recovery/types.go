// Package recovery implements the Recovery Engine: queued compensation
// actions (refunds, chargebacks, credits) triggered by resolved disputes.
package recovery

import "errors"

// Type is the kind of compensation action.
type Type string

const (
	TypeFullRefund    Type = "full_refund"
	TypePartialRefund Type = "partial_refund"
	TypeChargeback    Type = "chargeback"
	TypeCredit        Type = "credit"
)

// Status is a recovery action's lifecycle status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// terminal reports whether s frees the dispute to start another recovery
// action. A completed recovery still occupies the dispute: only a failed
// or cancelled attempt is terminal for that purpose.
func (s Status) terminal() bool {
	return s == StatusFailed || s == StatusCancelled
}

// Action is one compensation action against a resolved dispute.
type Action struct {
	ID             string
	DisputeID      string
	TransactionID  string
	AgentID        string
	Type           Type
	Amount         string
	Currency       string
	Status         Status
	CreatedAt      string
	UpdatedAt      string
	Attempts       int
	ExternalRefund string // set on successful completion, if the executor returns one
	Error          string // set on failure
}

// Stats summarizes the action set by status.
type Stats struct {
	Total    int
	ByStatus map[Status]int
}

var (
	// ErrNotEligible is raised by Initiate when the dispute is not in a
	// resolved_refunded or resolved_partial state.
	ErrNotEligible = errors.New("recovery: dispute is not eligible for recovery")
	// ErrAlreadyActive is raised when a non-terminal recovery action
	// already exists for the dispute.
	ErrAlreadyActive = errors.New("recovery: an active recovery action already exists for this dispute")
	// ErrNotFound is raised on lookups of a non-existent action id.
	ErrNotFound = errors.New("recovery: not found")
	// ErrNotPending is raised by Cancel on a non-pending action.
	ErrNotPending = errors.New("recovery: only pending actions can be cancelled")
)
