package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/paysentry/internal/alerts"
	"github.com/mbd888/paysentry/internal/circuitbreaker"
	"github.com/mbd888/paysentry/internal/ledger"
	"github.com/mbd888/paysentry/internal/policy"
	"github.com/mbd888/paysentry/internal/provenance"
	"github.com/mbd888/paysentry/internal/traces"
	"github.com/mbd888/paysentry/internal/transaction"
)

// Adapter is the Facilitator Adapter: wraps a FacilitatorClient with
// policy gating, a per-target Circuit Breaker, and provenance/ledger/alert
// tracking.
type Adapter struct {
	client   FacilitatorClient
	policy   *policy.Engine
	ledger   *ledger.Ledger
	prov     *provenance.Log
	alerts   *alerts.Evaluator
	breaker  *circuitbreaker.Breaker
	cfg      Config
	logger   *slog.Logger
}

// New builds an Adapter around the given collaborators.
func New(client FacilitatorClient, pe *policy.Engine, l *ledger.Ledger, prov *provenance.Log, ae *alerts.Evaluator, breaker *circuitbreaker.Breaker, cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{client: client, policy: pe, ledger: l, prov: prov, alerts: ae, breaker: breaker, cfg: cfg, logger: logger}
}

// Verify derives a Transaction, gates it through the Policy Engine, and —
// if allowed — forwards to the wrapped client's Verify through the
// Circuit Breaker. Policy denial is returned as an invalid verification
// reply, never as an error.
func (a *Adapter) Verify(ctx context.Context, payload X402Payload, requirements X402Requirements) (VerifyResult, error) {
	ctx, span := traces.StartSpan(ctx, "facilitator.Verify")
	defer span.End()

	tx, err := deriveTransaction(a.cfg, payload, requirements)
	if err != nil {
		return VerifyResult{IsValid: false, InvalidReason: fmt.Sprintf("transaction: %s", err.Error())}, nil
	}
	span.SetAttributes(traces.TransactionID(tx.ID))

	decision := a.policy.Evaluate(ctx, tx)
	checkOutcome := provenance.OutcomePass
	if !decision.Allowed {
		checkOutcome = provenance.OutcomeFail
	}
	a.prov.RecordPolicyCheck(tx.ID, checkOutcome, map[string]string{
		"reason": decision.Reason,
		"action": string(decision.Action),
	})

	if !decision.Allowed {
		return VerifyResult{IsValid: false, InvalidReason: fmt.Sprintf("policy: %s", decision.Reason)}, nil
	}

	return circuitbreaker.Execute(a.breaker, a.cfg.FacilitatorKey+":verify", func() (VerifyResult, error) {
		return a.client.Verify(ctx, payload, requirements)
	})
}

// Settle derives a Transaction (as Verify does) and forwards to the
// wrapped client's Settle through the Circuit Breaker, recording the
// outcome in the Provenance Log and Spend Ledger and, on success, in the
// Policy Engine's budget buckets.
func (a *Adapter) Settle(ctx context.Context, payload X402Payload, requirements X402Requirements) (SettleResult, error) {
	ctx, span := traces.StartSpan(ctx, "facilitator.Settle")
	defer span.End()

	tx, err := deriveTransaction(a.cfg, payload, requirements)
	if err != nil {
		return SettleResult{Success: false, Error: err.Error()}, nil
	}
	span.SetAttributes(traces.TransactionID(tx.ID))

	now := time.Now()
	_ = tx.SetStatus(transaction.StatusApproved, now)
	_ = tx.SetStatus(transaction.StatusExecuting, now)

	a.prov.RecordExecution(tx.ID, map[string]string{"facilitatorKey": a.cfg.FacilitatorKey})

	result, err := circuitbreaker.Execute(a.breaker, a.cfg.FacilitatorKey+":settle", func() (SettleResult, error) {
		return a.client.Settle(ctx, payload, requirements)
	})

	var openErr *circuitbreaker.OpenError
	if errors.As(err, &openErr) {
		// Breaker rejected the call outright; no attempt was made, so no
		// settlement outcome to record.
		return SettleResult{}, err
	}
	if err != nil {
		a.recordFailedSettlement(ctx, tx, err.Error())
		return SettleResult{}, err
	}

	if result.Success {
		tx.ProtocolTxID = result.TxHash
		_ = tx.SetStatus(transaction.StatusCompleted, time.Now())
		a.ledger.Record(ctx, tx)
		a.prov.RecordSettlement(tx.ID, provenance.OutcomePass, map[string]string{
			"txHash":  result.TxHash,
			"network": result.Network,
		})
		a.alerts.Evaluate(ctx, tx)
		a.policy.RecordTransaction(tx)
		return result, nil
	}

	a.recordFailedSettlement(ctx, tx, result.Error)
	return result, nil
}

func (a *Adapter) recordFailedSettlement(ctx context.Context, tx *transaction.Transaction, reason string) {
	_ = tx.SetStatus(transaction.StatusFailed, time.Now())
	a.ledger.Record(ctx, tx)
	a.prov.RecordSettlement(tx.ID, provenance.OutcomeFail, map[string]string{"error": reason})
	a.alerts.Evaluate(ctx, tx)
	a.logger.Warn("settlement failed", "transactionId", tx.ID, "reason", reason)
}

// Supported passes through to the wrapped client unchanged.
func (a *Adapter) Supported(ctx context.Context) (SupportedResult, error) {
	return a.client.Supported(ctx)
}
