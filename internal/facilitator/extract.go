package facilitator

import (
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/paysentry/internal/idgen"
	"github.com/mbd888/paysentry/internal/money"
	"github.com/mbd888/paysentry/internal/transaction"
)

// Config carries the Adapter's extraction defaults.
type Config struct {
	FacilitatorKey  string // used in breaker keys "<key>:verify" / "<key>:settle"
	DefaultAgent    string // used when payload.Payer is empty
	DefaultCurrency string // used when no currency can be inferred; defaults to "USDC"
}

func (c Config) currency() string {
	if c.DefaultCurrency == "" {
		return "USDC"
	}
	return c.DefaultCurrency
}

// deriveTransaction builds the internal Transaction the core reasons
// about from an x402-style payload/requirements pair.
func deriveTransaction(cfg Config, payload X402Payload, req X402Requirements) (*transaction.Transaction, error) {
	agent := payload.Payer
	if agent == "" {
		agent = cfg.DefaultAgent
	}
	if agent == "" {
		return nil, fmt.Errorf("facilitator: no payer on payload and no default agent configured")
	}
	if req.PayTo == "" {
		return nil, fmt.Errorf("facilitator: requirements missing payTo")
	}

	currency := cfg.currency()
	decimals := money.DecimalsFor(currency)

	units, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("facilitator: invalid maxAmountRequired %q", req.MaxAmountRequired)
	}
	amount := money.Format(units, decimals)

	dedupKey := fmt.Sprintf("x402:%s:%s:%s", agent, req.PayTo, req.MaxAmountRequired)
	meta := map[string]string{"txKey": dedupKey}

	protocol := transaction.ProtocolX402
	if payload.Scheme == MandateScheme {
		if err := ValidateMandateSigner(payload.MandateSigner); err != nil {
			return nil, fmt.Errorf("facilitator: %w", err)
		}
		protocol = transaction.ProtocolAgentMandate
		meta["mandateSigner"] = payload.MandateSigner
	}

	id := idgen.WithPrefix(idgen.PrefixTransaction)
	return transaction.New(id, transaction.Input{
		AgentID:   agent,
		Recipient: req.PayTo,
		Amount:    amount,
		Currency:  currency,
		Purpose:   req.Description,
		Protocol:  protocol,
		Metadata:  meta,
	}, time.Now())
}
