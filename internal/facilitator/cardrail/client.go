// Package cardrail implements facilitator.FacilitatorClient against the
// Stripe card rail, for the "card" protocol tag spec.md lists alongside
// x402 and agent-mandate transfers but x402 itself cannot address.
package cardrail

import (
	"context"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/paysentry/internal/facilitator"
)

// Client implements facilitator.FacilitatorClient by verifying and
// capturing PaymentIntents against the Stripe API. "Verify" confirms a
// PaymentIntent exists and is large enough to cover the requirement but
// does not capture funds; "Settle" captures it. Neither call confirms an
// unconfirmed PaymentIntent.
type Client struct {
	sc       *client.API
	currency string // ISO currency code, e.g. "usd"
}

// New builds a Client authenticated with a Stripe secret key.
func New(secretKey string, currency string) *Client {
	if currency == "" {
		currency = "usd"
	}
	return &Client{sc: client.New(secretKey, nil), currency: currency}
}

// NewWithBackends builds a Client against a caller-supplied set of Stripe
// backends, for pointing at a mock server in tests.
func NewWithBackends(secretKey string, currency string, backends *stripe.Backends) *Client {
	if currency == "" {
		currency = "usd"
	}
	return &Client{sc: client.New(secretKey, backends), currency: currency}
}

// Verify looks up the PaymentIntent named by payload.Payload (its id) and
// checks its status is requires_capture or succeeded and its amount meets
// requirements.MaxAmountRequired.
func (c *Client) Verify(ctx context.Context, payload facilitator.X402Payload, requirements facilitator.X402Requirements) (facilitator.VerifyResult, error) {
	pi, err := c.sc.PaymentIntents.Get(payload.Payload, nil)
	if err != nil {
		return facilitator.VerifyResult{}, fmt.Errorf("cardrail: fetch payment intent: %w", err)
	}

	required, err := strconv.ParseInt(requirements.MaxAmountRequired, 10, 64)
	if err != nil {
		return facilitator.VerifyResult{}, fmt.Errorf("cardrail: invalid maxAmountRequired %q: %w", requirements.MaxAmountRequired, err)
	}

	if pi.Amount < required {
		return facilitator.VerifyResult{IsValid: false, InvalidReason: "cardrail: payment intent amount below required amount"}, nil
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture && pi.Status != stripe.PaymentIntentStatusSucceeded {
		return facilitator.VerifyResult{IsValid: false, InvalidReason: fmt.Sprintf("cardrail: payment intent status %s not capturable", pi.Status)}, nil
	}

	payer := ""
	if pi.Customer != nil {
		payer = pi.Customer.ID
	}
	return facilitator.VerifyResult{IsValid: true, Payer: payer}, nil
}

// Settle captures the PaymentIntent named by payload.Payload.
func (c *Client) Settle(ctx context.Context, payload facilitator.X402Payload, requirements facilitator.X402Requirements) (facilitator.SettleResult, error) {
	pi, err := c.sc.PaymentIntents.Capture(payload.Payload, &stripe.PaymentIntentCaptureParams{})
	if err != nil {
		return facilitator.SettleResult{Success: false, Error: err.Error()}, nil
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return facilitator.SettleResult{Success: false, Error: fmt.Sprintf("cardrail: capture left status %s", pi.Status)}, nil
	}
	return facilitator.SettleResult{Success: true, TxHash: pi.ID, Network: "card:" + c.currency}, nil
}

// Supported reports the single "card" scheme this rail serves.
func (c *Client) Supported(ctx context.Context) (facilitator.SupportedResult, error) {
	return facilitator.SupportedResult{Schemes: []string{"card"}, Networks: []string{c.currency}}, nil
}
