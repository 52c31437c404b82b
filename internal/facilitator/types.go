// Package facilitator implements the Facilitator Adapter: a policy-gated,
// circuit-breaker-protected wrapper around an external payment-protocol
// client.
package facilitator

import "context"

// X402Payload is the opaque payment payload attached to an x402-style
// verify/settle request.
type X402Payload struct {
	X402Version   int
	Scheme        string
	Network       string
	Payload       string // opaque, protocol-specific
	Resource      string
	Payer         string // optional
	MandateSigner string // required when Scheme is the agent-mandate scheme
}

// MandateScheme is the X402Payload.Scheme value identifying an
// agent-to-agent mandated transfer, gated on MandateSigner being a
// well-formed Ethereum address.
const MandateScheme = "agent-mandate"

// X402Requirements describes what a resource server demands for payment.
type X402Requirements struct {
	Scheme            string
	Network           string
	MaxAmountRequired string // stringified integer, smallest currency unit
	Resource          string
	PayTo             string
	Description       string
}

// VerifyResult is the FacilitatorClient's verify reply.
type VerifyResult struct {
	IsValid       bool
	Payer         string
	InvalidReason string
}

// SettleResult is the FacilitatorClient's settle reply.
type SettleResult struct {
	Success bool
	TxHash  string
	Network string
	Error   string
}

// SupportedResult enumerates a facilitator's supported schemes/networks.
type SupportedResult struct {
	Schemes  []string
	Networks []string
}

// FacilitatorClient is the external payment-protocol collaborator the
// Adapter wraps. All three methods may block and may return an error.
type FacilitatorClient interface {
	Verify(ctx context.Context, payload X402Payload, requirements X402Requirements) (VerifyResult, error)
	Settle(ctx context.Context, payload X402Payload, requirements X402Requirements) (SettleResult, error)
	Supported(ctx context.Context) (SupportedResult, error)
}
