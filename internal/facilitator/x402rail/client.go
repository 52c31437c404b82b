// Package x402rail implements facilitator.FacilitatorClient against a
// remote x402 facilitator's HTTP verify/settle/supported endpoints.
package x402rail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/paysentry/internal/facilitator"
)

// Client wraps http.Client to implement facilitator.FacilitatorClient
// against a remote facilitator server's /verify, /settle, /supported
// endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New builds a Client against a facilitator server's base URL
// (e.g. "https://x402.org/facilitator").
func New(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
	}
}

type wireRequest struct {
	X402Version int                        `json:"x402Version"`
	PaymentPayload wirePayload              `json:"paymentPayload"`
	PaymentRequirements wireRequirements    `json:"paymentRequirements"`
}

type wirePayload struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
	Payload string `json:"payload"`
	Resource string `json:"resource,omitempty"`
	Payer   string `json:"payer,omitempty"`
}

type wireRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	PayTo             string `json:"payTo"`
	Description       string `json:"description,omitempty"`
}

type wireVerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	Payer         string `json:"payer,omitempty"`
	InvalidReason string `json:"invalidReason,omitempty"`
}

type wireSettleResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Network string `json:"network,omitempty"`
	Error   string `json:"error,omitempty"`
}

type wireSupportedResponse struct {
	Schemes  []string `json:"schemes"`
	Networks []string `json:"networks"`
}

func toWireRequest(payload facilitator.X402Payload, requirements facilitator.X402Requirements) wireRequest {
	return wireRequest{
		X402Version: payload.X402Version,
		PaymentPayload: wirePayload{
			Scheme: payload.Scheme, Network: payload.Network,
			Payload: payload.Payload, Resource: payload.Resource, Payer: payload.Payer,
		},
		PaymentRequirements: wireRequirements{
			Scheme: requirements.Scheme, Network: requirements.Network,
			MaxAmountRequired: requirements.MaxAmountRequired, Resource: requirements.Resource,
			PayTo: requirements.PayTo, Description: requirements.Description,
		},
	}
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("x402rail: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("x402rail: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("x402rail: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("x402rail: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("x402rail: facilitator returned %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("x402rail: parse response: %w", err)
	}
	return nil
}

// Verify forwards to the facilitator's /verify endpoint.
func (c *Client) Verify(ctx context.Context, payload facilitator.X402Payload, requirements facilitator.X402Requirements) (facilitator.VerifyResult, error) {
	var out wireVerifyResponse
	if err := c.post(ctx, "/verify", toWireRequest(payload, requirements), &out); err != nil {
		return facilitator.VerifyResult{}, err
	}
	return facilitator.VerifyResult{IsValid: out.IsValid, Payer: out.Payer, InvalidReason: out.InvalidReason}, nil
}

// Settle forwards to the facilitator's /settle endpoint.
func (c *Client) Settle(ctx context.Context, payload facilitator.X402Payload, requirements facilitator.X402Requirements) (facilitator.SettleResult, error) {
	var out wireSettleResponse
	if err := c.post(ctx, "/settle", toWireRequest(payload, requirements), &out); err != nil {
		return facilitator.SettleResult{}, err
	}
	return facilitator.SettleResult{Success: out.Success, TxHash: out.TxHash, Network: out.Network, Error: out.Error}, nil
}

// Supported fetches the facilitator's supported schemes/networks.
func (c *Client) Supported(ctx context.Context) (facilitator.SupportedResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/supported", nil)
	if err != nil {
		return facilitator.SupportedResult{}, fmt.Errorf("x402rail: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return facilitator.SupportedResult{}, fmt.Errorf("x402rail: request failed: %w", err)
	}
	defer resp.Body.Close()

	var out wireSupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return facilitator.SupportedResult{}, fmt.Errorf("x402rail: parse response: %w", err)
	}
	return facilitator.SupportedResult{Schemes: out.Schemes, Networks: out.Networks}, nil
}
