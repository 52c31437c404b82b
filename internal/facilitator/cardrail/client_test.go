package cardrail

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripe/stripe-go/v81"

	"github.com/mbd888/paysentry/internal/facilitator"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:        stripe.String(u.String()),
		HTTPClient: srv.Client(),
		LeveledLogger: stripe.DefaultLeveledLogger,
	})
	return NewWithBackends("sk_test_123", "usd", &stripe.Backends{API: backend})
}

func TestVerifyAcceptsCapturablePaymentIntent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"pi_123","object":"payment_intent","amount":1000000,"status":"requires_capture","customer":"cus_abc"}`)
	})

	result, err := c.Verify(context.Background(),
		facilitator.X402Payload{Payload: "pi_123"},
		facilitator.X402Requirements{MaxAmountRequired: "1000000"},
	)
	require.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, "cus_abc", result.Payer)
}

func TestVerifyRejectsUndersizedPaymentIntent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"pi_123","object":"payment_intent","amount":500,"status":"requires_capture"}`)
	})

	result, err := c.Verify(context.Background(),
		facilitator.X402Payload{Payload: "pi_123"},
		facilitator.X402Requirements{MaxAmountRequired: "1000000"},
	)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, "below required amount")
}

func TestVerifyRejectsNonCapturableStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"pi_123","object":"payment_intent","amount":1000000,"status":"canceled"}`)
	})

	result, err := c.Verify(context.Background(),
		facilitator.X402Payload{Payload: "pi_123"},
		facilitator.X402Requirements{MaxAmountRequired: "1000000"},
	)
	require.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, "not capturable")
}

func TestSettleCapturesAndReturnsSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"pi_123","object":"payment_intent","amount":1000000,"status":"succeeded"}`)
	})

	result, err := c.Settle(context.Background(),
		facilitator.X402Payload{Payload: "pi_123"},
		facilitator.X402Requirements{MaxAmountRequired: "1000000"},
	)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "pi_123", result.TxHash)
	assert.Equal(t, "card:usd", result.Network)
}

func TestSettleReportsFailureWithoutError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"error":{"type":"card_error","message":"card declined","code":"card_declined"}}`)
	})

	result, err := c.Settle(context.Background(),
		facilitator.X402Payload{Payload: "pi_123"},
		facilitator.X402Requirements{MaxAmountRequired: "1000000"},
	)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestSupportedReportsCardScheme(t *testing.T) {
	c := New("sk_test_123", "")
	result, err := c.Supported(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"card"}, result.Schemes)
	assert.Equal(t, []string{"usd"}, result.Networks)
}
