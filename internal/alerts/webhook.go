package alerts

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// NewWebhookHandler returns a Handler that POSTs each fired Alert as JSON
// to url, HMAC-signing the body when secret is non-empty. Delivery errors
// are logged by the caller — the Evaluator already catches and logs
// Handler errors, so this only needs to return them.
func NewWebhookHandler(url, secret string, client *http.Client, logger *slog.Logger) Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(a Alert) error {
		payload, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("alerts: marshal webhook payload: %w", err)
		}

		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("alerts: build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Paysentry-Alert-Type", string(a.Type))
		req.Header.Set("X-Paysentry-Alert-Severity", string(a.Severity))
		if secret != "" {
			req.Header.Set("X-Paysentry-Signature", signPayload(payload, secret))
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("alerts: webhook delivery failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("alerts: webhook endpoint returned status %d", resp.StatusCode)
		}
		return nil
	}
}

func signPayload(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
