package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hiveops/hive/internal/circuitbreaker"
	"github.com/hiveops/hive/internal/tracing"
)

// WebhookSender delivers alert payloads over HTTP POST. Each destination
// URL gets its own circuit breaker so one dead endpoint cannot slow every
// flush that alerts.
type WebhookSender struct {
	client   *http.Client
	breakers *circuitbreaker.Set
	secret   string
}

// WebhookOption configures a WebhookSender.
type WebhookOption func(*WebhookSender)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookSender) { w.client = c }
}

// WithSigningSecret enables HMAC-SHA256 body signing. Receivers verify the
// X-Hive-Signature header against their copy of the secret.
func WithSigningSecret(secret string) WebhookOption {
	return func(w *WebhookSender) { w.secret = secret }
}

// NewWebhookSender builds a sender with a 5 second timeout and trace
// propagation on outbound requests.
func NewWebhookSender(opts ...WebhookOption) *WebhookSender {
	w := &WebhookSender{
		client: &http.Client{
			Timeout:   5 * time.Second,
			Transport: tracing.HTTPTransport(nil),
		},
		breakers: circuitbreaker.NewSet(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Send POSTs the payload as JSON. Network failures and non-2xx responses
// count against the destination's breaker.
func (w *WebhookSender) Send(ctx context.Context, url string, payload map[string]any) error {
	br := w.breakers.For(url)
	if !br.Allow() {
		return fmt.Errorf("webhook %s: circuit open", url)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("X-Hive-Signature", w.sign(body))
	}
	resp, err := w.client.Do(req)
	if err != nil {
		br.RecordFailure()
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		br.RecordFailure()
		return fmt.Errorf("webhook %s returned %d", url, resp.StatusCode)
	}
	br.RecordSuccess()
	return nil
}

func (w *WebhookSender) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(w.secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
