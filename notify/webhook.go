package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/mmate-eventbus/internal/reliability"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Hub-Signature-256"

// WebhookNotifier posts warnings as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	url     string
	secret  string
	client  *http.Client
	logger  *slog.Logger
	retries int
	initial time.Duration
	max     time.Duration
	policy  *reliability.ExponentialBackoff
}

// WebhookOption configures the WebhookNotifier
type WebhookOption func(*WebhookNotifier)

// WithSecret signs each request body with secret.
func WithSecret(secret string) WebhookOption {
	return func(w *WebhookNotifier) {
		w.secret = secret
	}
}

// WithRetries sets the number of retry attempts
func WithRetries(retries int) WebhookOption {
	return func(w *WebhookNotifier) {
		w.retries = retries
	}
}

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) WebhookOption {
	return func(w *WebhookNotifier) {
		w.client.Timeout = timeout
	}
}

// WithBackoff sets the first wait between retries and its cap. The wait
// doubles after each retry; defaults are 1s and 10s.
func WithBackoff(initial, max time.Duration) WebhookOption {
	return func(w *WebhookNotifier) {
		w.initial = initial
		w.max = max
	}
}

// WithWebhookLogger sets the logger
func WithWebhookLogger(logger *slog.Logger) WebhookOption {
	return func(w *WebhookNotifier) {
		w.logger = logger
	}
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string, opts ...WebhookOption) *WebhookNotifier {
	w := &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  slog.Default(),
		retries: 3,
		initial: time.Second,
		max:     10 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.policy = reliability.NewExponentialBackoff(w.initial, w.max, 2, w.retries)
	w.policy.Jitter = false
	return w
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, warning Warning) error {
	body, err := json.Marshal(warning)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	return w.sendWithRetries(ctx, body)
}

func (w *WebhookNotifier) sendWithRetries(ctx context.Context, body []byte) error {
	attempts := 0
	_, err := reliability.Retry(ctx, w.policy, func() (struct{}, error) {
		attempts++
		return struct{}{}, w.send(ctx, body)
	}, func(attempt int, wait time.Duration, err error) {
		w.logger.Warn("webhook send failed", "url", w.url, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		return fmt.Errorf("webhook failed after %d attempts: %w", attempts, err)
	}
	w.logger.Debug("webhook sent", "url", w.url, "attempt", attempts)
	return nil
}

func (w *WebhookNotifier) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mmate-eventbus/1.0")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook returned status %d", resp.StatusCode)
		// Client errors other than rate limiting will not succeed on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return reliability.Permanent(err)
		}
		return err
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
