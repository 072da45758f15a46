package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eduzayn/Educhat-Versao-Final-sub001/pkg/contracts"
)

// WebhookSink posts each event as JSON to a URL with optional HMAC-SHA256
// signing. Failed deliveries are retried up to three attempts in total;
// 4xx responses other than 429 are not retried.
type WebhookSink struct {
	url        string
	secret     string
	client     *http.Client
	newBackOff func() backoff.BackOff
}

var _ contracts.EventSink = (*WebhookSink)(nil)

// WebhookOption configures a WebhookSink.
type WebhookOption func(*WebhookSink)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) WebhookOption { return func(w *WebhookSink) { w.client = c } }

// WithWebhookBackOff replaces the retry policy.
func WithWebhookBackOff(f func() backoff.BackOff) WebhookOption {
	return func(w *WebhookSink) { w.newBackOff = f }
}

// NewWebhookSink creates a sink posting to url. An empty secret disables signing.
func NewWebhookSink(url, secret string, opts ...WebhookOption) *WebhookSink {
	w := &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 15 * time.Second},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			return backoff.WithMaxRetries(b, 2)
		},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Name returns "webhook".
func (w *WebhookSink) Name() string { return "webhook" }

// Publish posts ev to the webhook URL.
func (w *WebhookSink) Publish(ctx context.Context, ev contracts.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	sig := ""
	if w.secret != "" {
		sig = "sha256=" + Sign(w.secret, body)
	}

	attempts := 0
	op := func() error {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "EduChat-Webhook/1.0")
		req.Header.Set("X-EduChat-Event", ev.Meta.Type)
		req.Header.Set("X-EduChat-Delivery", ev.Meta.ID)
		if sig != "" {
			req.Header.Set("X-EduChat-Signature", sig)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, w.url))
		default:
			return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, w.url)
		}
	}
	if err := backoff.Retry(op, backoff.WithContext(w.newBackOff(), ctx)); err != nil {
		return fmt.Errorf("webhook failed after %d attempts: %w", attempts, err)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret, as sent in the
// X-EduChat-Signature header after the "sha256=" prefix.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
