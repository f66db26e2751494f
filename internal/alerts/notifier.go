package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Jrmromao/prompt-craft-sub007/internal/circuitbreaker"
	"github.com/Jrmromao/prompt-craft-sub007/internal/logging"
	"github.com/Jrmromao/prompt-craft-sub007/internal/metrics"
	"github.com/Jrmromao/prompt-craft-sub007/internal/retry"
)

// Notifier delivers a triggered event. cfg is the tenant's alert config.
type Notifier interface {
	Notify(ctx context.Context, cfg *Config, ev *Event) error
}

// LogNotifier writes events to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, cfg *Config, ev *Event) error {
	logging.L(ctx).Warn("alert triggered",
		"tenant_id", ev.TenantID, "alert_id", ev.ID, "type", ev.Type,
		"observed", ev.Observed.String(), "threshold", ev.Threshold.String(),
		"operations", ev.Operations)
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, cfg *Config, ev *Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, cfg, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Webhook headers.
const (
	HeaderEvent     = "X-PromptCraft-Event"
	HeaderTimestamp = "X-PromptCraft-Timestamp"
	HeaderSignature = "X-PromptCraft-Signature"
)

// WebhookNotifier POSTs events as JSON to the tenant's webhook URL, or to a
// default URL when the tenant has none. Transient failures are retried; a
// destination that keeps failing is skipped until its circuit half-opens.
type WebhookNotifier struct {
	client     *http.Client
	defaultURL string
	secret     string
	policy     retry.Policy
	breaker    *circuitbreaker.Breaker
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient replaces the default 10s-timeout client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookNotifier) { w.client = c }
}

// WithSigningSecret signs payloads with HMAC-SHA256 in HeaderSignature.
func WithSigningSecret(secret string) WebhookOption {
	return func(w *WebhookNotifier) { w.secret = secret }
}

// WithRetryPolicy replaces retry.WebhookPolicy.
func WithRetryPolicy(p retry.Policy) WebhookOption {
	return func(w *WebhookNotifier) { w.policy = p }
}

// WithBreaker replaces the default breaker (5 failures, 1 minute open).
func WithBreaker(b *circuitbreaker.Breaker) WebhookOption {
	return func(w *WebhookNotifier) { w.breaker = b }
}

// NewWebhookNotifier creates a webhook notifier. defaultURL may be empty.
func NewWebhookNotifier(defaultURL string, opts ...WebhookOption) *WebhookNotifier {
	w := &WebhookNotifier{
		client:     &http.Client{Timeout: 10 * time.Second},
		defaultURL: defaultURL,
		policy:     retry.WebhookPolicy,
		breaker:    circuitbreaker.New(5, time.Minute),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Notify delivers ev. Events for tenants without a destination are dropped.
func (w *WebhookNotifier) Notify(ctx context.Context, cfg *Config, ev *Event) error {
	target := w.defaultURL
	if cfg != nil && cfg.WebhookURL != "" {
		target = cfg.WebhookURL
	}
	if target == "" {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("alerts: webhook url: %w", err)
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("alerts: encode event: %w", err)
	}

	err = w.breaker.Execute(u.Host, func() error {
		return w.policy.Do(ctx, func() error { return w.post(ctx, target, ev, payload) })
	})
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.WebhookDeliveriesTotal.WithLabelValues("skipped").Inc()
	case err != nil:
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	}
	if err != nil {
		return fmt.Errorf("alerts: webhook %s: %w", u.Host, err)
	}
	return nil
}

func (w *WebhookNotifier) post(ctx context.Context, target string, ev *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.CreatedAt.Unix(), 10))
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		// The receiver rejected the payload; resending it will not help.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
