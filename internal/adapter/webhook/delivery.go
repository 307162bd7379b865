package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pixtools/pixtools/internal/adapter/observability"
	"github.com/pixtools/pixtools/internal/domain"
)

// Notifier delivers completion payloads over HTTP POST with bounded
// retries and circuit breaker protection.
type Notifier struct {
	client   *http.Client
	breakers *breakerSet

	// retry schedule within the closed state: at most maxAttempts tries.
	initialInterval time.Duration
	maxAttempts     int
}

// Option tunes a Notifier (test hook for timing).
type Option func(*Notifier)

// WithRetrySchedule overrides the in-delivery retry schedule.
func WithRetrySchedule(initial time.Duration, attempts int) Option {
	return func(n *Notifier) {
		n.initialInterval = initial
		n.maxAttempts = attempts
	}
}

// NewNotifier constructs a Notifier with the given breaker thresholds and
// per-request timeout.
func NewNotifier(failThreshold int, resetTimeout, requestTimeout time.Duration, opts ...Option) *Notifier {
	n := &Notifier{
		client:          &http.Client{Timeout: requestTimeout},
		breakers:        newBreakerSet(failThreshold, resetTimeout),
		initialInterval: 500 * time.Millisecond,
		maxAttempts:     2,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Deliver posts the payload to rawURL. Returns WebhookSkipped when the
// destination host's breaker is open, WebhookFailed after the retry
// budget is exhausted. One Deliver call counts as at most one breaker
// failure regardless of internal retries.
func (n *Notifier) Deliver(ctx context.Context, rawURL string, payload domain.WebhookPayload) domain.WebhookResult {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		slog.Warn("webhook url unparsable, dropping delivery", slog.String("url", rawURL))
		observability.ObserveWebhook("failed")
		return domain.WebhookFailed
	}
	b := n.breakers.forHost(u.Host)
	if !b.Allow() {
		slog.Warn("webhook breaker open, skipping delivery",
			slog.String("host", u.Host), slog.String("job_id", payload.JobID))
		observability.ObserveWebhook("skipped")
		return domain.WebhookSkipped
	}

	err = n.post(ctx, rawURL, payload)
	b.Record(err == nil)
	if err != nil {
		slog.Error("webhook delivery failed",
			slog.String("host", u.Host), slog.String("job_id", payload.JobID), slog.Any("error", err))
		observability.ObserveWebhook("failed")
		return domain.WebhookFailed
	}
	slog.Info("webhook delivered",
		slog.String("host", u.Host), slog.String("job_id", payload.JobID))
	observability.ObserveWebhook("delivered")
	return domain.WebhookOK
}

// post attempts the HTTP call with exponential backoff, up to maxAttempts.
func (n *Notifier) post(ctx context.Context, rawURL string, payload domain.WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=webhook.marshal: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = n.initialInterval
	bo.Multiplier = 4 // 0.5s then 2s by default
	bo.RandomizationFactor = 0

	attempt := 0
	operation := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("op=webhook.post: status %d", resp.StatusCode)
	}

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(n.maxAttempts-1)), ctx))
}
