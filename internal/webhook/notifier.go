// Package webhook delivers signed batch lifecycle events to caller-supplied
// callback URLs. Delivery is best-effort: exhausting retries is reported to
// the caller but never feeds back into job or batch state.
package webhook

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
	"time"

	"github.com/rs/zerolog/log"

	"convoflow/internal/domain"
)

const (
	EventBatchProgress = "batch.progress"
	EventBatchComplete = "batch.complete"
	EventBatchFailed   = "batch.failed"

	// SignatureHeader carries the hex-encoded HMAC-SHA256 of the raw body.
	SignatureHeader = "X-Webhook-Signature"

	userAgent = "convoflow/1.0"
)

var ErrExhausted = errors.New("webhook delivery exhausted")

// Event is the outbound notification body.
type Event struct {
	Type      string         `json:"event_type"`
	BatchID   string         `json:"batch_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// ProgressEvent reports a 10% completion boundary crossing.
func ProgressEvent(b domain.BatchRun) Event {
	return Event{
		Type:      EventBatchProgress,
		BatchID:   b.ID,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"total":            b.Total,
			"completed_count":  b.CompletedCount,
			"failed_count":     b.FailedCount,
			"pending_count":    b.Total - b.Done() - b.CancelledCount,
			"progress_percent": b.ProgressPercent(),
		},
	}
}

// CompleteEvent reports batch termination with no failures.
func CompleteEvent(b domain.BatchRun) Event {
	successRate := 0.0
	if b.Total > 0 {
		successRate = float64(b.CompletedCount) / float64(b.Total) * 100
	}
	return Event{
		Type:      EventBatchComplete,
		BatchID:   b.ID,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"total":           b.Total,
			"completed_count": b.CompletedCount,
			"failed_count":    b.FailedCount,
			"success_rate":    successRate,
		},
	}
}

// FailedEvent reports batch termination with at least one failed job.
func FailedEvent(b domain.BatchRun) Event {
	return Event{
		Type:      EventBatchFailed,
		BatchID:   b.ID,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"total":           b.Total,
			"completed_count": b.CompletedCount,
			"failed_count":    b.FailedCount,
		},
	}
}

// Sign computes the hex-encoded HMAC-SHA256 of body with the shared secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time. Receivers
// use this to authenticate the sender.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}

// Notifier posts events with per-attempt timeouts and exponential backoff.
type Notifier struct {
	client      *http.Client
	timeout     time.Duration
	maxRetries  int
	backoffBase time.Duration
}

func NewNotifier(timeout time.Duration, maxRetries int) *Notifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 3
	}
	return &Notifier{
		client:      &http.Client{},
		timeout:     timeout,
		maxRetries:  maxRetries,
		backoffBase: time.Second,
	}
}

// Send delivers the event to callbackURL, signing the serialized body with
// secret. Non-2xx responses and timeouts are retried with exponential
// backoff up to maxRetries, except 4xx responses which are permanent.
func (n *Notifier) Send(ctx context.Context, event Event, callbackURL, secret string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	signature := Sign(body, secret)

	var lastErr error
	attempts := n.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.backoff(attempt)):
			}
		}

		retryable, err := n.post(ctx, callbackURL, body, signature)
		if err == nil {
			log.Info().Str("event", event.Type).Str("batch_id", event.BatchID).
				Int("attempt", attempt+1).Msg("webhook delivered")
			return nil
		}
		lastErr = err
		if !retryable {
			log.Warn().Err(err).Str("event", event.Type).Str("url", callbackURL).
				Msg("webhook rejected, not retrying")
			return fmt.Errorf("%w: %v", ErrExhausted, err)
		}
		log.Warn().Err(err).Str("event", event.Type).Str("url", callbackURL).
			Int("attempt", attempt+1).Int("max", attempts).Msg("webhook attempt failed")
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempts, lastErr)
}

func (n *Notifier) post(ctx context.Context, url string, body []byte, signature string) (retryable bool, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(SignatureHeader, signature)

	resp, err := n.client.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	// Client errors won't heal on retry; server errors might.
	return resp.StatusCode >= 500, fmt.Errorf("webhook status %d", resp.StatusCode)
}

func (n *Notifier) backoff(attempt int) time.Duration {
	d := n.backoffBase << (attempt - 1) // 1,2,4,8...
	if max := 30 * time.Second; d > max {
		d = max
	}
	return d
}
