package response

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jmylchreest/predictqueue/internal/prediction"
)

// maxAttempts mirrors the teacher's webhook retry budget: 1 initial attempt
// plus 2 retries, waiting attempt^2 seconds before each retry (4s before
// attempt 2, 9s before attempt 3).
const maxAttempts = 3

// HTTPPoster is the subset of *http.Client the webhook sink needs; narrowed
// to ease testing with a fake transport.
type HTTPPoster interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookSink POSTs JSON to a fixed URL, filtering intermediate events by an
// events_filter computed once per job. "completed" is always delivered.
type WebhookSink struct {
	client      HTTPPoster
	url         string
	secret      string
	filter      prediction.EventFilter
	backoffUnit time.Duration
}

// NewWebhookSink constructs a WebhookSink without a signing secret; use
// WithSecret to make outbound requests carry an HMAC-SHA256 signature header.
func NewWebhookSink(client HTTPPoster, url string, filter prediction.EventFilter) *WebhookSink {
	return &WebhookSink{client: client, url: url, filter: filter, backoffUnit: time.Second}
}

// WithSecret sets the HMAC signing secret, returning the sink for chaining.
func (s *WebhookSink) WithSecret(secret string) *WebhookSink {
	s.secret = secret
	return s
}

// WithBackoffUnit overrides the retry backoff unit (default 1s, giving
// attempt^2 * unit delays); tests use this to shrink retry waits.
func (s *WebhookSink) WithBackoffUnit(unit time.Duration) *WebhookSink {
	s.backoffUnit = unit
	return s
}

// Deliver implements Sink.
func (s *WebhookSink) Deliver(ctx context.Context, kind string, resp *prediction.Response) error {
	if kind != "completed" && !s.filter[kind] {
		return nil
	}

	payload, err := resp.MarshalDelivery()
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	return s.deliverWithRetries(ctx, payload)
}

func (s *WebhookSink) deliverWithRetries(ctx context.Context, payload []byte) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt*attempt) * s.backoffUnit
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		statusCode, err := s.deliverOnce(ctx, payload)
		if err == nil && statusCode >= 200 && statusCode < 300 {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("webhook %s responded with status %d", s.url, statusCode)
		}
	}
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", maxAttempts, lastErr)
}

func (s *WebhookSink) deliverOnce(ctx context.Context, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "predictqueue-worker/1.0")
	if s.secret != "" {
		req.Header.Set("X-Signature-256", "sha256="+s.computeSignature(payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return resp.StatusCode, nil
}

func (s *WebhookSink) computeSignature(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
