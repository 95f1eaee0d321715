package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Event is the payload delivered when budget consumption crosses the
// alert threshold.
type Event struct {
	Period     string    `json:"period"`
	Percentage float64   `json:"percentage"`
	Used       int64     `json:"used"`
	Limit      int64     `json:"limit"`
	Remaining  int64     `json:"remaining"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink receives budget alerts. Delivery is best-effort: a sink error
// must never fail the operation that triggered the alert.
type Sink interface {
	Notify(ctx context.Context, event Event) error
}

// LogSink writes alerts to the process log.
type LogSink struct{}

// Notify logs the alert.
func (LogSink) Notify(_ context.Context, event Event) error {
	log.Printf("budget alert: period=%s used=%d/%d (%.1f%%), remaining=%d",
		event.Period, event.Used, event.Limit, event.Percentage, event.Remaining)
	return nil
}

// WebhookSink POSTs alerts as JSON to a configured URL.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink with a bounded request timeout.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Notify delivers the alert. Non-2xx responses are reported as errors
// so the caller can log them; they are never fatal.
func (s *WebhookSink) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}
