package client

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/logger"
)

// WebhookClient POSTs event envelopes to a single endpoint. The event ID is
// sent as Idempotency-Key so receivers can drop redeliveries.
type WebhookClient struct {
	url  string
	http *resty.Client
	log  *logger.Logger
}

// NewWebhookClient creates a new WebhookClient.
func NewWebhookClient(url string, timeout time.Duration, log *logger.Logger) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{
		url: url,
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("User-Agent", "be-deal-desk"),
		log: log.Component("webhook-channel"),
	}
}

// Deliver posts the event. Transport failures and non-2xx responses are
// errors so the outbox retries.
func (c *WebhookClient) Deliver(ctx context.Context, event *domain.OutboxEvent) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", event.ID).
		SetHeader("X-Event-Type", event.EventType).
		SetBody(NewEnvelope(event)).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	c.log.Debug().
		Str("event_id", event.ID).
		Str("event_type", event.EventType).
		Int("status", resp.StatusCode()).
		Msg("webhook: event delivered")
	return nil
}

// Close releases idle connections.
func (c *WebhookClient) Close() error {
	c.http.GetClient().CloseIdleConnections()
	return nil
}
