// Package client delivers outbox events to external channels.
package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pesio-ai/be-deal-desk/internal/config"
	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/logger"
	"github.com/pesio-ai/be-deal-desk/internal/outbox"
)

// Channel is an outbox handler that owns a connection.
type Channel interface {
	outbox.Handler
	Close() error
}

// Envelope is the JSON document sent to every channel.
type Envelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	DealID    *string         `json:"deal_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEnvelope wraps an outbox event for delivery. Attempts counts the
// delivery in progress.
func NewEnvelope(event *domain.OutboxEvent) Envelope {
	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return Envelope{
		EventID:   event.ID,
		EventType: event.EventType,
		DealID:    event.DealID,
		Payload:   payload,
		Attempts:  event.Attempts + 1,
		CreatedAt: event.CreatedAt,
	}
}

// NewHandler builds the channel selected by cfg.Outbox.Channel. It is called
// once at startup.
func NewHandler(cfg *config.Config, log *logger.Logger) (Channel, error) {
	switch cfg.Outbox.Channel {
	case config.ChannelLog:
		return NewLogHandler(log), nil
	case config.ChannelWebhook:
		return NewWebhookClient(cfg.Webhook.URL, cfg.Webhook.Timeout, log), nil
	case config.ChannelNATS:
		return DialNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix, cfg.Service.Name, log)
	case config.ChannelKafka:
		return NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log), nil
	}
	return nil, fmt.Errorf("unknown outbox channel %q", cfg.Outbox.Channel)
}
