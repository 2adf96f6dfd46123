package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/logger"
)

// natsConn is the subset of *nats.Conn the publisher needs.
type natsConn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSPublisher publishes deal desk events to NATS.
//
// Subject convention: <prefix>.<event_type>, e.g. dealdesk.events.payment.failure
//
// Publish errors are returned so the outbox can mark the event failed and
// retry it.
type NATSPublisher struct {
	conn   natsConn
	prefix string
	log    *logger.Logger
}

// DialNATS connects to url and returns a publisher on it.
func DialNATS(url, prefix, name string, log *logger.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return NewNATSPublisher(nc, prefix, log), nil
}

// NewNATSPublisher creates a publisher backed by the given connection.
func NewNATSPublisher(conn natsConn, prefix string, log *logger.Logger) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix, log: log.Component("nats-channel")}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	if p.prefix == "" {
		return eventType
	}
	return p.prefix + "." + eventType
}

// Deliver publishes the event and waits for the server to acknowledge the
// flush.
func (p *NATSPublisher) Deliver(ctx context.Context, event *domain.OutboxEvent) error {
	data, err := json.Marshal(NewEnvelope(event))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := p.Subject(event.EventType)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("event_id", event.ID).
		Msg("nats: event published")
	return nil
}

// Close drops the connection.
func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}
