package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/logger"
)

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one topic, keyed by deal so a deal's events
// stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	log    *logger.Logger
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, log *logger.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
	}
	return newKafkaPublisher(w, log)
}

func newKafkaPublisher(w messageWriter, log *logger.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, log: log.Component("kafka-channel")}
}

// Deliver writes the event synchronously.
func (p *KafkaPublisher) Deliver(ctx context.Context, event *domain.OutboxEvent) error {
	data, err := json.Marshal(NewEnvelope(event))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := event.ID
	if event.DealID != nil {
		key = *event.DealID
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}

	p.log.Debug().
		Str("event_id", event.ID).
		Str("key", key).
		Msg("kafka: event written")
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
