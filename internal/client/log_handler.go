package client

import (
	"context"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/logger"
)

// LogHandler writes events to the service log instead of an external system.
type LogHandler struct {
	log *logger.Logger
}

// NewLogHandler creates a new LogHandler.
func NewLogHandler(log *logger.Logger) *LogHandler {
	return &LogHandler{log: log.Component("log-channel")}
}

// Deliver logs the event. It never fails.
func (h *LogHandler) Deliver(_ context.Context, event *domain.OutboxEvent) error {
	e := h.log.Info().
		Str("event_id", event.ID).
		Str("event_type", event.EventType).
		RawJSON("payload", NewEnvelope(event).Payload)
	if event.DealID != nil {
		e = e.Str("deal_id", *event.DealID)
	}
	e.Msg("Outbox event delivered")
	return nil
}

func (h *LogHandler) Close() error { return nil }
