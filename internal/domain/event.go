package domain

import (
	"encoding/json"
	"time"
)

// EventStatus is the delivery state of an outbox event.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventDispatched EventStatus = "dispatched"
	EventFailed     EventStatus = "failed"
)

// Event types written by the core.
const (
	EventQuoteGenerated        = "quote.generated"
	EventGuardrailViolation    = "guardrail.violation"
	EventGuardrailReview       = "guardrail.review_required"
	EventStageChanged          = "deal.stage_changed"
	EventPaymentFailure        = "payment.failure"
	EventPaymentRollback       = "payment.rollback"
	EventPaymentSucceeded      = "payment.succeeded"
	EventApprovalStatusChanged = "approval.status_changed"
)

// OutboxEvent is a notification recorded in the same transaction as the
// business change it describes.
type OutboxEvent struct {
	ID        string
	DealID    *string
	EventType string
	Payload   json.RawMessage
	Channel   string
	Status    EventStatus
	Attempts  int
	NextRunAt time.Time
	LastError *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy.
func (e *OutboxEvent) Clone() *OutboxEvent {
	c := *e
	c.DealID = cloneString(e.DealID)
	c.LastError = cloneString(e.LastError)
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &c
}
