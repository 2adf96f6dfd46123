// Package outbox records notifications in the same transaction as the change
// they describe and delivers them later with retry and backoff.
package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/errors"
	"github.com/pesio-ai/be-deal-desk/internal/logger"
	"github.com/pesio-ai/be-deal-desk/internal/repository"
)

// Config tunes delivery.
type Config struct {
	// Channel is stamped on events enqueued without one.
	Channel   string
	BatchSize int
	// MaxAttempts bounds automatic retries of failed events. Zero disables
	// retries; failed events then wait for manual intervention.
	MaxAttempts int
	// BackoffStep is multiplied by the attempt count to schedule the next run
	// of a failed event.
	BackoffStep time.Duration
}

// Handler delivers one event to its channel.
type Handler interface {
	Deliver(ctx context.Context, event *domain.OutboxEvent) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event *domain.OutboxEvent) error

// Deliver calls f.
func (f HandlerFunc) Deliver(ctx context.Context, event *domain.OutboxEvent) error {
	return f(ctx, event)
}

// EnqueueRequest describes an event to record.
type EnqueueRequest struct {
	DealID    *string
	EventType string
	Payload   any
	Channel   string
	Delay     time.Duration
}

// Dispatcher enqueues and delivers outbox events.
type Dispatcher struct {
	store repository.Store
	cfg   Config
	now   func() time.Time
	log   *logger.Logger
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(store repository.Store, cfg Config, log *logger.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = 30 * time.Second
	}
	if cfg.Channel == "" {
		cfg.Channel = "webhook"
	}
	return &Dispatcher{
		store: store,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
		log:   log.Component("outbox"),
	}
}

// Channel returns the default delivery channel.
func (d *Dispatcher) Channel() string {
	return d.cfg.Channel
}

// Enqueue inserts a pending event through repo, which must belong to the
// caller's transaction.
func (d *Dispatcher) Enqueue(ctx context.Context, repo repository.OutboxRepository, req EnqueueRequest) (*domain.OutboxEvent, error) {
	if req.EventType == "" {
		return nil, errors.InvalidInput("event_type", "event type is required")
	}
	if req.Delay < 0 {
		return nil, errors.InvalidInput("delay", "delay must not be negative")
	}

	payload := []byte("{}")
	if req.Payload != nil {
		var err error
		payload, err = json.Marshal(req.Payload)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "event payload is not serializable")
		}
	}

	channel := req.Channel
	if channel == "" {
		channel = d.cfg.Channel
	}

	event := &domain.OutboxEvent{
		DealID:    req.DealID,
		EventType: req.EventType,
		Payload:   payload,
		Channel:   channel,
		Status:    domain.EventPending,
		NextRunAt: d.now().Add(req.Delay),
	}
	if err := repo.Insert(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// DispatchPending delivers up to BatchSize due pending events, oldest first,
// and returns how many were delivered. Each event is claimed, delivered and
// updated in its own transaction. Handler failures mark the event failed and
// never stop the batch; persistence failures do.
func (d *Dispatcher) DispatchPending(ctx context.Context, handler Handler) (int, error) {
	now := d.now()
	dispatched := 0

	for i := 0; i < d.cfg.BatchSize; i++ {
		if err := ctx.Err(); err != nil {
			return dispatched, err
		}

		var claimed bool
		err := d.store.InTransaction(ctx, func(tx repository.Tx) error {
			due, err := tx.Outbox().ListDue(ctx, domain.EventPending, now, 1)
			if err != nil {
				return err
			}
			if len(due) == 0 {
				return nil
			}
			claimed = true
			event := due[0]

			deliverErr := handler.Deliver(ctx, event)
			event.Attempts++
			if deliverErr != nil {
				msg := deliverErr.Error()
				event.Status = domain.EventFailed
				event.LastError = &msg
				event.NextRunAt = now.Add(d.cfg.BackoffStep * time.Duration(event.Attempts))
				d.log.Warn().
					Err(deliverErr).
					Str("event_id", event.ID).
					Str("event_type", event.EventType).
					Int("attempts", event.Attempts).
					Msg("Outbox delivery failed")
			} else {
				event.Status = domain.EventDispatched
				event.LastError = nil
				dispatched++
			}
			return tx.Outbox().Update(ctx, event)
		})
		if err != nil {
			return dispatched, errors.Wrap(err, errors.ErrCodeInternal, "failed to dispatch outbox events")
		}
		if !claimed {
			break
		}
	}

	if dispatched > 0 {
		d.log.Info().Int("dispatched", dispatched).Msg("Outbox events dispatched")
	}
	return dispatched, nil
}

// ResurrectFailed returns failed events whose backoff has elapsed to pending
// while they have attempts left. Events at MaxAttempts stay failed.
func (d *Dispatcher) ResurrectFailed(ctx context.Context) (int, error) {
	if d.cfg.MaxAttempts <= 0 {
		return 0, nil
	}

	now := d.now()
	resurrected := 0
	err := d.store.InTransaction(ctx, func(tx repository.Tx) error {
		failed, err := tx.Outbox().ListDue(ctx, domain.EventFailed, now, d.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, event := range failed {
			if event.Attempts >= d.cfg.MaxAttempts {
				continue
			}
			event.Status = domain.EventPending
			if err := tx.Outbox().Update(ctx, event); err != nil {
				return err
			}
			resurrected++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to resurrect outbox events")
	}

	if resurrected > 0 {
		d.log.Info().Int("resurrected", resurrected).Msg("Failed outbox events requeued")
	}
	return resurrected, nil
}
