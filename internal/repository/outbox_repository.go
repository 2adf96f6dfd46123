package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-deal-desk/internal/database"
	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/errors"
)

const outboxColumns = `
	id, deal_id, event_type, payload, channel, status, attempts, next_run_at,
	last_error, created_at, updated_at`

// PgOutboxRepository handles event_outbox rows.
type PgOutboxRepository struct {
	q database.Querier
}

// NewOutboxRepository creates a new outbox repository.
func NewOutboxRepository(q database.Querier) *PgOutboxRepository {
	return &PgOutboxRepository{q: q}
}

// Insert records a new event.
func (r *PgOutboxRepository) Insert(ctx context.Context, event *domain.OutboxEvent) error {
	payload := []byte(event.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	query := `
		INSERT INTO event_outbox (deal_id, event_type, payload, channel, status, attempts, next_run_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		event.DealID,
		event.EventType,
		payload,
		event.Channel,
		event.Status,
		event.Attempts,
		event.NextRunAt,
		event.LastError,
	).Scan(&event.ID, &event.CreatedAt, &event.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert outbox event")
	}
	return nil
}

// ListDue returns up to limit events in status whose next_run_at has passed,
// oldest first. Rows are locked and concurrently locked rows skipped, so two
// dispatchers never pick the same event.
func (r *PgOutboxRepository) ListDue(ctx context.Context, status domain.EventStatus, now time.Time, limit int) ([]*domain.OutboxEvent, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM event_outbox
		WHERE status = $1 AND next_run_at <= $2
		ORDER BY created_at ASC
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`
	return r.list(ctx, query, status, now, limit)
}

// ListByDeal returns all events recorded for a deal, oldest first.
func (r *PgOutboxRepository) ListByDeal(ctx context.Context, dealID string) ([]*domain.OutboxEvent, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM event_outbox
		WHERE deal_id = $1
		ORDER BY created_at ASC
	`
	return r.list(ctx, query, dealID)
}

func (r *PgOutboxRepository) list(ctx context.Context, query string, args ...any) ([]*domain.OutboxEvent, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list outbox events")
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		e := &domain.OutboxEvent{}
		var payload []byte
		err := rows.Scan(
			&e.ID,
			&e.DealID,
			&e.EventType,
			&payload,
			&e.Channel,
			&e.Status,
			&e.Attempts,
			&e.NextRunAt,
			&e.LastError,
			&e.CreatedAt,
			&e.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan outbox event")
		}
		e.Payload = payload
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate outbox events")
	}
	return events, nil
}

// Update writes the delivery state of an event.
func (r *PgOutboxRepository) Update(ctx context.Context, event *domain.OutboxEvent) error {
	query := `
		UPDATE event_outbox
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.q.QueryRow(ctx, query,
		event.ID,
		event.Status,
		event.Attempts,
		event.NextRunAt,
		event.LastError,
	).Scan(&event.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update outbox event")
	}
	return nil
}
