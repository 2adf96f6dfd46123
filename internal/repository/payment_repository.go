package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-deal-desk/internal/database"
	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/errors"
)

const paymentColumns = `
	id, deal_id, status, amount, currency, idempotency_key, provider_reference,
	attempt_number, failure_reason, error_code, completed_at, rolled_back_at,
	auto_recovered, created_at, updated_at`

// PgPaymentRepository handles payment data operations
type PgPaymentRepository struct {
	q database.Querier
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(q database.Querier) *PgPaymentRepository {
	return &PgPaymentRepository{q: q}
}

// Create inserts a payment. A taken idempotency key is reported as CONFLICT.
func (r *PgPaymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (deal_id, status, amount, currency, idempotency_key, provider_reference,
		                      attempt_number, failure_reason, error_code, completed_at, rolled_back_at,
		                      auto_recovered)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		payment.DealID,
		payment.Status,
		payment.Amount,
		payment.Currency,
		payment.IdempotencyKey,
		payment.ProviderReference,
		payment.AttemptNumber,
		payment.FailureReason,
		payment.ErrorCode,
		payment.CompletedAt,
		payment.RolledBackAt,
		payment.AutoRecovered,
	).Scan(&payment.ID, &payment.CreatedAt, &payment.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Wrap(err, errors.ErrCodeConflict, "idempotency key "+payment.IdempotencyKey+" already used")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create payment")
	}
	return nil
}

// GetByIdempotencyKey returns the payment holding key, or nil when none does.
func (r *PgPaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE idempotency_key = $1`

	payment, err := scanPayment(r.q.QueryRow(ctx, query, key))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get payment")
	}
	return payment, nil
}

// MaxAttemptNumber returns the highest attempt number recorded for a deal, or
// zero when the deal has no payments.
func (r *PgPaymentRepository) MaxAttemptNumber(ctx context.Context, dealID string) (int, error) {
	var n int
	err := r.q.QueryRow(ctx,
		`SELECT COALESCE(MAX(attempt_number), 0) FROM payments WHERE deal_id = $1`, dealID,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to read payment attempts")
	}
	return n, nil
}

// ListByDeal returns a deal's payments oldest first.
func (r *PgPaymentRepository) ListByDeal(ctx context.Context, dealID string) ([]*domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE deal_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.q.Query(ctx, query, dealID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list payments")
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan payment")
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate payments")
	}
	return payments, nil
}

// Update writes the mutable payment columns.
func (r *PgPaymentRepository) Update(ctx context.Context, payment *domain.Payment) error {
	query := `
		UPDATE payments
		SET status = $2, amount = $3, currency = $4, provider_reference = $5, attempt_number = $6,
		    failure_reason = $7, error_code = $8, completed_at = $9, rolled_back_at = $10,
		    auto_recovered = $11, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.q.QueryRow(ctx, query,
		payment.ID,
		payment.Status,
		payment.Amount,
		payment.Currency,
		payment.ProviderReference,
		payment.AttemptNumber,
		payment.FailureReason,
		payment.ErrorCode,
		payment.CompletedAt,
		payment.RolledBackAt,
		payment.AutoRecovered,
	).Scan(&payment.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("payment", payment.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update payment")
	}
	return nil
}

func scanPayment(sc rowScanner) (*domain.Payment, error) {
	p := &domain.Payment{}
	err := sc.Scan(
		&p.ID,
		&p.DealID,
		&p.Status,
		&p.Amount,
		&p.Currency,
		&p.IdempotencyKey,
		&p.ProviderReference,
		&p.AttemptNumber,
		&p.FailureReason,
		&p.ErrorCode,
		&p.CompletedAt,
		&p.RolledBackAt,
		&p.AutoRecovered,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}
