package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-deal-desk/internal/database"
	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/errors"
)

const approvalColumns = `
	id, deal_id, approver_id, status, notes, due_at, completed_at,
	sequence_order, created_at, updated_at`

// PgApprovalRepository handles approval data operations
type PgApprovalRepository struct {
	q database.Querier
}

// NewApprovalRepository creates a new approval repository
func NewApprovalRepository(q database.Querier) *PgApprovalRepository {
	return &PgApprovalRepository{q: q}
}

// Create inserts an approval.
func (r *PgApprovalRepository) Create(ctx context.Context, approval *domain.Approval) error {
	query := `
		INSERT INTO approvals (deal_id, approver_id, status, notes, due_at, completed_at, sequence_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		approval.DealID,
		approval.ApproverID,
		approval.Status,
		approval.Notes,
		approval.DueAt,
		approval.CompletedAt,
		approval.SequenceOrder,
	).Scan(&approval.ID, &approval.CreatedAt, &approval.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval")
	}
	return nil
}

// GetByID retrieves an approval by ID
func (r *PgApprovalRepository) GetByID(ctx context.Context, id string) (*domain.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE id = $1`

	approval, err := scanApproval(r.q.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval")
	}
	return approval, nil
}

// ListByDeal returns a deal's approvals in sequence order.
func (r *PgApprovalRepository) ListByDeal(ctx context.Context, dealID string) ([]*domain.Approval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approvals
		WHERE deal_id = $1
		ORDER BY sequence_order ASC, created_at ASC
	`

	rows, err := r.q.Query(ctx, query, dealID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvals")
	}
	defer rows.Close()

	var approvals []*domain.Approval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval")
		}
		approvals = append(approvals, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approvals")
	}
	return approvals, nil
}

// Update writes the mutable approval columns.
func (r *PgApprovalRepository) Update(ctx context.Context, approval *domain.Approval) error {
	query := `
		UPDATE approvals
		SET approver_id = $2, status = $3, notes = $4, due_at = $5, completed_at = $6,
		    sequence_order = $7, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.q.QueryRow(ctx, query,
		approval.ID,
		approval.ApproverID,
		approval.Status,
		approval.Notes,
		approval.DueAt,
		approval.CompletedAt,
		approval.SequenceOrder,
	).Scan(&approval.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound("approval", approval.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval")
	}
	return nil
}

func scanApproval(sc rowScanner) (*domain.Approval, error) {
	a := &domain.Approval{}
	err := sc.Scan(
		&a.ID,
		&a.DealID,
		&a.ApproverID,
		&a.Status,
		&a.Notes,
		&a.DueAt,
		&a.CompletedAt,
		&a.SequenceOrder,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}
