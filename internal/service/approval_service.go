package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/errors"
	"github.com/pesio-ai/be-deal-desk/internal/logger"
	"github.com/pesio-ai/be-deal-desk/internal/outbox"
	"github.com/pesio-ai/be-deal-desk/internal/repository"
)

// ApprovalService manages the ordered approvals attached to a deal.
type ApprovalService struct {
	store  repository.Store
	outbox *outbox.Dispatcher
	now    func() time.Time
	log    *logger.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(store repository.Store, dispatcher *outbox.Dispatcher, log *logger.Logger) *ApprovalService {
	return &ApprovalService{
		store:  store,
		outbox: dispatcher,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log.Component("approval-service"),
	}
}

// ApprovalRequest describes an approval to add. A zero SequenceOrder places
// the approval after the deal's existing ones.
type ApprovalRequest struct {
	ApproverID    *string
	Status        string
	Notes         *string
	DueAt         *time.Time
	SequenceOrder int
}

// UpdateApprovalRequest is a partial update; nil fields are left unchanged.
type UpdateApprovalRequest struct {
	ApproverID    *string
	Status        *string
	Notes         *string
	DueAt         *time.Time
	SequenceOrder *int
	Actor         string
}

// buildApprovals validates nested approvals given at deal intake. Missing
// sequence numbers default to the approval's position, starting at 1.
func buildApprovals(reqs []ApprovalRequest, now time.Time) ([]*domain.Approval, error) {
	approvals := make([]*domain.Approval, 0, len(reqs))
	for i, req := range reqs {
		a, err := newApproval(req, i+1, now)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, nil
}

func newApproval(req ApprovalRequest, defaultSequence int, now time.Time) (*domain.Approval, error) {
	status, err := domain.ParseApprovalStatus(req.Status)
	if err != nil {
		return nil, err
	}
	seq := req.SequenceOrder
	if seq == 0 {
		seq = defaultSequence
	}
	if seq < 1 {
		return nil, errors.InvalidInput("sequence_order", "sequence order must be at least 1")
	}

	a := &domain.Approval{
		ApproverID:    req.ApproverID,
		Notes:         req.Notes,
		DueAt:         req.DueAt,
		SequenceOrder: seq,
	}
	a.SetStatus(status, now)
	return a, nil
}

// AddApproval appends an approval to a deal.
func (s *ApprovalService) AddApproval(ctx context.Context, dealID string, req ApprovalRequest, actor string) (*domain.Approval, error) {
	var approval *domain.Approval
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if _, err := tx.Deals().GetForUpdate(ctx, dealID); err != nil {
			return err
		}
		existing, err := tx.Approvals().ListByDeal(ctx, dealID)
		if err != nil {
			return err
		}
		next := 1
		for _, a := range existing {
			if a.SequenceOrder >= next {
				next = a.SequenceOrder + 1
			}
		}

		approval, err = newApproval(req, next, s.now())
		if err != nil {
			return err
		}
		approval.DealID = dealID
		if err := tx.Approvals().Create(ctx, approval); err != nil {
			return err
		}

		return appendAudit(ctx, tx, dealAudit(dealID, actor, actionApprovalAdded, domain.AuditSystem, map[string]any{
			"approval_id":    approval.ID,
			"status":         string(approval.Status),
			"sequence_order": approval.SequenceOrder,
		}))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("deal_id", dealID).
		Str("approval_id", approval.ID).
		Int("sequence_order", approval.SequenceOrder).
		Msg("Approval added")

	return approval, nil
}

// UpdateApproval changes an approval. Reaching approved or rejected stamps
// completed_at the first time only; a status change is announced on the
// outbox.
func (s *ApprovalService) UpdateApproval(ctx context.Context, approvalID string, req *UpdateApprovalRequest) (*domain.Approval, error) {
	var approval *domain.Approval
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		approval, err = tx.Approvals().GetByID(ctx, approvalID)
		if err != nil {
			return err
		}
		previous := approval.Status

		if req.ApproverID != nil {
			approval.ApproverID = req.ApproverID
		}
		if req.Notes != nil {
			approval.Notes = req.Notes
		}
		if req.DueAt != nil {
			approval.DueAt = req.DueAt
		}
		if req.SequenceOrder != nil {
			if *req.SequenceOrder < 1 {
				return errors.InvalidInput("sequence_order", "sequence order must be at least 1")
			}
			approval.SequenceOrder = *req.SequenceOrder
		}
		if req.Status != nil {
			status, err := domain.ParseApprovalStatus(*req.Status)
			if err != nil {
				return err
			}
			approval.SetStatus(status, s.now())
		}

		if err := tx.Approvals().Update(ctx, approval); err != nil {
			return err
		}

		if err := appendAudit(ctx, tx, dealAudit(approval.DealID, req.Actor, actionApprovalUpdated, domain.AuditSystem, map[string]any{
			"approval_id": approval.ID,
			"from":        string(previous),
			"status":      string(approval.Status),
		})); err != nil {
			return err
		}

		if approval.Status == previous {
			return nil
		}
		_, err = s.outbox.Enqueue(ctx, tx.Outbox(), outbox.EnqueueRequest{
			DealID:    &approval.DealID,
			EventType: domain.EventApprovalStatusChanged,
			Payload: map[string]any{
				"approval_id": approval.ID,
				"deal_id":     approval.DealID,
				"from":        previous,
				"status":      approval.Status,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("approval_id", approval.ID).
		Str("deal_id", approval.DealID).
		Str("status", string(approval.Status)).
		Msg("Approval updated")

	return approval, nil
}

// ListApprovals returns a deal's approvals ordered by sequence.
func (s *ApprovalService) ListApprovals(ctx context.Context, dealID string) ([]*domain.Approval, error) {
	var approvals []*domain.Approval
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if _, err := tx.Deals().GetByID(ctx, dealID); err != nil {
			return err
		}
		var err error
		approvals, err = tx.Approvals().ListByDeal(ctx, dealID)
		return err
	})
	return approvals, err
}
