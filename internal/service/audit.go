package service

import (
	"context"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/errors"
	"github.com/pesio-ai/be-deal-desk/internal/repository"
)

// systemActor is recorded when a request does not name one.
const systemActor = "system"

// Audit actions.
const (
	actionDealCreated        = "deal.created"
	actionDealUpdated        = "deal.updated"
	actionDealDeleted        = "deal.deleted"
	actionGuardrailViolation = "guardrail.violation"
	actionGuardrailReview    = "guardrail.manual_review"
	actionStageTransition    = "deal.stage.transition"
	actionStageForced        = "deal.stage.forced"
	actionApprovalAdded      = "approval.added"
	actionApprovalUpdated    = "approval.updated"
	actionPaymentFailed      = "payment.failed"
	actionPaymentRolledBack  = "payment.rolled_back"
	actionPaymentSucceeded   = "payment.succeeded"
)

func actorOr(actor string) string {
	if actor == "" {
		return systemActor
	}
	return actor
}

// appendAudit writes an entry inside the caller's transaction. A failed write
// aborts the transaction.
func appendAudit(ctx context.Context, tx repository.Tx, entry *domain.AuditEntry) error {
	entry.Actor = actorOr(entry.Actor)
	if err := tx.Audit().Append(ctx, entry); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write audit log entry")
	}
	return nil
}

func dealAudit(dealID, actor, action string, category domain.AuditCategory, details map[string]any) *domain.AuditEntry {
	id := dealID
	return &domain.AuditEntry{
		DealID:   &id,
		Actor:    actor,
		Action:   action,
		Category: category,
		Details:  details,
	}
}

func criticalAudit(entry *domain.AuditEntry) *domain.AuditEntry {
	entry.Critical = true
	return entry
}

// ListAudit returns a deal's audit trail, oldest first.
func (s *DealService) ListAudit(ctx context.Context, dealID string) ([]*domain.AuditEntry, error) {
	var entries []*domain.AuditEntry
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		entries, err = tx.Audit().ListByDeal(ctx, dealID)
		return err
	})
	return entries, err
}
