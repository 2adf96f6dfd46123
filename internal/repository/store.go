// Package repository defines the persistence surface of the deal desk and its
// PostgreSQL implementation.
package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
)

// Store opens transactions. Every repository obtained from a Tx runs inside
// that transaction; it commits when fn returns nil and rolls back otherwise.
type Store interface {
	InTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes the repositories bound to one transaction.
type Tx interface {
	Deals() DealRepository
	Approvals() ApprovalRepository
	Payments() PaymentRepository
	Audit() AuditRepository
	Outbox() OutboxRepository
}

// DealRepository persists deals. Update is conditional on deal.Version and
// bumps it; a stale version is a CONFLICT error.
type DealRepository interface {
	Create(ctx context.Context, deal *domain.Deal) error
	GetByID(ctx context.Context, id string) (*domain.Deal, error)
	GetForUpdate(ctx context.Context, id string) (*domain.Deal, error)
	Update(ctx context.Context, deal *domain.Deal) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter DealFilter, limit, offset int) ([]*domain.Deal, int64, error)
}

// DealFilter narrows a deal listing. Nil fields match every deal; Search is a
// case-insensitive substring match on the name.
type DealFilter struct {
	Search         *string
	Stage          *domain.Stage
	OwnerID        *string
	MinProbability *int
	MaxProbability *int
}

// ApprovalRepository persists approvals.
type ApprovalRepository interface {
	Create(ctx context.Context, approval *domain.Approval) error
	GetByID(ctx context.Context, id string) (*domain.Approval, error)
	ListByDeal(ctx context.Context, dealID string) ([]*domain.Approval, error)
	Update(ctx context.Context, approval *domain.Approval) error
}

// PaymentRepository persists payments. Create fails with CONFLICT when the
// idempotency key is already taken.
type PaymentRepository interface {
	Create(ctx context.Context, payment *domain.Payment) error
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error)
	MaxAttemptNumber(ctx context.Context, dealID string) (int, error)
	ListByDeal(ctx context.Context, dealID string) ([]*domain.Payment, error)
	Update(ctx context.Context, payment *domain.Payment) error
}

// AuditRepository appends immutable audit entries.
type AuditRepository interface {
	Append(ctx context.Context, entry *domain.AuditEntry) error
	ListByDeal(ctx context.Context, dealID string) ([]*domain.AuditEntry, error)
}

// OutboxRepository persists outbox events.
type OutboxRepository interface {
	Insert(ctx context.Context, event *domain.OutboxEvent) error
	ListDue(ctx context.Context, status domain.EventStatus, now time.Time, limit int) ([]*domain.OutboxEvent, error)
	Update(ctx context.Context, event *domain.OutboxEvent) error
	ListByDeal(ctx context.Context, dealID string) ([]*domain.OutboxEvent, error)
}
