package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/guardrail"
	"github.com/pesio-ai/be-deal-desk/internal/lock"
	"github.com/pesio-ai/be-deal-desk/internal/logger"
	"github.com/pesio-ai/be-deal-desk/internal/outbox"
	"github.com/pesio-ai/be-deal-desk/internal/repository/memory"
	"github.com/pesio-ai/be-deal-desk/internal/stage"
)

type harness struct {
	store     *memory.Store
	locker    *lock.MemoryLocker
	deals     *DealService
	approvals *ApprovalService
	payments  *PaymentService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithLocker(t, lock.NewMemoryLocker())
}

func newHarnessWithLocker(t *testing.T, locker lock.Locker) *harness {
	t.Helper()
	log := logger.Nop()
	store := memory.NewStore()
	engine := guardrail.NewEngine(guardrail.NewStaticStore(guardrail.DefaultPolicy()))
	machine := stage.NewMachine()
	dispatcher := outbox.NewDispatcher(store, outbox.Config{Channel: "log"}, log)

	h := &harness{
		store:     store,
		deals:     NewDealService(store, engine, machine, dispatcher, log),
		approvals: NewApprovalService(store, dispatcher, log),
		payments: NewPaymentService(store, locker, machine, dispatcher, PaymentConfig{
			LockTTL:          time.Minute,
			JoinTimeout:      2 * time.Second,
			JoinPollInterval: 5 * time.Millisecond,
		}, log),
	}
	if ml, ok := locker.(*lock.MemoryLocker); ok {
		h.locker = ml
	}
	return h
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func intPtr(v int) *int { return &v }

func strPtr(s string) *string { return &s }

func (h *harness) createDeal(t *testing.T, req *CreateDealRequest) *domain.Deal {
	t.Helper()
	if req.Name == "" {
		req.Name = "Acme expansion"
	}
	deal, err := h.deals.CreateDeal(context.Background(), req)
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	return deal
}

func (h *harness) auditActions(t *testing.T, dealID string) []string {
	t.Helper()
	entries, err := h.deals.ListAudit(context.Background(), dealID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func (h *harness) auditEntry(t *testing.T, dealID, action string) *domain.AuditEntry {
	t.Helper()
	entries, err := h.deals.ListAudit(context.Background(), dealID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	for _, e := range entries {
		if e.Action == action {
			return e
		}
	}
	return nil
}

func (h *harness) eventTypes(t *testing.T, dealID string) []string {
	t.Helper()
	events, err := h.deals.ListEvents(context.Background(), dealID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	return types
}

func count(items []string, want string) int {
	n := 0
	for _, it := range items {
		if it == want {
			n++
		}
	}
	return n
}

func outboxRequest(dealID string) outbox.EnqueueRequest {
	return outbox.EnqueueRequest{
		DealID:    &dealID,
		EventType: "custom.ping",
		Payload:   map[string]string{"hello": "world"},
	}
}

func handlerFunc(fn func(*domain.OutboxEvent) error) outbox.Handler {
	return outbox.HandlerFunc(func(_ context.Context, e *domain.OutboxEvent) error {
		return fn(e)
	})
}
