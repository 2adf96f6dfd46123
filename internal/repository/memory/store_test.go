package memory

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/errors"
	"github.com/pesio-ai/be-deal-desk/internal/repository"
)

func newDeal() *domain.Deal {
	return &domain.Deal{
		Name:              "Acme renewal",
		Amount:            decimal.NewFromInt(12000),
		Currency:          "USD",
		Stage:             domain.StageProspecting,
		Risk:              domain.RiskMedium,
		GuardrailStatus:   domain.GuardrailPass,
		OrchestrationMode: domain.OrchestrationOrchestrated,
		PaymentTermsDays:  30,
	}
}

func createDeal(t *testing.T, s *Store) *domain.Deal {
	t.Helper()
	deal := newDeal()
	err := s.InTransaction(context.Background(), func(tx repository.Tx) error {
		return tx.Deals().Create(context.Background(), deal)
	})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}
	return deal
}

func TestInTransactionRollsBackOnError(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	boom := stderrors.New("boom")

	var id string
	err := s.InTransaction(ctx, func(tx repository.Tx) error {
		deal := newDeal()
		if err := tx.Deals().Create(ctx, deal); err != nil {
			return err
		}
		id = deal.ID
		return boom
	})
	if !stderrors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	err = s.InTransaction(ctx, func(tx repository.Tx) error {
		_, err := tx.Deals().GetByID(ctx, id)
		return err
	})
	if !errors.Is(err, errors.ErrCodeNotFound) {
		t.Fatalf("expected rolled back deal to be missing, got %v", err)
	}
}

func TestDealUpdateChecksVersion(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	deal := createDeal(t, s)
	if deal.Version != 1 {
		t.Fatalf("new deal version = %d", deal.Version)
	}

	stale := deal.Clone()
	err := s.InTransaction(ctx, func(tx repository.Tx) error {
		deal.Name = "Acme renewal v2"
		return tx.Deals().Update(ctx, deal)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if deal.Version != 2 {
		t.Fatalf("version after update = %d", deal.Version)
	}

	err = s.InTransaction(ctx, func(tx repository.Tx) error {
		stale.Name = "lost write"
		return tx.Deals().Update(ctx, stale)
	})
	if !errors.Is(err, errors.ErrCodeConflict) {
		t.Fatalf("expected CONFLICT for stale version, got %v", err)
	}
}

func TestReadsAreIsolatedCopies(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	deal := createDeal(t, s)

	_ = s.InTransaction(ctx, func(tx repository.Tx) error {
		got, err := tx.Deals().GetByID(ctx, deal.ID)
		if err != nil {
			return err
		}
		got.Name = "mutated outside Update"
		return nil
	})

	_ = s.InTransaction(ctx, func(tx repository.Tx) error {
		got, err := tx.Deals().GetByID(ctx, deal.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Name != "Acme renewal" {
			t.Errorf("stored deal changed without Update: %q", got.Name)
		}
		return nil
	})
}

func TestPaymentIdempotencyKeyIsUnique(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	deal := createDeal(t, s)

	newPayment := func() *domain.Payment {
		return &domain.Payment{
			DealID:         deal.ID,
			Status:         domain.PaymentPending,
			Amount:         decimal.NewFromInt(100),
			Currency:       "USD",
			IdempotencyKey: "key-1",
			AttemptNumber:  1,
		}
	}

	if err := s.InTransaction(ctx, func(tx repository.Tx) error {
		return tx.Payments().Create(ctx, newPayment())
	}); err != nil {
		t.Fatalf("first create: %v", err)
	}

	err := s.InTransaction(ctx, func(tx repository.Tx) error {
		return tx.Payments().Create(ctx, newPayment())
	})
	if !errors.Is(err, errors.ErrCodeConflict) {
		t.Fatalf("expected CONFLICT on duplicate key, got %v", err)
	}

	_ = s.InTransaction(ctx, func(tx repository.Tx) error {
		got, err := tx.Payments().GetByIdempotencyKey(ctx, "key-1")
		if err != nil || got == nil {
			t.Fatalf("lookup by key: %v %v", got, err)
		}
		missing, err := tx.Payments().GetByIdempotencyKey(ctx, "nope")
		if err != nil || missing != nil {
			t.Errorf("expected nil for unknown key, got %v %v", missing, err)
		}
		n, _ := tx.Payments().MaxAttemptNumber(ctx, deal.ID)
		if n != 1 {
			t.Errorf("max attempt = %d, want 1", n)
		}
		return nil
	})
}

func TestDeleteDealCascadesAndKeepsAudit(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	deal := createDeal(t, s)

	err := s.InTransaction(ctx, func(tx repository.Tx) error {
		payment := &domain.Payment{DealID: deal.ID, Status: domain.PaymentSucceeded, Amount: decimal.NewFromInt(1), Currency: "USD", IdempotencyKey: "k", AttemptNumber: 1}
		if err := tx.Payments().Create(ctx, payment); err != nil {
			return err
		}
		if err := tx.Approvals().Create(ctx, &domain.Approval{DealID: deal.ID, Status: domain.ApprovalPending, SequenceOrder: 1}); err != nil {
			return err
		}
		if err := tx.Outbox().Insert(ctx, &domain.OutboxEvent{DealID: &deal.ID, EventType: domain.EventQuoteGenerated, Channel: "log", Status: domain.EventPending}); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, &domain.AuditEntry{DealID: &deal.ID, PaymentID: &payment.ID, Actor: "system", Action: "payment.succeeded", Category: domain.AuditPayment})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := s.InTransaction(ctx, func(tx repository.Tx) error {
		return tx.Deals().Delete(ctx, deal.ID)
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.state.payments) != 0 || len(s.state.approvals) != 0 || len(s.state.outbox) != 0 {
		t.Errorf("children not cascaded: %d payments, %d approvals, %d events",
			len(s.state.payments), len(s.state.approvals), len(s.state.outbox))
	}
	if len(s.state.audit) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(s.state.audit))
	}
	entry := s.state.audit[0]
	if entry.DealID != nil || entry.PaymentID != nil {
		t.Errorf("audit references not cleared: deal=%v payment=%v", entry.DealID, entry.PaymentID)
	}
	if entry.Action != "payment.succeeded" {
		t.Errorf("audit action changed: %q", entry.Action)
	}
}

func TestApprovalsListedBySequence(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	deal := createDeal(t, s)

	err := s.InTransaction(ctx, func(tx repository.Tx) error {
		for _, seq := range []int{3, 1, 2} {
			if err := tx.Approvals().Create(ctx, &domain.Approval{DealID: deal.ID, Status: domain.ApprovalPending, SequenceOrder: seq}); err != nil {
				return err
			}
		}
		list, err := tx.Approvals().ListByDeal(ctx, deal.ID)
		if err != nil {
			return err
		}
		for i, a := range list {
			if a.SequenceOrder != i+1 {
				t.Errorf("position %d has sequence %d", i, a.SequenceOrder)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestListDealsFiltersAndOrders(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s := NewStoreWithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})
	ctx := context.Background()

	owner := "rep-7"
	seed := []struct {
		name  string
		stage domain.Stage
		prob  int
		owner *string
	}{
		{"Acme renewal", domain.StageProspecting, 10, nil},
		{"Globex expansion", domain.StagePricing, 50, &owner},
		{"ACME upsell", domain.StagePricing, 80, &owner},
	}
	ids := make([]string, len(seed))
	for i, sd := range seed {
		deal := newDeal()
		deal.Name = sd.name
		deal.Stage = sd.stage
		deal.Probability = sd.prob
		deal.OwnerID = sd.owner
		if err := s.InTransaction(ctx, func(tx repository.Tx) error {
			return tx.Deals().Create(ctx, deal)
		}); err != nil {
			t.Fatal(err)
		}
		ids[i] = deal.ID
	}

	list := func(filter repository.DealFilter, limit, offset int) ([]*domain.Deal, int64) {
		t.Helper()
		var (
			deals []*domain.Deal
			total int64
		)
		err := s.InTransaction(ctx, func(tx repository.Tx) error {
			var err error
			deals, total, err = tx.Deals().List(ctx, filter, limit, offset)
			return err
		})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		return deals, total
	}

	deals, total := list(repository.DealFilter{}, 10, 0)
	if total != 3 || len(deals) != 3 {
		t.Fatalf("total=%d len=%d", total, len(deals))
	}
	if deals[0].ID != ids[2] || deals[2].ID != ids[0] {
		t.Errorf("not ordered by updated_at desc: %s, %s, %s", deals[0].Name, deals[1].Name, deals[2].Name)
	}

	search := "acme"
	if deals, total = list(repository.DealFilter{Search: &search}, 10, 0); total != 2 {
		t.Errorf("search total = %d, want 2", total)
	}

	stage := domain.StagePricing
	minProb, maxProb := 40, 60
	deals, total = list(repository.DealFilter{Stage: &stage, OwnerID: &owner, MinProbability: &minProb, MaxProbability: &maxProb}, 10, 0)
	if total != 1 || len(deals) != 1 || deals[0].ID != ids[1] {
		t.Errorf("combined filter = %d deals", total)
	}

	deals, total = list(repository.DealFilter{}, 2, 2)
	if total != 3 || len(deals) != 1 || deals[0].ID != ids[0] {
		t.Errorf("second page: total=%d len=%d", total, len(deals))
	}
	if deals, _ = list(repository.DealFilter{}, 2, 10); len(deals) != 0 {
		t.Errorf("page past the end returned %d deals", len(deals))
	}
}
