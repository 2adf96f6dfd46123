// Package memory is an in-process repository.Store. Transactions are
// serialized and run against a deep copy of the data, which replaces the
// committed state only when the callback succeeds.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/errors"
	"github.com/pesio-ai/be-deal-desk/internal/repository"
)

// Store is an in-memory repository.Store.
type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return NewStoreWithClock(func() time.Time { return time.Now().UTC() })
}

// NewStoreWithClock creates an empty store stamping rows with now.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{state: newState(), now: now}
}

// InTransaction runs fn against a private copy of the data and commits it
// when fn returns nil.
func (s *Store) InTransaction(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&tx{st: work, now: s.now}); err != nil {
		return err
	}
	s.state = work
	return nil
}

type state struct {
	deals     map[string]*domain.Deal
	approvals []*domain.Approval
	payments  []*domain.Payment
	audit     []*domain.AuditEntry
	outbox    []*domain.OutboxEvent
}

func newState() *state {
	return &state{deals: make(map[string]*domain.Deal)}
}

func (s *state) clone() *state {
	c := &state{
		deals:     make(map[string]*domain.Deal, len(s.deals)),
		approvals: make([]*domain.Approval, len(s.approvals)),
		payments:  make([]*domain.Payment, len(s.payments)),
		audit:     make([]*domain.AuditEntry, len(s.audit)),
		outbox:    make([]*domain.OutboxEvent, len(s.outbox)),
	}
	for id, d := range s.deals {
		c.deals[id] = d.Clone()
	}
	for i, a := range s.approvals {
		c.approvals[i] = a.Clone()
	}
	for i, p := range s.payments {
		c.payments[i] = p.Clone()
	}
	// Audit entries are immutable once appended.
	copy(c.audit, s.audit)
	for i, e := range s.outbox {
		c.outbox[i] = e.Clone()
	}
	return c
}

type tx struct {
	st  *state
	now func() time.Time
}

func (t *tx) Deals() repository.DealRepository         { return dealRepo{t} }
func (t *tx) Approvals() repository.ApprovalRepository { return approvalRepo{t} }
func (t *tx) Payments() repository.PaymentRepository   { return paymentRepo{t} }
func (t *tx) Audit() repository.AuditRepository        { return auditRepo{t} }
func (t *tx) Outbox() repository.OutboxRepository      { return outboxRepo{t} }

func (t *tx) dealExists(id string) error {
	if _, ok := t.st.deals[id]; !ok {
		return errors.NotFound("deal", id)
	}
	return nil
}

// ── deals ─────────────────────────────────────────────────────────────────────

type dealRepo struct{ t *tx }

func (r dealRepo) Create(_ context.Context, deal *domain.Deal) error {
	now := r.t.now()
	deal.ID = uuid.NewString()
	deal.Version = 1
	deal.CreatedAt = now
	deal.UpdatedAt = now
	r.t.st.deals[deal.ID] = deal.Clone()
	return nil
}

func (r dealRepo) GetByID(_ context.Context, id string) (*domain.Deal, error) {
	d, ok := r.t.st.deals[id]
	if !ok {
		return nil, errors.NotFound("deal", id)
	}
	return d.Clone(), nil
}

// GetForUpdate needs no row lock since transactions never overlap.
func (r dealRepo) GetForUpdate(ctx context.Context, id string) (*domain.Deal, error) {
	return r.GetByID(ctx, id)
}

func (r dealRepo) Update(_ context.Context, deal *domain.Deal) error {
	stored, ok := r.t.st.deals[deal.ID]
	if !ok {
		return errors.NotFound("deal", deal.ID)
	}
	if stored.Version != deal.Version {
		return errors.Conflict("deal " + deal.ID + " was modified concurrently")
	}
	deal.Version++
	deal.CreatedAt = stored.CreatedAt
	deal.UpdatedAt = r.t.now()
	r.t.st.deals[deal.ID] = deal.Clone()
	return nil
}

func (r dealRepo) Delete(_ context.Context, id string) error {
	st := r.t.st
	if _, ok := st.deals[id]; !ok {
		return errors.NotFound("deal", id)
	}
	delete(st.deals, id)

	removed := make(map[string]bool)
	payments := st.payments[:0]
	for _, p := range st.payments {
		if p.DealID == id {
			removed[p.ID] = true
			continue
		}
		payments = append(payments, p)
	}
	st.payments = payments

	approvals := st.approvals[:0]
	for _, a := range st.approvals {
		if a.DealID != id {
			approvals = append(approvals, a)
		}
	}
	st.approvals = approvals

	events := st.outbox[:0]
	for _, e := range st.outbox {
		if e.DealID == nil || *e.DealID != id {
			events = append(events, e)
		}
	}
	st.outbox = events

	// Audit rows survive with their references cleared.
	for i, e := range st.audit {
		dealRef := e.DealID != nil && *e.DealID == id
		paymentRef := e.PaymentID != nil && removed[*e.PaymentID]
		if !dealRef && !paymentRef {
			continue
		}
		c := *e
		if dealRef {
			c.DealID = nil
		}
		if paymentRef {
			c.PaymentID = nil
		}
		st.audit[i] = &c
	}
	return nil
}

func (r dealRepo) List(_ context.Context, filter repository.DealFilter, limit, offset int) ([]*domain.Deal, int64, error) {
	search := ""
	if filter.Search != nil {
		search = strings.ToLower(strings.TrimSpace(*filter.Search))
	}

	var matched []*domain.Deal
	for _, d := range r.t.st.deals {
		switch {
		case search != "" && !strings.Contains(strings.ToLower(d.Name), search):
			continue
		case filter.Stage != nil && d.Stage != *filter.Stage:
			continue
		case filter.OwnerID != nil && (d.OwnerID == nil || *d.OwnerID != *filter.OwnerID):
			continue
		case filter.MinProbability != nil && d.Probability < *filter.MinProbability:
			continue
		case filter.MaxProbability != nil && d.Probability > *filter.MaxProbability:
			continue
		}
		matched = append(matched, d)
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := int64(len(matched))
	if offset >= len(matched) {
		return []*domain.Deal{}, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*domain.Deal, 0, len(matched))
	for _, d := range matched {
		out = append(out, d.Clone())
	}
	return out, total, nil
}

// ── approvals ─────────────────────────────────────────────────────────────────

type approvalRepo struct{ t *tx }

func (r approvalRepo) Create(_ context.Context, approval *domain.Approval) error {
	if err := r.t.dealExists(approval.DealID); err != nil {
		return err
	}
	now := r.t.now()
	approval.ID = uuid.NewString()
	approval.CreatedAt = now
	approval.UpdatedAt = now
	r.t.st.approvals = append(r.t.st.approvals, approval.Clone())
	return nil
}

func (r approvalRepo) GetByID(_ context.Context, id string) (*domain.Approval, error) {
	for _, a := range r.t.st.approvals {
		if a.ID == id {
			return a.Clone(), nil
		}
	}
	return nil, errors.NotFound("approval", id)
}

func (r approvalRepo) ListByDeal(_ context.Context, dealID string) ([]*domain.Approval, error) {
	var out []*domain.Approval
	for _, a := range r.t.st.approvals {
		if a.DealID == dealID {
			out = append(out, a.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SequenceOrder < out[j].SequenceOrder
	})
	return out, nil
}

func (r approvalRepo) Update(_ context.Context, approval *domain.Approval) error {
	for i, a := range r.t.st.approvals {
		if a.ID == approval.ID {
			approval.UpdatedAt = r.t.now()
			r.t.st.approvals[i] = approval.Clone()
			return nil
		}
	}
	return errors.NotFound("approval", approval.ID)
}

// ── payments ──────────────────────────────────────────────────────────────────

type paymentRepo struct{ t *tx }

func (r paymentRepo) Create(_ context.Context, payment *domain.Payment) error {
	if err := r.t.dealExists(payment.DealID); err != nil {
		return err
	}
	for _, p := range r.t.st.payments {
		if p.IdempotencyKey == payment.IdempotencyKey {
			return errors.Conflict("idempotency key " + payment.IdempotencyKey + " already used")
		}
	}
	now := r.t.now()
	payment.ID = uuid.NewString()
	payment.CreatedAt = now
	payment.UpdatedAt = now
	r.t.st.payments = append(r.t.st.payments, payment.Clone())
	return nil
}

func (r paymentRepo) GetByIdempotencyKey(_ context.Context, key string) (*domain.Payment, error) {
	for _, p := range r.t.st.payments {
		if p.IdempotencyKey == key {
			return p.Clone(), nil
		}
	}
	return nil, nil
}

func (r paymentRepo) MaxAttemptNumber(_ context.Context, dealID string) (int, error) {
	n := 0
	for _, p := range r.t.st.payments {
		if p.DealID == dealID && p.AttemptNumber > n {
			n = p.AttemptNumber
		}
	}
	return n, nil
}

func (r paymentRepo) ListByDeal(_ context.Context, dealID string) ([]*domain.Payment, error) {
	var out []*domain.Payment
	for _, p := range r.t.st.payments {
		if p.DealID == dealID {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (r paymentRepo) Update(_ context.Context, payment *domain.Payment) error {
	for i, p := range r.t.st.payments {
		if p.ID == payment.ID {
			payment.UpdatedAt = r.t.now()
			r.t.st.payments[i] = payment.Clone()
			return nil
		}
	}
	return errors.NotFound("payment", payment.ID)
}

// ── audit ─────────────────────────────────────────────────────────────────────

type auditRepo struct{ t *tx }

func (r auditRepo) Append(_ context.Context, entry *domain.AuditEntry) error {
	entry.ID = uuid.NewString()
	entry.CreatedAt = r.t.now()
	c := *entry
	c.DealID = cloneString(entry.DealID)
	c.PaymentID = cloneString(entry.PaymentID)
	c.Details = make(map[string]any, len(entry.Details))
	for k, v := range entry.Details {
		c.Details[k] = v
	}
	r.t.st.audit = append(r.t.st.audit, &c)
	return nil
}

func (r auditRepo) ListByDeal(_ context.Context, dealID string) ([]*domain.AuditEntry, error) {
	var out []*domain.AuditEntry
	for _, e := range r.t.st.audit {
		if e.DealID != nil && *e.DealID == dealID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// ── outbox ────────────────────────────────────────────────────────────────────

type outboxRepo struct{ t *tx }

func (r outboxRepo) Insert(_ context.Context, event *domain.OutboxEvent) error {
	if event.DealID != nil {
		if err := r.t.dealExists(*event.DealID); err != nil {
			return err
		}
	}
	now := r.t.now()
	event.ID = uuid.NewString()
	event.CreatedAt = now
	event.UpdatedAt = now
	if len(event.Payload) == 0 {
		event.Payload = []byte("{}")
	}
	r.t.st.outbox = append(r.t.st.outbox, event.Clone())
	return nil
}

func (r outboxRepo) ListDue(_ context.Context, status domain.EventStatus, now time.Time, limit int) ([]*domain.OutboxEvent, error) {
	var out []*domain.OutboxEvent
	for _, e := range r.t.st.outbox {
		if limit > 0 && len(out) == limit {
			break
		}
		if e.Status == status && !e.NextRunAt.After(now) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (r outboxRepo) Update(_ context.Context, event *domain.OutboxEvent) error {
	for i, e := range r.t.st.outbox {
		if e.ID == event.ID {
			event.UpdatedAt = r.t.now()
			r.t.st.outbox[i] = event.Clone()
			return nil
		}
	}
	return errors.NotFound("outbox_event", event.ID)
}

func (r outboxRepo) ListByDeal(_ context.Context, dealID string) ([]*domain.OutboxEvent, error) {
	var out []*domain.OutboxEvent
	for _, e := range r.t.st.outbox {
		if e.DealID != nil && *e.DealID == dealID {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
