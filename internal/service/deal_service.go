package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/errors"
	"github.com/pesio-ai/be-deal-desk/internal/guardrail"
	"github.com/pesio-ai/be-deal-desk/internal/logger"
	"github.com/pesio-ai/be-deal-desk/internal/outbox"
	"github.com/pesio-ai/be-deal-desk/internal/repository"
	"github.com/pesio-ai/be-deal-desk/internal/stage"
)

// DealService handles deal intake, updates and stage movement.
type DealService struct {
	store   repository.Store
	engine  *guardrail.Engine
	machine *stage.Machine
	outbox  *outbox.Dispatcher
	now     func() time.Time
	log     *logger.Logger
}

// NewDealService creates a new deal service
func NewDealService(
	store repository.Store,
	engine *guardrail.Engine,
	machine *stage.Machine,
	dispatcher *outbox.Dispatcher,
	log *logger.Logger,
) *DealService {
	return &DealService{
		store:   store,
		engine:  engine,
		machine: machine,
		outbox:  dispatcher,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log.Component("deal-service"),
	}
}

// CreateDealRequest represents a create deal request
type CreateDealRequest struct {
	Name               string
	Description        *string
	Amount             decimal.Decimal
	Currency           string
	Stage              string
	Risk               string
	Probability        int
	OwnerID            *string
	DiscountPercent    decimal.Decimal
	PaymentTermsDays   *int
	OrchestrationMode  string
	QuoteGeneratedAt   *time.Time
	AgreementSignedAt  *time.Time
	PaymentCollectedAt *time.Time
	Approvals          []ApprovalRequest
	Actor              string
}

// UpdateDealRequest is a partial update; nil fields are left unchanged.
// Lifecycle timestamps can be set once but never cleared or moved. Version,
// when set, must match the stored deal.
type UpdateDealRequest struct {
	Name               *string
	Description        *string
	Amount             *decimal.Decimal
	Currency           *string
	Risk               *string
	Probability        *int
	OwnerID            *string
	DiscountPercent    *decimal.Decimal
	PaymentTermsDays   *int
	OrchestrationMode  *string
	QuoteGeneratedAt   *time.Time
	AgreementSignedAt  *time.Time
	PaymentCollectedAt *time.Time
	Version            *int64
	Actor              string
}

const defaultPaymentTermsDays = 30

// EvaluateGuardrails checks terms against the active pricing policy without
// touching any deal.
func (s *DealService) EvaluateGuardrails(terms guardrail.Terms) guardrail.Evaluation {
	return s.engine.Evaluate(terms)
}

// CreateDeal validates and persists a new deal. Guardrails are evaluated
// before anything is written; the deal, its approvals, the audit trail and
// the notification events commit together.
func (s *DealService) CreateDeal(ctx context.Context, req *CreateDealRequest) (*domain.Deal, error) {
	deal, err := s.buildDeal(req)
	if err != nil {
		return nil, err
	}
	now := s.now()
	approvals, err := buildApprovals(req.Approvals, now)
	if err != nil {
		return nil, err
	}

	eval := s.engine.Evaluate(guardrail.TermsOf(deal))
	initialStage := deal.Stage
	forced := guardrail.ApplyToDeal(deal, eval)
	if eval.Violated() && deal.Stage == domain.StageClosedWon {
		return nil, errors.InvalidInput("stage", "cannot create a closed won deal that violates guardrails: "+*eval.Reason)
	}

	// Stamped after forcing so a deal pushed into review carries its quote time.
	if deal.Stage.AtOrAfter(domain.StagePricing) && deal.Stage != domain.StageClosedLost {
		domain.StampOnce(&deal.QuoteGeneratedAt, now)
	}

	actor := actorOr(req.Actor)
	err = s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if err := tx.Deals().Create(ctx, deal); err != nil {
			return err
		}
		for _, a := range approvals {
			a.DealID = deal.ID
			if err := tx.Approvals().Create(ctx, a); err != nil {
				return err
			}
		}

		if err := appendAudit(ctx, tx, dealAudit(deal.ID, actor, actionDealCreated, domain.AuditSystem,
			map[string]any{"stage": string(deal.Stage)})); err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, deal.ID, domain.EventQuoteGenerated,
			map[string]any{"deal_id": deal.ID, "stage": deal.Stage}); err != nil {
			return err
		}
		return s.recordGuardrailOutcome(ctx, tx, deal, eval, initialStage, forced, actor)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("deal_id", deal.ID).
		Str("stage", string(deal.Stage)).
		Str("guardrail_status", string(deal.GuardrailStatus)).
		Int("approval_count", len(approvals)).
		Msg("Deal created")

	return deal, nil
}

// UpdateDeal applies a partial update. Guardrails are re-evaluated only when
// amount, discount, payment terms or risk change.
func (s *DealService) UpdateDeal(ctx context.Context, dealID string, req *UpdateDealRequest) (*domain.Deal, error) {
	var deal *domain.Deal
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		deal, err = tx.Deals().GetForUpdate(ctx, dealID)
		if err != nil {
			return err
		}
		if req.Version != nil && *req.Version != deal.Version {
			return errors.Conflict("deal " + dealID + " has been modified since it was read")
		}

		changed, pricingChanged, err := applyPatch(deal, req)
		if err != nil {
			return err
		}
		if len(changed) == 0 {
			return nil
		}

		actor := actorOr(req.Actor)
		var (
			eval         guardrail.Evaluation
			initialStage = deal.Stage
			forced       bool
		)
		if pricingChanged {
			eval = s.engine.Evaluate(guardrail.TermsOf(deal))
			forced = guardrail.ApplyToDeal(deal, eval)
		}

		if err := tx.Deals().Update(ctx, deal); err != nil {
			return err
		}
		if err := appendAudit(ctx, tx, dealAudit(deal.ID, actor, actionDealUpdated, domain.AuditSystem,
			map[string]any{"fields": changed})); err != nil {
			return err
		}
		if pricingChanged {
			return s.recordGuardrailOutcome(ctx, tx, deal, eval, initialStage, forced, actor)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("deal_id", deal.ID).
		Int64("version", deal.Version).
		Str("guardrail_status", string(deal.GuardrailStatus)).
		Msg("Deal updated")

	return deal, nil
}

// AdvanceStage moves a deal along the stage graph. A refused transition is
// returned as a result with Succeeded false and nothing is written.
func (s *DealService) AdvanceStage(ctx context.Context, dealID string, target domain.Stage, actor string) (stage.TransitionResult, error) {
	if !target.Valid() {
		return stage.TransitionResult{}, errors.InvalidInput("stage", "unknown stage '"+string(target)+"'")
	}

	var res stage.TransitionResult
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		deal, err := tx.Deals().GetForUpdate(ctx, dealID)
		if err != nil {
			return err
		}

		res = s.machine.Advance(deal, target)
		if !res.Changed {
			return nil
		}
		if err := tx.Deals().Update(ctx, deal); err != nil {
			return err
		}
		return recordTransition(ctx, tx, s.outbox, deal, res, actorOr(actor))
	})
	if err != nil {
		return stage.TransitionResult{}, err
	}

	if !res.Succeeded {
		s.log.Info().
			Str("deal_id", dealID).
			Str("target", string(target)).
			Str("reason", res.Reason).
			Msg("Stage transition refused")
	} else if res.Changed {
		s.log.Info().
			Str("deal_id", dealID).
			Str("from", string(res.From)).
			Str("to", string(res.To)).
			Msg("Deal stage advanced")
	}
	return res, nil
}

// GetDeal retrieves a deal by ID
func (s *DealService) GetDeal(ctx context.Context, dealID string) (*domain.Deal, error) {
	var deal *domain.Deal
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		deal, err = tx.Deals().GetByID(ctx, dealID)
		return err
	})
	return deal, err
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListDeals lists deals with filtering and pagination, most recently updated
// first. page starts at 1; a zero page or page size takes the default.
func (s *DealService) ListDeals(ctx context.Context, filter repository.DealFilter, page, pageSize int) ([]*domain.Deal, int64, error) {
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	if page < 1 {
		return nil, 0, errors.InvalidInput("page", "page must be at least 1")
	}
	if pageSize < 1 || pageSize > maxPageSize {
		return nil, 0, errors.InvalidInput("page_size", "page size must be between 1 and 100")
	}
	if filter.MinProbability != nil && filter.MaxProbability != nil && *filter.MinProbability > *filter.MaxProbability {
		return nil, 0, errors.InvalidInput("probability", "min probability cannot exceed max probability")
	}
	if filter.Stage != nil && !filter.Stage.Valid() {
		return nil, 0, errors.InvalidInput("stage", "unknown stage '"+string(*filter.Stage)+"'")
	}

	var (
		deals []*domain.Deal
		total int64
	)
	offset := (page - 1) * pageSize
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		deals, total, err = tx.Deals().List(ctx, filter, pageSize, offset)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return deals, total, nil
}

// DeleteDeal removes a deal with its approvals, payments and events. Its
// audit trail is kept and a deletion entry is added.
func (s *DealService) DeleteDeal(ctx context.Context, dealID, actor string) error {
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		deal, err := tx.Deals().GetForUpdate(ctx, dealID)
		if err != nil {
			return err
		}
		if err := tx.Deals().Delete(ctx, dealID); err != nil {
			return err
		}
		return appendAudit(ctx, tx, &domain.AuditEntry{
			Actor:    actor,
			Action:   actionDealDeleted,
			Category: domain.AuditSystem,
			Details:  map[string]any{"deal_id": dealID, "name": deal.Name, "stage": string(deal.Stage)},
		})
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("deal_id", dealID).Msg("Deal deleted")
	return nil
}

// EnqueueEvent records an event in its own transaction.
func (s *DealService) EnqueueEvent(ctx context.Context, req outbox.EnqueueRequest) (*domain.OutboxEvent, error) {
	var event *domain.OutboxEvent
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if req.DealID != nil {
			if _, err := tx.Deals().GetByID(ctx, *req.DealID); err != nil {
				return err
			}
		}
		var err error
		event, err = s.outbox.Enqueue(ctx, tx.Outbox(), req)
		return err
	})
	return event, err
}

// DispatchPendingEvents delivers due events through handler and returns how
// many were delivered.
func (s *DealService) DispatchPendingEvents(ctx context.Context, handler outbox.Handler) (int, error) {
	return s.outbox.DispatchPending(ctx, handler)
}

// ListEvents returns the events recorded for a deal, oldest first.
func (s *DealService) ListEvents(ctx context.Context, dealID string) ([]*domain.OutboxEvent, error) {
	var events []*domain.OutboxEvent
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		events, err = tx.Outbox().ListByDeal(ctx, dealID)
		return err
	})
	return events, err
}

// ── guardrail side effects ────────────────────────────────────────────────────

// recordGuardrailOutcome writes the audit entries and events that follow an
// evaluation: the forced stage move, then the violation or review notice.
func (s *DealService) recordGuardrailOutcome(
	ctx context.Context,
	tx repository.Tx,
	deal *domain.Deal,
	eval guardrail.Evaluation,
	initialStage domain.Stage,
	forced bool,
	actor string,
) error {
	if forced {
		if err := appendAudit(ctx, tx, dealAudit(deal.ID, actor, actionStageForced, domain.AuditStateTransition,
			map[string]any{"from": string(initialStage), "to": string(deal.Stage)})); err != nil {
			return err
		}
	}

	switch {
	case eval.Violated():
		s.log.Warn().
			Str("deal_id", deal.ID).
			Str("reason", *eval.Reason).
			Msg("Guardrail violation")
		if err := appendAudit(ctx, tx, criticalAudit(dealAudit(deal.ID, actor, actionGuardrailViolation,
			domain.AuditGuardrail, map[string]any{"reason": *eval.Reason}))); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, deal.ID, domain.EventGuardrailViolation, map[string]any{"reason": *eval.Reason})

	case eval.RequiresManualReview:
		required := string(*eval.RequiredStage)
		if err := appendAudit(ctx, tx, dealAudit(deal.ID, actor, actionGuardrailReview, domain.AuditGuardrail,
			map[string]any{"required_stage": required})); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, deal.ID, domain.EventGuardrailReview, map[string]any{"required_stage": required})
	}
	return nil
}

// recordTransition audits a stage change and announces it.
func recordTransition(ctx context.Context, tx repository.Tx, dispatcher *outbox.Dispatcher, deal *domain.Deal, res stage.TransitionResult, actor string) error {
	if err := appendAudit(ctx, tx, dealAudit(deal.ID, actor, actionStageTransition, domain.AuditStateTransition,
		map[string]any{"from": string(res.From), "stage": string(res.To)})); err != nil {
		return err
	}
	_, err := dispatcher.Enqueue(ctx, tx.Outbox(), outbox.EnqueueRequest{
		DealID:    &deal.ID,
		EventType: domain.EventStageChanged,
		Payload:   map[string]any{"deal_id": deal.ID, "from": res.From, "to": res.To},
	})
	return err
}

func (s *DealService) enqueue(ctx context.Context, tx repository.Tx, dealID, eventType string, payload any) error {
	id := dealID
	_, err := s.outbox.Enqueue(ctx, tx.Outbox(), outbox.EnqueueRequest{
		DealID:    &id,
		EventType: eventType,
		Payload:   payload,
	})
	return err
}

// ── validation ────────────────────────────────────────────────────────────────

func (s *DealService) buildDeal(req *CreateDealRequest) (*domain.Deal, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.InvalidInput("name", "name is required")
	}
	if err := validateAmount("amount", req.Amount); err != nil {
		return nil, err
	}
	currency, err := normalizeCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	if err := validateDiscount(req.DiscountPercent); err != nil {
		return nil, err
	}
	if err := validateProbability(req.Probability); err != nil {
		return nil, err
	}

	terms := defaultPaymentTermsDays
	if req.PaymentTermsDays != nil {
		terms = *req.PaymentTermsDays
	}
	if terms < 0 {
		return nil, errors.InvalidInput("payment_terms_days", "payment terms cannot be negative")
	}

	stg := domain.StageProspecting
	if req.Stage != "" {
		if stg, err = domain.ParseStage(req.Stage); err != nil {
			return nil, err
		}
	}
	risk, err := domain.ParseRiskTier(req.Risk)
	if err != nil {
		return nil, err
	}
	mode, err := domain.ParseOrchestrationMode(req.OrchestrationMode)
	if err != nil {
		return nil, err
	}

	return &domain.Deal{
		Name:               name,
		Description:        req.Description,
		Amount:             req.Amount,
		Currency:           currency,
		Stage:              stg,
		Risk:               risk,
		Probability:        req.Probability,
		OwnerID:            req.OwnerID,
		DiscountPercent:    req.DiscountPercent,
		PaymentTermsDays:   terms,
		GuardrailStatus:    domain.GuardrailPass,
		OrchestrationMode:  mode,
		QuoteGeneratedAt:   req.QuoteGeneratedAt,
		AgreementSignedAt:  req.AgreementSignedAt,
		PaymentCollectedAt: req.PaymentCollectedAt,
	}, nil
}

// applyPatch copies the set fields of req onto deal. A field that is set to
// its current value does not count as changed. It returns the names of the
// fields that changed and whether any of them feeds the guardrails.
func applyPatch(deal *domain.Deal, req *UpdateDealRequest) ([]string, bool, error) {
	var changed []string
	pricing := false

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, false, errors.InvalidInput("name", "name is required")
		}
		if name != deal.Name {
			deal.Name = name
			changed = append(changed, "name")
		}
	}
	if req.Description != nil && !equalString(deal.Description, req.Description) {
		deal.Description = req.Description
		changed = append(changed, "description")
	}
	if req.Amount != nil {
		if err := validateAmount("amount", *req.Amount); err != nil {
			return nil, false, err
		}
		if !req.Amount.Equal(deal.Amount) {
			deal.Amount = *req.Amount
			changed = append(changed, "amount")
			pricing = true
		}
	}
	if req.Currency != nil {
		currency, err := normalizeCurrency(*req.Currency)
		if err != nil {
			return nil, false, err
		}
		if currency != deal.Currency {
			deal.Currency = currency
			changed = append(changed, "currency")
		}
	}
	if req.Risk != nil {
		risk, err := domain.ParseRiskTier(*req.Risk)
		if err != nil {
			return nil, false, err
		}
		if risk != deal.Risk {
			deal.Risk = risk
			changed = append(changed, "risk")
			pricing = true
		}
	}
	if req.Probability != nil {
		if err := validateProbability(*req.Probability); err != nil {
			return nil, false, err
		}
		if *req.Probability != deal.Probability {
			deal.Probability = *req.Probability
			changed = append(changed, "probability")
		}
	}
	if req.OwnerID != nil && !equalString(deal.OwnerID, req.OwnerID) {
		deal.OwnerID = req.OwnerID
		changed = append(changed, "owner_id")
	}
	if req.DiscountPercent != nil {
		if err := validateDiscount(*req.DiscountPercent); err != nil {
			return nil, false, err
		}
		if !req.DiscountPercent.Equal(deal.DiscountPercent) {
			deal.DiscountPercent = *req.DiscountPercent
			changed = append(changed, "discount_percent")
			pricing = true
		}
	}
	if req.PaymentTermsDays != nil {
		if *req.PaymentTermsDays < 0 {
			return nil, false, errors.InvalidInput("payment_terms_days", "payment terms cannot be negative")
		}
		if *req.PaymentTermsDays != deal.PaymentTermsDays {
			deal.PaymentTermsDays = *req.PaymentTermsDays
			changed = append(changed, "payment_terms_days")
			pricing = true
		}
	}
	if req.OrchestrationMode != nil {
		mode, err := domain.ParseOrchestrationMode(*req.OrchestrationMode)
		if err != nil {
			return nil, false, err
		}
		if mode != deal.OrchestrationMode {
			deal.OrchestrationMode = mode
			changed = append(changed, "orchestration_mode")
		}
	}
	if req.QuoteGeneratedAt != nil && domain.StampOnce(&deal.QuoteGeneratedAt, *req.QuoteGeneratedAt) {
		changed = append(changed, "quote_generated_at")
	}
	if req.AgreementSignedAt != nil && domain.StampOnce(&deal.AgreementSignedAt, *req.AgreementSignedAt) {
		changed = append(changed, "agreement_signed_at")
	}
	if req.PaymentCollectedAt != nil && domain.StampOnce(&deal.PaymentCollectedAt, *req.PaymentCollectedAt) {
		changed = append(changed, "payment_collected_at")
	}
	return changed, pricing, nil
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func validateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.InvalidInput(field, "amount must be positive")
	}
	return nil
}

func validateDiscount(d decimal.Decimal) error {
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		return errors.InvalidInput("discount_percent", "discount must be between 0 and 100")
	}
	return nil
}

func validateProbability(p int) error {
	if p < 0 || p > 100 {
		return errors.InvalidInput("probability", "probability must be between 0 and 100")
	}
	return nil
}

func normalizeCurrency(c string) (string, error) {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return "USD", nil
	}
	if len(c) != 3 {
		return "", errors.InvalidInput("currency", "currency must be 3-letter ISO code")
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", errors.InvalidInput("currency", "currency must be 3-letter ISO code")
		}
	}
	return c, nil
}
