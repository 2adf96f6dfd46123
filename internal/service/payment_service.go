package service

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/errors"
	"github.com/pesio-ai/be-deal-desk/internal/lock"
	"github.com/pesio-ai/be-deal-desk/internal/logger"
	"github.com/pesio-ai/be-deal-desk/internal/outbox"
	"github.com/pesio-ai/be-deal-desk/internal/repository"
	"github.com/pesio-ai/be-deal-desk/internal/stage"
)

const (
	paymentLockPrefix    = "payment:idemp:"
	maxIdempotencyKeyLen = 64

	simulatedFailureReason = "simulated_gateway_failure"
	simulatedErrorCode     = "SIMULATED"
)

// errKeyRace reports that another caller inserted the same idempotency key
// between our lookup and our insert.
var errKeyRace = stderrors.New("idempotency key claimed concurrently")

// PaymentConfig tunes locking around payment processing.
type PaymentConfig struct {
	LockTTL          time.Duration
	JoinTimeout      time.Duration
	JoinPollInterval time.Duration
}

// PaymentService processes payments exactly once per idempotency key.
type PaymentService struct {
	store   repository.Store
	locker  lock.Locker
	machine *stage.Machine
	outbox  *outbox.Dispatcher
	cfg     PaymentConfig
	now     func() time.Time
	log     *logger.Logger
}

// NewPaymentService creates a new PaymentService. A nil locker processes
// every request without mutual exclusion and relies on the unique key
// constraint alone.
func NewPaymentService(
	store repository.Store,
	locker lock.Locker,
	machine *stage.Machine,
	dispatcher *outbox.Dispatcher,
	cfg PaymentConfig,
	log *logger.Logger,
) *PaymentService {
	if locker == nil {
		locker = lock.Noop{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 5 * time.Second
	}
	if cfg.JoinPollInterval <= 0 {
		cfg.JoinPollInterval = 50 * time.Millisecond
	}
	return &PaymentService{
		store:   store,
		locker:  locker,
		machine: machine,
		outbox:  dispatcher,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		log:     log.Component("payment-service"),
	}
}

// PaymentRequest represents a payment submission
type PaymentRequest struct {
	Amount            decimal.Decimal
	Currency          string
	IdempotencyKey    string
	ProviderReference *string
	SimulateFailure   bool
	SimulateRollback  bool
	Actor             string
}

// ProcessPayment records a payment for a deal.
//
// The idempotency key is locked for the duration of the work. A caller that
// loses the lock waits for the holder's payment row and returns it. When the
// lock service fails the request proceeds unlocked. A succeeded payment is
// returned unchanged on replay unless an explicit rollback is requested.
func (s *PaymentService) ProcessPayment(ctx context.Context, dealID string, req *PaymentRequest) (*domain.Payment, error) {
	key, currency, err := validatePayment(req)
	if err != nil {
		return nil, err
	}

	lease, acquired, err := s.locker.Acquire(ctx, paymentLockPrefix+key, s.cfg.LockTTL)
	switch {
	case err != nil:
		s.log.Warn().Err(err).
			Str("deal_id", dealID).
			Str("idempotency_key", key).
			Msg("Payment lock unavailable; proceeding without lock")
	case !acquired:
		s.log.Info().
			Str("deal_id", dealID).
			Str("idempotency_key", key).
			Msg("Payment in flight; joining")
		return s.join(ctx, dealID, key)
	default:
		defer s.release(lease, key)
	}

	payment, err := s.process(ctx, dealID, key, currency, req)
	if stderrors.Is(err, errKeyRace) {
		existing, lookupErr := s.lookup(ctx, dealID, key)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing != nil {
			return existing, nil
		}
		return nil, errors.Conflict("payment with idempotency key " + key + " conflicts with a concurrent request")
	}
	return payment, err
}

// GetPayment returns the payment holding an idempotency key.
func (s *PaymentService) GetPayment(ctx context.Context, key string) (*domain.Payment, error) {
	var payment *domain.Payment
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		payment, err = tx.Payments().GetByIdempotencyKey(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, errors.NotFound("payment", key)
	}
	return payment, nil
}

// ListPayments returns a deal's payments, oldest first.
func (s *PaymentService) ListPayments(ctx context.Context, dealID string) ([]*domain.Payment, error) {
	var payments []*domain.Payment
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		if _, err := tx.Deals().GetByID(ctx, dealID); err != nil {
			return err
		}
		var err error
		payments, err = tx.Payments().ListByDeal(ctx, dealID)
		return err
	})
	return payments, err
}

// process runs one payment attempt in a single transaction with the deal row
// locked.
func (s *PaymentService) process(ctx context.Context, dealID, key, currency string, req *PaymentRequest) (*domain.Payment, error) {
	var (
		payment *domain.Payment
		replay  bool
	)
	actor := actorOr(req.Actor)

	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		deal, err := tx.Deals().GetForUpdate(ctx, dealID)
		if err != nil {
			return err
		}

		existing, err := tx.Payments().GetByIdempotencyKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil && existing.DealID != dealID {
			return errors.Conflict("idempotency key " + key + " belongs to another deal")
		}

		now := s.now()
		isNew := existing == nil
		var prior domain.PaymentStatus

		if isNew {
			last, err := tx.Payments().MaxAttemptNumber(ctx, dealID)
			if err != nil {
				return err
			}
			payment = &domain.Payment{
				DealID:            dealID,
				Status:            domain.PaymentPending,
				Amount:            req.Amount,
				Currency:          currency,
				IdempotencyKey:    key,
				ProviderReference: req.ProviderReference,
				AttemptNumber:     last + 1,
			}
		} else {
			payment = existing
			prior = existing.Status
			if prior == domain.PaymentSucceeded {
				if req.SimulateFailure && req.SimulateRollback {
					return s.rollbackSucceeded(ctx, tx, payment, now, actor)
				}
				replay = true
				return nil
			}
			payment.AttemptNumber++
			if req.ProviderReference != nil {
				payment.ProviderReference = req.ProviderReference
			}
		}

		if req.SimulateFailure {
			return s.recordFailure(ctx, tx, payment, isNew, req.SimulateRollback, now, actor)
		}

		if prior == domain.PaymentFailed {
			payment.AutoRecovered = true
		}
		payment.Status = domain.PaymentSucceeded
		payment.CompletedAt = &now
		payment.FailureReason = nil
		payment.ErrorCode = nil
		if err := s.save(ctx, tx, payment, isNew); err != nil {
			return err
		}

		if err := appendAudit(ctx, tx, paymentAudit(payment, actor, actionPaymentSucceeded, false,
			map[string]any{"payment_id": payment.ID, "attempt_number": payment.AttemptNumber})); err != nil {
			return err
		}
		if err := s.enqueue(ctx, tx, payment, domain.EventPaymentSucceeded, map[string]any{
			"payment_id":      payment.ID,
			"idempotency_key": payment.IdempotencyKey,
			"amount":          payment.Amount.StringFixed(2),
			"currency":        payment.Currency,
			"auto_recovered":  payment.AutoRecovered,
		}); err != nil {
			return err
		}

		return s.collect(ctx, tx, deal, now, actor)
	})
	if err != nil {
		return nil, err
	}

	if replay {
		s.log.Debug().
			Str("payment_id", payment.ID).
			Str("idempotency_key", key).
			Msg("Payment replayed")
		return payment, nil
	}

	s.log.Info().
		Str("deal_id", dealID).
		Str("payment_id", payment.ID).
		Str("idempotency_key", key).
		Str("status", string(payment.Status)).
		Int("attempt_number", payment.AttemptNumber).
		Bool("auto_recovered", payment.AutoRecovered).
		Msg("Payment processed")

	return payment, nil
}

// recordFailure marks the payment failed and, when asked, rolled back.
func (s *PaymentService) recordFailure(ctx context.Context, tx repository.Tx, payment *domain.Payment, isNew, rollback bool, now time.Time, actor string) error {
	reason := simulatedFailureReason
	code := simulatedErrorCode
	payment.Status = domain.PaymentFailed
	payment.FailureReason = &reason
	payment.ErrorCode = &code
	if rollback {
		payment.Status = domain.PaymentRolledBack
		payment.RolledBackAt = &now
	}
	if err := s.save(ctx, tx, payment, isNew); err != nil {
		return err
	}

	if err := appendAudit(ctx, tx, paymentAudit(payment, actor, actionPaymentFailed, true,
		map[string]any{"payment_id": payment.ID, "reason": reason, "error_code": code})); err != nil {
		return err
	}
	if err := s.enqueue(ctx, tx, payment, domain.EventPaymentFailure,
		map[string]any{"payment_id": payment.ID, "idempotency_key": payment.IdempotencyKey}); err != nil {
		return err
	}
	if !rollback {
		return nil
	}

	if err := appendAudit(ctx, tx, paymentAudit(payment, actor, actionPaymentRolledBack, true,
		map[string]any{"payment_id": payment.ID})); err != nil {
		return err
	}
	return s.enqueue(ctx, tx, payment, domain.EventPaymentRollback, map[string]any{"payment_id": payment.ID})
}

// rollbackSucceeded reverses a succeeded payment on explicit request. The
// deal keeps its stage and timestamps.
func (s *PaymentService) rollbackSucceeded(ctx context.Context, tx repository.Tx, payment *domain.Payment, now time.Time, actor string) error {
	payment.AttemptNumber++
	payment.Status = domain.PaymentRolledBack
	payment.RolledBackAt = &now
	if err := s.save(ctx, tx, payment, false); err != nil {
		return err
	}
	if err := appendAudit(ctx, tx, paymentAudit(payment, actor, actionPaymentRolledBack, true,
		map[string]any{"payment_id": payment.ID, "previous_status": string(domain.PaymentSucceeded)})); err != nil {
		return err
	}
	return s.enqueue(ctx, tx, payment, domain.EventPaymentRollback, map[string]any{"payment_id": payment.ID})
}

// collect stamps payment collection and closes the deal won. A refused
// transition leaves the payment standing.
func (s *PaymentService) collect(ctx context.Context, tx repository.Tx, deal *domain.Deal, now time.Time, actor string) error {
	stamped := domain.StampOnce(&deal.PaymentCollectedAt, now)

	res := s.machine.Advance(deal, domain.StageClosedWon)
	if !res.Succeeded {
		s.log.Warn().
			Str("deal_id", deal.ID).
			Str("stage", string(deal.Stage)).
			Str("reason", res.Reason).
			Msg("Payment collected but deal could not be closed won")
	}
	if !stamped && !res.Changed {
		return nil
	}

	if err := tx.Deals().Update(ctx, deal); err != nil {
		return err
	}
	if !res.Changed {
		return nil
	}
	return recordTransition(ctx, tx, s.outbox, deal, res, actor)
}

func (s *PaymentService) save(ctx context.Context, tx repository.Tx, payment *domain.Payment, isNew bool) error {
	if !isNew {
		return tx.Payments().Update(ctx, payment)
	}
	err := tx.Payments().Create(ctx, payment)
	if errors.Is(err, errors.ErrCodeConflict) {
		return errKeyRace
	}
	return err
}

func (s *PaymentService) enqueue(ctx context.Context, tx repository.Tx, payment *domain.Payment, eventType string, payload any) error {
	_, err := s.outbox.Enqueue(ctx, tx.Outbox(), outbox.EnqueueRequest{
		DealID:    &payment.DealID,
		EventType: eventType,
		Payload:   payload,
	})
	return err
}

// join waits for the payment a concurrent caller is creating under key.
func (s *PaymentService) join(ctx context.Context, dealID, key string) (*domain.Payment, error) {
	deadline := time.NewTimer(s.cfg.JoinTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.JoinPollInterval)
	defer ticker.Stop()

	for {
		payment, err := s.lookup(ctx, dealID, key)
		if err != nil {
			return nil, err
		}
		if payment != nil {
			return payment, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errors.Conflict("payment with idempotency key " + key + " is still in progress")
		case <-ticker.C:
		}
	}
}

// lookup reads the committed payment for key, or nil. A key held by another
// deal is a conflict.
func (s *PaymentService) lookup(ctx context.Context, dealID, key string) (*domain.Payment, error) {
	var payment *domain.Payment
	err := s.store.InTransaction(ctx, func(tx repository.Tx) error {
		var err error
		payment, err = tx.Payments().GetByIdempotencyKey(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if payment != nil && payment.DealID != dealID {
		return nil, errors.Conflict("idempotency key " + key + " belongs to another deal")
	}
	return payment, nil
}

func (s *PaymentService) release(lease lock.Lease, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		s.log.Warn().Err(err).
			Str("idempotency_key", key).
			Msg("Failed to release payment lock; it will expire")
	}
}

func paymentAudit(payment *domain.Payment, actor, action string, critical bool, details map[string]any) *domain.AuditEntry {
	entry := dealAudit(payment.DealID, actor, action, domain.AuditPayment, details)
	id := payment.ID
	entry.PaymentID = &id
	entry.Critical = critical
	return entry
}

func validatePayment(req *PaymentRequest) (key, currency string, err error) {
	key = strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return "", "", errors.InvalidInput("idempotency_key", "idempotency key is required")
	}
	if len(key) > maxIdempotencyKeyLen {
		return "", "", errors.InvalidInput("idempotency_key", "idempotency key must be at most 64 characters")
	}
	if err := validateAmount("amount", req.Amount); err != nil {
		return "", "", err
	}
	currency, err = normalizeCurrency(req.Currency)
	if err != nil {
		return "", "", err
	}
	return key, currency, nil
}
