package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-deal-desk/internal/database"
	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/errors"
)

const dealColumns = `
	id, name, description, amount, currency, stage, risk, probability, owner_id,
	discount_percent, payment_terms_days,
	guardrail_status, guardrail_reason, guardrail_locked, orchestration_mode,
	quote_generated_at, agreement_signed_at, payment_collected_at,
	version, created_at, updated_at`

// PgDealRepository handles deal data operations
type PgDealRepository struct {
	q database.Querier
}

// NewDealRepository creates a new deal repository
func NewDealRepository(q database.Querier) *PgDealRepository {
	return &PgDealRepository{q: q}
}

// Create inserts a deal and reads back its generated columns.
func (r *PgDealRepository) Create(ctx context.Context, deal *domain.Deal) error {
	query := `
		INSERT INTO deals (name, description, amount, currency, stage, risk, probability, owner_id,
		                   discount_percent, payment_terms_days,
		                   guardrail_status, guardrail_reason, guardrail_locked, orchestration_mode,
		                   quote_generated_at, agreement_signed_at, payment_collected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id, version, created_at, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		deal.Name,
		deal.Description,
		deal.Amount,
		deal.Currency,
		deal.Stage,
		deal.Risk,
		deal.Probability,
		deal.OwnerID,
		deal.DiscountPercent,
		deal.PaymentTermsDays,
		deal.GuardrailStatus,
		deal.GuardrailReason,
		deal.GuardrailLocked,
		deal.OrchestrationMode,
		deal.QuoteGeneratedAt,
		deal.AgreementSignedAt,
		deal.PaymentCollectedAt,
	).Scan(&deal.ID, &deal.Version, &deal.CreatedAt, &deal.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create deal")
	}
	return nil
}

// GetByID retrieves a deal by ID
func (r *PgDealRepository) GetByID(ctx context.Context, id string) (*domain.Deal, error) {
	return r.get(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)
}

// GetForUpdate retrieves a deal and row-locks it until the transaction ends.
func (r *PgDealRepository) GetForUpdate(ctx context.Context, id string) (*domain.Deal, error) {
	return r.get(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1 FOR UPDATE`, id)
}

func (r *PgDealRepository) get(ctx context.Context, query, id string) (*domain.Deal, error) {
	deal, err := scanDeal(r.q.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("deal", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get deal")
	}
	return deal, nil
}

// Update writes every mutable column when the stored version still matches
// deal.Version, then advances the version.
func (r *PgDealRepository) Update(ctx context.Context, deal *domain.Deal) error {
	query := `
		UPDATE deals
		SET name = $3, description = $4, amount = $5, currency = $6, stage = $7, risk = $8,
		    probability = $9, owner_id = $10, discount_percent = $11, payment_terms_days = $12,
		    guardrail_status = $13, guardrail_reason = $14, guardrail_locked = $15,
		    orchestration_mode = $16, quote_generated_at = $17, agreement_signed_at = $18,
		    payment_collected_at = $19, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at
	`

	err := r.q.QueryRow(ctx, query,
		deal.ID,
		deal.Version,
		deal.Name,
		deal.Description,
		deal.Amount,
		deal.Currency,
		deal.Stage,
		deal.Risk,
		deal.Probability,
		deal.OwnerID,
		deal.DiscountPercent,
		deal.PaymentTermsDays,
		deal.GuardrailStatus,
		deal.GuardrailReason,
		deal.GuardrailLocked,
		deal.OrchestrationMode,
		deal.QuoteGeneratedAt,
		deal.AgreementSignedAt,
		deal.PaymentCollectedAt,
	).Scan(&deal.Version, &deal.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return r.missingOrStale(ctx, deal.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update deal")
	}
	return nil
}

func (r *PgDealRepository) missingOrStale(ctx context.Context, id string) error {
	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deals WHERE id = $1)`, id).Scan(&exists); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to check deal")
	}
	if !exists {
		return errors.NotFound("deal", id)
	}
	return errors.Conflict("deal " + id + " was modified concurrently")
}

// Delete removes a deal. Approvals, payments and outbox events cascade; audit
// entries keep their rows with the reference cleared.
func (r *PgDealRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.q.Exec(ctx, `DELETE FROM deals WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete deal")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("deal", id)
	}
	return nil
}

// List retrieves deals with filtering and pagination, most recently updated
// first. It also returns the total number of matching deals.
func (r *PgDealRepository) List(ctx context.Context, filter DealFilter, limit, offset int) ([]*domain.Deal, int64, error) {
	query := `SELECT ` + dealColumns + ` FROM deals WHERE 1 = 1`
	countQuery := `SELECT COUNT(*) FROM deals WHERE 1 = 1`

	args := []any{}
	argCount := 1

	if filter.Search != nil && strings.TrimSpace(*filter.Search) != "" {
		query += fmt.Sprintf(" AND lower(name) LIKE $%d", argCount)
		countQuery += fmt.Sprintf(" AND lower(name) LIKE $%d", argCount)
		args = append(args, "%"+strings.ToLower(strings.TrimSpace(*filter.Search))+"%")
		argCount++
	}

	if filter.Stage != nil {
		query += fmt.Sprintf(" AND stage = $%d", argCount)
		countQuery += fmt.Sprintf(" AND stage = $%d", argCount)
		args = append(args, *filter.Stage)
		argCount++
	}

	if filter.OwnerID != nil {
		query += fmt.Sprintf(" AND owner_id = $%d", argCount)
		countQuery += fmt.Sprintf(" AND owner_id = $%d", argCount)
		args = append(args, *filter.OwnerID)
		argCount++
	}

	if filter.MinProbability != nil {
		query += fmt.Sprintf(" AND probability >= $%d", argCount)
		countQuery += fmt.Sprintf(" AND probability >= $%d", argCount)
		args = append(args, *filter.MinProbability)
		argCount++
	}

	if filter.MaxProbability != nil {
		query += fmt.Sprintf(" AND probability <= $%d", argCount)
		countQuery += fmt.Sprintf(" AND probability <= $%d", argCount)
		args = append(args, *filter.MaxProbability)
		argCount++
	}

	query += " ORDER BY updated_at DESC, id"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argCount, argCount+1)

	queryArgs := append(append([]any{}, args...), limit, offset)

	var total int64
	if err := r.q.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count deals")
	}

	rows, err := r.q.Query(ctx, query, queryArgs...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list deals")
	}
	defer rows.Close()

	deals := make([]*domain.Deal, 0)
	for rows.Next() {
		deal, err := scanDeal(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan deal")
		}
		deals = append(deals, deal)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list deals")
	}

	return deals, total, nil
}

func scanDeal(sc rowScanner) (*domain.Deal, error) {
	deal := &domain.Deal{}
	err := sc.Scan(
		&deal.ID,
		&deal.Name,
		&deal.Description,
		&deal.Amount,
		&deal.Currency,
		&deal.Stage,
		&deal.Risk,
		&deal.Probability,
		&deal.OwnerID,
		&deal.DiscountPercent,
		&deal.PaymentTermsDays,
		&deal.GuardrailStatus,
		&deal.GuardrailReason,
		&deal.GuardrailLocked,
		&deal.OrchestrationMode,
		&deal.QuoteGeneratedAt,
		&deal.AgreementSignedAt,
		&deal.PaymentCollectedAt,
		&deal.Version,
		&deal.CreatedAt,
		&deal.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return deal, nil
}
