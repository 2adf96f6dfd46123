package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-deal-desk/internal/database"
	"github.com/pesio-ai/be-deal-desk/internal/errors"
)

// PolicyRepository reads pricing policy documents from pricing_policies. It
// satisfies guardrail.Source, so a policy store can reload from the database.
type PolicyRepository struct {
	q database.Querier
}

// NewPolicyRepository creates a new PolicyRepository.
func NewPolicyRepository(q database.Querier) *PolicyRepository {
	return &PolicyRepository{q: q}
}

// Load returns the configuration of the active policy with the lowest
// priority value.
func (r *PolicyRepository) Load(ctx context.Context) ([]byte, error) {
	query := `
		SELECT configuration
		FROM pricing_policies
		WHERE is_active
		ORDER BY priority ASC, updated_at DESC
		LIMIT 1
	`

	var doc []byte
	err := r.q.QueryRow(ctx, query).Scan(&doc)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("pricing_policy", "active")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load pricing policy")
	}
	return doc, nil
}
