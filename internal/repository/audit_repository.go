package repository

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-deal-desk/internal/database"
	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/errors"
)

// PgAuditRepository appends and reads immutable audit log entries.
type PgAuditRepository struct {
	q database.Querier
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(q database.Querier) *PgAuditRepository {
	return &PgAuditRepository{q: q}
}

// Append inserts one audit entry. The table has an update/delete prevention
// trigger so this is the only mutation operation exposed.
func (r *PgAuditRepository) Append(ctx context.Context, entry *domain.AuditEntry) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit details")
	}

	query := `
		INSERT INTO audit_logs (deal_id, payment_id, actor, action, category, details, critical)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	err = r.q.QueryRow(ctx, query,
		entry.DealID,
		entry.PaymentID,
		entry.Actor,
		entry.Action,
		entry.Category,
		detailsJSON,
		entry.Critical,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListByDeal returns the audit trail for a deal ordered oldest-first.
func (r *PgAuditRepository) ListByDeal(ctx context.Context, dealID string) ([]*domain.AuditEntry, error) {
	query := `
		SELECT id, deal_id, payment_id, actor, action, category, details, critical, created_at
		FROM audit_logs
		WHERE deal_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.q.Query(ctx, query, dealID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate audit log")
	}
	return entries, nil
}

func scanAuditEntry(sc rowScanner) (*domain.AuditEntry, error) {
	entry := &domain.AuditEntry{}
	var detailsJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.DealID,
		&entry.PaymentID,
		&entry.Actor,
		&entry.Action,
		&entry.Category,
		&detailsJSON,
		&entry.Critical,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}

	if detailsJSON != nil {
		if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit details")
		}
	}
	return entry, nil
}
