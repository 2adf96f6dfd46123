package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-deal-desk/internal/database"
)

// uniqueViolation is the SQLSTATE PostgreSQL reports for a unique constraint.
const uniqueViolation = "23505"

// PostgresStore is the Store backed by a pgx pool.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InTransaction runs fn with repositories bound to one database transaction.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

type pgTx struct {
	q database.Querier
}

func (t *pgTx) Deals() DealRepository         { return NewDealRepository(t.q) }
func (t *pgTx) Approvals() ApprovalRepository { return NewApprovalRepository(t.q) }
func (t *pgTx) Payments() PaymentRepository   { return NewPaymentRepository(t.q) }
func (t *pgTx) Audit() AuditRepository        { return NewAuditRepository(t.q) }
func (t *pgTx) Outbox() OutboxRepository      { return NewOutboxRepository(t.q) }

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
