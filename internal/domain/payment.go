package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the state of a payment row.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentSucceeded  PaymentStatus = "succeeded"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRolledBack PaymentStatus = "rolled_back"
)

// Payment is one logical payment on a deal. IdempotencyKey is unique across
// all payments; retries under the same key reuse the row and bump
// AttemptNumber.
type Payment struct {
	ID                string
	DealID            string
	Status            PaymentStatus
	Amount            decimal.Decimal
	Currency          string
	IdempotencyKey    string
	ProviderReference *string
	AttemptNumber     int
	FailureReason     *string
	ErrorCode         *string
	CompletedAt       *time.Time
	RolledBackAt      *time.Time
	AutoRecovered     bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Clone returns a deep copy.
func (p *Payment) Clone() *Payment {
	c := *p
	c.ProviderReference = cloneString(p.ProviderReference)
	c.FailureReason = cloneString(p.FailureReason)
	c.ErrorCode = cloneString(p.ErrorCode)
	c.CompletedAt = cloneTime(p.CompletedAt)
	c.RolledBackAt = cloneTime(p.RolledBackAt)
	return &c
}
