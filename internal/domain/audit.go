package domain

import "time"

// AuditCategory groups audit entries for compliance consumers.
type AuditCategory string

const (
	AuditGuardrail       AuditCategory = "guardrail"
	AuditPayment         AuditCategory = "payment"
	AuditStateTransition AuditCategory = "state_transition"
	AuditSystem          AuditCategory = "system"
)

// AuditEntry is an immutable audit record. It references, but is not owned
// by, a deal and/or payment.
type AuditEntry struct {
	ID        string
	DealID    *string
	PaymentID *string
	Actor     string
	Action    string
	Category  AuditCategory
	Details   map[string]any
	Critical  bool
	CreatedAt time.Time
}
