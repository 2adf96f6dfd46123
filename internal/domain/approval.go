package domain

import (
	"strings"
	"time"

	"github.com/pesio-ai/be-deal-desk/internal/errors"
)

// ApprovalStatus is the state of a single approval on a deal.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalEscalated ApprovalStatus = "escalated"
)

// ParseApprovalStatus validates a status. An empty string resolves to pending.
func ParseApprovalStatus(s string) (ApprovalStatus, error) {
	switch ApprovalStatus(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return ApprovalPending, nil
	case ApprovalPending:
		return ApprovalPending, nil
	case ApprovalApproved:
		return ApprovalApproved, nil
	case ApprovalRejected:
		return ApprovalRejected, nil
	case ApprovalEscalated:
		return ApprovalEscalated, nil
	}
	return "", errors.InvalidInput("status", "unknown approval status '"+s+"'")
}

// Approval belongs to exactly one deal; SequenceOrder orders a deal's approvals.
type Approval struct {
	ID            string
	DealID        string
	ApproverID    *string
	Status        ApprovalStatus
	Notes         *string
	DueAt         *time.Time
	CompletedAt   *time.Time
	SequenceOrder int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SetStatus changes the status and stamps CompletedAt the first time the
// approval reaches approved or rejected.
func (a *Approval) SetStatus(status ApprovalStatus, now time.Time) {
	a.Status = status
	if status == ApprovalApproved || status == ApprovalRejected {
		StampOnce(&a.CompletedAt, now)
	}
}

// Clone returns a deep copy.
func (a *Approval) Clone() *Approval {
	c := *a
	c.ApproverID = cloneString(a.ApproverID)
	c.Notes = cloneString(a.Notes)
	c.DueAt = cloneTime(a.DueAt)
	c.CompletedAt = cloneTime(a.CompletedAt)
	return &c
}
