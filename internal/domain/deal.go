// Package domain holds the deal desk entities and their enumerations.
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-deal-desk/internal/errors"
)

// Stage is a deal lifecycle stage.
type Stage string

const (
	StageProspecting   Stage = "prospecting"
	StageQualification Stage = "qualification"
	StageSolutioning   Stage = "solutioning"
	StagePricing       Stage = "pricing"
	StageLegalReview   Stage = "legal_review"
	StageFinanceReview Stage = "finance_review"
	StageExecApproval  Stage = "executive_approval"
	StageClosedWon     Stage = "closed_won"
	StageClosedLost    Stage = "closed_lost"
)

// Stages lists every stage in lifecycle order.
var Stages = []Stage{
	StageProspecting,
	StageQualification,
	StageSolutioning,
	StagePricing,
	StageLegalReview,
	StageFinanceReview,
	StageExecApproval,
	StageClosedWon,
	StageClosedLost,
}

// stageRank orders stages along the lifecycle. Both closed stages share the
// last rank.
var stageRank = map[Stage]int{
	StageProspecting:   0,
	StageQualification: 1,
	StageSolutioning:   2,
	StagePricing:       3,
	StageLegalReview:   4,
	StageFinanceReview: 5,
	StageExecApproval:  6,
	StageClosedWon:     7,
	StageClosedLost:    7,
}

// ParseStage validates a stage string.
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := stageRank[st]; !ok {
		return "", errors.InvalidInput("stage", "unknown stage '"+s+"'")
	}
	return st, nil
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// Terminal reports whether the stage has no outgoing transitions.
func (s Stage) Terminal() bool {
	return s == StageClosedWon || s == StageClosedLost
}

// Before reports whether s comes strictly earlier in the lifecycle than other.
func (s Stage) Before(other Stage) bool {
	return stageRank[s] < stageRank[other]
}

// AtOrAfter reports whether s is other or later in the lifecycle.
func (s Stage) AtOrAfter(other Stage) bool {
	return stageRank[s] >= stageRank[other]
}

// RiskTier is the deal's commercial risk classification.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// ParseRiskTier validates a risk tier. An empty string resolves to medium.
func ParseRiskTier(s string) (RiskTier, error) {
	switch RiskTier(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return RiskMedium, nil
	case RiskLow:
		return RiskLow, nil
	case RiskMedium:
		return RiskMedium, nil
	case RiskHigh:
		return RiskHigh, nil
	}
	return "", errors.InvalidInput("risk", "unknown risk tier '"+s+"'")
}

// GuardrailStatus is the outcome of the latest guardrail evaluation.
type GuardrailStatus string

const (
	GuardrailPass     GuardrailStatus = "pass"
	GuardrailViolated GuardrailStatus = "violated"
)

// OrchestrationMode says whether the deal is driven by people or workflows.
type OrchestrationMode string

const (
	OrchestrationManual       OrchestrationMode = "manual"
	OrchestrationOrchestrated OrchestrationMode = "orchestrated"
)

// ParseOrchestrationMode validates a mode. An empty string resolves to
// orchestrated.
func ParseOrchestrationMode(s string) (OrchestrationMode, error) {
	switch OrchestrationMode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return OrchestrationOrchestrated, nil
	case OrchestrationManual:
		return OrchestrationManual, nil
	case OrchestrationOrchestrated:
		return OrchestrationOrchestrated, nil
	}
	return "", errors.InvalidInput("orchestration_mode", "unknown orchestration mode '"+s+"'")
}

// Deal is a sales deal moving through staged approval.
//
// GuardrailLocked is true exactly when GuardrailStatus is violated. The three
// lifecycle timestamps only ever move from nil to set.
type Deal struct {
	ID                 string
	Name               string
	Description        *string
	Amount             decimal.Decimal
	Currency           string
	Stage              Stage
	Risk               RiskTier
	Probability        int
	OwnerID            *string
	DiscountPercent    decimal.Decimal
	PaymentTermsDays   int
	GuardrailStatus    GuardrailStatus
	GuardrailReason    *string
	GuardrailLocked    bool
	OrchestrationMode  OrchestrationMode
	QuoteGeneratedAt   *time.Time
	AgreementSignedAt  *time.Time
	PaymentCollectedAt *time.Time
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SetGuardrail records an evaluation outcome and keeps the lock flag in step
// with the status.
func (d *Deal) SetGuardrail(status GuardrailStatus, reason *string) {
	d.GuardrailStatus = status
	d.GuardrailReason = reason
	d.GuardrailLocked = status == GuardrailViolated
}

// StampOnce sets *field to now when it is still unset. It reports whether the
// field changed.
func StampOnce(field **time.Time, now time.Time) bool {
	if *field != nil {
		return false
	}
	t := now
	*field = &t
	return true
}

// Clone returns a deep copy.
func (d *Deal) Clone() *Deal {
	c := *d
	c.Description = cloneString(d.Description)
	c.OwnerID = cloneString(d.OwnerID)
	c.GuardrailReason = cloneString(d.GuardrailReason)
	c.QuoteGeneratedAt = cloneTime(d.QuoteGeneratedAt)
	c.AgreementSignedAt = cloneTime(d.AgreementSignedAt)
	c.PaymentCollectedAt = cloneTime(d.PaymentCollectedAt)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
