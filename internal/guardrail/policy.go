// Package guardrail evaluates deal pricing terms against the active pricing
// policy.
package guardrail

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/errors"
)

// Policy is the pricing guardrail document.
type Policy struct {
	DiscountGuardrails     DiscountGuardrails     `json:"discount_guardrails"`
	PaymentTermsGuardrails PaymentTermsGuardrails `json:"payment_terms_guardrails"`
	PriceFloor             PriceFloor             `json:"price_floor"`
}

// DiscountGuardrails limits discounts, optionally per risk tier.
type DiscountGuardrails struct {
	DefaultMaxDiscountPercent      decimal.Decimal                     `json:"default_max_discount_percent"`
	RiskOverrides                  map[domain.RiskTier]decimal.Decimal `json:"risk_overrides"`
	RequiresExecutiveApprovalAbove decimal.Decimal                     `json:"requires_executive_approval_above"`
}

// PaymentTermsGuardrails limits payment terms in days.
type PaymentTermsGuardrails struct {
	MaxTermsDays                   int `json:"max_terms_days"`
	RequiresFinanceReviewAboveDays int `json:"requires_finance_review_above_days"`
}

// PriceFloor is the minimum deal amount.
type PriceFloor struct {
	Currency  string          `json:"currency"`
	MinAmount decimal.Decimal `json:"min_amount"`
}

// DefaultPolicy returns the stock policy shipped with the service.
func DefaultPolicy() *Policy {
	return &Policy{
		DiscountGuardrails: DiscountGuardrails{
			DefaultMaxDiscountPercent: decimal.NewFromInt(25),
			RiskOverrides: map[domain.RiskTier]decimal.Decimal{
				domain.RiskLow:    decimal.NewFromInt(30),
				domain.RiskMedium: decimal.NewFromInt(20),
				domain.RiskHigh:   decimal.NewFromInt(10),
			},
			RequiresExecutiveApprovalAbove: decimal.NewFromInt(20),
		},
		PaymentTermsGuardrails: PaymentTermsGuardrails{
			MaxTermsDays:                   45,
			RequiresFinanceReviewAboveDays: 30,
		},
		PriceFloor: PriceFloor{
			Currency:  "USD",
			MinAmount: decimal.NewFromInt(5000),
		},
	}
}

// ParsePolicy decodes and validates a policy document.
func ParsePolicy(doc []byte) (*Policy, error) {
	p := &Policy{}
	if err := json.Unmarshal(doc, p); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed pricing policy document")
	}
	if err := p.normalizeOverrides(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// normalizeOverrides rekeys risk overrides by their canonical tier so that
// "LOW" and "low" resolve to the same limit. Keys that do not parse are kept
// as written for Validate to report.
func (p *Policy) normalizeOverrides() error {
	raw := p.DiscountGuardrails.RiskOverrides
	if len(raw) == 0 {
		return nil
	}
	out := make(map[domain.RiskTier]decimal.Decimal, len(raw))
	for key, v := range raw {
		tier := key
		if strings.TrimSpace(string(key)) != "" {
			if parsed, err := domain.ParseRiskTier(string(key)); err == nil {
				tier = parsed
			}
		}
		if _, dup := out[tier]; dup {
			return errors.InvalidInput("policy", fmt.Sprintf("risk tier %q has more than one override", tier))
		}
		out[tier] = v
	}
	p.DiscountGuardrails.RiskOverrides = out
	return nil
}

// MaxDiscountFor resolves the discount ceiling for a risk tier, falling back
// to the default when the tier has no override.
func (p *Policy) MaxDiscountFor(risk domain.RiskTier) decimal.Decimal {
	if v, ok := p.DiscountGuardrails.RiskOverrides[risk]; ok {
		return v
	}
	return p.DiscountGuardrails.DefaultMaxDiscountPercent
}

// Validate checks the document for values the engine cannot use. Every
// problem is reported, not just the first.
func (p *Policy) Validate() error {
	var problems []string
	hundred := decimal.NewFromInt(100)
	inPercentRange := func(v decimal.Decimal) bool {
		return !v.IsNegative() && v.LessThanOrEqual(hundred)
	}

	dg := p.DiscountGuardrails
	if !inPercentRange(dg.DefaultMaxDiscountPercent) {
		problems = append(problems, "default max discount percent must be between 0 and 100")
	}
	for risk, v := range dg.RiskOverrides {
		if _, err := domain.ParseRiskTier(string(risk)); err != nil || risk == "" {
			problems = append(problems, fmt.Sprintf("unknown risk tier %q in overrides", risk))
			continue
		}
		if !inPercentRange(v) {
			problems = append(problems, fmt.Sprintf("%s risk max discount must be between 0 and 100", risk))
		}
	}
	if !inPercentRange(dg.RequiresExecutiveApprovalAbove) {
		problems = append(problems, "executive approval threshold must be between 0 and 100")
	}

	ptg := p.PaymentTermsGuardrails
	if ptg.MaxTermsDays <= 0 {
		problems = append(problems, "max terms days must be positive")
	}
	if ptg.RequiresFinanceReviewAboveDays < 0 {
		problems = append(problems, "finance review threshold must not be negative")
	} else if ptg.MaxTermsDays > 0 && ptg.RequiresFinanceReviewAboveDays > ptg.MaxTermsDays {
		problems = append(problems, "finance review threshold must not exceed max terms days")
	}

	if p.PriceFloor.MinAmount.IsNegative() {
		problems = append(problems, "minimum amount must be non-negative")
	}

	if len(problems) > 0 {
		return errors.InvalidInput("policy", strings.Join(problems, "; "))
	}
	return nil
}
