package guardrail

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
)

// PolicyProvider returns the policy to evaluate against.
type PolicyProvider interface {
	Current() *Policy
}

// Terms are the pricing-relevant fields of a deal.
type Terms struct {
	Amount           decimal.Decimal
	DiscountPercent  decimal.Decimal
	PaymentTermsDays int
	Risk             domain.RiskTier
}

// TermsOf extracts the pricing terms from a deal.
func TermsOf(d *domain.Deal) Terms {
	return Terms{
		Amount:           d.Amount,
		DiscountPercent:  d.DiscountPercent,
		PaymentTermsDays: d.PaymentTermsDays,
		Risk:             d.Risk,
	}
}

// Evaluation is the verdict for one set of terms. A violation is a value,
// not an error.
type Evaluation struct {
	Status               domain.GuardrailStatus
	Reason               *string
	RequiredStage        *domain.Stage
	RequiresManualReview bool
}

// Violated reports whether the terms broke a hard limit.
func (e Evaluation) Violated() bool {
	return e.Status == domain.GuardrailViolated
}

// Engine evaluates terms against the provider's current policy.
type Engine struct {
	policies PolicyProvider
	printer  *message.Printer
}

// NewEngine creates an engine.
func NewEngine(policies PolicyProvider) *Engine {
	return &Engine{
		policies: policies,
		printer:  message.NewPrinter(language.English),
	}
}

// Evaluate checks discount, price floor and payment terms in that order and
// returns on the first violation. Limits are inclusive: a value equal to a
// limit passes.
func (e *Engine) Evaluate(t Terms) Evaluation {
	p := e.policies.Current()
	risk := t.Risk
	if risk == "" {
		risk = domain.RiskMedium
	}

	maxDiscount := p.MaxDiscountFor(risk)
	if t.DiscountPercent.GreaterThan(maxDiscount) {
		return violated(fmt.Sprintf("discount %s%% exceeds %s%% limit for %s risk",
			t.DiscountPercent.StringFixed(1), maxDiscount.StringFixed(1), risk))
	}

	if t.Amount.LessThan(p.PriceFloor.MinAmount) {
		return violated(fmt.Sprintf("amount %s is below configured floor %s",
			e.money(t.Amount), e.money(p.PriceFloor.MinAmount)))
	}

	maxTerms := p.PaymentTermsGuardrails.MaxTermsDays
	if t.PaymentTermsDays > maxTerms {
		return violated(fmt.Sprintf("payment terms %d days exceed %d day limit", t.PaymentTermsDays, maxTerms))
	}

	eval := Evaluation{Status: domain.GuardrailPass}
	if t.DiscountPercent.GreaterThan(p.DiscountGuardrails.RequiresExecutiveApprovalAbove) {
		eval.RequiredStage = stagePtr(domain.StageExecApproval)
		eval.RequiresManualReview = true
	}
	// Finance review is checked last and wins when both thresholds trip.
	if t.PaymentTermsDays > p.PaymentTermsGuardrails.RequiresFinanceReviewAboveDays {
		eval.RequiredStage = stagePtr(domain.StageFinanceReview)
		eval.RequiresManualReview = true
	}
	return eval
}

// ApplyToDeal records the evaluation on the deal and, when review is required,
// moves the deal forward to the required stage. A deal that is already at or
// past that stage, or closed, keeps its stage. It reports whether the stage
// was forced.
func ApplyToDeal(d *domain.Deal, eval Evaluation) bool {
	d.SetGuardrail(eval.Status, eval.Reason)
	if eval.RequiredStage == nil || d.Stage.Terminal() {
		return false
	}
	if !d.Stage.Before(*eval.RequiredStage) {
		return false
	}
	d.Stage = *eval.RequiredStage
	return true
}

func (e *Engine) money(v decimal.Decimal) string {
	return e.printer.Sprintf("$%.2f", v.InexactFloat64())
}

func violated(reason string) Evaluation {
	return Evaluation{Status: domain.GuardrailViolated, Reason: &reason}
}

func stagePtr(s domain.Stage) *domain.Stage {
	return &s
}
