package guardrail

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
)

func newTestEngine() *Engine {
	return NewEngine(NewStaticStore(DefaultPolicy()))
}

func terms(amount, discount int64, days int, risk domain.RiskTier) Terms {
	return Terms{
		Amount:           decimal.NewFromInt(amount),
		DiscountPercent:  decimal.NewFromInt(discount),
		PaymentTermsDays: days,
		Risk:             risk,
	}
}

func TestEvaluateScenarios(t *testing.T) {
	engine := newTestEngine()

	tests := []struct {
		name       string
		terms      Terms
		wantStatus domain.GuardrailStatus
		wantReason []string
		wantReview bool
	}{
		{
			name:       "low risk within limits",
			terms:      terms(10000, 15, 30, domain.RiskLow),
			wantStatus: domain.GuardrailPass,
		},
		{
			name:       "medium risk discount over limit",
			terms:      terms(10000, 35, 30, domain.RiskMedium),
			wantStatus: domain.GuardrailViolated,
			wantReason: []string{"35", "20", "medium"},
		},
		{
			name:       "amount below floor",
			terms:      terms(1000, 10, 30, domain.RiskLow),
			wantStatus: domain.GuardrailViolated,
			wantReason: []string{"$1,000.00", "$5,000.00"},
		},
		{
			name:       "terms over ceiling",
			terms:      terms(25000, 15, 90, domain.RiskMedium),
			wantStatus: domain.GuardrailViolated,
			wantReason: []string{"90 days", "45 day limit"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := engine.Evaluate(tt.terms)
			if eval.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", eval.Status, tt.wantStatus)
			}
			if eval.RequiresManualReview != tt.wantReview {
				t.Fatalf("requires review = %v, want %v", eval.RequiresManualReview, tt.wantReview)
			}
			if len(tt.wantReason) == 0 {
				if eval.Reason != nil {
					t.Fatalf("unexpected reason %q", *eval.Reason)
				}
				return
			}
			if eval.Reason == nil {
				t.Fatal("expected reason")
			}
			for _, want := range tt.wantReason {
				if !strings.Contains(*eval.Reason, want) {
					t.Fatalf("reason %q does not mention %q", *eval.Reason, want)
				}
			}
		})
	}
}

func TestEvaluateDiscountViolationWinsOverOtherProblems(t *testing.T) {
	engine := newTestEngine()

	// Amount below floor and terms over ceiling too; discount is checked first.
	eval := engine.Evaluate(terms(100, 50, 365, domain.RiskHigh))
	if !eval.Violated() {
		t.Fatal("expected violation")
	}
	if !strings.HasPrefix(*eval.Reason, "discount 50.0% exceeds 10.0% limit for high risk") {
		t.Fatalf("reason = %q", *eval.Reason)
	}
}

func TestEvaluateBoundariesPass(t *testing.T) {
	engine := newTestEngine()

	// Exactly at every limit and threshold.
	eval := engine.Evaluate(terms(5000, 20, 30, domain.RiskMedium))
	if eval.Violated() {
		t.Fatalf("boundary values should pass, got %q", *eval.Reason)
	}
	if eval.RequiresManualReview || eval.RequiredStage != nil {
		t.Fatal("boundary values should not require review")
	}

	eval = engine.Evaluate(terms(5000, 30, 45, domain.RiskLow))
	if eval.Violated() {
		t.Fatalf("max discount and max terms should pass, got %q", *eval.Reason)
	}
}

func TestEvaluateManualReview(t *testing.T) {
	engine := newTestEngine()

	tests := []struct {
		name      string
		terms     Terms
		wantStage domain.Stage
	}{
		{name: "exec approval", terms: terms(20000, 25, 30, domain.RiskLow), wantStage: domain.StageExecApproval},
		{name: "finance review", terms: terms(20000, 10, 40, domain.RiskLow), wantStage: domain.StageFinanceReview},
		{name: "finance overrides exec", terms: terms(20000, 25, 40, domain.RiskLow), wantStage: domain.StageFinanceReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := engine.Evaluate(tt.terms)
			if eval.Status != domain.GuardrailPass {
				t.Fatalf("status = %s", eval.Status)
			}
			if !eval.RequiresManualReview {
				t.Fatal("expected manual review")
			}
			if eval.RequiredStage == nil || *eval.RequiredStage != tt.wantStage {
				t.Fatalf("required stage = %v, want %s", eval.RequiredStage, tt.wantStage)
			}
		})
	}
}

func TestEvaluateDefaultsMissingRiskToMedium(t *testing.T) {
	engine := newTestEngine()
	eval := engine.Evaluate(terms(10000, 22, 30, ""))
	if !eval.Violated() {
		t.Fatal("22% should violate the medium limit")
	}
}

func TestEvaluateFallsBackToDefaultMax(t *testing.T) {
	p := DefaultPolicy()
	delete(p.DiscountGuardrails.RiskOverrides, domain.RiskHigh)
	engine := NewEngine(NewStaticStore(p))

	if eval := engine.Evaluate(terms(10000, 25, 30, domain.RiskHigh)); eval.Violated() {
		t.Fatalf("25%% is within the default limit, got %q", *eval.Reason)
	}
	if eval := engine.Evaluate(terms(10000, 26, 30, domain.RiskHigh)); !eval.Violated() {
		t.Fatal("26% should exceed the default limit")
	}
}

func TestApply(t *testing.T) {
	engine := newTestEngine()

	t.Run("violation locks deal", func(t *testing.T) {
		d := &domain.Deal{Stage: domain.StagePricing}
		forced := ApplyToDeal(d, engine.Evaluate(terms(10000, 35, 30, domain.RiskMedium)))
		if forced {
			t.Fatal("violation should not force a stage")
		}
		if !d.GuardrailLocked || d.GuardrailStatus != domain.GuardrailViolated || d.GuardrailReason == nil {
			t.Fatalf("deal not locked: %+v", d)
		}
	})

	t.Run("review forces earlier stage forward", func(t *testing.T) {
		d := &domain.Deal{Stage: domain.StageQualification}
		if !ApplyToDeal(d, engine.Evaluate(terms(20000, 10, 40, domain.RiskLow))) {
			t.Fatal("expected forced stage")
		}
		if d.Stage != domain.StageFinanceReview {
			t.Fatalf("stage = %s", d.Stage)
		}
		if d.GuardrailLocked {
			t.Fatal("pass must clear lock")
		}
	})

	t.Run("review never moves a deal backwards", func(t *testing.T) {
		d := &domain.Deal{Stage: domain.StageExecApproval}
		if ApplyToDeal(d, engine.Evaluate(terms(20000, 10, 40, domain.RiskLow))) {
			t.Fatal("deal past finance review must keep its stage")
		}
		if d.Stage != domain.StageExecApproval {
			t.Fatalf("stage = %s", d.Stage)
		}
	})

	t.Run("closed deal keeps stage", func(t *testing.T) {
		d := &domain.Deal{Stage: domain.StageClosedLost}
		if ApplyToDeal(d, engine.Evaluate(terms(20000, 25, 30, domain.RiskLow))) {
			t.Fatal("closed deal must not be forced")
		}
	})
}
