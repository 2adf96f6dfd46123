package guardrail

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
	"github.com/pesio-ai/be-deal-desk/internal/errors"
	"github.com/pesio-ai/be-deal-desk/internal/logger"
)

const testPolicyDoc = `{
  "discount_guardrails": {
    "default_max_discount_percent": 25,
    "risk_overrides": {"low": 30, "medium": 20, "high": 10},
    "requires_executive_approval_above": 20
  },
  "payment_terms_guardrails": {"max_terms_days": 45, "requires_finance_review_above_days": 30},
  "price_floor": {"currency": "USD", "min_amount": 5000}
}`

type mutableSource struct {
	doc []byte
	err error
}

func (s *mutableSource) Load(ctx context.Context) ([]byte, error) {
	return s.doc, s.err
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(testPolicyDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := p.MaxDiscountFor(domain.RiskLow).String(); got != "30" {
		t.Fatalf("low max = %s", got)
	}
	if p.PaymentTermsGuardrails.MaxTermsDays != 45 {
		t.Fatalf("max terms = %d", p.PaymentTermsGuardrails.MaxTermsDays)
	}
}

func TestParsePolicyRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "malformed", doc: `{`, want: "malformed"},
		{name: "zero terms", doc: strings.Replace(testPolicyDoc, `"max_terms_days": 45`, `"max_terms_days": 0`, 1), want: "max terms days must be positive"},
		{name: "discount over 100", doc: strings.Replace(testPolicyDoc, `"default_max_discount_percent": 25`, `"default_max_discount_percent": 120`, 1), want: "between 0 and 100"},
		{name: "negative floor", doc: strings.Replace(testPolicyDoc, `"min_amount": 5000`, `"min_amount": -1`, 1), want: "non-negative"},
		{name: "unknown tier", doc: strings.Replace(testPolicyDoc, `"high": 10`, `"extreme": 10`, 1), want: "unknown risk tier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.doc))
			if !errors.Is(err, errors.ErrCodeInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParsePolicyNormalizesOverrideKeys(t *testing.T) {
	doc := strings.Replace(testPolicyDoc, `{"low": 30, "medium": 20, "high": 10}`, `{"LOW": 5, " Medium ": 20, "high": 10}`, 1)
	p, err := ParsePolicy([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := p.MaxDiscountFor(domain.RiskLow).String(); got != "5" {
		t.Fatalf("low max = %s, want 5", got)
	}
	if got := p.MaxDiscountFor(domain.RiskMedium).String(); got != "20" {
		t.Fatalf("medium max = %s, want 20", got)
	}

	eval := NewEngine(NewStaticStore(p)).Evaluate(terms(10000, 15, 30, domain.RiskLow))
	if !eval.Violated() {
		t.Fatalf("15%% on low risk should violate a 5%% override, got %s", eval.Status)
	}
}

func TestParsePolicyRejectsDuplicateOverrides(t *testing.T) {
	doc := strings.Replace(testPolicyDoc, `{"low": 30, "medium": 20, "high": 10}`, `{"low": 30, "LOW": 5}`, 1)
	_, err := ParsePolicy([]byte(doc))
	if !errors.Is(err, errors.ErrCodeInvalidInput) || !strings.Contains(err.Error(), "more than one override") {
		t.Fatalf("err = %v, want duplicate override rejection", err)
	}
}

func TestDefaultPolicyIsValid(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
}

func TestStoreReload(t *testing.T) {
	ctx := context.Background()
	src := &mutableSource{doc: []byte(testPolicyDoc)}

	store, err := NewStore(ctx, src, logger.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	engine := NewEngine(store)
	if eval := engine.Evaluate(terms(10000, 18, 30, domain.RiskMedium)); eval.Violated() {
		t.Fatal("18% should pass the initial policy")
	}

	src.doc = []byte(strings.Replace(testPolicyDoc, `"medium": 20`, `"medium": 15`, 1))
	// Cached until reloaded explicitly.
	if eval := engine.Evaluate(terms(10000, 18, 30, domain.RiskMedium)); eval.Violated() {
		t.Fatal("policy changed without reload")
	}
	if _, err := store.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if eval := engine.Evaluate(terms(10000, 18, 30, domain.RiskMedium)); !eval.Violated() {
		t.Fatal("18% should violate the reloaded policy")
	}
}

func TestStoreReloadFailureKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	src := &mutableSource{doc: []byte(testPolicyDoc)}
	store, err := NewStore(ctx, src, logger.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	before := store.Current()

	src.doc = []byte(`{"payment_terms_guardrails": {"max_terms_days": -3}}`)
	if _, err := store.Reload(ctx); err == nil {
		t.Fatal("expected reload error")
	}
	if store.Current() != before {
		t.Fatal("failed reload replaced the policy")
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, []byte(testPolicyDoc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := NewStore(context.Background(), FileSource{Path: path}, logger.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if store.Current().PriceFloor.Currency != "USD" {
		t.Fatalf("currency = %q", store.Current().PriceFloor.Currency)
	}

	if _, err := NewStore(context.Background(), FileSource{Path: filepath.Join(t.TempDir(), "missing.json")}, logger.Nop()); err == nil {
		t.Fatal("expected error for missing file")
	}
}
