// Package stage enforces the legal deal stage transitions.
package stage

import (
	"fmt"
	"time"

	"github.com/pesio-ai/be-deal-desk/internal/domain"
)

// transitions is the directed graph of legal moves. Closed stages have no
// outgoing edges.
var transitions = map[domain.Stage][]domain.Stage{
	domain.StageProspecting:   {domain.StageQualification},
	domain.StageQualification: {domain.StageSolutioning, domain.StagePricing},
	domain.StageSolutioning:   {domain.StagePricing},
	domain.StagePricing:       {domain.StageLegalReview, domain.StageFinanceReview},
	domain.StageLegalReview:   {domain.StageExecApproval, domain.StageFinanceReview, domain.StageClosedLost},
	domain.StageFinanceReview: {domain.StageExecApproval, domain.StageClosedLost},
	domain.StageExecApproval:  {domain.StageClosedWon, domain.StageClosedLost},
	domain.StageClosedWon:     nil,
	domain.StageClosedLost:    nil,
}

// AllowedTargets returns the stages reachable in one step from s.
func AllowedTargets(s domain.Stage) []domain.Stage {
	out := make([]domain.Stage, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// CanTransition reports whether from → to is a legal single step.
func CanTransition(from, to domain.Stage) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Reachable reports whether s can be reached from prospecting.
func Reachable(s domain.Stage) bool {
	seen := map[domain.Stage]bool{domain.StageProspecting: true}
	queue := []domain.Stage{domain.StageProspecting}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == s {
			return true
		}
		for _, next := range transitions[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// TransitionResult describes the outcome of Advance. A rejected transition is
// a result with Succeeded false, never an error.
type TransitionResult struct {
	Succeeded bool
	Changed   bool
	From      domain.Stage
	To        domain.Stage
	Reason    string
}

// Machine applies transitions to deals. It only mutates the deal; persisting
// and auditing the change is up to the caller.
type Machine struct {
	now func() time.Time
}

// NewMachine creates a machine using the wall clock.
func NewMachine() *Machine {
	return &Machine{now: func() time.Time { return time.Now().UTC() }}
}

// NewMachineWithClock creates a machine with an injected clock.
func NewMachineWithClock(now func() time.Time) *Machine {
	return &Machine{now: now}
}

// Advance moves the deal to target if the graph allows it. Closing won is
// refused while guardrails are violated.
func (m *Machine) Advance(d *domain.Deal, target domain.Stage) TransitionResult {
	res := TransitionResult{From: d.Stage, To: target}

	if d.Stage == target {
		res.Succeeded = true
		return res
	}

	if !CanTransition(d.Stage, target) {
		res.Reason = fmt.Sprintf("stage transition %s → %s not permitted", d.Stage, target)
		return res
	}

	if target == domain.StageClosedWon && d.GuardrailStatus == domain.GuardrailViolated {
		res.Reason = "cannot close won while guardrails are violated"
		return res
	}

	now := m.now()
	switch target {
	case domain.StagePricing:
		domain.StampOnce(&d.QuoteGeneratedAt, now)
	case domain.StageExecApproval:
		domain.StampOnce(&d.AgreementSignedAt, now)
	case domain.StageClosedWon:
		domain.StampOnce(&d.PaymentCollectedAt, now)
	}

	d.Stage = target
	res.Succeeded = true
	res.Changed = true
	return res
}
