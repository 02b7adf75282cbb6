package policy

import (
	"context"

	"github.com/MEKXH/agentgate/internal/apperr"
	"github.com/MEKXH/agentgate/internal/bus"
)

// Source supplies the current policy set.
type Source interface {
	Get(ctx context.Context) ([]Policy, error)
}

// Engine recommends decisions. It never writes request state.
type Engine struct {
	source Source
	events bus.Sink
}

// NewEngine creates an engine over source. events may be nil.
func NewEngine(source Source, events bus.Sink) *Engine {
	if events == nil {
		events = bus.Discard{}
	}
	return &Engine{source: source, events: events}
}

// Evaluate walks enabled policies by ascending priority and rules in order.
// The first matching rule decides; escalate, no_match and no match at all
// produce OutcomeNoDecision.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Result, error) {
	policies, err := e.source.Get(ctx)
	if err != nil {
		return Result{Outcome: OutcomeNoDecision}, apperr.Wrap(apperr.KindPolicyEvaluation, "policy.evaluate", err)
	}

	res, ok := evaluate(policies, in)
	if !ok {
		return Result{Outcome: OutcomeNoDecision}, nil
	}

	e.events.Emit(ctx, bus.Event{
		Type:      bus.PolicyMatched,
		RequestID: in.RequestID,
		Data: map[string]any{
			"policy_id":   res.PolicyID,
			"policy_name": res.Policy,
			"rule_index":  res.RuleIndex,
			"decision":    string(res.Decision),
		},
	})
	return res, nil
}

func evaluate(policies []Policy, in Input) (Result, bool) {
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		for i, rule := range p.Rules {
			if !rule.Matches(in) {
				continue
			}
			return Result{
				Outcome:   outcomeFor(rule.Decision),
				Matched:   true,
				PolicyID:  p.ID,
				Policy:    p.Name,
				RuleIndex: i,
				Decision:  rule.Decision,
			}, true
		}
	}
	return Result{}, false
}

func outcomeFor(d Decision) Outcome {
	switch d {
	case DecisionAutoApprove:
		return OutcomeAutoApprove
	case DecisionAutoDeny:
		return OutcomeAutoDeny
	default:
		return OutcomeNoDecision
	}
}
