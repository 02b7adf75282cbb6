// Package policy evaluates approval requests against prioritized rule sets.
package policy

import (
	"encoding/json"
	"time"
)

// Decision is what a rule recommends when it matches.
type Decision string

const (
	DecisionAutoApprove Decision = "auto_approve"
	DecisionAutoDeny    Decision = "auto_deny"
	DecisionEscalate    Decision = "escalate"
	DecisionNoMatch     Decision = "no_match"
)

func (d Decision) valid() bool {
	switch d {
	case DecisionAutoApprove, DecisionAutoDeny, DecisionEscalate, DecisionNoMatch:
		return true
	}
	return false
}

// Outcome is the engine's answer to the lifecycle manager.
type Outcome string

const (
	OutcomeAutoApprove Outcome = "auto_approve"
	OutcomeAutoDeny    Outcome = "auto_deny"
	OutcomeNoDecision  Outcome = "no_decision"
)

// Record is a policy as persisted. Rules holds the raw JSON rule list.
type Record struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Priority    int             `json:"priority"`
	Rules       json.RawMessage `json:"rules"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Policy is a Record whose rules have been decoded.
type Policy struct {
	ID       string
	Name     string
	Priority int
	Enabled  bool
	Rules    []Rule
}

// Rule matches when every condition holds. A rule with no conditions
// matches every request.
type Rule struct {
	Conditions []Condition
	Decision   Decision
}

// ConditionKind is the closed set of predicate shapes.
type ConditionKind string

const (
	KindEquals ConditionKind = "equals"
	KindIn     ConditionKind = "in"
	KindPrefix ConditionKind = "prefix"
)

// Scope names the part of a request a condition inspects.
type Scope string

const (
	ScopeAction  Scope = "action"
	ScopeUrgency Scope = "urgency"
	ScopeParams  Scope = "params"
	ScopeContext Scope = "context"
)

// Field addresses a request value. Key is set for params and context.
type Field struct {
	Scope Scope
	Key   string
}

func (f Field) String() string {
	if f.Key == "" {
		return string(f.Scope)
	}
	return string(f.Scope) + "." + f.Key
}

// Condition is one decoded predicate. Values holds normalized scalars:
// string, float64, bool or nil. Prefix conditions carry a single string.
type Condition struct {
	Kind   ConditionKind
	Field  Field
	Values []any
}

// Input is the part of a request the engine looks at.
type Input struct {
	RequestID string
	Action    string
	Urgency   string
	Params    map[string]any
	Context   map[string]any
}

// Result describes the evaluation. PolicyID and RuleIndex are set only
// when Matched is true.
type Result struct {
	Outcome   Outcome
	Matched   bool
	PolicyID  string
	Policy    string
	RuleIndex int
	Decision  Decision
}
