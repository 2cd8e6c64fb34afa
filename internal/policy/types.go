// Package policy implements the deterministic half of the decision
// engine: ODRL-style policy documents, the versioned copy-on-write
// policy store, and the rule evaluator that matches decision contexts
// against permissions and prohibitions.
package policy

import (
	"fmt"
	"time"
)

// Status gates whether a policy participates in evaluation. Only
// active policies evaluate.
type Status string

const (
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusDraft      Status = "draft"
	StatusDeprecated Status = "deprecated"
)

// Kind tags a rule as a permission or a prohibition.
type Kind string

const (
	KindPermission  Kind = "permission"
	KindProhibition Kind = "prohibition"
)

// Operator is the fixed comparison set for constraint triples.
type Operator string

const (
	OpEq    Operator = "eq"
	OpNeq   Operator = "neq"
	OpLt    Operator = "lt"
	OpLteq  Operator = "lteq"
	OpGt    Operator = "gt"
	OpGteq  Operator = "gteq"
	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"
)

// Operand is the fixed set of left operands a constraint may reference.
type Operand string

const (
	OperandTimeOfDay       Operand = "time_of_day"
	OperandBusinessHours   Operand = "is_business_hours"
	OperandAgentType       Operand = "agent_type"
	OperandTrustScore      Operand = "trust_score"
	OperandClassification  Operand = "resource_classification"
	OperandDelegationDepth Operand = "delegation_depth"
	OperandEmergencyFlag   Operand = "emergency_flag"
)

// knownOperands and knownOperators validate documents at load time.
var knownOperands = map[Operand]bool{
	OperandTimeOfDay: true, OperandBusinessHours: true, OperandAgentType: true,
	OperandTrustScore: true, OperandClassification: true,
	OperandDelegationDepth: true, OperandEmergencyFlag: true,
}

var knownOperators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpLt: true, OpLteq: true,
	OpGt: true, OpGteq: true, OpIn: true, OpNotIn: true,
}

// ActionRef wraps an action pattern, matching the ODRL document shape.
type ActionRef struct {
	Value string `yaml:"value" json:"value"`
}

// TargetRef wraps a target (resource) pattern.
type TargetRef struct {
	UID string `yaml:"uid" json:"uid"`
}

// Constraint is an operand/operator/literal triple evaluated against
// the decision context.
type Constraint struct {
	LeftOperand  Operand  `yaml:"leftOperand" json:"leftOperand"`
	Operator     Operator `yaml:"operator" json:"operator"`
	RightOperand any      `yaml:"rightOperand" json:"rightOperand"`
}

// Duty is an obligation template attached to a rule. The action value
// is a directive string (e.g. "log", "notify:admin", "100/min").
type Duty struct {
	Action      ActionRef    `yaml:"action" json:"action"`
	Constraints []Constraint `yaml:"constraint,omitempty" json:"constraint,omitempty"`
}

// Rule is one permission or prohibition. Rules are immutable once
// loaded. Condition is an optional CEL expression compiled at load
// time; see CompiledRule.
type Rule struct {
	Kind        Kind         `yaml:"-" json:"-"`
	Action      ActionRef    `yaml:"action" json:"action"`
	Target      *TargetRef   `yaml:"target,omitempty" json:"target,omitempty"`
	Constraints []Constraint `yaml:"constraint,omitempty" json:"constraint,omitempty"`
	Duties      []Duty       `yaml:"duty,omitempty" json:"duty,omitempty"`
	Condition   string       `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Policy is an ordered set of rules with metadata. Higher Priority
// evaluates first.
type Policy struct {
	UID          string    `yaml:"uid" json:"uid"`
	Name         string    `yaml:"name" json:"name"`
	Status       Status    `yaml:"status" json:"status"`
	Priority     int       `yaml:"priority" json:"priority"`
	Created      time.Time `yaml:"created,omitempty" json:"created,omitempty"`
	Modified     time.Time `yaml:"modified,omitempty" json:"modified,omitempty"`
	Permissions  []Rule    `yaml:"permission,omitempty" json:"permission,omitempty"`
	Prohibitions []Rule    `yaml:"prohibition,omitempty" json:"prohibition,omitempty"`
}

// Validate checks a policy document against the fixed operand and
// operator sets. Called by the loader before a document enters the store.
func (p *Policy) Validate() error {
	if p.UID == "" {
		return fmt.Errorf("policy is missing uid")
	}
	switch p.Status {
	case StatusActive, StatusInactive, StatusDraft, StatusDeprecated, "":
	default:
		return fmt.Errorf("policy %s: unknown status %q", p.UID, p.Status)
	}
	for i, r := range p.Permissions {
		if err := validateRule(r); err != nil {
			return fmt.Errorf("policy %s permission[%d]: %w", p.UID, i, err)
		}
	}
	for i, r := range p.Prohibitions {
		if err := validateRule(r); err != nil {
			return fmt.Errorf("policy %s prohibition[%d]: %w", p.UID, i, err)
		}
	}
	return nil
}

func validateRule(r Rule) error {
	if r.Action.Value == "" {
		return fmt.Errorf("rule is missing action.value")
	}
	for _, c := range r.Constraints {
		if !knownOperands[c.LeftOperand] {
			return fmt.Errorf("unknown left operand %q", c.LeftOperand)
		}
		if !knownOperators[c.Operator] {
			return fmt.Errorf("unknown operator %q", c.Operator)
		}
	}
	for _, d := range r.Duties {
		if d.Action.Value == "" {
			return fmt.Errorf("duty is missing action.value")
		}
		for _, c := range d.Constraints {
			if !knownOperands[c.LeftOperand] {
				return fmt.Errorf("duty: unknown left operand %q", c.LeftOperand)
			}
			if !knownOperators[c.Operator] {
				return fmt.Errorf("duty: unknown operator %q", c.Operator)
			}
		}
	}
	return nil
}
