package policy

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/directive"
)

// Result is the outcome of deterministic rule evaluation for one
// context. Matched is false when no rule applied and the hybrid engine
// should consult the AI judge.
type Result struct {
	Verdict     decision.Verdict
	Reason      string
	Confidence  float64
	Constraints []string
	Obligations []string
	PolicyUID   string
	Matched     bool
}

// Evaluator matches decision contexts against a policy snapshot.
// Prohibitions always override permissions, and a condition that fails
// to evaluate counts as matched for a prohibition but unmatched for a
// permission.
type Evaluator struct {
	conditions *ConditionEvaluator
	logger     *slog.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(conditions *ConditionEvaluator, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		conditions: conditions,
		logger:     logger.With("component", "policy.Evaluator"),
	}
}

// Evaluate runs the context against every active policy in the
// snapshot, highest priority first. A matching prohibition denies
// immediately. Otherwise the first matching permission permits, with
// duties collected from all matching permissions.
func (e *Evaluator) Evaluate(snap *Snapshot, ctx *decision.Context) Result {
	// Prohibition pass.
	for _, p := range snap.Policies {
		if p.Status != StatusActive {
			continue
		}
		for _, r := range p.Prohibitions {
			if e.ruleMatches(r, ctx, true) {
				return Result{
					Verdict:    decision.VerdictDeny,
					Reason:     fmt.Sprintf("prohibited by policy %s (%s)", p.UID, r.Action.Value),
					Confidence: 1.0,
					PolicyUID:  p.UID,
					Matched:    true,
				}
			}
		}
	}

	// Permission pass. First match decides; duties accumulate from
	// every matching permission so a lower-priority logging duty still
	// applies.
	var (
		permitted   bool
		first       *CompiledPolicy
		firstAction string
		constraints []string
		obligations []string
		seen        = map[string]bool{}
	)
	for _, p := range snap.Policies {
		if p.Status != StatusActive {
			continue
		}
		for _, r := range p.Permissions {
			if !e.ruleMatches(r, ctx, false) {
				continue
			}
			if !permitted {
				permitted = true
				first = p
				firstAction = r.Action.Value
			}
			for _, d := range r.Duties {
				if !e.dutyApplies(d, ctx) {
					continue
				}
				v := strings.TrimSpace(d.Action.Value)
				if v == "" || seen[v] {
					continue
				}
				seen[v] = true
				if directive.IsConstraint(directive.Classify(v)) {
					constraints = append(constraints, v)
				} else {
					obligations = append(obligations, v)
				}
			}
		}
	}

	if permitted {
		return Result{
			Verdict:     decision.VerdictPermit,
			Reason:      fmt.Sprintf("permitted by policy %s (%s)", first.UID, firstAction),
			Confidence:  1.0,
			Constraints: constraints,
			Obligations: obligations,
			PolicyUID:   first.UID,
			Matched:     true,
		}
	}

	return Result{
		Verdict: decision.VerdictIndeterminate,
		Reason:  "no policy matched",
	}
}

// ruleMatches reports whether a rule applies to the context.
// failClosed governs how a condition evaluation error is treated: true
// for prohibitions (error counts as a match), false for permissions.
func (e *Evaluator) ruleMatches(r CompiledRule, ctx *decision.Context, failClosed bool) bool {
	if !MatchPattern(r.Action.Value, ctx.Action) {
		return false
	}
	if r.Target != nil && r.Target.UID != "" && !MatchPattern(r.Target.UID, ctx.Resource) {
		return false
	}
	for _, c := range r.Constraints {
		ok, err := evalConstraint(c, ctx)
		if err != nil {
			e.logger.Warn("constraint evaluation failed", "operand", c.LeftOperand, "error", err)
			return failClosed
		}
		if !ok {
			return false
		}
	}
	if r.Condition != nil {
		ok, err := e.conditions.Evaluate(*r.Condition, ctx)
		if err != nil {
			e.logger.Warn("condition evaluation failed",
				"expression", r.Condition.Expression, "error", err)
			return failClosed
		}
		if !ok {
			return false
		}
	}
	return true
}

// dutyApplies checks a duty's own constraints against the context.
// Evaluation errors drop the duty rather than the whole rule.
func (e *Evaluator) dutyApplies(d Duty, ctx *decision.Context) bool {
	for _, c := range d.Constraints {
		ok, err := evalConstraint(c, ctx)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// evalConstraint resolves the left operand from the context and applies
// the operator against the document literal.
func evalConstraint(c Constraint, ctx *decision.Context) (bool, error) {
	left, err := operandValue(c.LeftOperand, ctx)
	if err != nil {
		return false, err
	}
	return compare(left, c.Operator, c.RightOperand)
}

func operandValue(op Operand, ctx *decision.Context) (any, error) {
	switch op {
	case OperandTimeOfDay:
		return ctx.Time.Format("15:04"), nil
	case OperandBusinessHours:
		return ctx.IsBusinessHours, nil
	case OperandAgentType:
		return ctx.AgentType, nil
	case OperandTrustScore:
		if ctx.TrustScore == nil {
			return 0.0, nil
		}
		return *ctx.TrustScore, nil
	case OperandClassification:
		return ctx.Classification, nil
	case OperandDelegationDepth:
		return float64(ctx.DelegationDepth()), nil
	case OperandEmergencyFlag:
		return ctx.Emergency, nil
	}
	return nil, fmt.Errorf("unknown operand %q", op)
}

// compare applies an operator to a context value and a document
// literal. Numbers compare numerically regardless of YAML's int/float
// distinction; zero-padded HH:MM strings order correctly as text.
func compare(left any, op Operator, right any) (bool, error) {
	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			return compareFloat(lf, op, rf)
		}
	}

	switch op {
	case OpIn, OpNotIn:
		items, ok := toList(right)
		if !ok {
			return false, fmt.Errorf("operator %s requires a list right operand, got %T", op, right)
		}
		found := false
		for _, item := range items {
			if eq, _ := compare(left, OpEq, item); eq {
				found = true
				break
			}
		}
		if op == OpIn {
			return found, nil
		}
		return !found, nil
	}

	if lb, ok := left.(bool); ok {
		rb, ok := right.(bool)
		if !ok {
			return false, fmt.Errorf("cannot compare bool with %T", right)
		}
		switch op {
		case OpEq:
			return lb == rb, nil
		case OpNeq:
			return lb != rb, nil
		}
		return false, fmt.Errorf("operator %s not defined for bool", op)
	}

	ls := fmt.Sprintf("%v", left)
	rs := fmt.Sprintf("%v", right)
	switch op {
	case OpEq:
		return ls == rs, nil
	case OpNeq:
		return ls != rs, nil
	case OpLt:
		return ls < rs, nil
	case OpLteq:
		return ls <= rs, nil
	case OpGt:
		return ls > rs, nil
	case OpGteq:
		return ls >= rs, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func compareFloat(l float64, op Operator, r float64) (bool, error) {
	switch op {
	case OpEq:
		return l == r, nil
	case OpNeq:
		return l != r, nil
	case OpLt:
		return l < r, nil
	case OpLteq:
		return l <= r, nil
	case OpGt:
		return l > r, nil
	case OpGteq:
		return l >= r, nil
	}
	return false, fmt.Errorf("operator %s not defined for numbers", op)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func toList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// MatchPattern matches a value against a glob pattern where '*' matches
// any run of characters. Segments between wildcards must appear in
// order; the pattern is anchored at both ends.
func MatchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	parts := strings.Split(pattern, "*")
	rest := value

	if parts[0] != "" {
		if !strings.HasPrefix(rest, parts[0]) {
			return false
		}
		rest = rest[len(parts[0]):]
	}

	last := len(parts) - 1
	for i := 1; i < last; i++ {
		if parts[i] == "" {
			continue
		}
		idx := strings.Index(rest, parts[i])
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(parts[i]):]
	}

	if parts[last] != "" {
		return strings.HasSuffix(rest, parts[last])
	}
	return true
}
