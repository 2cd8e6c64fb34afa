package policy

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/aegisproxy/aegis/internal/decision"
)

// ConditionEvaluator compiles and evaluates the optional CEL condition
// escape hatch on rules. Expressions compile once at load time;
// evaluation is lock-free and safe for concurrent use.
type ConditionEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// CompiledCondition wraps a pre-compiled CEL program.
type CompiledCondition struct {
	Expression string
	program    cel.Program
}

// NewConditionEvaluator creates a ConditionEvaluator with the decision
// context fields declared as variables.
func NewConditionEvaluator(logger *slog.Logger) (*ConditionEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("agent", cel.StringType),
		cel.Variable("agent_type", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("trust_score", cel.DoubleType),
		cel.Variable("delegation_depth", cel.IntType),
		cel.Variable("emergency", cel.BoolType),
		cel.Variable("hour_of_day", cel.IntType),
		cel.Variable("is_business_hours", cel.BoolType),
		cel.Variable("resource_classification", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &ConditionEvaluator{
		env:    env,
		logger: logger.With("component", "policy.ConditionEvaluator"),
	}, nil
}

// Compile parses and type-checks a condition expression. Called at
// document load time, never on the hot path.
func (c *ConditionEvaluator) Compile(expr string) (CompiledCondition, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledCondition{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return CompiledCondition{}, fmt.Errorf("condition %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return CompiledCondition{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	return CompiledCondition{Expression: expr, program: prg}, nil
}

// Evaluate runs a compiled condition against a decision context.
func (c *ConditionEvaluator) Evaluate(cond CompiledCondition, ctx *decision.Context) (bool, error) {
	trust := 0.0
	if ctx.TrustScore != nil {
		trust = *ctx.TrustScore
	}

	vars := map[string]any{
		"agent":                   ctx.Agent,
		"agent_type":              ctx.AgentType,
		"action":                  ctx.Action,
		"resource":                ctx.Resource,
		"trust_score":             trust,
		"delegation_depth":        int64(ctx.DelegationDepth()),
		"emergency":               ctx.Emergency,
		"hour_of_day":             int64(ctx.HourOfDay),
		"is_business_hours":       ctx.IsBusinessHours,
		"resource_classification": ctx.Classification,
	}

	out, _, err := cond.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", cond.Expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned non-bool: %T", cond.Expression, out.Value())
	}
	return result, nil
}
