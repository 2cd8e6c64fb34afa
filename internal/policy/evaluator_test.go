package policy

import (
	"log/slog"
	"testing"
	"time"

	"github.com/aegisproxy/aegis/internal/decision"
)

func newTestEnv(t *testing.T) (*Store, *Evaluator) {
	t.Helper()
	cond, err := NewConditionEvaluator(slog.Default())
	if err != nil {
		t.Fatalf("NewConditionEvaluator: %v", err)
	}
	return NewStore(cond, slog.Default()), NewEvaluator(cond, slog.Default())
}

func testCtx() *decision.Context {
	trust := 0.8
	return &decision.Context{
		Agent:           "agent-1",
		AgentType:       "assistant",
		Action:          "tools/call",
		Resource:        "filesystem__read_file:/tmp/report.txt",
		Time:            time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
		TrustScore:      &trust,
		HourOfDay:       14,
		IsBusinessHours: true,
		Classification:  decision.ClassStandard,
	}
}

func TestEvaluateNoMatch(t *testing.T) {
	store, eval := newTestEnv(t)
	res := eval.Evaluate(store.Snapshot(), testCtx())
	if res.Matched {
		t.Error("empty snapshot matched")
	}
	if res.Verdict != decision.VerdictIndeterminate {
		t.Errorf("verdict = %s, want INDETERMINATE", res.Verdict)
	}
}

func TestEvaluatePermission(t *testing.T) {
	store, eval := newTestEnv(t)
	err := store.Add(&Policy{
		UID:    "p-read",
		Status: StatusActive,
		Permissions: []Rule{{
			Action: ActionRef{Value: "tools/call"},
			Target: &TargetRef{UID: "filesystem__read_file:*"},
		}},
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	res := eval.Evaluate(store.Snapshot(), testCtx())
	if !res.Matched || res.Verdict != decision.VerdictPermit {
		t.Fatalf("got (%v, %s), want matched PERMIT", res.Matched, res.Verdict)
	}
	if res.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", res.Confidence)
	}
	if res.PolicyUID != "p-read" {
		t.Errorf("policy uid = %q", res.PolicyUID)
	}
}

func TestProhibitionOverridesPermission(t *testing.T) {
	store, eval := newTestEnv(t)
	if err := store.Add(&Policy{
		UID:      "p-allow",
		Status:   StatusActive,
		Priority: 100,
		Permissions: []Rule{{
			Action: ActionRef{Value: "*"},
		}},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := store.Add(&Policy{
		UID:      "p-deny",
		Status:   StatusActive,
		Priority: 1,
		Prohibitions: []Rule{{
			Action: ActionRef{Value: "tools/call"},
			Target: &TargetRef{UID: "filesystem__read_file:*"},
		}},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	res := eval.Evaluate(store.Snapshot(), testCtx())
	if res.Verdict != decision.VerdictDeny {
		t.Fatalf("verdict = %s, want DENY despite permission", res.Verdict)
	}
	if res.PolicyUID != "p-deny" {
		t.Errorf("policy uid = %q, want p-deny", res.PolicyUID)
	}
}

func TestInactivePolicySkipped(t *testing.T) {
	store, eval := newTestEnv(t)
	if err := store.Add(&Policy{
		UID:          "p-draft",
		Status:       StatusDraft,
		Prohibitions: []Rule{{Action: ActionRef{Value: "*"}}},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	res := eval.Evaluate(store.Snapshot(), testCtx())
	if res.Matched {
		t.Error("draft policy matched")
	}
}

func TestConstraintTriples(t *testing.T) {
	store, eval := newTestEnv(t)
	if err := store.Add(&Policy{
		UID:    "p-trusted",
		Status: StatusActive,
		Permissions: []Rule{{
			Action: ActionRef{Value: "tools/call"},
			Constraints: []Constraint{
				{LeftOperand: OperandTrustScore, Operator: OpGteq, RightOperand: 0.5},
				{LeftOperand: OperandBusinessHours, Operator: OpEq, RightOperand: true},
				{LeftOperand: OperandAgentType, Operator: OpIn, RightOperand: []any{"assistant", "workflow"}},
			},
		}},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	res := eval.Evaluate(store.Snapshot(), testCtx())
	if res.Verdict != decision.VerdictPermit {
		t.Fatalf("verdict = %s, want PERMIT", res.Verdict)
	}

	low := 0.2
	ctx := testCtx()
	ctx.TrustScore = &low
	res = eval.Evaluate(store.Snapshot(), ctx)
	if res.Matched {
		t.Error("low trust score matched the permission")
	}

	ctx = testCtx()
	ctx.IsBusinessHours = false
	res = eval.Evaluate(store.Snapshot(), ctx)
	if res.Matched {
		t.Error("off-hours context matched the permission")
	}
}

func TestTimeOfDayConstraint(t *testing.T) {
	store, eval := newTestEnv(t)
	if err := store.Add(&Policy{
		UID:    "p-night",
		Status: StatusActive,
		Prohibitions: []Rule{{
			Action: ActionRef{Value: "*"},
			Constraints: []Constraint{
				{LeftOperand: OperandTimeOfDay, Operator: OpGteq, RightOperand: "22:00"},
			},
		}},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx := testCtx()
	ctx.Time = time.Date(2026, 3, 10, 23, 15, 0, 0, time.UTC)
	if res := eval.Evaluate(store.Snapshot(), ctx); res.Verdict != decision.VerdictDeny {
		t.Errorf("23:15 verdict = %s, want DENY", res.Verdict)
	}
	if res := eval.Evaluate(store.Snapshot(), testCtx()); res.Matched {
		t.Error("14:30 matched the night prohibition")
	}
}

func TestDutySplitting(t *testing.T) {
	store, eval := newTestEnv(t)
	if err := store.Add(&Policy{
		UID:    "p-duties",
		Status: StatusActive,
		Permissions: []Rule{{
			Action: ActionRef{Value: "tools/call"},
			Duties: []Duty{
				{Action: ActionRef{Value: "log"}},
				{Action: ActionRef{Value: "100/min"}},
				{Action: ActionRef{Value: "anonymize-pii"}},
				{Action: ActionRef{Value: "notify:admin"}},
			},
		}},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	res := eval.Evaluate(store.Snapshot(), testCtx())
	if res.Verdict != decision.VerdictPermit {
		t.Fatalf("verdict = %s", res.Verdict)
	}
	wantConstraints := map[string]bool{"100/min": true, "anonymize-pii": true}
	wantObligations := map[string]bool{"log": true, "notify:admin": true}
	if len(res.Constraints) != len(wantConstraints) {
		t.Errorf("constraints = %v", res.Constraints)
	}
	for _, c := range res.Constraints {
		if !wantConstraints[c] {
			t.Errorf("unexpected constraint %q", c)
		}
	}
	for _, o := range res.Obligations {
		if !wantObligations[o] {
			t.Errorf("unexpected obligation %q", o)
		}
	}
}

func TestDutyConstraintGates(t *testing.T) {
	store, eval := newTestEnv(t)
	if err := store.Add(&Policy{
		UID:    "p-gated-duty",
		Status: StatusActive,
		Permissions: []Rule{{
			Action: ActionRef{Value: "*"},
			Duties: []Duty{{
				Action: ActionRef{Value: "notify:security"},
				Constraints: []Constraint{
					{LeftOperand: OperandClassification, Operator: OpEq, RightOperand: decision.ClassSensitive},
				},
			}},
		}},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	res := eval.Evaluate(store.Snapshot(), testCtx())
	if len(res.Obligations) != 0 {
		t.Errorf("standard resource produced obligations %v", res.Obligations)
	}

	ctx := testCtx()
	ctx.Classification = decision.ClassSensitive
	res = eval.Evaluate(store.Snapshot(), ctx)
	if len(res.Obligations) != 1 || res.Obligations[0] != "notify:security" {
		t.Errorf("obligations = %v, want [notify:security]", res.Obligations)
	}
}

func TestConditionMatch(t *testing.T) {
	store, eval := newTestEnv(t)
	if err := store.Add(&Policy{
		UID:    "p-cel",
		Status: StatusActive,
		Permissions: []Rule{{
			Action:    ActionRef{Value: "*"},
			Condition: `trust_score >= 0.5 && is_business_hours`,
		}},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if res := eval.Evaluate(store.Snapshot(), testCtx()); res.Verdict != decision.VerdictPermit {
		t.Errorf("verdict = %s, want PERMIT", res.Verdict)
	}

	ctx := testCtx()
	ctx.IsBusinessHours = false
	if res := eval.Evaluate(store.Snapshot(), ctx); res.Matched {
		t.Error("false condition matched")
	}
}

func TestConditionErrorFailsClosed(t *testing.T) {
	store, eval := newTestEnv(t)
	// Integer division by zero errors at evaluation time.
	errExpr := `1 / (delegation_depth - delegation_depth) == 1`

	if err := store.Add(&Policy{
		UID:          "p-bad-prohibition",
		Status:       StatusActive,
		Priority:     10,
		Prohibitions: []Rule{{Action: ActionRef{Value: "*"}, Condition: errExpr}},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A prohibition whose condition errors fires anyway.
	if res := eval.Evaluate(store.Snapshot(), testCtx()); res.Verdict != decision.VerdictDeny {
		t.Errorf("verdict = %s, want DENY on condition error", res.Verdict)
	}

	if !store.Remove("p-bad-prohibition") {
		t.Fatal("Remove returned false")
	}
	if err := store.Add(&Policy{
		UID:         "p-bad-permission",
		Status:      StatusActive,
		Permissions: []Rule{{Action: ActionRef{Value: "*"}, Condition: errExpr}},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A permission whose condition errors does not grant access.
	if res := eval.Evaluate(store.Snapshot(), testCtx()); res.Matched {
		t.Error("errored permission condition matched")
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, value string
		want           bool
	}{
		{"*", "anything", true},
		{"tools/call", "tools/call", true},
		{"tools/call", "tools/list", false},
		{"filesystem__*", "filesystem__read_file:/tmp/a", true},
		{"filesystem__*", "database__query", false},
		{"*:/tmp/*", "filesystem__read_file:/tmp/a.txt", true},
		{"*:/tmp/*", "filesystem__read_file:/etc/passwd", false},
		{"db__*__prod", "db__query__prod", true},
		{"db__*__prod", "db__query__staging", false},
		{"", "", true},
		{"", "x", false},
	}
	for _, tc := range cases {
		if got := MatchPattern(tc.pattern, tc.value); got != tc.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tc.pattern, tc.value, got, tc.want)
		}
	}
}
