package engine

import (
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/aegisproxy/aegis/internal/config"
	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/policy"
)

func newPolicyEnv(t *testing.T) (*policy.Store, *policy.Evaluator) {
	t.Helper()
	cond, err := policy.NewConditionEvaluator(slog.Default())
	if err != nil {
		t.Fatalf("NewConditionEvaluator: %v", err)
	}
	return policy.NewStore(cond, slog.Default()), policy.NewEvaluator(cond, slog.Default())
}

func engineCfg() config.EngineConfig {
	return config.EngineConfig{
		UseRules:    true,
		UseAI:       false,
		UseCache:    true,
		AIThreshold: 0.7,
		AITimeout:   5 * time.Second,
		CacheTTL:    time.Minute,
		CacheMax:    100,
	}
}

func engineCtx() *decision.Context {
	return &decision.Context{
		Agent:          "agent-1",
		AgentType:      "assistant",
		Action:         "tools/call",
		Resource:       "filesystem__read_file:/tmp/a",
		Time:           time.Now(),
		Classification: decision.ClassStandard,
	}
}

func TestEngineRulesDecide(t *testing.T) {
	store, eval := newPolicyEnv(t)
	if err := store.Add(&policy.Policy{
		UID:    "p-allow",
		Status: policy.StatusActive,
		Permissions: []policy.Rule{{
			Action: policy.ActionRef{Value: "tools/call"},
		}},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	eng := New(engineCfg(), store, eval, nil, nil)
	d := eng.Decide(context.Background(), engineCtx())
	if d.Verdict != decision.VerdictPermit {
		t.Fatalf("verdict = %s", d.Verdict)
	}
	if d.Metadata.Engine != decision.EngineRules || d.Metadata.Cached {
		t.Errorf("metadata = %+v", d.Metadata)
	}
	if eng.Stats().RulesDecisions != 1 {
		t.Errorf("stats = %+v", eng.Stats())
	}
}

func TestEngineCacheHit(t *testing.T) {
	store, eval := newPolicyEnv(t)
	if err := store.Add(&policy.Policy{
		UID:         "p-allow",
		Status:      policy.StatusActive,
		Permissions: []policy.Rule{{Action: policy.ActionRef{Value: "*"}}},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	eng := New(engineCfg(), store, eval, nil, nil)
	first := eng.Decide(context.Background(), engineCtx())
	if first.Metadata.Cached {
		t.Fatal("first decision came from cache")
	}
	second := eng.Decide(context.Background(), engineCtx())
	if !second.Metadata.Cached {
		t.Fatal("second decision missed cache")
	}
	if second.Metadata.Engine != decision.EngineCache {
		t.Errorf("engine = %s, want CACHE", second.Metadata.Engine)
	}
	if second.Verdict != first.Verdict {
		t.Errorf("cached verdict %s != %s", second.Verdict, first.Verdict)
	}
}

func TestEngineVersionInvalidatesCache(t *testing.T) {
	store, eval := newPolicyEnv(t)
	if err := store.Add(&policy.Policy{
		UID:         "p-allow",
		Status:      policy.StatusActive,
		Permissions: []policy.Rule{{Action: policy.ActionRef{Value: "*"}}},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	eng := New(engineCfg(), store, eval, nil, nil)
	if d := eng.Decide(context.Background(), engineCtx()); d.Verdict != decision.VerdictPermit {
		t.Fatalf("verdict = %s", d.Verdict)
	}

	// A prohibition added after the permit was cached must take effect
	// immediately; the version bump changes the fingerprint.
	if err := store.Add(&policy.Policy{
		UID:          "p-deny",
		Status:       policy.StatusActive,
		Priority:     100,
		Prohibitions: []policy.Rule{{Action: policy.ActionRef{Value: "tools/call"}}},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	d := eng.Decide(context.Background(), engineCtx())
	if d.Verdict != decision.VerdictDeny {
		t.Fatalf("verdict after policy change = %s, want DENY", d.Verdict)
	}
	if d.Metadata.Cached {
		t.Error("stale cache entry served after policy change")
	}
}

func TestEngineAIFallback(t *testing.T) {
	srv := fakeLLM(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(chatReply(`{"decision": "PERMIT", "reason": "looks routine", "confidence": 0.85, "constraints": ["100/min"]}`, 50, 10))
	})

	store, eval := newPolicyEnv(t)
	cfg := engineCfg()
	cfg.UseAI = true
	eng := New(cfg, store, eval, newTestJudge(srv.URL, nil), nil)

	d := eng.Decide(context.Background(), engineCtx())
	if d.Verdict != decision.VerdictPermit {
		t.Fatalf("verdict = %s", d.Verdict)
	}
	// No rule matched, so the judge alone decided.
	if d.Metadata.Engine != decision.EngineAI {
		t.Errorf("engine = %s, want AI", d.Metadata.Engine)
	}
	if len(d.Constraints) != 1 || d.Constraints[0] != "100/min" {
		t.Errorf("constraints = %v", d.Constraints)
	}
	if eng.Stats().AIDecisions != 1 {
		t.Errorf("stats = %+v", eng.Stats())
	}

	// AI outcomes cache like rule outcomes.
	if d2 := eng.Decide(context.Background(), engineCtx()); !d2.Metadata.Cached {
		t.Error("AI decision was not cached")
	}
}

func TestEngineLowConfidencePermit(t *testing.T) {
	srv := fakeLLM(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(chatReply(`{"decision": "PERMIT", "reason": "probably fine", "confidence": 0.4}`, 10, 5))
	})

	store, eval := newPolicyEnv(t)
	cfg := engineCfg()
	cfg.UseAI = true
	eng := New(cfg, store, eval, newTestJudge(srv.URL, nil), nil)

	d := eng.Decide(context.Background(), engineCtx())
	if d.Verdict != decision.VerdictIndeterminate {
		t.Fatalf("verdict = %s, want INDETERMINATE for low-confidence permit", d.Verdict)
	}
}

func TestEngineLowConfidenceDenyStands(t *testing.T) {
	srv := fakeLLM(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(chatReply(`{"decision": "DENY", "reason": "possibly destructive", "confidence": 0.3}`, 10, 5))
	})

	store, eval := newPolicyEnv(t)
	cfg := engineCfg()
	cfg.UseAI = true
	eng := New(cfg, store, eval, newTestJudge(srv.URL, nil), nil)

	d := eng.Decide(context.Background(), engineCtx())
	if d.Verdict != decision.VerdictDeny {
		t.Fatalf("verdict = %s, want DENY regardless of confidence", d.Verdict)
	}
}

func TestEngineJudgeUnavailable(t *testing.T) {
	store, eval := newPolicyEnv(t)
	cfg := engineCfg()
	cfg.UseAI = true
	cfg.AITimeout = 500 * time.Millisecond

	j := NewJudge("gpt-4o-mini", time.Second, nil, nil)
	j.baseURL = "http://127.0.0.1:1"
	j.apiKey = "k"
	eng := New(cfg, store, eval, j, nil)

	d := eng.Decide(context.Background(), engineCtx())
	if d.Verdict != decision.VerdictIndeterminate {
		t.Fatalf("verdict = %s, want INDETERMINATE when judge is down", d.Verdict)
	}
	if eng.Stats().Indeterminate != 1 {
		t.Errorf("stats = %+v", eng.Stats())
	}
}

func TestEngineHybridEscalation(t *testing.T) {
	srv := fakeLLM(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(chatReply(`{"decision": "DENY", "reason": "bulk export looks exfiltrative", "confidence": 0.9, "constraints": ["geo-restrict:JP"]}`, 40, 10))
	})

	store, eval := newPolicyEnv(t)
	if err := store.Add(&policy.Policy{
		UID:    "p-confirm",
		Status: policy.StatusActive,
		Permissions: []policy.Rule{{
			Action: policy.ActionRef{Value: "tools/call"},
			Duties: []policy.Duty{
				{Action: policy.ActionRef{Value: "100/min"}},
				{Action: policy.ActionRef{Value: "log"}},
			},
		}},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	cfg := engineCfg()
	cfg.UseAI = true
	// A threshold above the deterministic rule confidence routes every
	// rule permit through the judge for confirmation.
	cfg.AIThreshold = 2
	eng := New(cfg, store, eval, newTestJudge(srv.URL, nil), nil)

	d := eng.Decide(context.Background(), engineCtx())
	if d.Verdict != decision.VerdictDeny {
		t.Fatalf("verdict = %s, want the judge's DENY", d.Verdict)
	}
	if d.Metadata.Engine != decision.EngineHybrid {
		t.Errorf("engine = %s, want HYBRID", d.Metadata.Engine)
	}
	// Rule directives merge ahead of the judge's.
	wantConstraints := []string{"100/min", "geo-restrict:JP"}
	if len(d.Constraints) != len(wantConstraints) {
		t.Fatalf("constraints = %v", d.Constraints)
	}
	for i, c := range wantConstraints {
		if d.Constraints[i] != c {
			t.Errorf("constraints[%d] = %q, want %q", i, d.Constraints[i], c)
		}
	}
	if len(d.Obligations) != 1 || d.Obligations[0] != "log" {
		t.Errorf("obligations = %v", d.Obligations)
	}
}

func TestEngineNothingEnabled(t *testing.T) {
	store, eval := newPolicyEnv(t)
	cfg := config.EngineConfig{UseCache: false}
	eng := New(cfg, store, eval, nil, nil)

	d := eng.Decide(context.Background(), engineCtx())
	if d.Verdict != decision.VerdictDeny {
		t.Fatalf("verdict = %s, want DENY with no engines", d.Verdict)
	}
	if d.Reason != "no policy engines enabled" || d.Confidence != 1.0 {
		t.Errorf("decision = %+v", d)
	}
	if d.Metadata.Engine != decision.EngineNone {
		t.Errorf("engine = %s", d.Metadata.Engine)
	}
}
