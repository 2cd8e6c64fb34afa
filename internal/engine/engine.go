package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aegisproxy/aegis/internal/config"
	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/policy"
)

// Engine is the hybrid decision engine. The deterministic rule pass
// runs first; only contexts no rule matched escalate to the AI judge.
// Decisive outcomes are cached under a fingerprint that embeds the
// policy-set version.
type Engine struct {
	cfg    config.EngineConfig
	store  *policy.Store
	eval   *policy.Evaluator
	cache  *Cache
	judge  *Judge
	logger *slog.Logger

	rulesDecisions atomic.Int64
	aiDecisions    atomic.Int64
	indeterminate  atomic.Int64
}

// New creates an Engine. judge may be nil when cfg.UseAI is false.
func New(cfg config.EngineConfig, store *policy.Store, eval *policy.Evaluator, judge *Judge, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		eval:   eval,
		cache:  NewCache(cfg.CacheTTL, cfg.CacheMax),
		judge:  judge,
		logger: logger.With("component", "engine.Engine"),
	}
}

// Store exposes the policy store for admin surfaces.
func (e *Engine) Store() *policy.Store { return e.store }

// Cache exposes the decision cache for stats and purging.
func (e *Engine) Cache() *Cache { return e.cache }

// Decide evaluates one context through cache, rules, and judge in that
// order. It never returns an error: anything that prevents a decisive
// outcome yields INDETERMINATE and the enforcer fails closed.
func (e *Engine) Decide(ctx context.Context, dctx *decision.Context) decision.Decision {
	start := time.Now()
	version := e.store.Version()

	var key string
	if e.cfg.UseCache {
		key = Fingerprint(dctx, version)
		if d, ok := e.cache.Get(key); ok {
			d.Metadata.Engine = decision.EngineCache
			d.Metadata.Cached = true
			d.Metadata.EvaluationTimeMs = time.Since(start).Milliseconds()
			return d
		}
	}

	aiAvailable := e.cfg.UseAI && e.judge != nil

	// A matched rule decides outright on DENY, on confidence at or above
	// the AI threshold, or when there is no judge to consult. A permit
	// below the bar escalates instead, carrying its constraints and
	// duties into the merged decision.
	var escalated *policy.Result
	if e.cfg.UseRules {
		res := e.eval.Evaluate(e.store.Snapshot(), dctx)
		if res.Matched {
			if res.Verdict == decision.VerdictDeny || res.Confidence >= e.cfg.AIThreshold || !aiAvailable {
				d := decision.Decision{
					Verdict:     res.Verdict,
					Reason:      res.Reason,
					Confidence:  res.Confidence,
					Constraints: res.Constraints,
					Obligations: res.Obligations,
					Metadata: decision.Metadata{
						Engine:           decision.EngineRules,
						EvaluationTimeMs: time.Since(start).Milliseconds(),
					},
				}
				e.rulesDecisions.Add(1)
				e.cachePut(key, d)
				return d
			}
			escalated = &res
		}
	}

	if aiAvailable {
		d, decisive := e.judgeDecide(ctx, dctx, escalated)
		d.Metadata.EvaluationTimeMs = time.Since(start).Milliseconds()
		if decisive {
			e.aiDecisions.Add(1)
			e.cachePut(key, d)
		} else {
			e.indeterminate.Add(1)
		}
		return d
	}

	if !e.cfg.UseRules {
		return decision.Decision{
			Verdict:    decision.VerdictDeny,
			Reason:     "no policy engines enabled",
			Confidence: 1.0,
			Metadata: decision.Metadata{
				Engine:           decision.EngineNone,
				EvaluationTimeMs: time.Since(start).Milliseconds(),
			},
		}
	}

	e.indeterminate.Add(1)
	return decision.Decision{
		Verdict: decision.VerdictIndeterminate,
		Reason:  "no policy matched",
		Metadata: decision.Metadata{
			Engine:           decision.EngineNone,
			EvaluationTimeMs: time.Since(start).Milliseconds(),
		},
	}
}

// judgeDecide runs the AI judge under its own timeout and applies the
// one-sided confidence threshold: a low-confidence PERMIT degrades to
// INDETERMINATE, a DENY stands at any confidence. escalated is the rule
// result that fell below the threshold, nil when no rule matched; its
// presence labels the decision HYBRID and its directives merge in.
func (e *Engine) judgeDecide(ctx context.Context, dctx *decision.Context, escalated *policy.Result) (decision.Decision, bool) {
	source := decision.EngineAI
	if escalated != nil {
		source = decision.EngineHybrid
	}

	timeout := e.cfg.AITimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	jctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := e.judge.Evaluate(jctx, dctx, e.policySummaries())
	if err != nil {
		e.logger.Warn("judge unavailable", "error", err)
		return decision.Decision{
			Verdict:  decision.VerdictIndeterminate,
			Reason:   fmt.Sprintf("AI judge unavailable: %v", err),
			Metadata: decision.Metadata{Engine: source},
		}, false
	}

	if v.Verdict == decision.VerdictPermit && v.Confidence < e.cfg.AIThreshold {
		return decision.Decision{
			Verdict:    decision.VerdictIndeterminate,
			Reason:     fmt.Sprintf("AI permit confidence %.2f below threshold %.2f: %s", v.Confidence, e.cfg.AIThreshold, v.Reason),
			Confidence: v.Confidence,
			Metadata:   decision.Metadata{Engine: source},
		}, false
	}

	d := decision.Decision{
		Verdict:     v.Verdict,
		Reason:      v.Reason,
		Confidence:  v.Confidence,
		Constraints: v.Constraints,
		Obligations: v.Obligations,
		Metadata:    decision.Metadata{Engine: source},
	}
	if escalated != nil {
		d.Constraints = mergeDirectives(escalated.Constraints, v.Constraints)
		d.Obligations = mergeDirectives(escalated.Obligations, v.Obligations)
	}
	return d, true
}

// mergeDirectives combines rule directives with the judge's, rule ones
// first, duplicates dropped.
func mergeDirectives(rule, ai []string) []string {
	if len(rule) == 0 {
		return ai
	}
	seen := make(map[string]bool, len(rule)+len(ai))
	out := make([]string, 0, len(rule)+len(ai))
	for _, s := range rule {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range ai {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (e *Engine) cachePut(key string, d decision.Decision) {
	if !e.cfg.UseCache || key == "" {
		return
	}
	e.cache.Put(key, d)
}

// policySummaries renders one line per active policy for the judge's
// context section.
func (e *Engine) policySummaries() []string {
	snap := e.store.Snapshot()
	out := make([]string, 0, len(snap.Policies))
	for _, p := range snap.Policies {
		if p.Status != policy.StatusActive {
			continue
		}
		name := p.Name
		if name == "" {
			name = p.UID
		}
		out = append(out, fmt.Sprintf("%s (priority %d): %d permissions, %d prohibitions",
			name, p.Priority, len(p.Permissions), len(p.Prohibitions)))
	}
	return out
}

// Stats is a point-in-time snapshot of engine activity.
type Stats struct {
	RulesDecisions int64      `json:"rules_decisions"`
	AIDecisions    int64      `json:"ai_decisions"`
	Indeterminate  int64      `json:"indeterminate"`
	PolicyVersion  uint64     `json:"policy_version"`
	Cache          CacheStats `json:"cache"`
}

// Stats returns engine counters and cache effectiveness.
func (e *Engine) Stats() Stats {
	return Stats{
		RulesDecisions: e.rulesDecisions.Load(),
		AIDecisions:    e.aiDecisions.Load(),
		Indeterminate:  e.indeterminate.Load(),
		PolicyVersion:  e.store.Version(),
		Cache:          e.cache.Stats(),
	}
}
