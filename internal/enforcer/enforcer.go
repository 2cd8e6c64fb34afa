// Package enforcer is the entry point of the enforcement pipeline. One
// call runs collection, block-list admission, the hybrid decision,
// constraint shaping around the upstream call, and hands the background
// work (obligations, audit) off before returning.
package enforcer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegisproxy/aegis/internal/audit"
	"github.com/aegisproxy/aegis/internal/block"
	"github.com/aegisproxy/aegis/internal/constraint"
	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/engine"
	"github.com/aegisproxy/aegis/internal/obligation"
)

// Upstream is the downstream tool server the gateway proxies to.
type Upstream interface {
	Call(ctx context.Context, raw decision.RawRequest) (any, error)
}

// Enforcer wires the pipeline stages together. All stages are required
// except obligations, which may be nil (obligations are then dropped
// with the decision still enforced).
type Enforcer struct {
	collector   *decision.Collector
	blocks      *block.List
	engine      *engine.Engine
	constraints *constraint.Manager
	obligations *obligation.Manager
	sink        *audit.Sink
	logger      *slog.Logger
}

// New creates an Enforcer.
func New(
	collector *decision.Collector,
	blocks *block.List,
	eng *engine.Engine,
	constraints *constraint.Manager,
	obligations *obligation.Manager,
	sink *audit.Sink,
	logger *slog.Logger,
) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{
		collector:   collector,
		blocks:      blocks,
		engine:      eng,
		constraints: constraints,
		obligations: obligations,
		sink:        sink,
		logger:      logger.With("component", "enforcer.Enforcer"),
	}
}

// Enforce runs the full pipeline for one request. A nil error means the
// returned payload is the (possibly transformed) upstream response. Any
// panic in the pipeline is recovered into a deny.
func (e *Enforcer) Enforce(ctx context.Context, raw decision.RawRequest, upstream Upstream) (payload any, derr *decision.Error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in enforcement pipeline, denying",
				"agent", raw.AgentID,
				"request_id", raw.RequestID,
				"panic", r,
			)
			payload = nil
			derr = decision.NewError(decision.CodeEngineError, "internal enforcement failure")
			derr.RequestID = raw.RequestID
			e.record(raw, nil, nil, audit.OutcomeError, fmt.Sprintf("panic: %v", r), start)
		}
	}()

	dctx, cerr := e.collector.Collect(raw)
	if cerr != nil {
		cerr.RequestID = raw.RequestID
		e.record(raw, nil, nil, audit.OutcomeFailure, cerr.Message, start)
		return nil, cerr
	}

	if blocked, why := e.blocks.IsBlocked(dctx.Agent); blocked {
		e.logger.Warn("blocked agent rejected", "agent", dctx.Agent, "reason", why)
		derr = decision.NewError(decision.CodePolicyDeny, fmt.Sprintf("agent is blocked: %s", why))
		derr.RequestID = raw.RequestID
		e.record(raw, dctx, nil, audit.OutcomeFailure, derr.Message, start)
		return nil, derr
	}

	dec := e.engine.Decide(ctx, dctx)
	if dec.Verdict != decision.VerdictPermit {
		// Indeterminate is a deny at the boundary.
		derr = decision.NewError(decision.CodePolicyDeny, dec.Reason).
			WithDetail("verdict", string(dec.Verdict)).
			WithDetail("engine", string(dec.Metadata.Engine))
		derr.RequestID = raw.RequestID
		e.record(raw, dctx, &dec, audit.OutcomeFailure, dec.Reason, start)
		return nil, derr
	}

	// Admission-phase constraints run before the upstream call is made:
	// a rate-limited or geo-fenced request must never reach the tool.
	if err := e.constraints.Admit(ctx, dctx, dec.Constraints); err != nil {
		return nil, e.constraintFailure(raw, dctx, &dec, err, start)
	}

	resp, err := upstream.Call(ctx, raw)
	if err != nil {
		e.logger.Error("upstream call failed",
			"agent", dctx.Agent,
			"action", dctx.Action,
			"error", err,
		)
		derr = decision.NewError(decision.CodeUpstreamError, err.Error())
		derr.RequestID = raw.RequestID
		e.record(raw, dctx, &dec, audit.OutcomeError, err.Error(), start)
		e.enqueueObligations(dctx, &dec)
		return nil, derr
	}

	shaped, err := e.constraints.Transform(ctx, dctx, dec.Constraints, resp)
	if err != nil {
		derr := e.constraintFailure(raw, dctx, &dec, err, start)
		e.enqueueObligations(dctx, &dec)
		return nil, derr
	}

	e.record(raw, dctx, &dec, audit.OutcomeSuccess, dec.Reason, start)
	e.enqueueObligations(dctx, &dec)
	return shaped, nil
}

// enqueueObligations hands the decision's duties to the background
// pool. Obligations fire once the upstream has been called, whether the
// call succeeded or not; a pre-call rejection never reaches here.
func (e *Enforcer) enqueueObligations(dctx *decision.Context, dec *decision.Decision) {
	if e.obligations != nil {
		e.obligations.Enqueue(dctx, dec)
	}
}

// Decide runs collection and the decision engine without touching the
// upstream. The admin API's dry-run endpoint and the CLI use it.
func (e *Enforcer) Decide(ctx context.Context, raw decision.RawRequest) (*decision.Decision, *decision.Error) {
	dctx, cerr := e.collector.Collect(raw)
	if cerr != nil {
		cerr.RequestID = raw.RequestID
		return nil, cerr
	}
	if blocked, why := e.blocks.IsBlocked(dctx.Agent); blocked {
		dec := decision.Decision{
			Verdict:    decision.VerdictDeny,
			Reason:     fmt.Sprintf("agent is blocked: %s", why),
			Confidence: 1.0,
			Metadata:   decision.Metadata{Engine: decision.EngineNone},
		}
		return &dec, nil
	}
	dec := e.engine.Decide(ctx, dctx)
	return &dec, nil
}

func (e *Enforcer) constraintFailure(raw decision.RawRequest, dctx *decision.Context, dec *decision.Decision, err error, start time.Time) *decision.Error {
	outcome := audit.OutcomeFailure
	if decision.CodeOf(err) == decision.CodeConstraintTimeout {
		outcome = audit.OutcomeError
	}

	derr, ok := err.(*decision.Error)
	if !ok {
		derr = decision.NewError(decision.CodeConstraintViolated, err.Error())
	}
	derr.RequestID = raw.RequestID
	e.record(raw, dctx, dec, outcome, derr.Message, start)
	return derr
}

// record assembles an audit entry and hands it to the sink. dctx and
// dec may be nil for failures early in the pipeline.
func (e *Enforcer) record(raw decision.RawRequest, dctx *decision.Context, dec *decision.Decision, outcome audit.Outcome, reason string, start time.Time) {
	entry := &audit.Entry{
		RequestID: raw.RequestID,
		Agent:     raw.AgentID,
		AgentType: raw.AgentType,
		Action:    raw.Method,
		Outcome:   outcome,
		Reason:    reason,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if dctx != nil {
		entry.Agent = dctx.Agent
		entry.AgentType = dctx.AgentType
		entry.Action = dctx.Action
		entry.Resource = dctx.Resource
	}
	if dec != nil {
		entry.Verdict = string(dec.Verdict)
		entry.Engine = string(dec.Metadata.Engine)
		entry.Confidence = dec.Confidence
		entry.Constraints = dec.Constraints
		entry.Obligations = dec.Obligations
	} else if outcome != audit.OutcomeSuccess {
		entry.Verdict = string(decision.VerdictDeny)
	}
	e.sink.Record(entry)
}
