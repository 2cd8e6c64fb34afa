// Package constraint executes the serving-path side of a decision:
// admission checks (rate limits, time windows, geo restrictions) before
// the upstream call and response transforms (PII masking) after it.
// Directives are classified centrally by the directive package; this
// package only dispatches on families.
package constraint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/directive"
)

// Admitter gates a request before it reaches the upstream.
type Admitter interface {
	Name() string
	CanProcess(f directive.Family) bool
	Admit(dctx *decision.Context, dir string) error
}

// Transformer reshapes the upstream response before release.
type Transformer interface {
	Name() string
	CanProcess(f directive.Family) bool
	Transform(dctx *decision.Context, dir string, payload any) (any, error)
}

// Manager dispatches constraint directives to their processors, each
// under a timeout. A directive no processor claims is logged and
// skipped rather than silently granted effect.
type Manager struct {
	admitters    []Admitter
	transformers []Transformer
	baseline     []string
	timeout      time.Duration
	logger       *slog.Logger
}

// NewManager creates a Manager. timeout <= 0 selects 30s.
func NewManager(timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		timeout: timeout,
		logger:  logger.With("component", "constraint.Manager"),
	}
}

// RegisterAdmitter adds an admission processor.
func (m *Manager) RegisterAdmitter(a Admitter) {
	m.admitters = append(m.admitters, a)
}

// RegisterTransformer adds a response transform processor.
func (m *Manager) RegisterTransformer(t Transformer) {
	m.transformers = append(m.transformers, t)
}

// SetBaseline sets directives applied to every admitted request before
// any policy-attached constraints. Used for the configured default rate
// limit, which guards agents whose permitting rule carries no limit of
// its own.
func (m *Manager) SetBaseline(dirs ...string) {
	m.baseline = m.baseline[:0]
	for _, d := range dirs {
		if d != "" {
			m.baseline = append(m.baseline, d)
		}
	}
}

// Admit runs every admission-phase constraint. The first violation
// aborts: its error carries the machine-readable code for the caller.
func (m *Manager) Admit(ctx context.Context, dctx *decision.Context, constraints []string) error {
	if len(m.baseline) > 0 {
		merged := make([]string, 0, len(m.baseline)+len(constraints))
		merged = append(merged, m.baseline...)
		merged = append(merged, constraints...)
		constraints = merged
	}
	for _, dir := range constraints {
		f := directive.Classify(dir)
		if !directive.IsConstraint(f) {
			continue
		}

		claimed := false
		for _, a := range m.admitters {
			if !a.CanProcess(f) {
				continue
			}
			claimed = true
			if err := m.runAdmit(ctx, a, dctx, dir); err != nil {
				return err
			}
		}
		if !claimed && !m.hasTransformer(f) {
			m.logger.Warn("no processor for constraint directive, skipping", "directive", dir, "family", string(f))
		}
	}
	return nil
}

// Transform runs every response-phase constraint over the payload in
// order and returns the reshaped payload.
func (m *Manager) Transform(ctx context.Context, dctx *decision.Context, constraints []string, payload any) (any, error) {
	for _, dir := range constraints {
		f := directive.Classify(dir)
		if !directive.IsConstraint(f) {
			continue
		}
		for _, t := range m.transformers {
			if !t.CanProcess(f) {
				continue
			}
			var err error
			payload, err = m.runTransform(ctx, t, dctx, dir, payload)
			if err != nil {
				return nil, err
			}
		}
	}
	return payload, nil
}

func (m *Manager) hasTransformer(f directive.Family) bool {
	for _, t := range m.transformers {
		if t.CanProcess(f) {
			return true
		}
	}
	return false
}

func (m *Manager) runAdmit(ctx context.Context, a Admitter, dctx *decision.Context, dir string) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Admit(dctx, dir)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.timeout):
		m.logger.Error("constraint processor timed out", "processor", a.Name(), "directive", dir)
		return decision.NewError(decision.CodeConstraintTimeout,
			fmt.Sprintf("constraint %q timed out in %s", dir, a.Name()))
	}
}

type transformResult struct {
	payload any
	err     error
}

func (m *Manager) runTransform(ctx context.Context, t Transformer, dctx *decision.Context, dir string, payload any) (any, error) {
	done := make(chan transformResult, 1)
	go func() {
		p, err := t.Transform(dctx, dir, payload)
		done <- transformResult{p, err}
	}()

	select {
	case res := <-done:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.timeout):
		m.logger.Error("constraint processor timed out", "processor", t.Name(), "directive", dir)
		return nil, decision.NewError(decision.CodeConstraintTimeout,
			fmt.Sprintf("constraint %q timed out in %s", dir, t.Name()))
	}
}
