package obligation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aegisproxy/aegis/internal/alert"
	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/directive"
)

// LogExecutor handles "log" duties. Every decision already lands in the
// audit store via the sink; this duty additionally surfaces the full
// decision in the operational log at Info, so policies can mark
// requests that operators should see without querying the store.
type LogExecutor struct {
	logger *slog.Logger
}

// NewLogExecutor creates the log duty executor.
func NewLogExecutor(logger *slog.Logger) *LogExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExecutor{logger: logger.With("component", "obligation.LogExecutor")}
}

func (e *LogExecutor) Name() string { return "log" }

func (e *LogExecutor) CanExecute(f directive.Family) bool {
	return f == directive.FamilyLog
}

func (e *LogExecutor) Execute(ctx context.Context, dctx *decision.Context, dec *decision.Decision, dir string) error {
	e.logger.Info("policy-mandated access log",
		"agent", dctx.Agent,
		"agent_type", dctx.AgentType,
		"action", dctx.Action,
		"resource", dctx.Resource,
		"classification", dctx.Classification,
		"verdict", string(dec.Verdict),
		"reason", dec.Reason,
		"engine", string(dec.Metadata.Engine),
		"confidence", dec.Confidence,
	)
	return nil
}

// Notifier handles "notify:<target>" duties by dispatching through the
// alert manager synchronously, so delivery failures count against the
// obligation retry budget.
type Notifier struct {
	alerts *alert.Manager
}

// NewNotifier creates the notify duty executor.
func NewNotifier(alerts *alert.Manager) *Notifier {
	return &Notifier{alerts: alerts}
}

func (n *Notifier) Name() string { return "notify" }

func (n *Notifier) CanExecute(f directive.Family) bool {
	return f == directive.FamilyNotify
}

func (n *Notifier) Execute(ctx context.Context, dctx *decision.Context, dec *decision.Decision, dir string) error {
	target, err := directive.ParseNotify(dir)
	if err != nil {
		return err
	}
	return n.alerts.SendSync(alert.Alert{
		Type:     "notify",
		Severity: alert.SeverityInfo,
		Title:    fmt.Sprintf("Policy notification for %s", dctx.Agent),
		Message:  fmt.Sprintf("%s on %s: %s", dctx.Action, dctx.Resource, dec.Reason),
		Agent:    dctx.Agent,
		Resource: dctx.Resource,
		Target:   target,
		Details: map[string]any{
			"verdict":    string(dec.Verdict),
			"confidence": dec.Confidence,
		},
	})
}

// RetentionMarker records that data produced by a request must be
// deleted once its retention period lapses. Enforcement of the deletion
// itself is external; the marker makes the deadline queryable.
type RetentionMarker struct {
	Agent     string    `json:"agent"`
	Resource  string    `json:"resource"`
	CreatedAt time.Time `json:"created_at"`
	DeleteAt  time.Time `json:"delete_at"`
}

// RetentionScheduler handles "delete-after:Nd" duties by recording TTL
// markers. Expired markers are pruned lazily on read.
type RetentionScheduler struct {
	mu      sync.Mutex
	markers []RetentionMarker
	logger  *slog.Logger
}

// NewRetentionScheduler creates the delete-after duty executor.
func NewRetentionScheduler(logger *slog.Logger) *RetentionScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionScheduler{logger: logger.With("component", "obligation.RetentionScheduler")}
}

func (r *RetentionScheduler) Name() string { return "delete_after" }

func (r *RetentionScheduler) CanExecute(f directive.Family) bool {
	return f == directive.FamilyDeleteAfter
}

func (r *RetentionScheduler) Execute(ctx context.Context, dctx *decision.Context, dec *decision.Decision, dir string) error {
	after, err := directive.ParseDeleteAfter(dir)
	if err != nil {
		return err
	}
	now := time.Now()
	marker := RetentionMarker{
		Agent:     dctx.Agent,
		Resource:  dctx.Resource,
		CreatedAt: now,
		DeleteAt:  now.Add(after),
	}

	r.mu.Lock()
	r.markers = append(r.markers, marker)
	r.mu.Unlock()

	r.logger.Info("retention scheduled",
		"agent", dctx.Agent,
		"resource", dctx.Resource,
		"delete_at", marker.DeleteAt.Format(time.RFC3339),
	)
	return nil
}

// Markers returns the live retention markers, dropping lapsed ones.
func (r *RetentionScheduler) Markers() []RetentionMarker {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.markers[:0]
	for _, m := range r.markers {
		if m.DeleteAt.After(now) {
			live = append(live, m)
		}
	}
	r.markers = live

	out := make([]RetentionMarker, len(live))
	copy(out, live)
	return out
}
