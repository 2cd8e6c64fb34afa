// Package ratelimit implements an exact sliding-window limiter for
// rate-limit constraint directives. Each key keeps at most limit
// timestamps, so memory is bounded by the limits themselves.
package ratelimit

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aegisproxy/aegis/internal/decision"
)

const (
	// defaultSweepInterval controls how often idle keys are pruned.
	// Checked lazily on Admit rather than via a background goroutine to
	// keep the type self-contained and easy to test.
	defaultSweepInterval = time.Minute

	// maxIdle is how long a key with no admissions survives a sweep.
	maxIdle = time.Hour
)

// Result describes the outcome of one admission attempt.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
	ResetAt    time.Time     `json:"reset_at"`
}

type window struct {
	stamps   []time.Time // ordered, oldest first, len <= limit
	lastSeen time.Time
}

// Limiter is a thread-safe sliding-window rate limiter keyed by
// arbitrary strings. Denied attempts do not consume capacity.
type Limiter struct {
	mu            sync.Mutex
	keys          map[string]*window
	sweepInterval time.Duration
	lastSweep     time.Time
	logger        *slog.Logger
}

// NewLimiter creates a Limiter. sweepInterval <= 0 selects the default.
func NewLimiter(sweepInterval time.Duration, logger *slog.Logger) *Limiter {
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		keys:          make(map[string]*window),
		sweepInterval: sweepInterval,
		lastSweep:     time.Now(),
		logger:        logger.With("component", "ratelimit.Limiter"),
	}
}

// Admit records one attempt under key and reports whether it fits
// within limit events per windowDur. The window slides continuously:
// an attempt is counted against exactly the preceding windowDur.
func (l *Limiter) Admit(key string, limit int, windowDur time.Duration) Result {
	now := time.Now()
	cutoff := now.Add(-windowDur)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.keys[key]
	if !ok {
		w = &window{}
		l.keys[key] = w
	}
	w.lastSeen = now

	// Drop timestamps that slid out of the window.
	idx := 0
	for idx < len(w.stamps) && !w.stamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[idx:]...)
	}

	if now.Sub(l.lastSweep) > l.sweepInterval {
		l.sweepLocked(now)
		l.lastSweep = now
	}

	if len(w.stamps) >= limit {
		oldest := w.stamps[0]
		reset := oldest.Add(windowDur)
		return Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: reset.Sub(now),
			ResetAt:    reset,
		}
	}

	w.stamps = append(w.stamps, now)
	reset := w.stamps[0].Add(windowDur)
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(w.stamps),
		ResetAt:   reset,
	}
}

// Count returns how many admitted events remain inside the window for
// a key without recording an attempt.
func (l *Limiter) Count(key string, windowDur time.Duration) int {
	cutoff := time.Now().Add(-windowDur)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.keys[key]
	if !ok {
		return 0
	}
	n := 0
	for _, s := range w.stamps {
		if s.After(cutoff) {
			n++
		}
	}
	return n
}

// Reset drops all state for a key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	delete(l.keys, key)
	l.mu.Unlock()
}

// sweepLocked prunes keys idle longer than maxIdle. Caller holds l.mu.
func (l *Limiter) sweepLocked(now time.Time) {
	pruned := 0
	for k, w := range l.keys {
		if now.Sub(w.lastSeen) > maxIdle {
			delete(l.keys, k)
			pruned++
		}
	}
	if pruned > 0 {
		l.logger.Debug("rate limiter sweep complete", "pruned_keys", pruned, "active_keys", len(l.keys))
	}
}

// ExpandKey renders a key template against a decision context. The
// recognized placeholders are {agent}, {agent_type}, {action},
// {resource}, and {resource_root}; resource_root is the resource up to
// its first ':' so all paths under one tool share a bucket.
func ExpandKey(template string, ctx *decision.Context) string {
	root := ctx.Resource
	if i := strings.Index(root, ":"); i >= 0 {
		root = root[:i]
	}
	r := strings.NewReplacer(
		"{agent}", ctx.Agent,
		"{agent_type}", ctx.AgentType,
		"{action}", ctx.Action,
		"{resource}", ctx.Resource,
		"{resource_root}", root,
	)
	return r.Replace(template)
}
