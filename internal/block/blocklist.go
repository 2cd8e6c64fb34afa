// Package block implements the emergency block list the enforcer checks
// before any policy evaluation. A blocked agent is refused at the front
// door regardless of what the rules or the AI judge would decide, so a
// compromised or runaway agent can be stopped without a policy edit.
package block

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scope determines what a block affects.
type Scope string

const (
	ScopeGlobal Scope = "global" // every agent
	ScopeAgent  Scope = "agent"  // one agent
)

// Record logs who or what placed a block and when.
type Record struct {
	Scope     Scope      `json:"scope"`
	Agent     string     `json:"agent,omitempty"`
	Reason    string     `json:"reason"`
	Source    string     `json:"source"` // api, cli, anomaly
	Timestamp time.Time  `json:"timestamp"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // nil means until unblocked
}

// List is the in-memory block list. IsBlocked is on the hot path for
// every request and must stay cheap.
type List struct {
	mu sync.RWMutex

	global      bool
	globalWhy   string
	agentBlocks map[string]Record
	history     []Record

	logger *slog.Logger
}

// NewList creates an empty block list.
func NewList(logger *slog.Logger) *List {
	if logger == nil {
		logger = slog.Default()
	}
	return &List{
		agentBlocks: make(map[string]Record),
		logger:      logger.With("component", "block.List"),
	}
}

// IsBlocked reports whether an agent is currently blocked and why.
// Expired agent blocks are treated as absent; they are removed lazily
// here rather than by a background timer.
func (l *List) IsBlocked(agent string) (bool, string) {
	l.mu.RLock()
	if l.global {
		why := l.globalWhy
		l.mu.RUnlock()
		return true, fmt.Sprintf("global block active: %s", why)
	}
	rec, ok := l.agentBlocks[agent]
	l.mu.RUnlock()

	if !ok {
		return false, ""
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		l.mu.Lock()
		// Re-check under the write lock; a newer block may have landed.
		if cur, still := l.agentBlocks[agent]; still && cur.ExpiresAt != nil && time.Now().After(*cur.ExpiresAt) {
			delete(l.agentBlocks, agent)
		}
		l.mu.Unlock()
		return l.IsBlocked(agent)
	}
	return true, fmt.Sprintf("agent blocked: %s", rec.Reason)
}

// BlockGlobal blocks every agent until ResetGlobal.
func (l *List) BlockGlobal(reason, source string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.global = true
	l.globalWhy = reason
	l.history = append(l.history, Record{
		Scope: ScopeGlobal, Reason: reason, Source: source, Timestamp: time.Now(),
	})

	l.logger.Error("GLOBAL BLOCK ACTIVATED", "reason", reason, "source", source)
}

// BlockAgent blocks one agent. ttl <= 0 blocks until Unblock.
func (l *List) BlockAgent(agent, reason, source string, ttl time.Duration) {
	rec := Record{
		Scope: ScopeAgent, Agent: agent, Reason: reason, Source: source, Timestamp: time.Now(),
	}
	if ttl > 0 {
		exp := rec.Timestamp.Add(ttl)
		rec.ExpiresAt = &exp
	}

	l.mu.Lock()
	l.agentBlocks[agent] = rec
	l.history = append(l.history, rec)
	l.mu.Unlock()

	l.logger.Error("AGENT BLOCKED", "agent", agent, "reason", reason, "source", source, "ttl", ttl)
}

// ResetGlobal lifts the global block.
func (l *List) ResetGlobal() {
	l.mu.Lock()
	l.global = false
	l.globalWhy = ""
	l.mu.Unlock()
	l.logger.Info("global block lifted")
}

// Unblock lifts an agent's block. Returns false if none was active.
func (l *List) Unblock(agent string) bool {
	l.mu.Lock()
	_, ok := l.agentBlocks[agent]
	delete(l.agentBlocks, agent)
	l.mu.Unlock()

	if ok {
		l.logger.Info("agent unblocked", "agent", agent)
	}
	return ok
}

// Status describes the current block state for the admin API.
type Status struct {
	Global       bool              `json:"global"`
	GlobalReason string            `json:"global_reason,omitempty"`
	Agents       map[string]Record `json:"agents"`
	HistoryCount int               `json:"history_count"`
}

// CurrentStatus returns a snapshot of active blocks.
func (l *List) CurrentStatus() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()

	agents := make(map[string]Record, len(l.agentBlocks))
	now := time.Now()
	for k, v := range l.agentBlocks {
		if v.ExpiresAt != nil && now.After(*v.ExpiresAt) {
			continue
		}
		agents[k] = v
	}
	return Status{
		Global:       l.global,
		GlobalReason: l.globalWhy,
		Agents:       agents,
		HistoryCount: len(l.history),
	}
}

// History returns all block records placed since startup.
func (l *List) History() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, len(l.history))
	copy(out, l.history)
	return out
}
