package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// CompiledRule pairs an immutable rule with its pre-compiled CEL
// condition, if any.
type CompiledRule struct {
	Rule
	Condition *CompiledCondition
}

// CompiledPolicy is a policy whose rules are ready for evaluation.
type CompiledPolicy struct {
	UID          string
	Name         string
	Status       Status
	Priority     int
	Permissions  []CompiledRule
	Prohibitions []CompiledRule
}

// Snapshot is an immutable view of the active policy set. Readers
// capture one at entry and evaluate against it without locks.
type Snapshot struct {
	// Policies sorted by priority descending.
	Policies []*CompiledPolicy
	// Version increments on every mutation; embedded in cache
	// fingerprints so any change naturally invalidates prior entries.
	Version uint64
}

// Store holds the versioned copy-on-write policy set. Writers build a
// new Snapshot and swap it in atomically; readers never block.
type Store struct {
	mu         sync.Mutex // serializes writers
	snap       atomic.Pointer[Snapshot]
	conditions *ConditionEvaluator
	logger     *slog.Logger
}

// NewStore creates an empty Store at version 1.
func NewStore(conditions *ConditionEvaluator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		conditions: conditions,
		logger:     logger.With("component", "policy.Store"),
	}
	s.snap.Store(&Snapshot{Version: 1})
	return s
}

// Snapshot returns the current immutable policy set.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Version returns the current policy-set version.
func (s *Store) Version() uint64 {
	return s.snap.Load().Version
}

// Compile validates a policy document and compiles its rule conditions.
func (s *Store) Compile(p *Policy) (*CompiledPolicy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	cp := &CompiledPolicy{
		UID:      p.UID,
		Name:     p.Name,
		Status:   p.Status,
		Priority: p.Priority,
	}
	if cp.Status == "" {
		cp.Status = StatusActive
	}

	var err error
	if cp.Permissions, err = s.compileRules(p.Permissions, KindPermission); err != nil {
		return nil, fmt.Errorf("policy %s: %w", p.UID, err)
	}
	if cp.Prohibitions, err = s.compileRules(p.Prohibitions, KindProhibition); err != nil {
		return nil, fmt.Errorf("policy %s: %w", p.UID, err)
	}
	return cp, nil
}

func (s *Store) compileRules(rules []Rule, kind Kind) ([]CompiledRule, error) {
	compiled := make([]CompiledRule, 0, len(rules))
	for _, r := range rules {
		r.Kind = kind
		cr := CompiledRule{Rule: r}
		if r.Condition != "" {
			if s.conditions == nil {
				return nil, fmt.Errorf("rule %q has a condition but no condition evaluator is configured", r.Action.Value)
			}
			cond, err := s.conditions.Compile(r.Condition)
			if err != nil {
				return nil, err
			}
			cr.Condition = &cond
		}
		compiled = append(compiled, cr)
	}
	return compiled, nil
}

// Add compiles and inserts a policy, replacing any policy with the same
// UID, and bumps the version.
func (s *Store) Add(p *Policy) error {
	cp, err := s.Compile(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snap.Load()
	next := make([]*CompiledPolicy, 0, len(old.Policies)+1)
	for _, existing := range old.Policies {
		if existing.UID != cp.UID {
			next = append(next, existing)
		}
	}
	next = append(next, cp)
	s.swapLocked(next, old.Version)

	s.logger.Info("policy added", "uid", cp.UID, "priority", cp.Priority, "version", s.Version())
	return nil
}

// Remove deletes a policy by UID and bumps the version. Returns false
// if no such policy exists.
func (s *Store) Remove(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snap.Load()
	next := make([]*CompiledPolicy, 0, len(old.Policies))
	removed := false
	for _, existing := range old.Policies {
		if existing.UID == uid {
			removed = true
			continue
		}
		next = append(next, existing)
	}
	if !removed {
		return false
	}
	s.swapLocked(next, old.Version)

	s.logger.Info("policy removed", "uid", uid, "version", s.Version())
	return true
}

// ReplaceAll swaps in a whole new policy set in one version bump. Used
// by the directory loader on reload. If any document fails to compile,
// the previous snapshot is kept untouched.
func (s *Store) ReplaceAll(policies []*Policy) error {
	compiled := make([]*CompiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp, err := s.Compile(p)
		if err != nil {
			return err
		}
		compiled = append(compiled, cp)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.snap.Load()
	s.swapLocked(compiled, old.Version)

	s.logger.Info("policy set replaced", "count", len(compiled), "version", s.Version())
	return nil
}

// List returns the current policies sorted by priority descending.
func (s *Store) List() []*CompiledPolicy {
	snap := s.snap.Load()
	out := make([]*CompiledPolicy, len(snap.Policies))
	copy(out, snap.Policies)
	return out
}

// swapLocked sorts, versions, and publishes a new snapshot. Caller
// holds s.mu.
func (s *Store) swapLocked(policies []*CompiledPolicy, prevVersion uint64) {
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority > policies[j].Priority
		}
		return policies[i].UID < policies[j].UID
	})
	s.snap.Store(&Snapshot{Policies: policies, Version: prevVersion + 1})
}
