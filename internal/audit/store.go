package audit

import (
	"sync"
	"time"
)

// Store is the persistence backend for the audit log. Insert assigns
// the entry's ID (when empty) and its chain hashes; everything else is
// read-only, matching the append-only contract.
type Store interface {
	Initialize() error
	Close() error

	Insert(e *Entry) error
	Get(id string) (*Entry, error)
	List(f Filter) ([]*Entry, int, error)

	// AgentChain returns an agent's entries in insertion order.
	AgentChain(agent string) ([]*Entry, error)
	VerifyAgentChain(agent string) (bool, int, error)

	PruneOlderThan(age time.Duration) (int64, error)
	GetStats() (*Stats, error)
}

// MemoryStore keeps the log in memory. Used in tests and when the
// storage driver is "memory".
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []*Entry
	byID     map[string]*Entry
	lastHash map[string]string // agent -> hash of latest entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*Entry),
		lastHash: make(map[string]string),
	}
}

func (m *MemoryStore) Initialize() error { return nil }
func (m *MemoryStore) Close() error      { return nil }

func (m *MemoryStore) Insert(e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.ID == "" {
		e.ID = NewID(e.Timestamp)
	}

	prev, ok := m.lastHash[e.Agent]
	if !ok {
		prev = ComputeAgentSeed(e.Agent)
	}
	e.PrevHash = prev
	e.Hash = ComputeHash(e)
	m.lastHash[e.Agent] = e.Hash

	m.entries = append(m.entries, e)
	m.byID[e.ID] = e
	return nil
}

func (m *MemoryStore) Get(id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id], nil
}

func (m *MemoryStore) List(f Filter) ([]*Entry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Entry
	for _, e := range m.entries {
		if matchesFilter(e, f) {
			matched = append(matched, e)
		}
	}

	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	// Newest first.
	out := make([]*Entry, 0, limit)
	for i := len(matched) - 1 - f.Offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, matched[i])
	}
	return out, total, nil
}

func matchesFilter(e *Entry, f Filter) bool {
	if f.Agent != "" && e.Agent != f.Agent {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Verdict != "" && e.Verdict != f.Verdict {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

func (m *MemoryStore) AgentChain(agent string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.entries {
		if e.Agent == agent {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) VerifyAgentChain(agent string) (bool, int, error) {
	chain, err := m.AgentChain(agent)
	if err != nil {
		return false, 0, err
	}
	valid, brokenAt := VerifyChain(chain)
	return valid, brokenAt, nil
}

func (m *MemoryStore) PruneOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	var pruned int64
	for _, e := range m.entries {
		if e.Timestamp.Before(cutoff) {
			delete(m.byID, e.ID)
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return pruned, nil
}

func (m *MemoryStore) GetStats() (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{TotalEntries: int64(len(m.entries))}
	agents := make(map[string]bool)
	for _, e := range m.entries {
		agents[e.Agent] = true
		switch e.Verdict {
		case "PERMIT":
			stats.Permits++
		case "DENY":
			stats.Denies++
		}
		if e.Outcome == OutcomeError {
			stats.Errors++
		}
	}
	stats.Agents = int64(len(agents))
	return stats, nil
}
