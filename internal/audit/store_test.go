package audit

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// storeUnderTest runs the same contract tests against both backends.
func storeUnderTest(t *testing.T, name string) Store {
	t.Helper()
	switch name {
	case "memory":
		return NewMemoryStore()
	case "sqlite":
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		if err := s.Initialize(); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	t.Fatalf("unknown backend %q", name)
	return nil
}

func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, name := range []string{"memory", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			fn(t, storeUnderTest(t, name))
		})
	}
}

func insertN(t *testing.T, s Store, agent string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		verdict := "PERMIT"
		outcome := OutcomeSuccess
		if i%3 == 2 {
			verdict = "DENY"
			outcome = OutcomeFailure
		}
		err := s.Insert(&Entry{
			Agent:    agent,
			Action:   "tools/call",
			Resource: fmt.Sprintf("filesystem__read_file:/tmp/f%d", i),
			Verdict:  verdict,
			Outcome:  outcome,
			Reason:   "test",
			Engine:   "RULES",
		})
		if err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
}

func TestInsertBuildsChain(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		insertN(t, s, "agent-1", 6)
		insertN(t, s, "agent-2", 3)

		for _, agent := range []string{"agent-1", "agent-2"} {
			valid, brokenAt, err := s.VerifyAgentChain(agent)
			if err != nil {
				t.Fatalf("VerifyAgentChain(%s): %v", agent, err)
			}
			if !valid {
				t.Errorf("%s chain broken at %d", agent, brokenAt)
			}
		}

		chain, err := s.AgentChain("agent-1")
		if err != nil {
			t.Fatalf("AgentChain: %v", err)
		}
		if len(chain) != 6 {
			t.Fatalf("chain length = %d, want 6", len(chain))
		}
		if chain[0].PrevHash != ComputeAgentSeed("agent-1") {
			t.Error("first entry not seeded from agent id")
		}
		for i := 1; i < len(chain); i++ {
			if chain[i].PrevHash != chain[i-1].Hash {
				t.Errorf("linkage broken between %d and %d", i-1, i)
			}
		}
	})
}

func TestListFilters(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		insertN(t, s, "agent-1", 9)
		insertN(t, s, "agent-2", 3)

		entries, total, err := s.List(Filter{Agent: "agent-1"})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if total != 9 || len(entries) != 9 {
			t.Errorf("agent-1 list = (%d, %d), want (9, 9)", len(entries), total)
		}

		// Newest first.
		for i := 1; i < len(entries); i++ {
			if entries[i].ID > entries[i-1].ID {
				t.Fatal("list not in descending order")
			}
		}

		entries, total, err = s.List(Filter{Agent: "agent-1", Verdict: "DENY"})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if total != 3 {
			t.Errorf("deny count = %d, want 3", total)
		}
		for _, e := range entries {
			if e.Verdict != "DENY" {
				t.Errorf("filter leaked verdict %s", e.Verdict)
			}
		}

		entries, total, err = s.List(Filter{Limit: 4})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if total != 12 || len(entries) != 4 {
			t.Errorf("paged list = (%d, %d), want (4, 12)", len(entries), total)
		}
	})
}

func TestGet(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		e := &Entry{
			Agent: "agent-1", Action: "resources/read", Resource: "file:/tmp/a",
			Verdict: "PERMIT", Outcome: OutcomeSuccess,
			Constraints: []string{"100/min"}, Obligations: []string{"log"},
		}
		if err := s.Insert(e); err != nil {
			t.Fatalf("Insert: %v", err)
		}

		got, err := s.Get(e.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got == nil {
			t.Fatal("Get returned nil for existing id")
		}
		if got.Resource != e.Resource || got.Hash != e.Hash {
			t.Errorf("got %+v", got)
		}
		if len(got.Constraints) != 1 || got.Constraints[0] != "100/min" {
			t.Errorf("constraints = %v", got.Constraints)
		}

		if missing, err := s.Get("01AAAAAAAAAAAAAAAAAAAAAAAA"); err != nil || missing != nil {
			t.Errorf("missing id = (%v, %v), want (nil, nil)", missing, err)
		}
	})
}

func TestPruneOlderThan(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		old := &Entry{
			Timestamp: time.Now().Add(-48 * time.Hour),
			Agent:     "agent-1", Action: "tools/call", Resource: "r",
			Verdict: "PERMIT", Outcome: OutcomeSuccess,
		}
		if err := s.Insert(old); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		insertN(t, s, "agent-1", 2)

		pruned, err := s.PruneOlderThan(24 * time.Hour)
		if err != nil {
			t.Fatalf("PruneOlderThan: %v", err)
		}
		if pruned != 1 {
			t.Errorf("pruned = %d, want 1", pruned)
		}

		_, total, err := s.List(Filter{})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if total != 2 {
			t.Errorf("remaining = %d, want 2", total)
		}

		// The truncated chain still verifies.
		valid, brokenAt, err := s.VerifyAgentChain("agent-1")
		if err != nil {
			t.Fatalf("VerifyAgentChain: %v", err)
		}
		if !valid {
			t.Errorf("chain broken at %d after pruning", brokenAt)
		}
	})
}

func TestGetStats(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		insertN(t, s, "agent-1", 6)
		insertN(t, s, "agent-2", 3)

		stats, err := s.GetStats()
		if err != nil {
			t.Fatalf("GetStats: %v", err)
		}
		if stats.TotalEntries != 9 {
			t.Errorf("total = %d, want 9", stats.TotalEntries)
		}
		if stats.Permits != 6 || stats.Denies != 3 {
			t.Errorf("permits/denies = %d/%d, want 6/3", stats.Permits, stats.Denies)
		}
		if stats.Agents != 2 {
			t.Errorf("agents = %d, want 2", stats.Agents)
		}
	})
}
