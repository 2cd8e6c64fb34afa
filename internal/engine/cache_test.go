package engine

import (
	"testing"
	"time"

	"github.com/aegisproxy/aegis/internal/decision"
)

func cacheCtx(agent string) *decision.Context {
	return &decision.Context{
		Agent:          agent,
		AgentType:      "assistant",
		Action:         "tools/call",
		Resource:       "filesystem__read_file:/tmp/a",
		Time:           time.Now(),
		Classification: decision.ClassStandard,
	}
}

func TestFingerprintStability(t *testing.T) {
	a := Fingerprint(cacheCtx("agent-1"), 7)
	b := Fingerprint(cacheCtx("agent-1"), 7)
	if a != b {
		t.Error("same context produced different fingerprints")
	}
	if Fingerprint(cacheCtx("agent-2"), 7) == a {
		t.Error("different agent produced the same fingerprint")
	}
	if Fingerprint(cacheCtx("agent-1"), 8) == a {
		t.Error("different policy version produced the same fingerprint")
	}
}

func TestCacheGetPut(t *testing.T) {
	c := NewCache(time.Minute, 0)
	key := Fingerprint(cacheCtx("agent-1"), 1)

	if _, ok := c.Get(key); ok {
		t.Fatal("empty cache returned a hit")
	}

	c.Put(key, decision.Decision{Verdict: decision.VerdictPermit, Reason: "cached"})
	d, ok := c.Get(key)
	if !ok {
		t.Fatal("cache miss after Put")
	}
	if d.Verdict != decision.VerdictPermit || d.Reason != "cached" {
		t.Errorf("got %+v", d)
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Entries != 1 {
		t.Errorf("stats = %+v, want hits=1 misses=1 entries=1", st)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(20*time.Millisecond, 0)
	c.Put("k", decision.Decision{Verdict: decision.VerdictDeny})

	if _, ok := c.Get("k"); !ok {
		t.Fatal("fresh entry missed")
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Error("expired entry hit")
	}
}

func TestCacheEviction(t *testing.T) {
	c := NewCache(time.Minute, 2)
	c.Put("a", decision.Decision{Reason: "a"})
	time.Sleep(5 * time.Millisecond)
	c.Put("b", decision.Decision{Reason: "b"})
	time.Sleep(5 * time.Millisecond)
	c.Put("c", decision.Decision{Reason: "c"})

	if got := c.Stats().Entries; got != 2 {
		t.Fatalf("entries = %d, want 2", got)
	}
	// "a" expires soonest and should be the evicted one.
	if _, ok := c.Get("a"); ok {
		t.Error("soonest-expiring entry survived eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("newest entry was evicted")
	}
}

func TestCachePurge(t *testing.T) {
	c := NewCache(time.Minute, 0)
	c.Put("a", decision.Decision{})
	c.Put("b", decision.Decision{})
	c.Purge()
	if got := c.Stats().Entries; got != 0 {
		t.Errorf("entries after purge = %d", got)
	}
}
