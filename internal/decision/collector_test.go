package decision

import (
	"testing"
	"time"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector("09:00-18:00", 3, []string{".env", ".key", "password", "credential"})
	if err != nil {
		t.Fatalf("NewCollector() error: %v", err)
	}
	return c
}

func TestCollect_HappyPath(t *testing.T) {
	c := newTestCollector(t)

	at := time.Date(2026, 3, 4, 10, 30, 0, 0, time.Local)
	ctx, cerr := c.Collect(RawRequest{
		Method:    "tools/call",
		Name:      "filesystem__read_file",
		Arguments: map[string]any{"path": "/tmp/a.txt"},
		AgentID:   "t1",
		SessionID: "s-9",
		ClientIP:  "10.0.0.1",
		Time:      at,
	})
	if cerr != nil {
		t.Fatalf("Collect() error: %v", cerr)
	}

	if ctx.Agent != "t1" {
		t.Errorf("Agent = %q, want t1", ctx.Agent)
	}
	if ctx.Action != "tools/call" {
		t.Errorf("Action = %q", ctx.Action)
	}
	if ctx.Resource != "filesystem__read_file:/tmp/a.txt" {
		t.Errorf("Resource = %q", ctx.Resource)
	}
	if ctx.AgentType != "unknown" {
		t.Errorf("AgentType = %q, want unknown", ctx.AgentType)
	}
	if ctx.HourOfDay != 10 {
		t.Errorf("HourOfDay = %d, want 10", ctx.HourOfDay)
	}
	if !ctx.IsBusinessHours {
		t.Error("IsBusinessHours = false, want true at 10:30")
	}
	if ctx.Classification != ClassStandard {
		t.Errorf("Classification = %q, want standard", ctx.Classification)
	}
	if ctx.Environment["client_ip"] != "10.0.0.1" {
		t.Errorf("environment client_ip = %v", ctx.Environment["client_ip"])
	}
	if ctx.Environment["session_id"] != "s-9" {
		t.Errorf("environment session_id = %v", ctx.Environment["session_id"])
	}
}

func TestCollect_OffHours(t *testing.T) {
	c := newTestCollector(t)

	at := time.Date(2026, 3, 4, 3, 0, 0, 0, time.Local)
	ctx, cerr := c.Collect(RawRequest{
		Method: "resources/read", URI: "file:///tmp/a.txt", AgentID: "t1", Time: at,
	})
	if cerr != nil {
		t.Fatalf("Collect() error: %v", cerr)
	}
	if ctx.IsBusinessHours {
		t.Error("IsBusinessHours = true, want false at 03:00")
	}
	if ctx.HourOfDay != 3 {
		t.Errorf("HourOfDay = %d, want 3", ctx.HourOfDay)
	}
}

func TestCollect_SensitiveClassification(t *testing.T) {
	c := newTestCollector(t)

	ctx, cerr := c.Collect(RawRequest{
		Method:    "tools/call",
		Name:      "filesystem__read_file",
		Arguments: map[string]any{"path": "/app/.env"},
		AgentID:   "t1",
	})
	if cerr != nil {
		t.Fatalf("Collect() error: %v", cerr)
	}
	if ctx.Classification != ClassSensitive {
		t.Errorf("Classification = %q, want sensitive for .env path", ctx.Classification)
	}
}

func TestCollect_MissingFields(t *testing.T) {
	c := newTestCollector(t)

	cases := []struct {
		name string
		raw  RawRequest
	}{
		{"no agent", RawRequest{Method: "tools/call", Name: "x"}},
		{"no method", RawRequest{AgentID: "a", Name: "x"}},
		{"no resource", RawRequest{AgentID: "a", Method: "tools/call"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, cerr := c.Collect(tc.raw)
			if cerr == nil {
				t.Fatal("Collect() succeeded, want INVALID_CONTEXT")
			}
			if cerr.Code != CodeInvalidContext {
				t.Errorf("code = %s, want INVALID_CONTEXT", cerr.Code)
			}
		})
	}
}

func TestCollect_DelegationCycle(t *testing.T) {
	c := newTestCollector(t)

	_, cerr := c.Collect(RawRequest{
		Method: "tools/call", Name: "x", AgentID: "a2",
		DelegationChain: []string{"a1", "a2"},
	})
	if cerr == nil || cerr.Code != CodeDelegationCycle {
		t.Fatalf("got %v, want DELEGATION_CYCLE", cerr)
	}
}

func TestCollect_DelegationDepthExceeded(t *testing.T) {
	c := newTestCollector(t)

	_, cerr := c.Collect(RawRequest{
		Method: "tools/call", Name: "x", AgentID: "a5",
		DelegationChain: []string{"a1", "a2", "a3", "a4"},
	})
	if cerr == nil || cerr.Code != CodeDelegationDepthExceeded {
		t.Fatalf("got %v, want DELEGATION_DEPTH_EXCEEDED", cerr)
	}
	if cerr.Details["max_depth"] != 3 {
		t.Errorf("max_depth detail = %v, want 3", cerr.Details["max_depth"])
	}

	// Exactly at the limit is allowed.
	_, cerr = c.Collect(RawRequest{
		Method: "tools/call", Name: "x", AgentID: "a4",
		DelegationChain: []string{"a1", "a2", "a3"},
	})
	if cerr != nil {
		t.Errorf("depth 3 rejected: %v", cerr)
	}
}

func TestNormalizeResource(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Filesystem__Read_File:/tmp/a.txt", "filesystem__read_file:/tmp/a.txt"},
		{"fs:/tmp//nested///file", "fs:/tmp/nested/file"},
		{"plain_tool", "plain_tool"},
		{"FILE:///etc/passwd", "file:/etc/passwd"},
	}
	for _, tc := range cases {
		if got := NormalizeResource(tc.in); got != tc.want {
			t.Errorf("NormalizeResource(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseHourWindow(t *testing.T) {
	start, end, err := ParseHourWindow("09:00-18:00")
	if err != nil {
		t.Fatalf("ParseHourWindow error: %v", err)
	}
	if start != 9*60 || end != 18*60 {
		t.Errorf("window = (%d, %d), want (540, 1080)", start, end)
	}

	for _, bad := range []string{"", "9-18", "09:00", "25:00-26:00", "09:61-10:00"} {
		if _, _, err := ParseHourWindow(bad); err == nil {
			t.Errorf("ParseHourWindow(%q) succeeded, want error", bad)
		}
	}
}
