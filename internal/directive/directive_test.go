package directive

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		in   string
		want Family
	}{
		{"10/sec", FamilyRateLimit},
		{"100/min", FamilyRateLimit},
		{"5/hour", FamilyRateLimit},
		{"10 per sec", FamilyRateLimit},
		{"100 per minute", FamilyRateLimit},
		{"anonymize-pii", FamilyAnonymize},
		{"個人情報を匿名化", FamilyAnonymize},
		{"geo-restrict:US", FamilyGeoRestrict},
		{"geo-restrict:US,JP", FamilyGeoRestrict},
		{"time-window:09:00-18:00", FamilyTimeWindow},
		{"log", FamilyLog},
		{"LOG", FamilyLog},
		{"notify:admin", FamilyNotify},
		{"delete-after:30d", FamilyDeleteAfter},
		{"frobnicate the response", FamilyUnknown},
		{"", FamilyUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.in); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestIsConstraint(t *testing.T) {
	constraints := []Family{FamilyRateLimit, FamilyAnonymize, FamilyGeoRestrict, FamilyTimeWindow}
	for _, f := range constraints {
		if !IsConstraint(f) {
			t.Errorf("IsConstraint(%s) = false, want true", f)
		}
	}
	for _, f := range []Family{FamilyLog, FamilyNotify, FamilyDeleteAfter, FamilyUnknown} {
		if IsConstraint(f) {
			t.Errorf("IsConstraint(%s) = true, want false", f)
		}
	}
}

func TestParseRateLimit(t *testing.T) {
	cases := []struct {
		in     string
		n      int
		window time.Duration
	}{
		{"10/sec", 10, time.Second},
		{"100/min", 100, time.Minute},
		{"5/hour", 5, time.Hour},
		{"10 per second", 10, time.Second},
		{"3 per minute", 3, time.Minute},
		{"7 per hours", 7, time.Hour},
	}
	for _, tc := range cases {
		n, w, err := ParseRateLimit(tc.in)
		if err != nil {
			t.Errorf("ParseRateLimit(%q) error: %v", tc.in, err)
			continue
		}
		if n != tc.n || w != tc.window {
			t.Errorf("ParseRateLimit(%q) = (%d, %s), want (%d, %s)", tc.in, n, w, tc.n, tc.window)
		}
	}

	for _, bad := range []string{"", "per sec", "0/sec", "-1/min", "ten/min"} {
		if _, _, err := ParseRateLimit(bad); err == nil {
			t.Errorf("ParseRateLimit(%q) succeeded, want error", bad)
		}
	}
}

func TestParseGeoRestrict(t *testing.T) {
	codes, err := ParseGeoRestrict("geo-restrict:us, jp")
	if err != nil {
		t.Fatalf("ParseGeoRestrict error: %v", err)
	}
	if len(codes) != 2 || codes[0] != "US" || codes[1] != "JP" {
		t.Errorf("codes = %v, want [US JP]", codes)
	}

	if _, err := ParseGeoRestrict("geo-restrict:USA"); err == nil {
		t.Error("three-letter code accepted, want error")
	}
	if _, err := ParseGeoRestrict("rate-limit:US"); err == nil {
		t.Error("wrong prefix accepted, want error")
	}
}

func TestParseTimeWindow(t *testing.T) {
	win, err := ParseTimeWindow("time-window:09:00-18:00")
	if err != nil {
		t.Fatalf("ParseTimeWindow error: %v", err)
	}
	if win != "09:00-18:00" {
		t.Errorf("window = %q", win)
	}
	if _, err := ParseTimeWindow("time-window:"); err == nil {
		t.Error("empty window accepted, want error")
	}
}

func TestParseNotify(t *testing.T) {
	target, err := ParseNotify("notify:security-team")
	if err != nil {
		t.Fatalf("ParseNotify error: %v", err)
	}
	if target != "security-team" {
		t.Errorf("target = %q", target)
	}
	if _, err := ParseNotify("notify:"); err == nil {
		t.Error("empty target accepted, want error")
	}
}

func TestParseDeleteAfter(t *testing.T) {
	d, err := ParseDeleteAfter("delete-after:30d")
	if err != nil {
		t.Fatalf("ParseDeleteAfter error: %v", err)
	}
	if d != 30*24*time.Hour {
		t.Errorf("duration = %s, want 720h", d)
	}
	if _, err := ParseDeleteAfter("delete-after:0d"); err == nil {
		t.Error("zero days accepted, want error")
	}
}
