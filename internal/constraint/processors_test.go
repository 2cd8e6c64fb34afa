package constraint

import (
	"testing"
	"time"

	"github.com/aegisproxy/aegis/internal/config"
	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/ratelimit"
)

func anonymizeTestConfig() config.AnonymizeConfig {
	return config.AnonymizeConfig{
		Keys: []string{"email", "phone", "ssn", "credit_card"},
	}
}

func TestRateLimiterDeniesOverLimit(t *testing.T) {
	rl := NewRateLimiter(
		ratelimit.NewLimiter(0, nil),
		config.RateLimitConfig{KeyTemplate: "{agent}:{action}"},
		nil,
	)
	dctx := testDecisionContext()

	for i := 0; i < 2; i++ {
		if err := rl.Admit(dctx, "2/min"); err != nil {
			t.Fatalf("attempt %d denied: %v", i+1, err)
		}
	}

	err := rl.Admit(dctx, "2/min")
	if err == nil {
		t.Fatal("third attempt admitted past 2/min")
	}
	var derr *decision.Error
	if derr, _ = err.(*decision.Error); derr == nil || derr.Code != decision.CodeRateLimitExceeded {
		t.Fatalf("err = %v, want %s", err, decision.CodeRateLimitExceeded)
	}
	if ms, ok := derr.Details["retry_after_ms"].(int64); !ok || ms <= 0 {
		t.Errorf("retry_after_ms = %v, want positive", derr.Details["retry_after_ms"])
	}
}

func TestRateLimiterSeparateWindowsPerDirective(t *testing.T) {
	rl := NewRateLimiter(ratelimit.NewLimiter(0, nil), config.RateLimitConfig{}, nil)
	dctx := testDecisionContext()

	if err := rl.Admit(dctx, "1/min"); err != nil {
		t.Fatalf("first 1/min denied: %v", err)
	}
	if err := rl.Admit(dctx, "1/min"); err == nil {
		t.Fatal("second 1/min admitted")
	}
	// A different directive on the same agent tracks its own bucket.
	if err := rl.Admit(dctx, "10/hour"); err != nil {
		t.Errorf("10/hour shared the exhausted 1/min bucket: %v", err)
	}
}

func TestRateLimiterMalformedDirective(t *testing.T) {
	rl := NewRateLimiter(ratelimit.NewLimiter(0, nil), config.RateLimitConfig{}, nil)
	err := rl.Admit(testDecisionContext(), "lots/eventually")
	if decision.CodeOf(err) != decision.CodeConstraintViolated {
		t.Errorf("err = %v, want %s", err, decision.CodeConstraintViolated)
	}
}

func TestTimeWindowAdmission(t *testing.T) {
	tw := NewTimeWindow(nil)
	dctx := testDecisionContext() // 14:30

	if err := tw.Admit(dctx, "time-window:09:00-18:00"); err != nil {
		t.Errorf("14:30 rejected for 09:00-18:00: %v", err)
	}
	if err := tw.Admit(dctx, "time-window:22:00-06:00"); err == nil {
		t.Error("14:30 admitted for 22:00-06:00")
	}

	dctx.Time = time.Date(2026, 3, 10, 23, 15, 0, 0, time.UTC)
	if err := tw.Admit(dctx, "time-window:22:00-06:00"); err != nil {
		t.Errorf("23:15 rejected for wrapping window 22:00-06:00: %v", err)
	}
	dctx.Time = time.Date(2026, 3, 11, 5, 0, 0, 0, time.UTC)
	if err := tw.Admit(dctx, "time-window:22:00-06:00"); err != nil {
		t.Errorf("05:00 rejected for wrapping window 22:00-06:00: %v", err)
	}
}

func TestTimeWindowMalformed(t *testing.T) {
	tw := NewTimeWindow(nil)
	err := tw.Admit(testDecisionContext(), "time-window:whenever")
	if decision.CodeOf(err) != decision.CodeConstraintViolated {
		t.Errorf("err = %v, want %s", err, decision.CodeConstraintViolated)
	}
}

func testGeoRestrictor(t *testing.T) *GeoRestrictor {
	t.Helper()
	g, err := NewGeoRestrictor(config.GeoConfig{
		Ranges: []config.GeoRange{
			{CIDR: "10.0.0.0/8", Country: "JP"},
			{CIDR: "192.168.0.0/16", Country: "US"},
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewGeoRestrictor: %v", err)
	}
	return g
}

func TestGeoRestrictorAdmission(t *testing.T) {
	g := testGeoRestrictor(t)
	dctx := testDecisionContext() // client_ip 10.0.0.5 -> JP

	if err := g.Admit(dctx, "geo-restrict:JP"); err != nil {
		t.Errorf("JP client rejected for geo-restrict:JP: %v", err)
	}
	if err := g.Admit(dctx, "geo-restrict:JP,US"); err != nil {
		t.Errorf("JP client rejected for geo-restrict:JP,US: %v", err)
	}
	if err := g.Admit(dctx, "geo-restrict:US"); decision.CodeOf(err) != decision.CodeConstraintViolated {
		t.Errorf("JP client admitted for geo-restrict:US: %v", err)
	}
}

func TestGeoRestrictorFailsClosed(t *testing.T) {
	g := testGeoRestrictor(t)

	noIP := testDecisionContext()
	delete(noIP.Environment, "client_ip")
	if err := g.Admit(noIP, "geo-restrict:JP"); err == nil {
		t.Error("missing client IP admitted")
	}

	unknown := testDecisionContext()
	unknown.Environment["client_ip"] = "203.0.113.9"
	if err := g.Admit(unknown, "geo-restrict:JP"); err == nil {
		t.Error("IP outside the geo table admitted")
	}
}

func TestGeoRestrictorRejectsBadCIDR(t *testing.T) {
	_, err := NewGeoRestrictor(config.GeoConfig{
		Ranges: []config.GeoRange{{CIDR: "10.0.0.0/99", Country: "JP"}},
	}, nil)
	if err == nil {
		t.Fatal("invalid CIDR accepted")
	}
}

func TestAnonymizerMasksNestedKeys(t *testing.T) {
	a := NewAnonymizer(anonymizeTestConfig(), nil)
	payload := map[string]any{
		"user": map[string]any{
			"phone_number": "090-1234-5678",
			"age":          42,
		},
		"records": []any{
			map[string]any{"ssn": "123-45-6789", "status": "active"},
		},
	}

	out, err := a.Transform(testDecisionContext(), "anonymize-pii", payload)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	got := out.(map[string]any)

	user := got["user"].(map[string]any)
	if user["phone_number"] != Redacted {
		t.Errorf("phone_number = %v", user["phone_number"])
	}
	if user["age"] != 42 {
		t.Errorf("age = %v, want untouched 42", user["age"])
	}
	rec := got["records"].([]any)[0].(map[string]any)
	if rec["ssn"] != Redacted {
		t.Errorf("ssn = %v", rec["ssn"])
	}
	if rec["status"] != "active" {
		t.Errorf("status = %v", rec["status"])
	}
}

func TestAnonymizerScrubsFreeText(t *testing.T) {
	a := NewAnonymizer(anonymizeTestConfig(), nil)
	in := "card 4111 1111 1111 1111 belongs to alice@example.com"
	got := a.scrub(in)
	if got != "card "+Redacted+" belongs to "+Redacted {
		t.Errorf("scrub = %q", got)
	}
}
