package alert

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aegisproxy/aegis/internal/config"
)

type captureSender struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (c *captureSender) Send(a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return c.err
}

func (c *captureSender) Name() string { return "capture" }

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestManagerDeduplicates(t *testing.T) {
	m := NewManager(config.AlertsConfig{}, nil)
	cap := &captureSender{}
	m.AddSender(cap)

	a := Alert{Type: "anomaly", Severity: SeverityWarning, Agent: "agent-1", Resource: "r"}
	m.Send(a)
	m.Send(a) // duplicate within window, dropped
	m.Send(Alert{Type: "anomaly", Severity: SeverityWarning, Agent: "agent-2", Resource: "r"})

	waitFor(t, func() bool { return cap.count() >= 2 })
	time.Sleep(50 * time.Millisecond)
	if got := cap.count(); got != 2 {
		t.Errorf("delivered = %d, want 2", got)
	}
}

func TestManagerSendSyncReturnsError(t *testing.T) {
	m := NewManager(config.AlertsConfig{}, nil)
	m.AddSender(&captureSender{err: io.ErrUnexpectedEOF})

	if err := m.SendSync(Alert{Type: "notify", Agent: "a"}); err == nil {
		t.Fatal("SendSync swallowed sender error")
	}
}

func TestManagerHasSenders(t *testing.T) {
	m := NewManager(config.AlertsConfig{}, nil)
	if m.HasSenders() {
		t.Error("empty config reported senders")
	}
	m = NewManager(config.AlertsConfig{
		Slack: config.SlackAlertConfig{WebhookURL: "http://example.invalid/hook"},
	}, nil)
	if !m.HasSenders() {
		t.Error("slack config produced no sender")
	}
}

func TestSlackSender(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)
	}))
	defer srv.Close()

	s := NewSlackSender(config.SlackAlertConfig{WebhookURL: srv.URL, Channel: "#sec"})
	err := s.Send(Alert{
		Type: "deny", Severity: SeverityCritical, Title: "Sensitive access denied",
		Message: "m", Agent: "agent-1", Resource: "file:/etc/passwd", Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if payload["channel"] != "#sec" {
		t.Errorf("channel = %v", payload["channel"])
	}
	attachments := payload["attachments"].([]any)
	title := attachments[0].(map[string]any)["title"].(string)
	if title != "🔴 AEGIS: Sensitive access denied" {
		t.Errorf("title = %q", title)
	}
}

func TestWebhookSenderSignsPayload(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Aegis-Signature")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	s := NewWebhookSender(config.WebhookAlertConfig{URL: srv.URL, Secret: "s3cret"})
	if err := s.Send(Alert{Type: "anomaly", Agent: "a", Timestamp: time.Now()}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	want := hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
}

func TestWebhookSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSender(config.WebhookAlertConfig{URL: srv.URL})
	if err := s.Send(Alert{Type: "anomaly"}); err == nil {
		t.Fatal("502 response did not error")
	}
}
