// Package alert delivers operator notifications for anomalies, denials,
// and notify obligations over Slack and generic webhooks.
package alert

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aegisproxy/aegis/internal/config"
)

// Severity levels an alert can carry.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is one notification to be delivered.
type Alert struct {
	Type      string         `json:"type"` // anomaly, deny, notify, block
	Severity  string         `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Agent     string         `json:"agent,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Target    string         `json:"target,omitempty"` // notify:<target> routing hint
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sender is one delivery channel.
type Sender interface {
	Send(alert Alert) error
	Name() string
}

// Manager fans alerts out to the configured channels with
// deduplication, so a misbehaving agent does not flood the operators.
type Manager struct {
	mu       sync.Mutex
	senders  []Sender
	dedup    map[string]time.Time // dedupKey -> lastSent
	dedupTTL time.Duration
	logger   *slog.Logger
}

// NewManager creates a Manager with senders built from config.
func NewManager(cfg config.AlertsConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		dedup:    make(map[string]time.Time),
		dedupTTL: 5 * time.Minute,
		logger:   logger.With("component", "alert.Manager"),
	}

	if cfg.Slack.WebhookURL != "" {
		m.senders = append(m.senders, NewSlackSender(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		m.senders = append(m.senders, NewWebhookSender(cfg.Webhook))
	}
	return m
}

// AddSender registers an extra delivery channel.
func (m *Manager) AddSender(s Sender) {
	m.mu.Lock()
	m.senders = append(m.senders, s)
	m.mu.Unlock()
}

// Send dispatches an alert to every channel asynchronously. Repeats of
// the same (type, agent, resource) within the dedup window are dropped.
func (m *Manager) Send(alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	dedupKey := alert.Type + "|" + alert.Agent + "|" + alert.Resource
	m.mu.Lock()
	if lastSent, ok := m.dedup[dedupKey]; ok && time.Since(lastSent) < m.dedupTTL {
		m.mu.Unlock()
		m.logger.Debug("alert deduplicated", "type", alert.Type, "key", dedupKey)
		return
	}
	m.dedup[dedupKey] = time.Now()
	senders := make([]Sender, len(m.senders))
	copy(senders, m.senders)
	m.mu.Unlock()

	for _, sender := range senders {
		go func(s Sender) {
			if err := s.Send(alert); err != nil {
				m.logger.Error("failed to send alert",
					"sender", s.Name(),
					"type", alert.Type,
					"error", err,
				)
			}
		}(sender)
	}
}

// SendSync dispatches to every channel inline and returns the first
// error. The obligation executor uses this so delivery failures count
// against the obligation's retry budget.
func (m *Manager) SendSync(alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	m.mu.Lock()
	senders := make([]Sender, len(m.senders))
	copy(senders, m.senders)
	m.mu.Unlock()

	var firstErr error
	for _, s := range senders {
		if err := s.Send(alert); err != nil {
			m.logger.Error("failed to send alert", "sender", s.Name(), "type", alert.Type, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// PruneDedup removes stale dedup entries. Call periodically.
func (m *Manager) PruneDedup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, ts := range m.dedup {
		if now.Sub(ts) > m.dedupTTL*2 {
			delete(m.dedup, key)
		}
	}
}

// HasSenders reports whether any channel is configured.
func (m *Manager) HasSenders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders) > 0
}
