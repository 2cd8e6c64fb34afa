// Package anomaly watches the audit stream for suspicious access
// patterns: rapid firing, repeated denials, off-hours activity,
// sensitive-resource touches, and surges from agents with no history.
// Critical findings can soft-block the agent automatically.
package anomaly

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aegisproxy/aegis/internal/audit"
	"github.com/aegisproxy/aegis/internal/config"
	"github.com/aegisproxy/aegis/internal/decision"
)

// Severity levels an anomaly alert can carry. Only CRITICAL findings
// qualify for auto-mitigation.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

// Pattern identifiers.
const (
	PatternRapidAccess     = "rapid-access"
	PatternRepeatedDenials = "repeated-denials"
	PatternOffHours        = "off-hours"
	PatternSensitive       = "sensitive-resource"
	PatternNewAgentSurge   = "new-agent-surge"
)

// Alert is one detected anomaly.
type Alert struct {
	ID               string         `json:"alert_id"`
	Pattern          string         `json:"pattern"`
	Severity         string         `json:"severity"`
	Agent            string         `json:"agent"`
	Resource         string         `json:"resource,omitempty"`
	Message          string         `json:"message"`
	Details          map[string]any `json:"details,omitempty"`
	SuggestedActions []string       `json:"suggested_actions,omitempty"`
	AutoMitigated    bool           `json:"auto_mitigated"`
	Timestamp        time.Time      `json:"timestamp"`
}

// suggestedActions is the operator guidance shipped with each pattern.
func suggestedActions(pattern string) []string {
	switch pattern {
	case PatternRapidAccess:
		return []string{"rate-limit the agent", "review its recent audit entries"}
	case PatternRepeatedDenials:
		return []string{"block the agent", "review the policies it keeps hitting"}
	case PatternOffHours:
		return []string{"confirm the activity is scheduled", "attach a time-window constraint"}
	case PatternSensitive:
		return []string{"block the agent", "rotate the touched credentials", "verify the agent's audit chain"}
	case PatternNewAgentSurge:
		return []string{"verify the agent's provenance", "lower its trust score"}
	}
	return nil
}

// Listener receives alerts synchronously as they are detected.
type Listener func(Alert)

// Blocker is the slice of the block list the detector uses for
// auto-mitigation.
type Blocker interface {
	BlockAgent(agent, reason, source string, ttl time.Duration)
}

// Detector keeps a bounded ring of recent audit entries and matches
// each incoming entry against the pattern set.
type Detector struct {
	cfg           config.AnomalyConfig
	businessStart int
	businessEnd   int
	sensitive     []string
	blockTTL      time.Duration

	mu          sync.Mutex
	ring        []*audit.Entry
	agentTotals map[string]int64 // lifetime entry counts, surge baseline

	listenerMu sync.RWMutex
	listeners  []Listener

	blocker Blocker
	logger  *slog.Logger
}

// NewDetector creates a Detector. businessHours is "HH:MM-HH:MM" and
// drives the off-hours pattern; sensitiveKeywords drive the
// sensitive-resource pattern; blocker may be nil to disable
// auto-mitigation regardless of config.
func NewDetector(cfg config.AnomalyConfig, businessHours string, sensitiveKeywords []string, blockTTL time.Duration, blocker Blocker, logger *slog.Logger) (*Detector, error) {
	start, end, err := decision.ParseHourWindow(businessHours)
	if err != nil {
		return nil, fmt.Errorf("invalid business_hours %q: %w", businessHours, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	applyAnomalyDefaults(&cfg)
	return &Detector{
		cfg:           cfg,
		businessStart: start,
		businessEnd:   end,
		sensitive:     sensitiveKeywords,
		blockTTL:      blockTTL,
		agentTotals:   make(map[string]int64),
		blocker:       blocker,
		logger:        logger.With("component", "anomaly.Detector"),
	}, nil
}

func applyAnomalyDefaults(cfg *config.AnomalyConfig) {
	if cfg.RingMaxAge <= 0 {
		cfg.RingMaxAge = 24 * time.Hour
	}
	if cfg.RingMaxEntries <= 0 {
		cfg.RingMaxEntries = 100000
	}
	if cfg.RapidThreshold <= 0 {
		cfg.RapidThreshold = 10
	}
	if cfg.RapidWindow <= 0 {
		cfg.RapidWindow = 60 * time.Second
	}
	if cfg.DenialThreshold <= 0 {
		cfg.DenialThreshold = 5
	}
	if cfg.DenialWindow <= 0 {
		cfg.DenialWindow = 5 * time.Minute
	}
	if cfg.SurgeThreshold <= 0 {
		cfg.SurgeThreshold = 3
	}
	if cfg.SurgeWindow <= 0 {
		cfg.SurgeWindow = time.Hour
	}
	if cfg.SurgeHistoryMax <= 0 {
		cfg.SurgeHistoryMax = 5
	}
}

// AddListener registers a listener. Listeners run synchronously in
// detection order; a panic is recovered and logged.
func (d *Detector) AddListener(fn Listener) {
	d.listenerMu.Lock()
	d.listeners = append(d.listeners, fn)
	d.listenerMu.Unlock()
}

// Observer adapts the detector to the audit sink's observer interface.
func (d *Detector) Observer() audit.Observer {
	return func(e *audit.Entry) {
		d.Detect(e)
	}
}

// Detect records an entry into the ring and returns any alerts it
// triggered, after dispatching them to the listeners.
func (d *Detector) Detect(entry *audit.Entry) []Alert {
	if entry == nil || entry.Agent == "" {
		return nil
	}

	d.mu.Lock()
	d.agentTotals[entry.Agent]++
	total := d.agentTotals[entry.Agent]
	d.ring = append(d.ring, entry)
	d.pruneLocked(time.Now())

	var alerts []Alert
	if a := d.checkRapidAccess(entry); a != nil {
		alerts = append(alerts, *a)
	}
	if a := d.checkRepeatedDenials(entry); a != nil {
		alerts = append(alerts, *a)
	}
	if a := d.checkOffHours(entry); a != nil {
		alerts = append(alerts, *a)
	}
	if a := d.checkSensitive(entry); a != nil {
		alerts = append(alerts, *a)
	}
	if a := d.checkNewAgentSurge(entry, total); a != nil {
		alerts = append(alerts, *a)
	}
	d.mu.Unlock()

	for i := range alerts {
		alerts[i].ID = audit.NewID(alerts[i].Timestamp)
		alerts[i].SuggestedActions = suggestedActions(alerts[i].Pattern)
		d.mitigate(&alerts[i])
		d.dispatch(alerts[i])
	}
	return alerts
}

// RingSize returns the current ring occupancy.
func (d *Detector) RingSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ring)
}

func (d *Detector) pruneLocked(now time.Time) {
	cutoff := now.Add(-d.cfg.RingMaxAge)
	drop := 0
	for drop < len(d.ring) && d.ring[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(d.ring) - drop - d.cfg.RingMaxEntries; over > 0 {
		drop += over
	}
	if drop > 0 {
		d.ring = append(d.ring[:0], d.ring[drop:]...)
	}
}

func (d *Detector) checkRapidAccess(entry *audit.Entry) *Alert {
	cutoff := entry.Timestamp.Add(-d.cfg.RapidWindow)
	count := 0
	for i := len(d.ring) - 1; i >= 0; i-- {
		e := d.ring[i]
		if e.Timestamp.Before(cutoff) {
			break
		}
		if e.Agent == entry.Agent {
			count++
		}
	}
	if count <= d.cfg.RapidThreshold {
		return nil
	}
	return &Alert{
		Pattern:  PatternRapidAccess,
		Severity: SeverityHigh,
		Agent:    entry.Agent,
		Resource: entry.Resource,
		Message: fmt.Sprintf("%d requests from %s within %s (threshold %d)",
			count, entry.Agent, d.cfg.RapidWindow, d.cfg.RapidThreshold),
		Details:   map[string]any{"count": count, "window": d.cfg.RapidWindow.String()},
		Timestamp: entry.Timestamp,
	}
}

func (d *Detector) checkRepeatedDenials(entry *audit.Entry) *Alert {
	if entry.Verdict != string(decision.VerdictDeny) {
		return nil
	}
	cutoff := entry.Timestamp.Add(-d.cfg.DenialWindow)
	consecutive := 0
	for i := len(d.ring) - 1; i >= 0; i-- {
		e := d.ring[i]
		if e.Agent != entry.Agent {
			continue
		}
		if e.Timestamp.Before(cutoff) {
			break
		}
		if e.Verdict != string(decision.VerdictDeny) {
			break
		}
		consecutive++
	}
	if consecutive < d.cfg.DenialThreshold {
		return nil
	}
	return &Alert{
		Pattern:  PatternRepeatedDenials,
		Severity: SeverityCritical,
		Agent:    entry.Agent,
		Resource: entry.Resource,
		Message: fmt.Sprintf("%d consecutive denials for %s within %s",
			consecutive, entry.Agent, d.cfg.DenialWindow),
		Details:   map[string]any{"consecutive": consecutive, "window": d.cfg.DenialWindow.String()},
		Timestamp: entry.Timestamp,
	}
}

func (d *Detector) checkOffHours(entry *audit.Entry) *Alert {
	minutes := entry.Timestamp.Hour()*60 + entry.Timestamp.Minute()
	if minutes >= d.businessStart && minutes < d.businessEnd {
		return nil
	}
	return &Alert{
		Pattern:  PatternOffHours,
		Severity: SeverityLow,
		Agent:    entry.Agent,
		Resource: entry.Resource,
		Message: fmt.Sprintf("%s active at %s, outside business hours",
			entry.Agent, entry.Timestamp.Format("15:04")),
		Details:   map[string]any{"time": entry.Timestamp.Format("15:04")},
		Timestamp: entry.Timestamp,
	}
}

func (d *Detector) checkSensitive(entry *audit.Entry) *Alert {
	lower := strings.ToLower(entry.Resource)
	for _, kw := range d.sensitive {
		if kw == "" || !strings.Contains(lower, strings.ToLower(kw)) {
			continue
		}
		return &Alert{
			Pattern:  PatternSensitive,
			Severity: SeverityCritical,
			Agent:    entry.Agent,
			Resource: entry.Resource,
			Message: fmt.Sprintf("%s touched sensitive resource %s",
				entry.Agent, entry.Resource),
			Details:   map[string]any{"keyword": kw, "verdict": entry.Verdict},
			Timestamp: entry.Timestamp,
		}
	}
	return nil
}

func (d *Detector) checkNewAgentSurge(entry *audit.Entry, total int64) *Alert {
	if total > int64(d.cfg.SurgeHistoryMax) {
		return nil
	}
	cutoff := entry.Timestamp.Add(-d.cfg.SurgeWindow)
	count := 0
	for i := len(d.ring) - 1; i >= 0; i-- {
		e := d.ring[i]
		if e.Timestamp.Before(cutoff) {
			break
		}
		if e.Agent == entry.Agent {
			count++
		}
	}
	if count < d.cfg.SurgeThreshold {
		return nil
	}
	return &Alert{
		Pattern:  PatternNewAgentSurge,
		Severity: SeverityMedium,
		Agent:    entry.Agent,
		Resource: entry.Resource,
		Message: fmt.Sprintf("new agent %s made %d requests within %s (history %d)",
			entry.Agent, count, d.cfg.SurgeWindow, total),
		Details:   map[string]any{"count": count, "history": total},
		Timestamp: entry.Timestamp,
	}
}

func (d *Detector) mitigate(a *Alert) {
	if a.Severity != SeverityCritical || !d.cfg.AutoMitigate || d.blocker == nil {
		return
	}
	d.blocker.BlockAgent(a.Agent,
		fmt.Sprintf("anomaly %s: %s", a.Pattern, a.Message),
		"anomaly", d.blockTTL)
	a.AutoMitigated = true
	d.logger.Error("AGENT AUTO-MITIGATED",
		"agent", a.Agent,
		"pattern", a.Pattern,
		"ttl", d.blockTTL,
	)
}

func (d *Detector) dispatch(a Alert) {
	d.listenerMu.RLock()
	listeners := make([]Listener, len(d.listeners))
	copy(listeners, d.listeners)
	d.listenerMu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("anomaly listener panicked", "pattern", a.Pattern, "panic", r)
				}
			}()
			fn(a)
		}()
	}
}
