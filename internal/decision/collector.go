package decision

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Collector normalizes raw requests into decision Contexts. It is a pure
// transformation: no I/O, no shared mutable state, safe for concurrent use.
type Collector struct {
	businessStart int // minutes from midnight
	businessEnd   int
	maxDepth      int
	sensitive     []string
}

// NewCollector builds a Collector. businessHours is "HH:MM-HH:MM";
// maxDepth bounds the delegation chain; sensitiveKeywords drive the
// resource_classification derivation.
func NewCollector(businessHours string, maxDepth int, sensitiveKeywords []string) (*Collector, error) {
	start, end, err := ParseHourWindow(businessHours)
	if err != nil {
		return nil, fmt.Errorf("invalid business_hours %q: %w", businessHours, err)
	}
	if maxDepth <= 0 {
		maxDepth = 3
	}
	return &Collector{
		businessStart: start,
		businessEnd:   end,
		maxDepth:      maxDepth,
		sensitive:     sensitiveKeywords,
	}, nil
}

// Collect validates and normalizes a raw request. Returns a coded Error
// on missing identity fields or delegation violations.
func (c *Collector) Collect(raw RawRequest) (*Context, *Error) {
	resource := rawResource(raw)

	if raw.AgentID == "" || raw.Method == "" || resource == "" {
		return nil, NewError(CodeInvalidContext, "agent, action, and resource are required").
			WithDetail("agent", raw.AgentID).
			WithDetail("action", raw.Method)
	}

	for _, ancestor := range raw.DelegationChain {
		if ancestor == raw.AgentID {
			return nil, NewError(CodeDelegationCycle,
				fmt.Sprintf("agent %s appears in its own delegation chain", raw.AgentID))
		}
	}
	if len(raw.DelegationChain) > c.maxDepth {
		return nil, NewError(CodeDelegationDepthExceeded,
			fmt.Sprintf("delegation depth %d exceeds maximum %d", len(raw.DelegationChain), c.maxDepth)).
			WithDetail("depth", len(raw.DelegationChain)).
			WithDetail("max_depth", c.maxDepth)
	}

	now := raw.Time
	if now.IsZero() {
		now = time.Now()
	}

	agentType := raw.AgentType
	if agentType == "" {
		agentType = "unknown"
	}

	resource = NormalizeResource(resource)
	hour := now.Hour()
	minutes := hour*60 + now.Minute()
	inBusiness := minutes >= c.businessStart && minutes < c.businessEnd

	env := map[string]any{
		"hour_of_day":       hour,
		"is_business_hours": inBusiness,
	}
	if raw.ClientIP != "" {
		env["client_ip"] = raw.ClientIP
	}
	if raw.SessionID != "" {
		env["session_id"] = raw.SessionID
	}

	return &Context{
		Agent:           raw.AgentID,
		AgentType:       agentType,
		Action:          raw.Method,
		Resource:        resource,
		Time:            now,
		TrustScore:      raw.TrustScore,
		DelegationChain: raw.DelegationChain,
		Emergency:       raw.Emergency,
		Environment:     env,
		HourOfDay:       hour,
		IsBusinessHours: inBusiness,
		Classification:  c.classify(resource),
	}, nil
}

// classify tags a resource sensitive when it contains any configured keyword.
func (c *Collector) classify(resource string) string {
	lower := strings.ToLower(resource)
	for _, kw := range c.sensitive {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return ClassSensitive
		}
	}
	return ClassStandard
}

// rawResource derives the resource identifier from the request shape:
// the URI for resource methods, otherwise the tool name with an optional
// path argument appended.
func rawResource(raw RawRequest) string {
	if raw.URI != "" {
		return raw.URI
	}
	if raw.Name == "" {
		return ""
	}
	resource := raw.Name
	if p, ok := raw.Arguments["path"].(string); ok && p != "" {
		resource += ":" + p
	}
	return resource
}

// NormalizeResource lowercases the scheme portion (before the first ':')
// and collapses redundant path separators in the remainder.
func NormalizeResource(resource string) string {
	scheme, rest, found := strings.Cut(resource, ":")
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if !found {
		return scheme
	}
	for strings.Contains(rest, "//") {
		rest = strings.ReplaceAll(rest, "//", "/")
	}
	return scheme + ":" + rest
}

// ParseHourWindow parses "HH:MM-HH:MM" into start and end minutes from
// midnight. Shared by the collector and the time-window constraint.
func ParseHourWindow(window string) (int, int, error) {
	parts := strings.SplitN(window, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM-HH:MM, got %q", window)
	}
	start, err := parseHHMM(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err := parseHHMM(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseHHMM(s string) (int, error) {
	s = strings.TrimSpace(s)
	hh, mm, found := strings.Cut(s, ":")
	if !found {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
