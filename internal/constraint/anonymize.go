package constraint

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/aegisproxy/aegis/internal/config"
	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/directive"
)

// Redacted replaces masked values in anonymized payloads.
const Redacted = "[REDACTED]"

// Anonymizer masks personal data in upstream responses before release.
// Two passes: structured fields whose key matches the configured list
// are replaced wholesale, and free-text string values are scrubbed with
// the PII pattern table.
type Anonymizer struct {
	keys     map[string]struct{}
	patterns []*piiPattern
	logger   *slog.Logger
}

type piiPattern struct {
	name  string
	regex *regexp.Regexp
}

// piiPatterns match PII embedded in free text. Ordering matters: the
// credit-card pattern runs before the phone pattern so a 16-digit
// grouped number is not half-eaten as a phone number.
var piiPatterns = []struct {
	name    string
	pattern string
}{
	{"email", `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`},
	{"credit_card", `\b(?:\d[ \-]?){13,16}\b`},
	{"ssn", `\b\d{3}-\d{2}-\d{4}\b`},
	{"phone", `\b(?:\+?\d{1,3}[ \-]?)?(?:\(?\d{2,4}\)?[ \-]?)\d{3,4}[ \-]?\d{3,4}\b`},
	{"api_key", `\b(?:sk|pk|rk|ak)[-_][A-Za-z0-9\-_]{16,}\b`},
}

// NewAnonymizer creates the anonymize transform processor. Key matching
// is case-insensitive substring: a "phone" key masks "phone_number" too.
func NewAnonymizer(cfg config.AnonymizeConfig, logger *slog.Logger) *Anonymizer {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Anonymizer{
		keys:   make(map[string]struct{}, len(cfg.Keys)),
		logger: logger.With("component", "constraint.Anonymizer"),
	}
	for _, k := range cfg.Keys {
		a.keys[strings.ToLower(strings.TrimSpace(k))] = struct{}{}
	}
	for _, p := range piiPatterns {
		re, err := regexp.Compile(p.pattern)
		if err != nil {
			a.logger.Warn("failed to compile pii pattern", "name", p.name, "error", err)
			continue
		}
		a.patterns = append(a.patterns, &piiPattern{name: p.name, regex: re})
	}
	return a
}

func (a *Anonymizer) Name() string { return "anonymize" }

func (a *Anonymizer) CanProcess(f directive.Family) bool {
	return f == directive.FamilyAnonymize
}

// Transform returns a deep copy of the payload with PII masked. The
// original payload is never mutated.
func (a *Anonymizer) Transform(dctx *decision.Context, dir string, payload any) (any, error) {
	return a.mask(payload), nil
}

func (a *Anonymizer) mask(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if a.keyMatches(k) {
				out[k] = Redacted
				continue
			}
			out[k] = a.mask(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = a.mask(inner)
		}
		return out
	case string:
		return a.scrub(val)
	default:
		return v
	}
}

func (a *Anonymizer) keyMatches(key string) bool {
	lower := strings.ToLower(key)
	for k := range a.keys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func (a *Anonymizer) scrub(s string) string {
	for _, p := range a.patterns {
		s = p.regex.ReplaceAllString(s, Redacted)
	}
	return s
}
