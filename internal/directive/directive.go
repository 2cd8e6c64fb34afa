// Package directive centralizes parsing of the free-form constraint and
// obligation strings emitted by rules and the AI judge. Processors and
// executors match on the parsed family rather than sniffing strings
// themselves, so each phrase has exactly one grammar.
package directive

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Family classifies a directive string.
type Family string

const (
	FamilyRateLimit   Family = "rate_limit"
	FamilyAnonymize   Family = "anonymize"
	FamilyGeoRestrict Family = "geo_restrict"
	FamilyTimeWindow  Family = "time_window"
	FamilyLog         Family = "log"
	FamilyNotify      Family = "notify"
	FamilyDeleteAfter Family = "delete_after"
	FamilyUnknown     Family = "unknown"
)

// Classify determines the family of a directive string. Unknown
// directives are reported, never executed.
func Classify(s string) Family {
	switch {
	case isRateLimit(s):
		return FamilyRateLimit
	case isAnonymize(s):
		return FamilyAnonymize
	case strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "geo-restrict:"):
		return FamilyGeoRestrict
	case strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "time-window:"):
		return FamilyTimeWindow
	case strings.EqualFold(strings.TrimSpace(s), "log"):
		return FamilyLog
	case strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "notify:"):
		return FamilyNotify
	case strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "delete-after:"):
		return FamilyDeleteAfter
	default:
		return FamilyUnknown
	}
}

// IsConstraint reports whether the family shapes the response on the
// serving path (as opposed to running as a background obligation).
func IsConstraint(f Family) bool {
	switch f {
	case FamilyRateLimit, FamilyAnonymize, FamilyGeoRestrict, FamilyTimeWindow:
		return true
	}
	return false
}

// rateLimitPattern matches "10/sec", "100/min", "5/hour", "10 per sec",
// "10 per second", "100 per minute" and similar.
var rateLimitPattern = regexp.MustCompile(`(?i)^\s*(\d+)\s*(?:/|per\s+|回\s*/\s*)(sec(?:ond)?s?|min(?:ute)?s?|hours?|秒|分|時間)\s*$`)

func isRateLimit(s string) bool {
	return rateLimitPattern.MatchString(s)
}

// ParseRateLimit extracts (limit, window) from a rate-limit directive.
func ParseRateLimit(s string) (int, time.Duration, error) {
	m := rateLimitPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("not a rate-limit directive: %q", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("invalid rate limit count in %q", s)
	}
	switch strings.ToLower(m[2]) {
	case "sec", "second", "seconds", "secs", "秒":
		return n, time.Second, nil
	case "min", "minute", "minutes", "mins", "分":
		return n, time.Minute, nil
	case "hour", "hours", "時間":
		return n, time.Hour, nil
	}
	return 0, 0, fmt.Errorf("unknown rate limit unit in %q", s)
}

// isAnonymize recognizes "anonymize-pii" and the localized phrase forms
// containing 匿名化 (anonymization).
func isAnonymize(s string) bool {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "anonymize-pii" || t == "anonymize" {
		return true
	}
	return strings.Contains(s, "匿名化")
}

// ParseGeoRestrict extracts the allowed ISO country codes from a
// "geo-restrict:XX[,YY...]" directive.
func ParseGeoRestrict(s string) ([]string, error) {
	rest, ok := cutPrefixFold(strings.TrimSpace(s), "geo-restrict:")
	if !ok {
		return nil, fmt.Errorf("not a geo-restrict directive: %q", s)
	}
	var codes []string
	for _, c := range strings.Split(rest, ",") {
		c = strings.ToUpper(strings.TrimSpace(c))
		if len(c) != 2 {
			return nil, fmt.Errorf("invalid country code %q in %q", c, s)
		}
		codes = append(codes, c)
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("no country codes in %q", s)
	}
	return codes, nil
}

// ParseTimeWindow extracts the "HH:MM-HH:MM" range from a
// "time-window:HH:MM-HH:MM" directive.
func ParseTimeWindow(s string) (string, error) {
	rest, ok := cutPrefixFold(strings.TrimSpace(s), "time-window:")
	if !ok {
		return "", fmt.Errorf("not a time-window directive: %q", s)
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", fmt.Errorf("empty time window in %q", s)
	}
	return rest, nil
}

// ParseNotify extracts the target from a "notify:<target>" directive.
func ParseNotify(s string) (string, error) {
	rest, ok := cutPrefixFold(strings.TrimSpace(s), "notify:")
	if !ok || strings.TrimSpace(rest) == "" {
		return "", fmt.Errorf("not a notify directive: %q", s)
	}
	return strings.TrimSpace(rest), nil
}

// ParseDeleteAfter extracts the retention duration from a
// "delete-after:Nd" directive. N is a whole number of days.
func ParseDeleteAfter(s string) (time.Duration, error) {
	rest, ok := cutPrefixFold(strings.TrimSpace(s), "delete-after:")
	if !ok {
		return 0, fmt.Errorf("not a delete-after directive: %q", s)
	}
	rest = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), "d"))
	days, err := strconv.Atoi(rest)
	if err != nil || days <= 0 {
		return 0, fmt.Errorf("invalid retention days in %q", s)
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}
