package constraint

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/aegisproxy/aegis/internal/config"
	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/directive"
	"github.com/aegisproxy/aegis/internal/ratelimit"
)

// RateLimiter admits requests against sliding windows. The bucket key is
// the expanded key template plus the directive itself, so "10/min" and
// "100/hour" on the same agent track separate windows.
type RateLimiter struct {
	limiter     *ratelimit.Limiter
	keyTemplate string
	logger      *slog.Logger
}

// NewRateLimiter creates the rate-limit admission processor.
func NewRateLimiter(limiter *ratelimit.Limiter, cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	template := cfg.KeyTemplate
	if template == "" {
		template = "{agent}:{action}:{resource_root}"
	}
	return &RateLimiter{
		limiter:     limiter,
		keyTemplate: template,
		logger:      logger.With("component", "constraint.RateLimiter"),
	}
}

func (r *RateLimiter) Name() string { return "rate_limit" }

func (r *RateLimiter) CanProcess(f directive.Family) bool {
	return f == directive.FamilyRateLimit
}

// Admit checks the directive's window and denies with a retry hint when
// the bucket is full. Denied attempts do not consume capacity.
func (r *RateLimiter) Admit(dctx *decision.Context, dir string) error {
	limit, window, err := directive.ParseRateLimit(dir)
	if err != nil {
		return decision.NewError(decision.CodeConstraintViolated,
			fmt.Sprintf("malformed rate-limit directive %q", dir))
	}

	key := ratelimit.ExpandKey(r.keyTemplate, dctx) + "|" + strings.TrimSpace(dir)
	res := r.limiter.Admit(key, limit, window)
	if res.Allowed {
		return nil
	}

	r.logger.Warn("rate limit exceeded",
		"agent", dctx.Agent,
		"action", dctx.Action,
		"limit", dir,
		"retry_after", res.RetryAfter,
	)
	return decision.NewError(decision.CodeRateLimitExceeded,
		fmt.Sprintf("rate limit %s exceeded", strings.TrimSpace(dir))).
		WithDetail("limit", res.Limit).
		WithDetail("retry_after_ms", res.RetryAfter.Milliseconds()).
		WithDetail("reset_at", res.ResetAt)
}
