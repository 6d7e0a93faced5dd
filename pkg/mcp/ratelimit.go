package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter tiers. The tier name is the limit_type label on violation metrics.
const (
	TierLead     = "per_lead"
	TierAccount  = "per_account"
	TierGlobal   = "global"
	TierProvider = "crm_provider"
)

var tierMessages = map[string]string{
	TierLead:     "Per-lead rate limit exceeded",
	TierAccount:  "Per-account rate limit exceeded",
	TierGlobal:   "Global rate limit exceeded",
	TierProvider: "CRM provider rate limit exceeded",
}

// ViolationMessage renders the operator-facing text for a violated tier.
func ViolationMessage(tier string) string {
	if msg, ok := tierMessages[tier]; ok {
		return msg
	}
	return "Rate limit exceeded"
}

// RateLimits configures the tiered buckets. Zero values take the defaults.
type RateLimits struct {
	LeadLimit    int
	AccountLimit int
	GlobalLimit  int
	Window       time.Duration

	ProviderLimit  int
	ProviderWindow time.Duration
}

func (l RateLimits) withDefaults() RateLimits {
	if l.LeadLimit <= 0 {
		l.LeadLimit = 10
	}
	if l.AccountLimit <= 0 {
		l.AccountLimit = 100
	}
	if l.GlobalLimit <= 0 {
		l.GlobalLimit = 1000
	}
	if l.Window <= 0 {
		l.Window = time.Minute
	}
	if l.ProviderLimit <= 0 {
		l.ProviderLimit = 1000
	}
	if l.ProviderWindow <= 0 {
		l.ProviderWindow = time.Minute
	}
	return l
}

// TierStatus is the point-in-time view of one bucket after a check.
type TierStatus struct {
	Tier      string
	Limit     int
	Remaining int
	ResetAt   time.Time
	Window    time.Duration
	Allowed   bool
}

// RateLimitResult aggregates all tiers consulted for one check.
type RateLimitResult struct {
	Allowed    bool
	Violations []string
	Tiers      []TierStatus
	// FailedOpen is set when the limiter backend was unreachable and the
	// check was allowed without counting.
	FailedOpen bool
}

// RetryAfter returns the shortest wait that clears every violated tier.
func (r RateLimitResult) RetryAfter(now time.Time) time.Duration {
	var wait time.Duration
	for _, t := range r.Tiers {
		if t.Allowed {
			continue
		}
		if d := t.ResetAt.Sub(now); d > wait {
			wait = d
		}
	}
	return wait
}

// fixedWindowScript counts a hit in the current window and arms the window
// expiry on first use.
// KEYS[1] = window-scoped counter key
// ARGV[1] = window (ms)
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// RateLimiter enforces the tiered fixed-window quotas over a shared Redis so
// every worker in the fleet draws from the same buckets. Backend outage fails
// open: losing Redis must not halt lead processing.
type RateLimiter struct {
	client redis.UniversalClient
	limits RateLimits
	logger *slog.Logger
	now    func() time.Time
}

func NewRateLimiter(client redis.UniversalClient, limits RateLimits, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{client: client, limits: limits.withDefaults(), logger: logger, now: time.Now}
}

// SetClock replaces the time source for tests.
func (rl *RateLimiter) SetClock(now func() time.Time) { rl.now = now }

// Check consumes one token from the per-lead, per-account and global buckets
// and reports the combined verdict. The account tier is skipped when the lead
// email has no domain.
func (rl *RateLimiter) Check(ctx context.Context, leadID int64, emailDomain string) RateLimitResult {
	checks := []struct {
		tier  string
		key   string
		limit int
	}{
		{TierLead, fmt.Sprintf("lead:%d", leadID), rl.limits.LeadLimit},
		{TierAccount, "account:" + emailDomain, rl.limits.AccountLimit},
		{TierGlobal, "global", rl.limits.GlobalLimit},
	}

	res := RateLimitResult{Allowed: true}
	for _, c := range checks {
		if c.tier == TierAccount && emailDomain == "" {
			continue
		}
		status, err := rl.consume(ctx, c.tier, c.key, c.limit, rl.limits.Window)
		if err != nil {
			rl.logger.Warn("rate limiter backend unavailable, failing open",
				"tier", c.tier, "error", err)
			res.FailedOpen = true
			continue
		}
		res.Tiers = append(res.Tiers, status)
		if !status.Allowed {
			res.Allowed = false
			res.Violations = append(res.Violations, ViolationMessage(c.tier))
		}
	}
	return res
}

// CheckProvider consumes one token from the named executor's bucket.
func (rl *RateLimiter) CheckProvider(ctx context.Context, provider string) RateLimitResult {
	res := RateLimitResult{Allowed: true}
	status, err := rl.consume(ctx, TierProvider, "provider:"+provider, rl.limits.ProviderLimit, rl.limits.ProviderWindow)
	if err != nil {
		rl.logger.Warn("rate limiter backend unavailable, failing open",
			"tier", TierProvider, "provider", provider, "error", err)
		res.FailedOpen = true
		return res
	}
	res.Tiers = append(res.Tiers, status)
	if !status.Allowed {
		res.Allowed = false
		res.Violations = append(res.Violations, ViolationMessage(TierProvider))
	}
	return res
}

func (rl *RateLimiter) consume(ctx context.Context, tier, key string, limit int, window time.Duration) (TierStatus, error) {
	now := rl.now()
	windowIdx := now.UnixMilli() / window.Milliseconds()
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, windowIdx)

	raw, err := fixedWindowScript.Run(ctx, rl.client, []string{redisKey}, window.Milliseconds()).Result()
	if err != nil {
		return TierStatus{}, fmt.Errorf("mcp: rate limit %s: %w", tier, err)
	}
	count, _ := raw.(int64)

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return TierStatus{
		Tier:      tier,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.UnixMilli((windowIdx + 1) * window.Milliseconds()),
		Window:    window,
		Allowed:   int(count) <= limit,
	}, nil
}
