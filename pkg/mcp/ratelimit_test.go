package mcp_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline/groundline/pkg/mcp"
)

func newTestLimiter(t *testing.T, limits mcp.RateLimits) (*miniredis.Miniredis, *mcp.RateLimiter) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, mcp.NewRateLimiter(client, limits, discardLogger())
}

func TestRateLimiter_PerLeadViolation(t *testing.T) {
	_, rl := newTestLimiter(t, mcp.RateLimits{LeadLimit: 2, AccountLimit: 100, GlobalLimit: 1000})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := rl.Check(ctx, 7, "acme.io")
		require.True(t, res.Allowed, "check %d should pass", i+1)
	}

	res := rl.Check(ctx, 7, "acme.io")
	assert.False(t, res.Allowed)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "Per-lead rate limit exceeded", res.Violations[0])
	assert.Greater(t, res.RetryAfter(time.Now()), time.Duration(0))
}

func TestRateLimiter_LeadsAreIndependent(t *testing.T) {
	_, rl := newTestLimiter(t, mcp.RateLimits{LeadLimit: 1, AccountLimit: 100, GlobalLimit: 1000})
	ctx := context.Background()

	require.True(t, rl.Check(ctx, 1, "acme.io").Allowed)
	assert.False(t, rl.Check(ctx, 1, "acme.io").Allowed)
	assert.True(t, rl.Check(ctx, 2, "other.io").Allowed, "a different lead has its own bucket")
}

func TestRateLimiter_AccountTierSharedAcrossLeads(t *testing.T) {
	_, rl := newTestLimiter(t, mcp.RateLimits{LeadLimit: 100, AccountLimit: 2, GlobalLimit: 1000})
	ctx := context.Background()

	require.True(t, rl.Check(ctx, 1, "acme.io").Allowed)
	require.True(t, rl.Check(ctx, 2, "acme.io").Allowed)

	res := rl.Check(ctx, 3, "acme.io")
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Violations, "Per-account rate limit exceeded")
}

func TestRateLimiter_EmptyDomainSkipsAccountTier(t *testing.T) {
	_, rl := newTestLimiter(t, mcp.RateLimits{LeadLimit: 10, AccountLimit: 1, GlobalLimit: 1000})
	ctx := context.Background()

	// With no domain the account bucket is never consulted, so the tight
	// account limit cannot trip.
	for i := 0; i < 5; i++ {
		res := rl.Check(ctx, int64(i), "")
		require.True(t, res.Allowed)
		for _, tier := range res.Tiers {
			assert.NotEqual(t, mcp.TierAccount, tier.Tier)
		}
	}
}

func TestRateLimiter_GlobalTier(t *testing.T) {
	_, rl := newTestLimiter(t, mcp.RateLimits{LeadLimit: 100, AccountLimit: 100, GlobalLimit: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, rl.Check(ctx, int64(i), "acme.io").Allowed)
	}
	res := rl.Check(ctx, 99, "acme.io")
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Violations, "Global rate limit exceeded")
}

func TestRateLimiter_WindowRollover(t *testing.T) {
	_, rl := newTestLimiter(t, mcp.RateLimits{LeadLimit: 1, AccountLimit: 100, GlobalLimit: 1000, Window: time.Minute})
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	rl.SetClock(func() time.Time { return base })

	require.True(t, rl.Check(ctx, 7, "acme.io").Allowed)
	require.False(t, rl.Check(ctx, 7, "acme.io").Allowed)

	// Next fixed window: fresh bucket.
	rl.SetClock(func() time.Time { return base.Add(time.Minute) })
	assert.True(t, rl.Check(ctx, 7, "acme.io").Allowed)
}

func TestRateLimiter_CheckProvider(t *testing.T) {
	_, rl := newTestLimiter(t, mcp.RateLimits{ProviderLimit: 2, ProviderWindow: time.Minute})
	ctx := context.Background()

	require.True(t, rl.CheckProvider(ctx, "SALESFORCE").Allowed)
	require.True(t, rl.CheckProvider(ctx, "SALESFORCE").Allowed)

	res := rl.CheckProvider(ctx, "SALESFORCE")
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Violations, "CRM provider rate limit exceeded")

	// A different provider draws from its own bucket.
	assert.True(t, rl.CheckProvider(ctx, "HUBSPOT").Allowed)
}

func TestRateLimiter_FailsOpenOnBackendOutage(t *testing.T) {
	mr, rl := newTestLimiter(t, mcp.RateLimits{LeadLimit: 1})
	ctx := context.Background()
	mr.Close()

	res := rl.Check(ctx, 7, "acme.io")
	assert.True(t, res.Allowed, "backend outage must not block processing")
	assert.True(t, res.FailedOpen)
	assert.Empty(t, res.Violations)

	prov := rl.CheckProvider(ctx, "SALESFORCE")
	assert.True(t, prov.Allowed)
	assert.True(t, prov.FailedOpen)
}

func TestViolationMessage(t *testing.T) {
	assert.Equal(t, "Per-lead rate limit exceeded", mcp.ViolationMessage(mcp.TierLead))
	assert.Equal(t, "Rate limit exceeded", mcp.ViolationMessage("unknown_tier"))
}
