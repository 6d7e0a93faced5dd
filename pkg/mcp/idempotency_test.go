package mcp_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline/groundline/pkg/crm"
	"github.com/groundline/groundline/pkg/mcp"
)

func TestIdempotencyKey_Normalisation(t *testing.T) {
	base := mcp.IdempotencyKey("jane@acme.io", "spring-24", "upsert_lead")

	assert.Equal(t, base, mcp.IdempotencyKey("JANE@ACME.IO", "spring-24", "upsert_lead"))
	assert.Equal(t, base, mcp.IdempotencyKey("  jane@acme.io  ", " Spring-24 ", "UPSERT_LEAD"))

	assert.NotEqual(t, base, mcp.IdempotencyKey("john@acme.io", "spring-24", "upsert_lead"))
	assert.NotEqual(t, base, mcp.IdempotencyKey("jane@acme.io", "autumn-24", "upsert_lead"))
	assert.NotEqual(t, base, mcp.IdempotencyKey("jane@acme.io", "spring-24", "set_lead_score"))
}

func TestIdempotencyKey_EmptyCampaign(t *testing.T) {
	// An absent campaign normalises to the literal "none" sentinel.
	assert.Equal(t,
		mcp.IdempotencyKey("jane@acme.io", "", "upsert_lead"),
		mcp.IdempotencyKey("jane@acme.io", "  ", "upsert_lead"))
	assert.Equal(t,
		mcp.IdempotencyKey("jane@acme.io", "", "upsert_lead"),
		mcp.IdempotencyKey("jane@acme.io", "NONE", "upsert_lead"))
}

func TestWindowedIdempotencyKey(t *testing.T) {
	window := time.Hour
	now := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)

	k1 := mcp.WindowedIdempotencyKey("jane@acme.io", "c1", "set_lead_score", now, window)
	sameWindow := mcp.WindowedIdempotencyKey("jane@acme.io", "c1", "set_lead_score", now.Add(30*time.Minute), window)
	nextWindow := mcp.WindowedIdempotencyKey("jane@acme.io", "c1", "set_lead_score", now.Add(time.Hour), window)

	assert.Equal(t, k1, sameWindow, "retries inside one window collapse")
	assert.NotEqual(t, k1, nextWindow, "the next window is a fresh key")

	stable := mcp.IdempotencyKey("jane@acme.io", "c1", "set_lead_score")
	assert.NotEqual(t, stable, k1, "windowed keys never collide with stable keys")
}

func TestIdempotencyKeyPropertyNormalisation(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("case and surrounding whitespace never change the key", prop.ForAll(
		func(email, campaign, action string) bool {
			a := mcp.IdempotencyKey(email, campaign, action)
			b := mcp.IdempotencyKey("  "+strings.ToUpper(email)+" ", strings.ToUpper(campaign), strings.ToLower(action))
			return a == b
		},
		gen.RegexMatch(`[a-z0-9.]{1,10}@[a-z]{2,8}\.io`),
		gen.RegexMatch(`[a-z0-9-]{0,12}`),
		gen.RegexMatch(`[a-z_]{3,20}`),
	))

	properties.Property("keys are 64 hex characters", prop.ForAll(
		func(email, campaign, action string) bool {
			k := mcp.IdempotencyKey(email, campaign, action)
			if len(k) != 64 {
				return false
			}
			return strings.Trim(k, "0123456789abcdef") == ""
		},
		gen.AnyString(), gen.AnyString(), gen.AnyString(),
	))

	properties.TestingRun(t)
}

func newTestIdemStore(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *mcp.IdempotencyStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, mcp.NewIdempotencyStore(client, ttl, discardLogger())
}

func TestIdempotencyStore_RoundTrip(t *testing.T) {
	mr, s := newTestIdemStore(t, time.Hour)
	ctx := context.Background()
	key := mcp.IdempotencyKey("jane@acme.io", "c1", "upsert_lead")

	rec := s.IsProcessed(ctx, key)
	assert.False(t, rec.Processed)

	res := &crm.Result{Success: true, CRMRecordID: "00Q123"}
	require.NoError(t, s.StoreResult(ctx, key, res))

	rec = s.IsProcessed(ctx, key)
	require.True(t, rec.Processed)
	assert.False(t, rec.Timestamp.IsZero())

	var cached crm.Result
	require.NoError(t, json.Unmarshal(rec.Result, &cached))
	assert.True(t, cached.Success)
	assert.Equal(t, "00Q123", cached.CRMRecordID)

	ttl := mr.TTL("idempotency:" + key)
	assert.Greater(t, ttl, time.Duration(0), "stored results must expire")
	assert.LessOrEqual(t, ttl, time.Hour)
}

func TestIdempotencyStore_TTLExpiry(t *testing.T) {
	mr, s := newTestIdemStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.StoreResult(ctx, "k1", &crm.Result{Success: true}))
	mr.FastForward(2 * time.Minute)

	assert.False(t, s.IsProcessed(ctx, "k1").Processed)
}

func TestIdempotencyStore_FailsOpen(t *testing.T) {
	mr, s := newTestIdemStore(t, time.Hour)
	ctx := context.Background()
	mr.Close()

	rec := s.IsProcessed(ctx, "any")
	assert.False(t, rec.Processed, "backend outage reads as not-processed")

	// Storing against a dead backend is non-fatal.
	assert.NoError(t, s.StoreResult(ctx, "any", &crm.Result{Success: true}))
}

func TestIdempotencyStore_CorruptRecordIsMiss(t *testing.T) {
	mr, s := newTestIdemStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, mr.Set("idempotency:k1", "{{{not json"))
	assert.False(t, s.IsProcessed(ctx, "k1").Processed)
}
