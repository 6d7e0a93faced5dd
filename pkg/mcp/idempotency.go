package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultIdempotencyWindow scopes windowed keys: retries inside one
	// window collapse to a single effect.
	DefaultIdempotencyWindow = time.Hour
	// DefaultIdempotencyTTL is how long a stored result stays retrievable.
	DefaultIdempotencyTTL = 48 * time.Hour
)

// IdempotencyKey derives the stable dedupe key for an action on a lead:
// SHA-256 over normalised email, campaign id (or "none") and action name,
// joined with "::". Used for upserts where identity is intrinsic.
func IdempotencyKey(email, campaignID, action string) string {
	campaign := strings.ToLower(strings.TrimSpace(campaignID))
	if campaign == "" {
		campaign = "none"
	}
	parts := []string{
		strings.ToLower(strings.TrimSpace(email)),
		campaign,
		strings.ToLower(action),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "::")))
	return hex.EncodeToString(sum[:])
}

// WindowedIdempotencyKey appends the current window index so the key only
// dedupes retries that land inside the same window.
func WindowedIdempotencyKey(email, campaignID, action string, now time.Time, window time.Duration) string {
	if window <= 0 {
		window = DefaultIdempotencyWindow
	}
	campaign := strings.ToLower(strings.TrimSpace(campaignID))
	if campaign == "" {
		campaign = "none"
	}
	parts := []string{
		strings.ToLower(strings.TrimSpace(email)),
		campaign,
		strings.ToLower(action),
		strconv.FormatInt(now.Unix()/int64(window.Seconds()), 10),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "::")))
	return hex.EncodeToString(sum[:])
}

// IdempotencyRecord is what a hit returns: the cached result and when the
// original effect happened.
type IdempotencyRecord struct {
	Processed bool
	Result    json.RawMessage
	Timestamp time.Time
}

type idempotencyEnvelope struct {
	Result    json.RawMessage `json:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// IdempotencyStore remembers completed action results in Redis so redelivered
// jobs replay results instead of re-executing effects. Backend outage fails
// open (treat as not processed): at-least-once plus executor-side idempotency
// covers the gap.
type IdempotencyStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

func NewIdempotencyStore(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *IdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyStore{client: client, ttl: ttl, logger: logger}
}

func (s *IdempotencyStore) redisKey(key string) string {
	return "idempotency:" + key
}

// IsProcessed looks the key up. A miss, an unreadable record or a backend
// error all report not-processed.
func (s *IdempotencyStore) IsProcessed(ctx context.Context, key string) IdempotencyRecord {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return IdempotencyRecord{}
	}
	if err != nil {
		s.logger.Warn("idempotency store unavailable, failing open", "error", err)
		return IdempotencyRecord{}
	}
	var env idempotencyEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		s.logger.Warn("idempotency record unreadable, treating as miss", "error", err)
		return IdempotencyRecord{}
	}
	return IdempotencyRecord{Processed: true, Result: env.Result, Timestamp: env.Timestamp}
}

// StoreResult records the outcome of a completed action under the key.
func (s *IdempotencyStore) StoreResult(ctx context.Context, key string, result any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("mcp: marshal idempotency result: %w", err)
	}
	env, err := json.Marshal(idempotencyEnvelope{Result: resultJSON, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("mcp: marshal idempotency envelope: %w", err)
	}
	if err := s.client.Set(ctx, s.redisKey(key), env, s.ttl).Err(); err != nil {
		s.logger.Warn("idempotency store unavailable, result not cached", "error", err)
	}
	return nil
}
