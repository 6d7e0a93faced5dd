// Package queue implements a durable Redis-backed job queue with the Bull
// wire layout: per-queue wait/active lists, a delayed zset and per-job
// hashes under "bull:<queue>:". Delivery is at-least-once with lease locks,
// attempt tracking, exponential backoff and a dead-letter queue named
// "<queue>-dlq".
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockLost means the lease lock expired or was taken over before the
	// caller acked or failed the job; another worker may already own it.
	ErrLockLost = errors.New("queue: job lease lost")
)

const (
	keyPrefix = "bull"
	dlqSuffix = "-dlq"

	DefaultMaxAttempts  = 5
	DefaultBaseDelay    = 1 * time.Second
	DefaultLockTTL      = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	defaultRetention    = 24 * time.Hour
	promoteBatch        = 64
)

// Options configure a queue client. Zero values fall back to the defaults
// above.
type Options struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	LockTTL      time.Duration
	PollInterval time.Duration
	Retention    time.Duration
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.LockTTL <= 0 {
		o.LockTTL = DefaultLockTTL
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Retention <= 0 {
		o.Retention = defaultRetention
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Job is one leased unit of work. AttemptsMade includes the attempt the
// current holder is making.
type Job struct {
	ID           string
	Queue        string
	Data         json.RawMessage
	AttemptsMade int
	MaxAttempts  int
	BaseDelay    time.Duration
	Timestamp    time.Time
	FailedReason string

	lockToken string
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Data, v)
}

// DLQEntry is the payload published to the dead-letter queue when a job's
// attempts are exhausted.
type DLQEntry struct {
	OriginalJobID string    `json:"originalJobId"`
	LeadID        int64     `json:"leadId"`
	Error         string    `json:"error"`
	AttemptsMade  int       `json:"attemptsMade"`
	FailedAt      time.Time `json:"failedAt"`
}

// Counts is a point-in-time size snapshot of the queue.
type Counts struct {
	Waiting int64
	Active  int64
	Delayed int64
}

// Queue is a client for one named queue. It is safe for concurrent use.
type Queue struct {
	client redis.UniversalClient
	name   string
	opts   Options

	dlqOnce sync.Once
	dlq     *Queue
}

// New returns a client for the named queue.
func New(client redis.UniversalClient, name string, opts Options) *Queue {
	return &Queue{client: client, name: name, opts: opts.withDefaults()}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) key(suffix string) string {
	return keyPrefix + ":" + q.name + ":" + suffix
}

func (q *Queue) jobPrefix() string {
	return keyPrefix + ":" + q.name + ":"
}

// EnqueueOption overrides per-job scheduling parameters.
type EnqueueOption func(*enqueueParams)

type enqueueParams struct {
	maxAttempts int
	baseDelay   time.Duration
	delay       time.Duration
}

// WithAttempts overrides the maximum attempt count for this job.
func WithAttempts(n int) EnqueueOption {
	return func(p *enqueueParams) { p.maxAttempts = n }
}

// WithBaseDelay overrides the backoff base delay for this job.
func WithBaseDelay(d time.Duration) EnqueueOption {
	return func(p *enqueueParams) { p.baseDelay = d }
}

// WithDelay makes the job invisible until the delay elapses.
func WithDelay(d time.Duration) EnqueueOption {
	return func(p *enqueueParams) { p.delay = d }
}

// Enqueue persists the payload and makes it deliverable. It returns the
// assigned job id. Errors are retryable: nothing is partially enqueued.
func (q *Queue) Enqueue(ctx context.Context, payload any, opts ...EnqueueOption) (string, error) {
	p := enqueueParams{maxAttempts: q.opts.MaxAttempts, baseDelay: q.opts.BaseDelay}
	for _, opt := range opts {
		opt(&p)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshal payload: %w", err)
	}

	keys := []string{q.key("id"), q.key("wait"), q.key("delayed"), q.jobPrefix()}
	res, err := enqueueScript.Run(ctx, q.client, keys,
		string(data), time.Now().UnixMilli(), p.maxAttempts, p.baseDelay.Milliseconds(), p.delay.Milliseconds(),
	).Result()
	if err != nil {
		return "", fmt.Errorf("queue: enqueue on %s: %w", q.name, err)
	}
	id, ok := res.(int64)
	if !ok {
		return "", fmt.Errorf("queue: unexpected enqueue reply %T", res)
	}
	return strconv.FormatInt(id, 10), nil
}

// TryLease attempts to lease the oldest waiting job. It returns (nil, nil)
// when the queue is empty.
func (q *Queue) TryLease(ctx context.Context) (*Job, error) {
	token := uuid.New().String()
	keys := []string{q.key("wait"), q.key("active"), q.jobPrefix()}
	res, err := leaseScript.Run(ctx, q.client, keys,
		token, q.opts.LockTTL.Milliseconds(), time.Now().UnixMilli(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: lease on %s: %w", q.name, err)
	}
	fields, ok := res.([]interface{})
	if !ok || len(fields) != 7 {
		return nil, fmt.Errorf("queue: unexpected lease reply %T", res)
	}

	job := &Job{
		Queue:        q.name,
		ID:           asString(fields[0]),
		Data:         json.RawMessage(asString(fields[1])),
		AttemptsMade: int(asInt(fields[2])),
		MaxAttempts:  int(asInt(fields[3])),
		BaseDelay:    time.Duration(asInt(fields[4])) * time.Millisecond,
		FailedReason: asString(fields[6]),
		lockToken:    token,
	}
	if ms := asInt(fields[5]); ms > 0 {
		job.Timestamp = time.UnixMilli(ms)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	if job.BaseDelay <= 0 {
		job.BaseDelay = q.opts.BaseDelay
	}
	return job, nil
}

// Lease blocks until a job is available or the context is cancelled. It
// polls so a single Redis connection serves many workers.
func (q *Queue) Lease(ctx context.Context) (*Job, error) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		job, err := q.TryLease(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ack marks the job completed and releases its lease.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	keys := []string{q.key("active"), q.jobPrefix() + job.ID, q.jobPrefix() + job.ID + ":lock"}
	res, err := ackScript.Run(ctx, q.client, keys,
		job.lockToken, job.ID, time.Now().UnixMilli(), int(q.opts.Retention.Seconds()),
	).Result()
	if err != nil {
		return fmt.Errorf("queue: ack %s/%s: %w", q.name, job.ID, err)
	}
	if asInt(res) != 1 {
		return fmt.Errorf("%w: %s/%s", ErrLockLost, q.name, job.ID)
	}
	return nil
}

// Fail records a failed attempt. While attempts remain the job is
// rescheduled after base·2^(attemptsMade−1), raised to minDelay when the
// failure carried a retry-after hint. Once attempts are exhausted the job
// is published to the dead-letter queue; the return value reports that.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error, minDelay time.Duration) (deadLettered bool, err error) {
	reason := "unknown failure"
	if cause != nil {
		reason = cause.Error()
	}
	job.FailedReason = reason

	if job.AttemptsMade >= job.MaxAttempts {
		entry := &DLQEntry{
			OriginalJobID: job.ID,
			LeadID:        extractLeadID(job.Data),
			Error:         reason,
			AttemptsMade:  job.AttemptsMade,
			FailedAt:      time.Now().UTC(),
		}
		if _, err := q.DLQ().Enqueue(ctx, entry); err != nil {
			return false, fmt.Errorf("queue: dead-letter %s/%s: %w", q.name, job.ID, err)
		}
		keys := []string{q.key("active"), q.jobPrefix() + job.ID, q.jobPrefix() + job.ID + ":lock"}
		res, err := buryScript.Run(ctx, q.client, keys,
			job.lockToken, job.ID, reason, time.Now().UnixMilli(), int(q.opts.Retention.Seconds()),
		).Result()
		if err != nil {
			return true, fmt.Errorf("queue: bury %s/%s: %w", q.name, job.ID, err)
		}
		if asInt(res) != 1 {
			return true, fmt.Errorf("%w: %s/%s", ErrLockLost, q.name, job.ID)
		}
		q.opts.Logger.Warn("job moved to dead-letter queue",
			"queue", q.name, "job_id", job.ID, "attempts", job.AttemptsMade, "error", reason)
		return true, nil
	}

	delay := backoffDelay(job.BaseDelay, job.AttemptsMade)
	if delay < minDelay {
		delay = minDelay
	}
	promoteAt := time.Now().Add(delay).UnixMilli()
	keys := []string{q.key("active"), q.jobPrefix() + job.ID, q.jobPrefix() + job.ID + ":lock", q.key("delayed")}
	res, err := retryScript.Run(ctx, q.client, keys, job.lockToken, job.ID, reason, promoteAt).Result()
	if err != nil {
		return false, fmt.Errorf("queue: reschedule %s/%s: %w", q.name, job.ID, err)
	}
	if asInt(res) != 1 {
		return false, fmt.Errorf("%w: %s/%s", ErrLockLost, q.name, job.ID)
	}
	return false, nil
}

// ExtendLease renews the job's lease lock for another lock TTL.
func (q *Queue) ExtendLease(ctx context.Context, job *Job) error {
	keys := []string{q.jobPrefix() + job.ID + ":lock"}
	res, err := extendScript.Run(ctx, q.client, keys, job.lockToken, q.opts.LockTTL.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("queue: extend lease %s/%s: %w", q.name, job.ID, err)
	}
	if asInt(res) != 1 {
		return fmt.Errorf("%w: %s/%s", ErrLockLost, q.name, job.ID)
	}
	return nil
}

// PromoteDelayed moves due delayed jobs back to the wait list and returns
// how many moved. Callers run this on a ticker.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	keys := []string{q.key("delayed"), q.key("wait")}
	res, err := promoteScript.Run(ctx, q.client, keys, time.Now().UnixMilli(), promoteBatch).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: promote delayed on %s: %w", q.name, err)
	}
	return int(asInt(res)), nil
}

// ReclaimStalled requeues active jobs whose lease lock has expired, making
// crashed workers' jobs deliverable again.
func (q *Queue) ReclaimStalled(ctx context.Context) (int, error) {
	keys := []string{q.key("active"), q.key("wait"), q.jobPrefix()}
	res, err := reclaimScript.Run(ctx, q.client, keys).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: reclaim stalled on %s: %w", q.name, err)
	}
	moved := int(asInt(res))
	if moved > 0 {
		q.opts.Logger.Warn("reclaimed stalled jobs", "queue", q.name, "count", moved)
	}
	return moved, nil
}

// Counts reports the queue depth per state.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.key("wait"))
	active := pipe.LLen(ctx, q.key("active"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("queue: counts on %s: %w", q.name, err)
	}
	return Counts{Waiting: waiting.Val(), Active: active.Val(), Delayed: delayed.Val()}, nil
}

// PeekWaiting returns up to limit waiting jobs, oldest first, without
// leasing them. Inspection only: the returned jobs carry no lease lock and
// must not be acked or failed.
func (q *Queue) PeekWaiting(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	// Consumers RPOP, so the oldest job sits at the tail.
	ids, err := q.client.LRange(ctx, q.key("wait"), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: peek on %s: %w", q.name, err)
	}
	jobs := make([]*Job, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		fields, err := q.client.HGetAll(ctx, q.jobPrefix()+id).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: peek job %s/%s: %w", q.name, id, err)
		}
		if len(fields) == 0 {
			continue
		}
		job := &Job{
			Queue:        q.name,
			ID:           id,
			Data:         json.RawMessage(fields["data"]),
			AttemptsMade: int(asInt(fields["attemptsMade"])),
			MaxAttempts:  int(asInt(fields["maxAttempts"])),
			FailedReason: fields["failedReason"],
		}
		if ms := asInt(fields["timestamp"]); ms > 0 {
			job.Timestamp = time.UnixMilli(ms)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DLQ returns the companion dead-letter queue. Calling DLQ on a dead-letter
// queue returns the queue itself so entries never chain further.
func (q *Queue) DLQ() *Queue {
	q.dlqOnce.Do(func() {
		if strings.HasSuffix(q.name, dlqSuffix) {
			q.dlq = q
			return
		}
		q.dlq = New(q.client, q.name+dlqSuffix, q.opts)
	})
	return q.dlq
}

// backoffDelay is base·2^(attemptsMade−1), capped to keep the shift sane.
func backoffDelay(base time.Duration, attemptsMade int) time.Duration {
	shift := attemptsMade - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}
	return base * time.Duration(1<<shift)
}

func extractLeadID(data json.RawMessage) int64 {
	var p struct {
		LeadID int64 `json:"leadId"`
	}
	_ = json.Unmarshal(data, &p)
	return p.LeadID
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
