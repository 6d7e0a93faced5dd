package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/groundline/groundline/pkg/lead"
	"github.com/groundline/groundline/pkg/queue"
)

// Config tunes the consumer pool.
type Config struct {
	// Concurrency is how many jobs one process works in parallel.
	Concurrency int
	// JobTimeout is the wall-clock cap for one job end to end.
	JobTimeout time.Duration
	// GracePeriod is how long shutdown waits for in-flight jobs.
	GracePeriod time.Duration
	// HousekeepingInterval drives delayed-job promotion and stalled-job
	// reclaim.
	HousekeepingInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 60 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.HousekeepingInterval <= 0 {
		c.HousekeepingInterval = time.Second
	}
	return c
}

// Worker leases lead jobs and hands them to the processor. Run blocks until
// the context is cancelled, then drains in-flight jobs within the grace
// period; anything still running is abandoned for the queue to redeliver.
type Worker struct {
	queue  *queue.Queue
	proc   *Processor
	cfg    Config
	logger *slog.Logger
}

func New(q *queue.Queue, proc *Processor, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: q, proc: proc, cfg: cfg.withDefaults(), logger: logger}
}

// Run starts the consumer pool and the housekeeping loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker starting",
		"queue", w.queue.Name(), "concurrency", w.cfg.Concurrency)

	// jobCtx outlives ctx by the grace period so in-flight jobs can finish
	// after shutdown is requested.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx, jobCtx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.housekeeping(ctx)
	}()

	<-ctx.Done()
	w.logger.Info("worker shutting down, draining in-flight jobs",
		"grace", w.cfg.GracePeriod)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.GracePeriod):
		w.logger.Warn("grace period elapsed, aborting in-flight jobs")
		cancelJobs()
		<-done
	}
	return ctx.Err()
}

// consume is one lease-process-settle loop. leaseCtx stops new leases on
// shutdown; jobCtx bounds the jobs themselves.
func (w *Worker) consume(leaseCtx, jobCtx context.Context) {
	for {
		job, err := w.queue.Lease(leaseCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			w.logger.Error("lease failed, backing off", "error", err)
			select {
			case <-leaseCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.handle(jobCtx, job)
	}
}

func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	var payload lead.JobPayload
	if err := job.Decode(&payload); err != nil {
		w.logger.Error("job payload undecodable, dead-lettering",
			"job_id", job.ID, "error", err)
		w.deadLetter(ctx, job, err)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	// Keep the lease alive for long jobs.
	stopRenewal := w.renewLease(jobCtx, job)
	err := w.proc.Process(jobCtx, payload.LeadID)
	stopRenewal()

	if err == nil {
		if ackErr := w.queue.Ack(ctx, job); ackErr != nil {
			w.logger.Warn("ack failed, job may redeliver",
				"job_id", job.ID, "error", ackErr)
		}
		return
	}

	var procErr *ProcessError
	if errors.As(err, &procErr) && !procErr.Retryable {
		w.logger.Error("job failed permanently",
			"job_id", job.ID, "lead_id", payload.LeadID, "error", err)
		w.deadLetter(ctx, job, err)
		return
	}

	minDelay := time.Duration(0)
	if procErr != nil {
		minDelay = procErr.RetryAfter
	}
	deadLettered, failErr := w.queue.Fail(ctx, job, err, minDelay)
	if failErr != nil {
		w.logger.Error("fail bookkeeping error, job may redeliver",
			"job_id", job.ID, "error", failErr)
		return
	}
	if !deadLettered {
		w.logger.Warn("job failed, scheduled for retry",
			"job_id", job.ID, "lead_id", payload.LeadID,
			"attempt", job.AttemptsMade, "max_attempts", job.MaxAttempts, "error", err)
	}
}

// deadLetter short-circuits retries for non-retryable failures.
func (w *Worker) deadLetter(ctx context.Context, job *queue.Job, cause error) {
	job.AttemptsMade = job.MaxAttempts
	if _, err := w.queue.Fail(ctx, job, cause, 0); err != nil {
		w.logger.Error("dead-letter failed, job may redeliver",
			"job_id", job.ID, "error", err)
	}
}

// renewLease extends the job lock on a ticker until the returned stop func
// runs.
func (w *Worker) renewLease(ctx context.Context, job *queue.Job) func() {
	stopped := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(stopped) }) }

	go func() {
		ticker := time.NewTicker(queue.DefaultLockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stopped:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.queue.ExtendLease(ctx, job); err != nil {
					w.logger.Warn("lease renewal failed",
						"job_id", job.ID, "error", err)
					return
				}
			}
		}
	}()
	return stop
}

// housekeeping promotes due delayed jobs and reclaims stalled ones.
func (w *Worker) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HousekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.PromoteDelayed(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Warn("promote delayed failed", "error", err)
			}
			if _, err := w.queue.ReclaimStalled(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Warn("reclaim stalled failed", "error", err)
			}
		}
	}
}
