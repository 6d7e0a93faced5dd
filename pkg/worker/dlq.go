package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/groundline/groundline/pkg/lead"
	"github.com/groundline/groundline/pkg/metrics"
	"github.com/groundline/groundline/pkg/queue"
	"github.com/groundline/groundline/pkg/store"
)

// DLQProcessor consumes the dead-letter queue and marks the affected leads
// PERMANENTLY_FAILED with the final error on record.
type DLQProcessor struct {
	dlq     *queue.Queue
	store   store.LeadStore
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewDLQProcessor(q *queue.Queue, leadStore store.LeadStore, m *metrics.Metrics, logger *slog.Logger) *DLQProcessor {
	if m == nil {
		m = metrics.NewInert()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQProcessor{dlq: q.DLQ(), store: leadStore, metrics: m, logger: logger}
}

// Run consumes dead-letter entries until the context is cancelled.
func (p *DLQProcessor) Run(ctx context.Context) error {
	for {
		job, err := p.dlq.Lease(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			p.logger.Error("dlq lease failed, backing off", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		p.handle(ctx, job)
	}
}

func (p *DLQProcessor) handle(ctx context.Context, job *queue.Job) {
	var entry queue.DLQEntry
	if err := job.Decode(&entry); err != nil {
		p.logger.Error("dlq entry undecodable, dropping",
			"job_id", job.ID, "error", err)
		_ = p.ack(ctx, job)
		return
	}

	p.logger.Error("lead permanently failed",
		"lead_id", entry.LeadID, "original_job_id", entry.OriginalJobID,
		"attempts", entry.AttemptsMade, "failed_at", entry.FailedAt, "error", entry.Error)

	if entry.LeadID != 0 {
		err := p.store.UpdateStatus(ctx, entry.LeadID, lead.StatusPermanentlyFailed)
		switch {
		case err == nil:
			p.metrics.RecordLeadProcessed(string(lead.StatusPermanentlyFailed))
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidTransition):
			// Lead gone or already terminal; the entry itself still counts
			// as handled.
			p.logger.Warn("dlq lead not updated", "lead_id", entry.LeadID, "error", err)
		default:
			// Store outage: leave the entry for redelivery.
			if _, failErr := p.dlq.Fail(ctx, job, err, 0); failErr != nil {
				p.logger.Error("dlq fail bookkeeping error", "job_id", job.ID, "error", failErr)
			}
			return
		}
	}
	_ = p.ack(ctx, job)
}

func (p *DLQProcessor) ack(ctx context.Context, job *queue.Job) error {
	if err := p.dlq.Ack(ctx, job); err != nil {
		p.logger.Warn("dlq ack failed, entry may redeliver",
			"job_id", job.ID, "error", err)
		return err
	}
	return nil
}
