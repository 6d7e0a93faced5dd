// Package ingest accepts webhook lead submissions: validate, insert or
// return the existing record keyed by the idempotency key, and enqueue the
// processing job. The HTTP surface is a thin collaborator over the service.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/groundline/groundline/pkg/lead"
	"github.com/groundline/groundline/pkg/queue"
	"github.com/groundline/groundline/pkg/store"
)

// ErrInvalidRequest wraps field-validation failures.
var ErrInvalidRequest = errors.New("ingest: invalid request")

// Request is one webhook submission.
type Request struct {
	Email      string `json:"email" validate:"required,email"`
	CampaignID string `json:"campaign_id" validate:"required,min=1"`
	Name       string `json:"name,omitempty" validate:"omitempty,max=255"`
}

// Response reports the stored lead and whether this request created it.
type Response struct {
	Lead    *lead.Lead `json:"lead"`
	Created bool       `json:"created"`
	JobID   string     `json:"job_id,omitempty"`
}

// Service is the idempotent ingest path.
type Service struct {
	store    store.LeadStore
	queue    *queue.Queue
	validate *validator.Validate
	logger   *slog.Logger
}

func NewService(leadStore store.LeadStore, q *queue.Queue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    leadStore,
		queue:    q,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Ingest validates, stores and enqueues one lead. A duplicate
// (email, campaignId) pair returns the existing record unchanged with
// Created=false and no new job.
func (s *Service) Ingest(ctx context.Context, req Request) (*Response, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	l := &lead.Lead{
		Email:      req.Email,
		CampaignID: req.CampaignID,
		Name:       req.Name,
	}
	created, err := s.store.Create(ctx, l)
	if err != nil {
		return nil, fmt.Errorf("ingest: store lead: %w", err)
	}
	resp := &Response{Lead: l, Created: created}
	if !created {
		s.logger.Debug("duplicate ingest, returning existing lead",
			"lead_id", l.ID, "campaign_id", l.CampaignID)
		return resp, nil
	}

	jobID, err := s.queue.Enqueue(ctx, lead.JobPayload{LeadID: l.ID})
	if err != nil {
		// The lead row exists; the job can be re-enqueued by the caller's
		// retry or the admin CLI. Surface the error.
		return nil, fmt.Errorf("ingest: enqueue lead %d: %w", l.ID, err)
	}
	resp.JobID = jobID
	s.logger.Info("lead ingested", "lead_id", l.ID, "job_id", jobID,
		"campaign_id", l.CampaignID)
	return resp, nil
}
