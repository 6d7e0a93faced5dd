// Package worker consumes lead jobs from the durable queue and drives each
// one through enrichment, AI analysis, grounding and the MCP action layer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/groundline/groundline/pkg/ai"
	"github.com/groundline/groundline/pkg/enrichment"
	"github.com/groundline/groundline/pkg/grounding"
	"github.com/groundline/groundline/pkg/lead"
	"github.com/groundline/groundline/pkg/mcp"
	"github.com/groundline/groundline/pkg/metrics"
	"github.com/groundline/groundline/pkg/store"
)

// ProcessError tells the consumer loop how to treat a failed job.
type ProcessError struct {
	Cause     error
	Retryable bool
	// RetryAfter is the minimum re-delivery delay when set.
	RetryAfter time.Duration
}

func (e *ProcessError) Error() string { return e.Cause.Error() }
func (e *ProcessError) Unwrap() error { return e.Cause }

func retryable(err error) *ProcessError {
	return &ProcessError{Cause: err, Retryable: true}
}

func permanent(err error) *ProcessError {
	return &ProcessError{Cause: err}
}

// Processor runs one lead job end to end. It is single flow per job; the
// consumer pool provides the parallelism.
type Processor struct {
	store        store.LeadStore
	ai           ai.Provider
	enrichment   enrichment.Provider
	validator    *grounding.Validator
	orchestrator *mcp.Orchestrator
	metrics      *metrics.Metrics
	logger       *slog.Logger
	tracer       trace.Tracer
}

func NewProcessor(
	leadStore store.LeadStore,
	aiProvider ai.Provider,
	enrichProvider enrichment.Provider,
	validator *grounding.Validator,
	orchestrator *mcp.Orchestrator,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Processor {
	if m == nil {
		m = metrics.NewInert()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:        leadStore,
		ai:           aiProvider,
		enrichment:   enrichProvider,
		validator:    validator,
		orchestrator: orchestrator,
		metrics:      m,
		logger:       logger,
		tracer:       otel.Tracer("groundline/worker"),
	}
}

// Process executes the pipeline for one lead id. The returned error, when
// non-nil, is always a *ProcessError.
func (p *Processor) Process(ctx context.Context, leadID int64) error {
	ctx, span := p.tracer.Start(ctx, "worker.process",
		trace.WithAttributes(attribute.Int64("lead.id", leadID)))
	defer span.End()

	err := p.process(ctx, leadID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Processor) process(ctx context.Context, leadID int64) error {
	l, err := p.store.Get(ctx, leadID)
	if errors.Is(err, store.ErrNotFound) {
		p.metrics.RecordLeadProcessed("missing")
		return permanent(fmt.Errorf("lead %d does not exist", leadID))
	}
	if err != nil {
		return retryable(fmt.Errorf("load lead %d: %w", leadID, err))
	}
	if l.Status.Terminal() {
		// Redelivery after the effect already landed; nothing to do.
		p.logger.Info("lead already in terminal state, skipping",
			"lead_id", l.ID, "status", l.Status)
		return nil
	}

	enrich := p.lookupEnrichment(ctx, l)
	if enrich != nil {
		if err := p.store.SaveEnrichment(ctx, l.ID, enrich); err != nil {
			return retryable(fmt.Errorf("save enrichment for lead %d: %w", l.ID, err))
		}
		l.EnrichmentData = enrich
	}

	analysis := p.analyze(ctx, l, enrich)
	analysis = p.validate(ctx, analysis, enrich)
	p.metrics.RecordGrounding(string(analysis.GroundingStatus))

	if err := p.store.SaveAnalysis(ctx, l.ID, analysis); err != nil {
		return retryable(fmt.Errorf("save analysis for lead %d: %w", l.ID, err))
	}
	if l.Status == lead.StatusPending {
		if err := p.store.UpdateStatus(ctx, l.ID, lead.StatusEnriched); err != nil {
			return retryable(fmt.Errorf("mark lead %d enriched: %w", l.ID, err))
		}
		l.Status = lead.StatusEnriched
	} else if l.Status == lead.StatusMCPBlocked {
		// Returning from a blocked attempt; the state machine routes back
		// through ENRICHED.
		if err := p.store.UpdateStatus(ctx, l.ID, lead.StatusEnriched); err != nil {
			return retryable(fmt.Errorf("reopen lead %d: %w", l.ID, err))
		}
		l.Status = lead.StatusEnriched
	}

	outcome := p.runMCP(ctx, l, analysis, enrich)
	return p.settle(ctx, l, outcome)
}

// lookupEnrichment resolves firmographics for the lead's email domain.
// Failures are logged and treated as absent.
func (p *Processor) lookupEnrichment(ctx context.Context, l *lead.Lead) *lead.CompanyData {
	domain := l.EmailDomain()
	if domain == "" {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "worker.enrichment",
		trace.WithAttributes(attribute.String("lead.domain", domain)))
	defer span.End()

	data, err := p.enrichment.GetCompanyByDomain(ctx, domain)
	if err != nil {
		if !errors.Is(err, enrichment.ErrNotFound) {
			p.logger.Warn("enrichment lookup failed, continuing without",
				"lead_id", l.ID, "domain", domain, "error", err)
		}
		return nil
	}
	return data
}

// analyze calls the AI provider, substituting the fallback analysis when the
// provider fails.
func (p *Processor) analyze(ctx context.Context, l *lead.Lead, enrich *lead.CompanyData) *lead.AnalysisResult {
	ctx, span := p.tracer.Start(ctx, "worker.ai_analysis")
	defer span.End()

	start := time.Now()
	analysis, err := p.ai.AnalyzeLead(ctx, l, enrich)
	p.metrics.RecordAIAnalysis(time.Since(start))
	if err != nil {
		p.logger.Error("ai analysis failed, using fallback",
			"lead_id", l.ID, "error", err)
		span.RecordError(err)
		return lead.FallbackAnalysis(err)
	}
	return analysis
}

// validate applies grounding. A fallback analysis is already rejected and
// skips the validator.
func (p *Processor) validate(ctx context.Context, analysis *lead.AnalysisResult, enrich *lead.CompanyData) *lead.AnalysisResult {
	if analysis.GroundingStatus == lead.GroundingRejected {
		return analysis
	}
	_, span := p.tracer.Start(ctx, "worker.grounding")
	defer span.End()
	return p.validator.Validate(analysis, enrich)
}

func (p *Processor) runMCP(ctx context.Context, l *lead.Lead, analysis *lead.AnalysisResult, enrich *lead.CompanyData) *mcp.Outcome {
	ctx, span := p.tracer.Start(ctx, "worker.mcp")
	defer span.End()
	outcome := p.orchestrator.Run(ctx, l, analysis, enrich)
	span.SetAttributes(
		attribute.String("mcp.status", string(outcome.Status)),
		attribute.String("mcp.execution_id", outcome.ExecutionID),
	)
	return outcome
}

// settle maps the MCP outcome onto the lead state machine and the queue
// contract.
func (p *Processor) settle(ctx context.Context, l *lead.Lead, outcome *mcp.Outcome) error {
	switch outcome.Status {
	case mcp.StatusCompleted:
		if err := p.store.UpdateStatus(ctx, l.ID, lead.StatusSyncedToCRM); err != nil {
			return retryable(fmt.Errorf("mark lead %d synced: %w", l.ID, err))
		}
		p.metrics.RecordLeadProcessed(string(lead.StatusSyncedToCRM))
		p.logger.Info("lead synced to crm",
			"lead_id", l.ID, "execution_id", outcome.ExecutionID,
			"actions", len(outcome.Actions), "errors", len(outcome.Errors))
		return nil

	case mcp.StatusRejectedByGrounding:
		if err := p.store.UpdateStatus(ctx, l.ID, lead.StatusAIRejected); err != nil {
			return retryable(fmt.Errorf("mark lead %d rejected: %w", l.ID, err))
		}
		p.metrics.RecordLeadProcessed(string(lead.StatusAIRejected))
		p.logger.Info("lead rejected by grounding",
			"lead_id", l.ID, "errors", outcome.Errors)
		return nil

	case mcp.StatusRateLimited:
		if err := p.store.UpdateStatus(ctx, l.ID, lead.StatusMCPBlocked); err != nil {
			return retryable(fmt.Errorf("mark lead %d blocked: %w", l.ID, err))
		}
		p.metrics.RecordLeadProcessed(string(lead.StatusMCPBlocked))
		return &ProcessError{
			Cause:      fmt.Errorf("rate limited: %v", outcome.Errors),
			Retryable:  true,
			RetryAfter: outcome.RetryAfter,
		}

	default: // BLOCKED
		if err := p.store.UpdateStatus(ctx, l.ID, lead.StatusMCPBlocked); err != nil {
			return retryable(fmt.Errorf("mark lead %d blocked: %w", l.ID, err))
		}
		p.metrics.RecordLeadProcessed(string(lead.StatusMCPBlocked))
		return &ProcessError{
			Cause:      fmt.Errorf("mcp blocked: %v", outcome.Errors),
			Retryable:  true,
			RetryAfter: outcome.RetryAfter,
		}
	}
}
