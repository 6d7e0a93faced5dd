package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/groundline/groundline/pkg/crm"
	"github.com/groundline/groundline/pkg/lead"
	"github.com/groundline/groundline/pkg/metrics"
	"github.com/groundline/groundline/pkg/registry"
)

// ActionOutcome is the per-action view inside an orchestrator outcome.
type ActionOutcome struct {
	Tool        string
	Success     bool
	Replayed    bool
	CRMRecordID string
	Error       string
}

// Outcome is the result of one MCP invocation. Halt means the run stopped
// before the plan completed.
type Outcome struct {
	Status      OrchestratorStatus
	ExecutionID string
	Errors      []string
	Halt        bool
	// RetryAfter is the minimum delay before the job should be retried,
	// set on rate-limited and throttled outcomes.
	RetryAfter time.Duration
	Actions    []ActionOutcome
}

// OrchestratorConfig wires the orchestrator's collaborators.
type OrchestratorConfig struct {
	Registry    *registry.Registry
	Guard       *SafetyGuard
	Limiter     *RateLimiter
	Idempotency *IdempotencyStore
	Breakers    *BreakerSet
	Recorder    *Recorder
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Provider    string
	// IdempotencyWindow scopes windowed action keys.
	IdempotencyWindow time.Duration
}

// Orchestrator drives the safety-checked, rate-limited, idempotent execution
// of an action plan against the CRM. It is single flow: actions run strictly
// in plan order, one at a time.
type Orchestrator struct {
	cfg    OrchestratorConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewInert()
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = DefaultIdempotencyWindow
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger, now: time.Now}
}

// SetClock replaces the time source for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Run executes the action plan for a grounded analysis. A rejected analysis
// never reaches an executor.
func (o *Orchestrator) Run(ctx context.Context, l *lead.Lead, analysis *lead.AnalysisResult, enrichment *lead.CompanyData) *Outcome {
	out := &Outcome{
		Status:      StatusCompleted,
		ExecutionID: uuid.New().String(),
	}

	if analysis.GroundingStatus == lead.GroundingRejected {
		out.Status = StatusRejectedByGrounding
		out.Halt = true
		out.Errors = append(out.Errors, analysis.GroundingErrors...)
		return out
	}

	ec := &ExecutionContext{
		ExecutionID:     out.ExecutionID,
		Lead:            l,
		GroundingStatus: analysis.GroundingStatus,
		Timestamp:       o.now(),
	}
	if err := o.cfg.Guard.CheckContext(ec); err != nil {
		var se *SafetyError
		if errors.As(err, &se) {
			o.cfg.Metrics.RecordSafetyBlock("", se.Reason)
		}
		out.Status = StatusBlocked
		out.Halt = true
		out.Errors = append(out.Errors, err.Error())
		return out
	}

	limit := o.cfg.Limiter.Check(ctx, l.ID, l.EmailDomain())
	if !limit.Allowed {
		for _, t := range limit.Tiers {
			if !t.Allowed {
				o.cfg.Metrics.RecordRateLimitViolation(t.Tier)
			}
		}
		out.Status = StatusRateLimited
		out.Halt = true
		out.Errors = append(out.Errors, limit.Violations...)
		out.RetryAfter = limit.RetryAfter(o.now())
		return out
	}

	plan := BuildActionPlan(l, analysis, enrichment)
	crmLeadID := ""

	for _, action := range plan {
		params := make(map[string]any, len(action.Params)+1)
		for k, v := range action.Params {
			params[k] = v
		}
		if action.LeadRefParam != "" && crmLeadID != "" {
			params[action.LeadRefParam] = crmLeadID
		}

		if blocked := o.checkSafety(action.Tool, params); blocked != nil {
			out.Errors = append(out.Errors, blocked.Error())
			out.Actions = append(out.Actions, ActionOutcome{Tool: action.Tool, Error: blocked.Error()})
			if action.Critical {
				out.Status = StatusBlocked
				out.Halt = true
				return out
			}
			continue
		}

		provLimit := o.cfg.Limiter.CheckProvider(ctx, o.cfg.Provider)
		if !provLimit.Allowed {
			o.cfg.Metrics.RecordRateLimitViolation(TierProvider)
			out.Status = StatusRateLimited
			out.Halt = true
			out.Errors = append(out.Errors, provLimit.Violations...)
			out.RetryAfter = provLimit.RetryAfter(o.now())
			return out
		}

		key := o.actionKey(l, action)
		if rec := o.cfg.Idempotency.IsProcessed(ctx, key); rec.Processed {
			res := decodeCachedResult(rec.Result)
			o.logger.Debug("action replayed from idempotency cache",
				"tool", action.Tool, "lead_id", l.ID)
			o.recordAudit(ctx, ec, action, params, res, nil, key, 0)
			if action.Tool == "upsert_lead" && res != nil && res.CRMRecordID != "" {
				crmLeadID = res.CRMRecordID
			}
			out.Actions = append(out.Actions, ActionOutcome{
				Tool: action.Tool, Success: true, Replayed: true,
				CRMRecordID: resultRecordID(res),
			})
			continue
		}

		res, elapsed, err := o.execute(ctx, action.Tool, params)
		o.recordAudit(ctx, ec, action, params, res, err, key, elapsed)
		o.observe(action.Tool, res, err, elapsed)

		if err != nil || (res != nil && !res.Success) {
			msg := actionError(action.Tool, res, err)
			out.Errors = append(out.Errors, msg)
			out.Actions = append(out.Actions, ActionOutcome{Tool: action.Tool, Error: msg})
			if action.Critical {
				out.Status = StatusBlocked
				out.Halt = true
				out.RetryAfter = retryAfterOf(res, err)
				return out
			}
			continue
		}

		if err := o.cfg.Idempotency.StoreResult(ctx, key, res); err != nil {
			o.logger.Warn("idempotency result not stored", "tool", action.Tool, "error", err)
		}
		if action.Tool == "upsert_lead" && res.CRMRecordID != "" {
			crmLeadID = res.CRMRecordID
		}
		out.Actions = append(out.Actions, ActionOutcome{
			Tool: action.Tool, Success: true, CRMRecordID: res.CRMRecordID,
		})
	}

	return out
}

// checkSafety vets the tool name and parameters, counting blocks.
func (o *Orchestrator) checkSafety(tool string, params map[string]any) error {
	if err := o.cfg.Guard.CheckToolName(tool); err != nil {
		o.blockMetric(tool, err)
		return err
	}
	if err := o.cfg.Guard.CheckParams(params); err != nil {
		o.blockMetric(tool, err)
		return err
	}
	return nil
}

func (o *Orchestrator) blockMetric(tool string, err error) {
	var se *SafetyError
	reason := "unknown"
	if errors.As(err, &se) {
		reason = se.Reason
	}
	o.cfg.Metrics.RecordSafetyBlock(tool, reason)
}

// execute dispatches one tool through the registry inside the breaker for
// that operation.
func (o *Orchestrator) execute(ctx context.Context, tool string, params map[string]any) (*crm.Result, time.Duration, error) {
	start := o.now()
	var res *crm.Result
	err := o.cfg.Breakers.Execute(ctx, tool, func(cctx context.Context) error {
		var dispatchErr error
		res, dispatchErr = o.cfg.Registry.Dispatch(cctx, tool, params)
		return dispatchErr
	})
	elapsed := o.now().Sub(start)

	if errors.Is(err, registry.ErrInvalidParams) {
		o.cfg.Metrics.RecordSafetyBlock(tool, "schema_validation")
	}
	return res, elapsed, err
}

func (o *Orchestrator) observe(tool string, res *crm.Result, err error, elapsed time.Duration) {
	status := "success"
	if err != nil || (res != nil && !res.Success) {
		status = "error"
	}
	o.cfg.Metrics.RecordAction(tool, status, o.cfg.Provider, elapsed)
	o.cfg.Metrics.RecordCRMAPICall(o.cfg.Provider, tool, status, elapsed)
}

func (o *Orchestrator) recordAudit(ctx context.Context, ec *ExecutionContext, action Action, params map[string]any, res *crm.Result, err error, key string, elapsed time.Duration) {
	entityType := ""
	entityID := ""
	mock := false
	if t, lookupErr := o.cfg.Registry.Get(action.Tool); lookupErr == nil {
		entityType = t.EntityType
	}
	if res != nil {
		entityID = res.CRMRecordID
		mock = res.Mock
	}
	o.cfg.Recorder.Record(ctx, ec, AuditEntry{
		Action:         action.Tool,
		EntityType:     entityType,
		EntityID:       entityID,
		Params:         params,
		Result:         res,
		Err:            err,
		Mock:           mock,
		LeadID:         ec.Lead.ID,
		IdempotencyKey: key,
		Duration:       elapsed,
	})
}

func (o *Orchestrator) actionKey(l *lead.Lead, action Action) string {
	if action.Idem == IdemStable {
		return IdempotencyKey(l.Email, l.CampaignID, action.Tool)
	}
	return WindowedIdempotencyKey(l.Email, l.CampaignID, action.Tool, o.now(), o.cfg.IdempotencyWindow)
}

func decodeCachedResult(raw json.RawMessage) *crm.Result {
	if len(raw) == 0 {
		return nil
	}
	var res crm.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil
	}
	return &res
}

func resultRecordID(res *crm.Result) string {
	if res == nil {
		return ""
	}
	return res.CRMRecordID
}

func actionError(tool string, res *crm.Result, err error) string {
	if err != nil {
		return fmt.Sprintf("%s: %s", tool, err.Error())
	}
	if res != nil && res.Error != "" {
		return fmt.Sprintf("%s: %s", tool, res.Error)
	}
	return fmt.Sprintf("%s: failed", tool)
}

func retryAfterOf(res *crm.Result, err error) time.Duration {
	if res != nil && res.RetryAfter > 0 {
		return res.RetryAfter
	}
	var apiErr *crm.APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
