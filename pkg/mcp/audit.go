package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/groundline/groundline/pkg/crm"
	"github.com/groundline/groundline/pkg/store"
)

// Recorder writes one redacted CrmSyncLog row per executor call. Mock and
// real executors share this single path, which is what guarantees every row
// carries the execution id. Audit backend outage is logged and swallowed:
// losing an audit row must not fail the action that already happened.
type Recorder struct {
	store    store.SyncLogStore
	redactor *Redactor
	provider string
	logger   *slog.Logger
}

func NewRecorder(s store.SyncLogStore, redactor *Redactor, provider string, logger *slog.Logger) *Recorder {
	if redactor == nil {
		redactor = NewRedactor("", 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, redactor: redactor, provider: provider, logger: logger}
}

// AuditEntry is what the orchestrator knows about one finished call.
type AuditEntry struct {
	Action         string
	EntityType     string
	EntityID       string
	Params         map[string]any
	Result         any
	Err            error
	Mock           bool
	LeadID         int64
	IdempotencyKey string
	Duration       time.Duration
}

// Record redacts and appends the entry. Failures are non-fatal.
func (r *Recorder) Record(ctx context.Context, ec *ExecutionContext, e AuditEntry) {
	params, err := json.Marshal(r.redactor.RedactParams(e.Params))
	if err != nil {
		r.logger.Warn("audit: encode params failed", "action", e.Action, "error", err)
		params = nil
	}

	var result json.RawMessage
	if e.Result != nil {
		raw, err := json.Marshal(e.Result)
		if err == nil {
			result = r.redactor.RedactJSON(raw)
		} else {
			r.logger.Warn("audit: encode result failed", "action", e.Action, "error", err)
		}
	}

	status := store.SyncSuccess
	errMsg := ""
	if e.Err != nil {
		status = store.SyncFailed
		errMsg = scrubContent(e.Err.Error())
	} else if res, ok := e.Result.(*crm.Result); ok && res != nil && !res.Success {
		status = store.SyncFailed
		errMsg = scrubContent(res.Error)
	}

	entry := &store.CrmSyncLog{
		LeadID:         e.LeadID,
		Action:         e.Action,
		EntityType:     e.EntityType,
		EntityID:       e.EntityID,
		Params:         params,
		Result:         result,
		Status:         status,
		ErrorMessage:   errMsg,
		Mock:           e.Mock,
		CrmProvider:    r.provider,
		MCPExecutionID: ec.ExecutionID,
		IdempotencyKey: e.IdempotencyKey,
		DurationMs:     e.Duration.Milliseconds(),
	}
	if err := r.store.Append(ctx, entry); err != nil {
		r.logger.Warn("audit: append failed",
			"action", e.Action, "execution_id", ec.ExecutionID, "error", err)
	}
}
