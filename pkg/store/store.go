// Package store persists leads and the CRM sync audit trail over
// database/sql. A single SQLStore serves both Postgres and SQLite; the
// dialect only changes the migration DDL, all queries use $n placeholders
// which both drivers accept.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/groundline/groundline/pkg/lead"
)

var (
	ErrNotFound           = errors.New("store: not found")
	ErrInvalidTransition  = errors.New("store: invalid status transition")
	ErrConflict           = errors.New("store: concurrent update conflict")
	ErrMissingExecutionID = errors.New("store: sync log entry missing execution id")
	ErrChainBroken        = errors.New("store: sync log hash chain is broken")
	ErrUnsupportedDialect = errors.New("store: unsupported dialect")
)

// Dialect selects the migration DDL. DML is shared across dialects.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SyncStatus is the outcome recorded for one executor call.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "SUCCESS"
	SyncFailed  SyncStatus = "FAILED"
)

// CrmSyncLog is one immutable audit row per CRM executor call, written with
// redacted params and results. Entries are hash chained in insertion order.
type CrmSyncLog struct {
	ID             int64           `json:"id"`
	LeadID         int64           `json:"leadId,omitempty"`
	Action         string          `json:"action"`
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Status         SyncStatus      `json:"status"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	Mock           bool            `json:"mock"`
	CrmProvider    string          `json:"crmProvider"`
	MCPExecutionID string          `json:"mcpExecutionId"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	DurationMs     int64           `json:"durationMs"`
	PrevHash       string          `json:"prevHash"`
	EntryHash      string          `json:"entryHash"`
	CreatedAt      time.Time       `json:"timestamp"`
}

// LeadFilter narrows List results.
type LeadFilter struct {
	Status lead.Status
	Limit  int
}

// LeadStore is the persistence surface the ingest service, worker and CLI
// share for lead records.
type LeadStore interface {
	// Create inserts the lead unless its idempotency key already exists.
	// On conflict the existing row is loaded into l and created is false.
	Create(ctx context.Context, l *lead.Lead) (created bool, err error)
	Get(ctx context.Context, id int64) (*lead.Lead, error)
	GetByKey(ctx context.Context, idempotencyKey string) (*lead.Lead, error)
	// UpdateStatus validates the transition against the lead state machine
	// before writing. ErrInvalidTransition when the move is not legal,
	// ErrConflict when the row changed under us.
	UpdateStatus(ctx context.Context, id int64, to lead.Status) error
	SaveEnrichment(ctx context.Context, id int64, data *lead.CompanyData) error
	SaveAnalysis(ctx context.Context, id int64, res *lead.AnalysisResult) error
	List(ctx context.Context, f LeadFilter) ([]*lead.Lead, error)
	CountByStatus(ctx context.Context) (map[lead.Status]int64, error)
}

// SyncLogStore is the append-only audit trail of executor calls. The query
// surface is deliberately narrow: append, fetch by lead, fetch by execution.
type SyncLogStore interface {
	// Append assigns the chain hashes and inserts the entry. The entry must
	// carry a non-empty MCPExecutionID.
	Append(ctx context.Context, entry *CrmSyncLog) error
	ListByLead(ctx context.Context, leadID int64) ([]*CrmSyncLog, error)
	ListByExecution(ctx context.Context, executionID string) ([]*CrmSyncLog, error)
	// VerifyChain recomputes every entry hash in insertion order and fails
	// on the first mismatch.
	VerifyChain(ctx context.Context) error
}
