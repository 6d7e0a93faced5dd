package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// chainGenesis seeds the hash chain before any entry exists.
const chainGenesis = "genesis"

// chainAppendLockID keys the Postgres advisory lock that serializes sync-log
// appends. Reserved for this chain; no other lock in the system uses it.
const chainAppendLockID int64 = 730_811_442_001

const syncLogColumns = `id, lead_id, action, entity_type, entity_id, params, result, status,
	error_message, mock, crm_provider, mcp_execution_id, idempotency_key, duration_ms,
	prev_hash, entry_hash, created_at`

func (s *SQLStore) Append(ctx context.Context, entry *CrmSyncLog) error {
	if entry.MCPExecutionID == "" {
		return ErrMissingExecutionID
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	// Microsecond precision survives both TIMESTAMPTZ and text storage, so
	// the recomputed hash matches after a round trip.
	entry.CreatedAt = entry.CreatedAt.UTC().Truncate(time.Microsecond)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Two transactions that read the same head would both link to it and
	// fork the chain, so Postgres appends hold an advisory lock until
	// commit. SQLite is already serialized by its single connection.
	if s.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainAppendLockID); err != nil {
			return fmt.Errorf("store: lock chain head: %w", err)
		}
	}

	prev := chainGenesis
	row := tx.QueryRowContext(ctx, `SELECT entry_hash FROM crm_sync_logs ORDER BY id DESC LIMIT 1`)
	if err := row.Scan(&prev); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("store: read chain head: %w", err)
	}
	entry.PrevHash = prev

	hash, err := computeSyncLogHash(entry)
	if err != nil {
		return fmt.Errorf("store: hash sync log: %w", err)
	}
	entry.EntryHash = hash

	query := `
		INSERT INTO crm_sync_logs (lead_id, action, entity_type, entity_id, params, result, status,
			error_message, mock, crm_provider, mcp_execution_id, idempotency_key, duration_ms,
			prev_hash, entry_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`
	err = tx.QueryRowContext(ctx, query,
		entry.LeadID, entry.Action, entry.EntityType, entry.EntityID,
		rawNullable(entry.Params), rawNullable(entry.Result), string(entry.Status),
		entry.ErrorMessage, entry.Mock, entry.CrmProvider, entry.MCPExecutionID,
		entry.IdempotencyKey, entry.DurationMs, entry.PrevHash, entry.EntryHash, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("store: insert sync log: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) ListByLead(ctx context.Context, leadID int64) ([]*CrmSyncLog, error) {
	query := `SELECT ` + syncLogColumns + ` FROM crm_sync_logs WHERE lead_id = $1 ORDER BY id`
	return s.querySyncLogs(ctx, query, leadID)
}

func (s *SQLStore) ListByExecution(ctx context.Context, executionID string) ([]*CrmSyncLog, error) {
	query := `SELECT ` + syncLogColumns + ` FROM crm_sync_logs WHERE mcp_execution_id = $1 ORDER BY id`
	return s.querySyncLogs(ctx, query, executionID)
}

func (s *SQLStore) VerifyChain(ctx context.Context) error {
	query := `SELECT ` + syncLogColumns + ` FROM crm_sync_logs ORDER BY id`
	entries, err := s.querySyncLogs(ctx, query)
	if err != nil {
		return err
	}

	expectedPrev := chainGenesis
	for _, e := range entries {
		if e.PrevHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has prev_hash %s, expected %s",
				ErrChainBroken, e.ID, e.PrevHash, expectedPrev)
		}
		computed, err := computeSyncLogHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d hash computation failed: %w", ErrChainBroken, e.ID, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, e.ID, computed, e.EntryHash)
		}
		expectedPrev = e.EntryHash
	}
	return nil
}

func (s *SQLStore) querySyncLogs(ctx context.Context, query string, args ...any) ([]*CrmSyncLog, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query sync logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*CrmSyncLog, 0)
	for rows.Next() {
		e, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func scanSyncLog(row rowScanner) (*CrmSyncLog, error) {
	var (
		e        CrmSyncLog
		entityID sql.NullString
		params   sql.NullString
		result   sql.NullString
		status   string
		errMsg   sql.NullString
		idemKey  sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.LeadID, &e.Action, &e.EntityType, &entityID, &params, &result, &status,
		&errMsg, &e.Mock, &e.CrmProvider, &e.MCPExecutionID, &idemKey, &e.DurationMs,
		&e.PrevHash, &e.EntryHash, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.EntityID = entityID.String
	e.Status = SyncStatus(status)
	e.ErrorMessage = errMsg.String
	e.IdempotencyKey = idemKey.String
	if params.Valid && params.String != "" {
		e.Params = json.RawMessage(params.String)
	}
	if result.Valid && result.String != "" {
		e.Result = json.RawMessage(result.String)
	}
	return &e, nil
}

// computeSyncLogHash hashes the chained content of an entry. The JSON is
// canonicalized (RFC 8785) first so key order and number formatting cannot
// change the digest.
func computeSyncLogHash(e *CrmSyncLog) (string, error) {
	hashable := struct {
		LeadID         int64           `json:"leadId"`
		Action         string          `json:"action"`
		EntityType     string          `json:"entityType"`
		EntityID       string          `json:"entityId"`
		Params         json.RawMessage `json:"params,omitempty"`
		Result         json.RawMessage `json:"result,omitempty"`
		Status         SyncStatus      `json:"status"`
		ErrorMessage   string          `json:"errorMessage"`
		Mock           bool            `json:"mock"`
		CrmProvider    string          `json:"crmProvider"`
		MCPExecutionID string          `json:"mcpExecutionId"`
		IdempotencyKey string          `json:"idempotencyKey"`
		DurationMs     int64           `json:"durationMs"`
		PrevHash       string          `json:"prevHash"`
		CreatedAt      string          `json:"createdAt"`
	}{
		LeadID:         e.LeadID,
		Action:         e.Action,
		EntityType:     e.EntityType,
		EntityID:       e.EntityID,
		Params:         e.Params,
		Result:         e.Result,
		Status:         e.Status,
		ErrorMessage:   e.ErrorMessage,
		Mock:           e.Mock,
		CrmProvider:    e.CrmProvider,
		MCPExecutionID: e.MCPExecutionID,
		IdempotencyKey: e.IdempotencyKey,
		DurationMs:     e.DurationMs,
		PrevHash:       e.PrevHash,
		CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("marshal hashable entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func rawNullable(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
