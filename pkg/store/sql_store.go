package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/groundline/groundline/pkg/lead"
)

// SQLStore implements LeadStore and SyncLogStore over database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database handle and runs migrations.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS leads (
	id BIGSERIAL PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL,
	campaign_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	enrichment_data JSONB,
	status TEXT NOT NULL DEFAULT 'PENDING',
	fit_score INTEGER,
	intent TEXT NOT NULL DEFAULT '',
	reasoning TEXT NOT NULL DEFAULT '',
	evidence JSONB,
	grounding_status TEXT NOT NULL DEFAULT '',
	grounding_errors JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leads_status ON leads (status);
CREATE TABLE IF NOT EXISTS crm_sync_logs (
	id BIGSERIAL PRIMARY KEY,
	lead_id BIGINT NOT NULL DEFAULT 0,
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL DEFAULT '',
	entity_id TEXT,
	params JSONB,
	result JSONB,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	mock BOOLEAN NOT NULL DEFAULT FALSE,
	crm_provider TEXT NOT NULL,
	mcp_execution_id TEXT NOT NULL,
	idempotency_key TEXT,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	prev_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_logs_lead ON crm_sync_logs (lead_id);
CREATE INDEX IF NOT EXISTS idx_sync_logs_execution ON crm_sync_logs (mcp_execution_id);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS leads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	idempotency_key TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL,
	campaign_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	enrichment_data TEXT,
	status TEXT NOT NULL DEFAULT 'PENDING',
	fit_score INTEGER,
	intent TEXT NOT NULL DEFAULT '',
	reasoning TEXT NOT NULL DEFAULT '',
	evidence TEXT,
	grounding_status TEXT NOT NULL DEFAULT '',
	grounding_errors TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leads_status ON leads (status);
CREATE TABLE IF NOT EXISTS crm_sync_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	lead_id INTEGER NOT NULL DEFAULT 0,
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL DEFAULT '',
	entity_id TEXT,
	params TEXT,
	result TEXT,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	mock BOOLEAN NOT NULL DEFAULT FALSE,
	crm_provider TEXT NOT NULL,
	mcp_execution_id TEXT NOT NULL,
	idempotency_key TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	prev_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_logs_lead ON crm_sync_logs (lead_id);
CREATE INDEX IF NOT EXISTS idx_sync_logs_execution ON crm_sync_logs (mcp_execution_id);
`

func (s *SQLStore) migrate() error {
	var schema string
	switch s.dialect {
	case DialectPostgres:
		schema = schemaPostgres
	case DialectSQLite:
		schema = schemaSQLite
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDialect, s.dialect)
	}
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

const leadColumns = `id, idempotency_key, email, campaign_id, name, enrichment_data,
	status, fit_score, intent, reasoning, evidence, grounding_status, grounding_errors,
	created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, l *lead.Lead) (bool, error) {
	if l.IdempotencyKey == "" {
		l.IdempotencyKey = lead.IdempotencyKey(l.Email, l.CampaignID)
	}
	if l.Status == "" {
		l.Status = lead.StatusPending
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now

	enrichment, err := marshalNullable(l.EnrichmentData)
	if err != nil {
		return false, fmt.Errorf("store: encode enrichment: %w", err)
	}

	query := `
		INSERT INTO leads (idempotency_key, email, campaign_id, name, enrichment_data, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`
	row := s.db.QueryRowContext(ctx, query,
		l.IdempotencyKey, l.Email, l.CampaignID, l.Name, enrichment, string(l.Status), l.CreatedAt, l.UpdatedAt,
	)
	err = row.Scan(&l.ID)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := s.GetByKey(ctx, l.IdempotencyKey)
		if err != nil {
			return false, err
		}
		*l = *existing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: insert lead: %w", err)
	}
	return true, nil
}

func (s *SQLStore) Get(ctx context.Context, id int64) (*lead.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`
	return s.queryLead(ctx, query, id)
}

func (s *SQLStore) GetByKey(ctx context.Context, key string) (*lead.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE idempotency_key = $1`
	return s.queryLead(ctx, query, key)
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id int64, to lead.Status) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !lead.CanTransition(cur.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	if cur.Status == to {
		return nil
	}

	query := `UPDATE leads SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`
	res, err := s.db.ExecContext(ctx, query, string(to), time.Now().UTC(), id, string(cur.Status))
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: lead %d status changed during update", ErrConflict, id)
	}
	return nil
}

func (s *SQLStore) SaveEnrichment(ctx context.Context, id int64, data *lead.CompanyData) error {
	enrichment, err := marshalNullable(data)
	if err != nil {
		return fmt.Errorf("store: encode enrichment: %w", err)
	}
	query := `UPDATE leads SET enrichment_data = $1, updated_at = $2 WHERE id = $3`
	res, err := s.db.ExecContext(ctx, query, enrichment, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: save enrichment: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLStore) SaveAnalysis(ctx context.Context, id int64, r *lead.AnalysisResult) error {
	evidence, err := marshalNullable(r.Evidence)
	if err != nil {
		return fmt.Errorf("store: encode evidence: %w", err)
	}
	groundingErrs, err := marshalNullable(r.GroundingErrors)
	if err != nil {
		return fmt.Errorf("store: encode grounding errors: %w", err)
	}
	query := `
		UPDATE leads
		SET fit_score = $1, intent = $2, reasoning = $3, evidence = $4,
			grounding_status = $5, grounding_errors = $6, updated_at = $7
		WHERE id = $8
	`
	res, err := s.db.ExecContext(ctx, query,
		r.FitScore, string(r.Intent), r.Reasoning, evidence,
		string(r.GroundingStatus), groundingErrs, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("store: save analysis: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLStore) List(ctx context.Context, f LeadFilter) ([]*lead.Lead, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if f.Status != "" {
		query := `SELECT ` + leadColumns + ` FROM leads WHERE status = $1 ORDER BY id DESC LIMIT $2`
		rows, err = s.db.QueryContext(ctx, query, string(f.Status), limit)
	} else {
		query := `SELECT ` + leadColumns + ` FROM leads ORDER BY id DESC LIMIT $1`
		rows, err = s.db.QueryContext(ctx, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list leads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	leads := make([]*lead.Lead, 0)
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return leads, nil
}

func (s *SQLStore) CountByStatus(ctx context.Context) (map[lead.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM leads GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: count by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[lead.Status]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[lead.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) queryLead(ctx context.Context, query string, arg any) (*lead.Lead, error) {
	l, err := scanLead(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

func scanLead(row rowScanner) (*lead.Lead, error) {
	var (
		l            lead.Lead
		name         sql.NullString
		enrichment   sql.NullString
		status       string
		fitScore     sql.NullInt64
		intent       sql.NullString
		reasoning    sql.NullString
		evidence     sql.NullString
		groundStatus sql.NullString
		groundErrors sql.NullString
	)
	err := row.Scan(
		&l.ID, &l.IdempotencyKey, &l.Email, &l.CampaignID, &name, &enrichment,
		&status, &fitScore, &intent, &reasoning, &evidence, &groundStatus, &groundErrors,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Name = name.String
	l.Status = lead.Status(status)
	l.Intent = lead.Intent(intent.String)
	l.Reasoning = reasoning.String
	l.GroundingStatus = lead.GroundingStatus(groundStatus.String)
	if fitScore.Valid {
		v := int(fitScore.Int64)
		l.FitScore = &v
	}
	if enrichment.Valid && enrichment.String != "" {
		var data lead.CompanyData
		if err := json.Unmarshal([]byte(enrichment.String), &data); err != nil {
			return nil, fmt.Errorf("store: decode enrichment: %w", err)
		}
		l.EnrichmentData = &data
	}
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &l.Evidence); err != nil {
			return nil, fmt.Errorf("store: decode evidence: %w", err)
		}
	}
	if groundErrors.Valid && groundErrors.String != "" {
		if err := json.Unmarshal([]byte(groundErrors.String), &l.GroundingErrors); err != nil {
			return nil, fmt.Errorf("store: decode grounding errors: %w", err)
		}
	}
	return &l, nil
}

// marshalNullable encodes v as JSON text, mapping nil pointers and empty
// slices to SQL NULL.
func marshalNullable(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case *lead.CompanyData:
		if t == nil {
			return sql.NullString{}, nil
		}
	case []lead.Evidence:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case []string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case nil:
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: lead %d", ErrNotFound, id)
	}
	return nil
}
