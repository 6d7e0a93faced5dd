package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/groundline/groundline/pkg/lead"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLStore(db, DialectSQLite)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestStore_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	l := &lead.Lead{Email: "jane@acme.io", CampaignID: "q3-launch", Name: "Jane Doe"}
	created, err := s.Create(ctx, l)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !created {
		t.Fatal("first Create should report created")
	}
	if l.ID == 0 {
		t.Fatal("Create should assign an id")
	}
	if l.Status != lead.StatusPending {
		t.Errorf("status = %s, want PENDING", l.Status)
	}
	if l.IdempotencyKey == "" {
		t.Error("Create should derive the idempotency key")
	}

	got, err := s.Get(ctx, l.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Email != "jane@acme.io" || got.CampaignID != "q3-launch" || got.Name != "Jane Doe" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	byKey, err := s.GetByKey(ctx, l.IdempotencyKey)
	if err != nil {
		t.Fatalf("GetByKey failed: %v", err)
	}
	if byKey.ID != l.ID {
		t.Errorf("GetByKey id = %d, want %d", byKey.ID, l.ID)
	}
}

func TestStore_CreateDuplicateReturnsExisting(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := &lead.Lead{Email: "jane@acme.io", CampaignID: "q3-launch"}
	if _, err := s.Create(ctx, first); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Same pair with different casing and padding lands on the same key.
	dup := &lead.Lead{Email: " JANE@acme.io ", CampaignID: "Q3-LAUNCH"}
	created, err := s.Create(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate Create failed: %v", err)
	}
	if created {
		t.Fatal("duplicate Create should not report created")
	}
	if dup.ID != first.ID {
		t.Errorf("duplicate id = %d, want existing %d", dup.ID, first.ID)
	}
	if dup.Email != "jane@acme.io" {
		t.Errorf("duplicate should carry the stored row, got email %q", dup.Email)
	}
}

func TestStore_GetMissing(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Get(context.Background(), 9999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_UpdateStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	l := &lead.Lead{Email: "jane@acme.io", CampaignID: "c1"}
	if _, err := s.Create(ctx, l); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := s.UpdateStatus(ctx, l.ID, lead.StatusEnriched); err != nil {
		t.Fatalf("PENDING -> ENRICHED failed: %v", err)
	}
	if err := s.UpdateStatus(ctx, l.ID, lead.StatusSyncedToCRM); err != nil {
		t.Fatalf("ENRICHED -> SYNCED_TO_CRM failed: %v", err)
	}

	err := s.UpdateStatus(ctx, l.ID, lead.StatusEnriched)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminal -> ENRICHED err = %v, want ErrInvalidTransition", err)
	}

	got, err := s.Get(ctx, l.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != lead.StatusSyncedToCRM {
		t.Errorf("status = %s, want SYNCED_TO_CRM", got.Status)
	}
}

func TestStore_SaveAnalysisAndEnrichment(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	l := &lead.Lead{Email: "jane@acme.io", CampaignID: "c1"}
	if _, err := s.Create(ctx, l); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	company := &lead.CompanyData{Name: "Acme Corp", Domain: "acme.io", Employees: 500, Industry: "Software"}
	if err := s.SaveEnrichment(ctx, l.ID, company); err != nil {
		t.Fatalf("SaveEnrichment failed: %v", err)
	}

	res := &lead.AnalysisResult{
		FitScore:  85,
		Intent:    lead.IntentHighFit,
		Decision:  lead.DecisionRouteToSDR,
		Reasoning: "strong product usage",
		Evidence: []lead.Evidence{
			{Source: lead.SourceProduct, FieldPath: "product.logins", Value: lead.NewValue(float64(42)), ClaimType: lead.ClaimBehavior},
		},
		GroundingStatus: lead.GroundingValid,
	}
	if err := s.SaveAnalysis(ctx, l.ID, res); err != nil {
		t.Fatalf("SaveAnalysis failed: %v", err)
	}

	got, err := s.Get(ctx, l.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.FitScore == nil || *got.FitScore != 85 {
		t.Errorf("fit score = %v, want 85", got.FitScore)
	}
	if got.Intent != lead.IntentHighFit {
		t.Errorf("intent = %s, want HIGH_FIT", got.Intent)
	}
	if got.GroundingStatus != lead.GroundingValid {
		t.Errorf("grounding status = %s, want VALID", got.GroundingStatus)
	}
	if len(got.Evidence) != 1 || got.Evidence[0].FieldPath != "product.logins" {
		t.Errorf("evidence round trip mismatch: %+v", got.Evidence)
	}
	if got.Evidence[0].Value.CoerceString() != "42" {
		t.Errorf("evidence value = %q, want 42", got.Evidence[0].Value.CoerceString())
	}
	if got.EnrichmentData == nil || got.EnrichmentData.Name != "Acme Corp" {
		t.Errorf("enrichment round trip mismatch: %+v", got.EnrichmentData)
	}
}

func TestStore_ListAndCount(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	emails := []string{"a@x.io", "b@x.io", "c@x.io"}
	var ids []int64
	for _, e := range emails {
		l := &lead.Lead{Email: e, CampaignID: "c1"}
		if _, err := s.Create(ctx, l); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		ids = append(ids, l.ID)
	}
	if err := s.UpdateStatus(ctx, ids[0], lead.StatusEnriched); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	pending, err := s.List(ctx, LeadFilter{Status: lead.StatusPending})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending count = %d, want 2", len(pending))
	}

	all, err := s.List(ctx, LeadFilter{Limit: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("limited list = %d rows, want 2", len(all))
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[lead.StatusPending] != 2 || counts[lead.StatusEnriched] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
