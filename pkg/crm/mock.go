package crm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

func init() {
	RegisterProvider("MOCK", func(ProviderConfig) (Executor, error) {
		return NewMockExecutor(), nil
	})
}

// Salesforce-style key prefixes keep synthetic ids recognisable per entity.
const (
	mockLeadPrefix        = "00Q"
	mockContactPrefix     = "003"
	mockAccountPrefix     = "001"
	mockOpportunityPrefix = "006"
	mockTaskPrefix        = "00T"
	mockNotePrefix        = "002"
	mockCampaignPrefix    = "701"
)

// MockExecutor simulates a CRM for local development and tests. Calls sleep
// 100-300 ms to mimic vendor latency, return opaque synthetic ids, and are
// idempotent: the same identity maps to the same id on every call.
type MockExecutor struct {
	// Latency overrides the simulated delay range when both are set.
	MinLatency time.Duration
	MaxLatency time.Duration

	mu    sync.Mutex
	rng   *rand.Rand
	seen  map[string]string
}

func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		MinLatency: 100 * time.Millisecond,
		MaxLatency: 300 * time.Millisecond,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		seen:       make(map[string]string),
	}
}

func (m *MockExecutor) Provider() string { return "MOCK" }

// sleep waits the simulated latency, abandoning early on cancellation.
func (m *MockExecutor) sleep(ctx context.Context) error {
	span := m.MaxLatency - m.MinLatency
	d := m.MinLatency
	if span > 0 {
		m.mu.Lock()
		d += time.Duration(m.rng.Int63n(int64(span)))
		m.mu.Unlock()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// recordID returns a stable synthetic id for (prefix, identity): the first
// call mints it, repeats return the same id, which is what makes every mock
// operation idempotent.
func (m *MockExecutor) recordID(prefix, identity string) string {
	key := prefix + ":" + strings.ToLower(strings.TrimSpace(identity))
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.seen[key]; ok {
		return id
	}
	sum := sha256.Sum256([]byte(key))
	id := prefix + strings.ToUpper(hex.EncodeToString(sum[:6]))
	m.seen[key] = id
	return id
}

func (m *MockExecutor) result(ctx context.Context, id string, data map[string]any) (*Result, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}
	return &Result{Success: true, CRMRecordID: id, Data: data, Mock: true}, nil
}

func (m *MockExecutor) CreateLead(ctx context.Context, p CreateLeadParams) (*Result, error) {
	id := m.recordID(mockLeadPrefix, p.Email)
	return m.result(ctx, id, map[string]any{"created": true})
}

func (m *MockExecutor) UpsertLead(ctx context.Context, p UpsertLeadParams) (*Result, error) {
	key := mockLeadPrefix + ":" + strings.ToLower(strings.TrimSpace(p.Email))
	m.mu.Lock()
	_, existed := m.seen[key]
	m.mu.Unlock()
	id := m.recordID(mockLeadPrefix, p.Email)
	return m.result(ctx, id, map[string]any{"created": !existed})
}

func (m *MockExecutor) ConvertLead(ctx context.Context, p ConvertLeadParams) (*Result, error) {
	id := m.recordID(mockContactPrefix, "converted:"+p.LeadID)
	return m.result(ctx, id, map[string]any{"leadId": p.LeadID, "contactId": id})
}

func (m *MockExecutor) UpdateLeadStatus(ctx context.Context, p UpdateLeadStatusParams) (*Result, error) {
	return m.result(ctx, p.LeadID, map[string]any{"status": p.Status})
}

func (m *MockExecutor) UpdateLeadFields(ctx context.Context, p UpdateLeadFieldsParams) (*Result, error) {
	return m.result(ctx, p.LeadID, map[string]any{"updatedFields": len(p.Fields)})
}

func (m *MockExecutor) SetLeadScore(ctx context.Context, p SetLeadScoreParams) (*Result, error) {
	return m.result(ctx, p.LeadID, map[string]any{"score": p.Score, "scoreType": p.ScoreType})
}

func (m *MockExecutor) MatchAccount(ctx context.Context, p MatchAccountParams) (*Result, error) {
	identity := p.Domain
	if identity == "" {
		identity = p.Name
	}
	id := m.recordID(mockAccountPrefix, identity)
	return m.result(ctx, id, map[string]any{"matched": true})
}

func (m *MockExecutor) CreateContact(ctx context.Context, p CreateContactParams) (*Result, error) {
	id := m.recordID(mockContactPrefix, p.Email)
	return m.result(ctx, id, nil)
}

func (m *MockExecutor) LinkContactToAccount(ctx context.Context, p LinkContactToAccountParams) (*Result, error) {
	return m.result(ctx, p.ContactID, map[string]any{"accountId": p.AccountID})
}

func (m *MockExecutor) CreateOpportunity(ctx context.Context, p CreateOpportunityParams) (*Result, error) {
	id := m.recordID(mockOpportunityPrefix, p.Name+":"+p.AccountID)
	return m.result(ctx, id, map[string]any{"stage": p.Stage})
}

func (m *MockExecutor) UpdateOpportunityStage(ctx context.Context, p UpdateOpportunityStageParams) (*Result, error) {
	return m.result(ctx, p.OpportunityID, map[string]any{"stage": p.Stage})
}

func (m *MockExecutor) SetOpportunityValue(ctx context.Context, p SetOpportunityValueParams) (*Result, error) {
	return m.result(ctx, p.OpportunityID, map[string]any{"amount": p.Amount})
}

func (m *MockExecutor) AttachCampaign(ctx context.Context, p AttachCampaignParams) (*Result, error) {
	id := m.recordID(mockCampaignPrefix, p.LeadID+":"+p.CampaignID)
	return m.result(ctx, id, map[string]any{"campaignId": p.CampaignID})
}

func (m *MockExecutor) CreateTask(ctx context.Context, p CreateTaskParams) (*Result, error) {
	id := m.recordID(mockTaskPrefix, p.RelatedToID+":"+p.Subject)
	return m.result(ctx, id, nil)
}

func (m *MockExecutor) LogActivity(ctx context.Context, p LogActivityParams) (*Result, error) {
	id := m.recordID(mockTaskPrefix, p.RelatedToID+":"+p.Type+":"+p.Description)
	return m.result(ctx, id, map[string]any{"type": p.Type})
}

func (m *MockExecutor) AddNote(ctx context.Context, p AddNoteParams) (*Result, error) {
	id := m.recordID(mockNotePrefix, p.RelatedToID+":"+p.Title+":"+p.Body)
	return m.result(ctx, id, nil)
}

func (m *MockExecutor) CreateFollowUp(ctx context.Context, p CreateFollowUpParams) (*Result, error) {
	id := m.recordID(mockTaskPrefix, "followup:"+p.LeadID+":"+p.DueDate)
	return m.result(ctx, id, map[string]any{"dueDate": p.DueDate})
}

func (m *MockExecutor) SyncFirmographics(ctx context.Context, p SyncFirmographicsParams) (*Result, error) {
	return m.result(ctx, p.LeadID, map[string]any{"syncedFields": len(p.Firmographics)})
}

// Calls returns how many distinct records the executor has minted. Tests use
// it to assert no side effect happened.
func (m *MockExecutor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

var _ Executor = (*MockExecutor)(nil)

// FailingExecutor wraps another executor and fails the named operations,
// for exercising breaker and retry paths in tests.
type FailingExecutor struct {
	Executor
	FailWith error
	// Ops is the set of tool names to fail; empty fails everything.
	Ops map[string]bool
}

func (f *FailingExecutor) shouldFail(op string) bool {
	return len(f.Ops) == 0 || f.Ops[op]
}

func (f *FailingExecutor) UpsertLead(ctx context.Context, p UpsertLeadParams) (*Result, error) {
	if f.shouldFail("upsert_lead") {
		return nil, f.FailWith
	}
	return f.Executor.UpsertLead(ctx, p)
}

func (f *FailingExecutor) SetLeadScore(ctx context.Context, p SetLeadScoreParams) (*Result, error) {
	if f.shouldFail("set_lead_score") {
		return nil, f.FailWith
	}
	return f.Executor.SetLeadScore(ctx, p)
}

func (f *FailingExecutor) LogActivity(ctx context.Context, p LogActivityParams) (*Result, error) {
	if f.shouldFail("log_activity") {
		return nil, f.FailWith
	}
	return f.Executor.LogActivity(ctx, p)
}

func (f *FailingExecutor) SyncFirmographics(ctx context.Context, p SyncFirmographicsParams) (*Result, error) {
	if f.shouldFail("sync_firmographics") {
		return nil, f.FailWith
	}
	return f.Executor.SyncFirmographics(ctx, p)
}

var errMockFailure = fmt.Errorf("mock executor failure")

// NewFailingExecutor builds a mock-backed executor that fails the given ops.
func NewFailingExecutor(failWith error, ops ...string) *FailingExecutor {
	if failWith == nil {
		failWith = errMockFailure
	}
	set := make(map[string]bool, len(ops))
	for _, op := range ops {
		set[op] = true
	}
	return &FailingExecutor{Executor: NewMockExecutor(), FailWith: failWith, Ops: set}
}
