// Package crm defines the executor surface the MCP dispatches to: one method
// per registered tool, a shared result shape, and a provider table that maps
// the CRM_PROVIDER setting to a concrete executor.
package crm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnknownProvider means CRM_PROVIDER named nothing in the table.
	ErrUnknownProvider = errors.New("crm: unknown provider")
)

// Result is the outcome of one executor call. Executors return it for both
// success and business-level failure; transport errors use the error return.
type Result struct {
	Success     bool            `json:"success"`
	Data        map[string]any  `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	CRMRecordID string          `json:"crmRecordId,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
	RetryAfter  time.Duration   `json:"retryAfter,omitempty"`
	Mock        bool            `json:"mock,omitempty"`
}

// APIError is a vendor API failure with its HTTP status attached. The
// breaker uses ClientFault to keep 4xx responses out of the failure count.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm: api status %d: %s", e.StatusCode, e.Message)
}

// ClientFault reports a 4xx-class fault. 429 is excluded: being throttled is
// backpressure, not a malformed request.
func (e *APIError) ClientFault() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 429
}

// Retryable reports whether the call may be retried later.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Parameter records, one per tool. The registry validates raw parameters
// against the tool schema and decodes them into these before dispatch.

type CreateLeadParams struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Company   string `json:"company,omitempty"`
	Source    string `json:"source,omitempty"`
}

type UpsertLeadParams struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Company   string `json:"company,omitempty"`
}

type ConvertLeadParams struct {
	LeadID          string `json:"leadId"`
	AccountID       string `json:"accountId,omitempty"`
	OpportunityName string `json:"opportunityName,omitempty"`
}

type UpdateLeadStatusParams struct {
	LeadID string `json:"leadId"`
	Status string `json:"status"`
}

type UpdateLeadFieldsParams struct {
	LeadID string         `json:"leadId"`
	Fields map[string]any `json:"fields"`
}

type SetLeadScoreParams struct {
	LeadID    string `json:"leadId"`
	Score     int    `json:"score"`
	ScoreType string `json:"scoreType,omitempty"`
}

type MatchAccountParams struct {
	Domain string `json:"domain,omitempty"`
	Name   string `json:"name,omitempty"`
}

type CreateContactParams struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	AccountID string `json:"accountId,omitempty"`
}

type LinkContactToAccountParams struct {
	ContactID string `json:"contactId"`
	AccountID string `json:"accountId"`
}

type CreateOpportunityParams struct {
	Name      string  `json:"name"`
	AccountID string  `json:"accountId,omitempty"`
	Stage     string  `json:"stage,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
}

type UpdateOpportunityStageParams struct {
	OpportunityID string `json:"opportunityId"`
	Stage         string `json:"stage"`
}

type SetOpportunityValueParams struct {
	OpportunityID string  `json:"opportunityId"`
	Amount        float64 `json:"amount"`
}

type AttachCampaignParams struct {
	LeadID     string `json:"leadId"`
	CampaignID string `json:"campaignId"`
	Status     string `json:"status,omitempty"`
}

type CreateTaskParams struct {
	RelatedToID string `json:"relatedToId"`
	Subject     string `json:"subject"`
	DueDate     string `json:"dueDate,omitempty"`
}

type LogActivityParams struct {
	RelatedToID string `json:"relatedToId"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type AddNoteParams struct {
	RelatedToID string `json:"relatedToId"`
	Title       string `json:"title,omitempty"`
	Body        string `json:"body"`
}

type CreateFollowUpParams struct {
	LeadID  string `json:"leadId"`
	DueDate string `json:"dueDate,omitempty"`
	Note    string `json:"note,omitempty"`
}

type SyncFirmographicsParams struct {
	LeadID        string         `json:"leadId"`
	Firmographics map[string]any `json:"firmographics"`
}

// Executor is the full CRM tool surface. Every method is idempotent from the
// caller's side: repeating a call with the same parameters must not create a
// second effect.
type Executor interface {
	Provider() string

	CreateLead(ctx context.Context, p CreateLeadParams) (*Result, error)
	UpsertLead(ctx context.Context, p UpsertLeadParams) (*Result, error)
	ConvertLead(ctx context.Context, p ConvertLeadParams) (*Result, error)
	UpdateLeadStatus(ctx context.Context, p UpdateLeadStatusParams) (*Result, error)
	UpdateLeadFields(ctx context.Context, p UpdateLeadFieldsParams) (*Result, error)
	SetLeadScore(ctx context.Context, p SetLeadScoreParams) (*Result, error)
	MatchAccount(ctx context.Context, p MatchAccountParams) (*Result, error)
	CreateContact(ctx context.Context, p CreateContactParams) (*Result, error)
	LinkContactToAccount(ctx context.Context, p LinkContactToAccountParams) (*Result, error)
	CreateOpportunity(ctx context.Context, p CreateOpportunityParams) (*Result, error)
	UpdateOpportunityStage(ctx context.Context, p UpdateOpportunityStageParams) (*Result, error)
	SetOpportunityValue(ctx context.Context, p SetOpportunityValueParams) (*Result, error)
	AttachCampaign(ctx context.Context, p AttachCampaignParams) (*Result, error)
	CreateTask(ctx context.Context, p CreateTaskParams) (*Result, error)
	LogActivity(ctx context.Context, p LogActivityParams) (*Result, error)
	AddNote(ctx context.Context, p AddNoteParams) (*Result, error)
	CreateFollowUp(ctx context.Context, p CreateFollowUpParams) (*Result, error)
	SyncFirmographics(ctx context.Context, p SyncFirmographicsParams) (*Result, error)
}

// ProviderConfig carries what a factory needs to construct an executor.
// Secrets arrive resolved; the table never touches the environment itself.
type ProviderConfig struct {
	BaseURL   string
	ClientID  string
	Username  string
	// PrivateKeyPEM is the RSA key for JWT bearer grants, PEM encoded.
	PrivateKeyPEM string
	TokenURL      string
	// RequestsPerSecond smooths outbound calls client-side. Zero disables.
	RequestsPerSecond float64
}

// Factory constructs an executor from resolved configuration.
type Factory func(cfg ProviderConfig) (Executor, error)

var (
	providersMu sync.RWMutex
	providers   = map[string]Factory{}
)

// RegisterProvider adds a factory under an upper-case provider name.
// Concrete executors register themselves in init.
func RegisterProvider(name string, f Factory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[strings.ToUpper(name)] = f
}

// NewExecutor resolves the named provider and builds its executor. Unknown
// names fail at startup, listing what is available.
func NewExecutor(name string, cfg ProviderConfig) (Executor, error) {
	providersMu.RLock()
	factory, ok := providers[strings.ToUpper(name)]
	providersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %s)", ErrUnknownProvider, name, strings.Join(ProviderNames(), ", "))
	}
	return factory(cfg)
}

// ProviderNames lists the registered providers, sorted.
func ProviderNames() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
