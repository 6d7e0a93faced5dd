// Package lead defines the domain types shared across the pipeline: the
// persistent Lead record, AI analysis results with their evidence, and the
// enrichment payload used for grounding.
package lead

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Status is the lifecycle state of a Lead. Transitions are monotone over
// the allowed set; see CanTransition.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusEnriched          Status = "ENRICHED"
	StatusSyncedToCRM       Status = "SYNCED_TO_CRM"
	StatusAIRejected        Status = "AI_REJECTED"
	StatusMCPBlocked        Status = "MCP_BLOCKED"
	StatusPermanentlyFailed Status = "PERMANENTLY_FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSyncedToCRM, StatusAIRejected, StatusPermanentlyFailed:
		return true
	}
	return false
}

// allowedTransitions encodes the lead state machine. MCP_BLOCKED returns to
// ENRICHED on retry; PERMANENTLY_FAILED is reachable from any non-terminal
// state via the DLQ processor.
var allowedTransitions = map[Status][]Status{
	StatusPending:    {StatusEnriched, StatusPermanentlyFailed},
	StatusEnriched:   {StatusSyncedToCRM, StatusAIRejected, StatusMCPBlocked, StatusPermanentlyFailed},
	StatusMCPBlocked: {StatusEnriched, StatusPermanentlyFailed},
}

// CanTransition reports whether moving from one status to another is legal.
// A no-op transition (same status) is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Lead is the primary persistent record. It is created once per
// (email, campaignId) pair, mutated only by the worker, and never deleted.
type Lead struct {
	ID             int64  `json:"id"`
	IdempotencyKey string `json:"idempotency_key"`
	Email          string `json:"email"`
	CampaignID     string `json:"campaign_id"`
	Name           string `json:"name,omitempty"`

	// EnrichmentData holds the firmographic record captured at processing
	// time, keyed by field name. Nil when no enrichment was available.
	EnrichmentData *CompanyData `json:"enrichment_data,omitempty"`

	Status Status `json:"status"`

	// Analysis outputs, populated once by the worker after grounding.
	FitScore        *int            `json:"fit_score,omitempty"`
	Intent          Intent          `json:"intent,omitempty"`
	Reasoning       string          `json:"reasoning,omitempty"`
	Evidence        []Evidence      `json:"evidence,omitempty"`
	GroundingStatus GroundingStatus `json:"grounding_status,omitempty"`
	GroundingErrors []string        `json:"grounding_errors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EmailDomain returns the part of the lead email after '@', lowercased.
// Empty when the email has no domain part.
func (l *Lead) EmailDomain() string {
	return EmailDomain(l.Email)
}

// EmailDomain extracts the lowercased domain from an email address.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

// IdempotencyKey derives the unique ingest key for an (email, campaignId)
// pair: SHA-256 over the normalised email, a ':' separator, and the
// normalised campaign id. Normalisation is trim + lowercase on both parts,
// so lexical variants of the same pair collapse to one key.
func IdempotencyKey(email, campaignID string) string {
	e := strings.ToLower(strings.TrimSpace(email))
	c := strings.ToLower(strings.TrimSpace(campaignID))
	sum := sha256.Sum256([]byte(e + ":" + c))
	return hex.EncodeToString(sum[:])
}

// JobPayload is the queue-resident job body. The wire form is
// {"leadId": <id>}, wrapped by the queue client under its "data" field.
type JobPayload struct {
	LeadID int64 `json:"leadId"`
}
