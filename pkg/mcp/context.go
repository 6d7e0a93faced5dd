// Package mcp is the safety and quota layer between a grounded AI analysis
// and the CRM. Every mutation passes, in order, through the safety guard,
// the tiered rate limiter, the idempotency store and a circuit breaker, and
// leaves one redacted audit row per executor call.
package mcp

import (
	"time"

	"github.com/groundline/groundline/pkg/lead"
)

// ExecutionContext carries the identity of one orchestrator invocation.
// A single execution id groups the whole action sequence in the audit log.
type ExecutionContext struct {
	ExecutionID     string
	Lead            *lead.Lead
	GroundingStatus lead.GroundingStatus
	Timestamp       time.Time
}

// OrchestratorStatus is the overall outcome of one MCP invocation.
type OrchestratorStatus string

const (
	StatusCompleted           OrchestratorStatus = "COMPLETED"
	StatusRejectedByGrounding OrchestratorStatus = "REJECTED_BY_GROUNDING"
	StatusRateLimited         OrchestratorStatus = "RATE_LIMITED"
	StatusBlocked             OrchestratorStatus = "BLOCKED"
)
