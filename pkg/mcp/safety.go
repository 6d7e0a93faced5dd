package mcp

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/groundline/groundline/pkg/lead"
)

// Safety block reasons, used as the reason label on block metrics.
const (
	ReasonDangerousTool     = "dangerous_tool_name"
	ReasonDangerousParam    = "dangerous_parameter"
	ReasonGroundingRejected = "grounding_rejected"
	ReasonMissingEmail      = "missing_email"
	ReasonMissingLeadID     = "missing_lead_id"
	ReasonMissingExecution  = "missing_execution_id"
	ReasonStaleContext      = "stale_context"
)

// SafetyError reports why the guard refused an execution. Reason is a
// stable label; Detail is free text for logs.
type SafetyError struct {
	Reason string
	Detail string
}

func (e *SafetyError) Error() string {
	return fmt.Sprintf("mcp: safety block (%s): %s", e.Reason, e.Detail)
}

// blockedPatterns match tool names and string parameters that must never
// reach a CRM: destructive verbs, bulk operations, query smuggling,
// template injection and prototype pollution.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^delete_`),
	regexp.MustCompile(`(?i)^mass_`),
	regexp.MustCompile(`(?i)schema_change`),
	regexp.MustCompile(`(?i)permission_change`),
	regexp.MustCompile(`(?i)execute.*query`),
	regexp.MustCompile(`(?i)bulk_export`),
	regexp.MustCompile(`(?i)^merge_`),
	regexp.MustCompile(`(?i)hard_delete`),
	regexp.MustCompile(`\$\{[^}]*\}`),
	regexp.MustCompile(`(?i)__proto__|constructor|prototype`),
}

// Context timestamps may lag up to an hour (queued work) and lead by at
// most a minute (clock skew).
const (
	maxContextAge  = time.Hour
	maxContextSkew = time.Minute
)

// SafetyGuard rejects tools, contexts and parameters that match danger
// patterns or fail integrity checks. It is stateless apart from its clock.
type SafetyGuard struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewSafetyGuard(logger *slog.Logger) *SafetyGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &SafetyGuard{logger: logger, now: time.Now}
}

// SetClock replaces the time source. Tests use this to pin "now".
func (g *SafetyGuard) SetClock(now func() time.Time) {
	g.now = now
}

// CheckToolName rejects names matching a blocked pattern. The registry
// runs this at registration time and the orchestrator again at dispatch.
func (g *SafetyGuard) CheckToolName(name string) error {
	if pat := matchBlocked(name); pat != "" {
		return &SafetyError{
			Reason: ReasonDangerousTool,
			Detail: fmt.Sprintf("tool %q matches blocked pattern %s", name, pat),
		}
	}
	return nil
}

// CheckContext verifies the execution context is complete, fresh and not
// grounding-rejected. All checks must hold before any execution.
func (g *SafetyGuard) CheckContext(ec *ExecutionContext) error {
	if ec.GroundingStatus == lead.GroundingRejected {
		return &SafetyError{Reason: ReasonGroundingRejected, Detail: "analysis was rejected by grounding"}
	}
	if ec.ExecutionID == "" {
		return &SafetyError{Reason: ReasonMissingExecution, Detail: "execution id is empty"}
	}
	if ec.Lead == nil || ec.Lead.ID == 0 {
		return &SafetyError{Reason: ReasonMissingLeadID, Detail: "lead id is empty"}
	}
	if ec.Lead.Email == "" {
		return &SafetyError{Reason: ReasonMissingEmail, Detail: "lead email is empty"}
	}

	now := g.now()
	if ec.Timestamp.Before(now.Add(-maxContextAge)) || ec.Timestamp.After(now.Add(maxContextSkew)) {
		return &SafetyError{
			Reason: ReasonStaleContext,
			Detail: fmt.Sprintf("context timestamp %s outside [now-1h, now+1m]", ec.Timestamp.Format(time.RFC3339)),
		}
	}
	return nil
}

// CheckParams walks every parameter recursively and matches each string
// against the blocked patterns. The error names the offending path.
func (g *SafetyGuard) CheckParams(params map[string]any) error {
	return walkParams("", params)
}

func walkParams(path string, v any) error {
	switch t := v.(type) {
	case string:
		if pat := matchBlocked(t); pat != "" {
			return &SafetyError{
				Reason: ReasonDangerousParam,
				Detail: fmt.Sprintf("parameter %s matches blocked pattern %s", path, pat),
			}
		}
	case map[string]any:
		for k, val := range t {
			child := k
			if path != "" {
				child = path + "." + k
			}
			// Keys are attack surface too: {"__proto__": {...}}.
			if pat := matchBlocked(k); pat != "" {
				return &SafetyError{
					Reason: ReasonDangerousParam,
					Detail: fmt.Sprintf("parameter key %s matches blocked pattern %s", child, pat),
				}
			}
			if err := walkParams(child, val); err != nil {
				return err
			}
		}
	case []any:
		for i, val := range t {
			if err := walkParams(fmt.Sprintf("%s[%d]", path, i), val); err != nil {
				return err
			}
		}
	case []string:
		for i, val := range t {
			if err := walkParams(fmt.Sprintf("%s[%d]", path, i), val); err != nil {
				return err
			}
		}
	}
	return nil
}

func matchBlocked(s string) string {
	for _, re := range blockedPatterns {
		if re.MatchString(s) {
			return re.String()
		}
	}
	return ""
}
