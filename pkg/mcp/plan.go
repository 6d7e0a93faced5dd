package mcp

import (
	"fmt"
	"strings"

	"github.com/groundline/groundline/pkg/lead"
)

// IdempotencyMode selects how an action's dedupe key is derived.
type IdempotencyMode string

const (
	// IdemStable omits the time term; for upserts where identity is
	// intrinsic to the parameters.
	IdemStable IdempotencyMode = "stable"
	// IdemWindowed scopes the key to the current window so the action can
	// legitimately repeat later.
	IdemWindowed IdempotencyMode = "windowed"
)

// Action is one planned tool invocation. Critical actions halt the plan on
// failure; the rest degrade to collected errors.
type Action struct {
	Tool     string
	Params   map[string]any
	Critical bool
	Idem     IdempotencyMode
	// LeadRefParam names the parameter to fill with the CRM lead record id
	// once the upsert has resolved it. Empty means no injection.
	LeadRefParam string
}

// BuildActionPlan derives the ordered action list for a grounded analysis.
// Order is fixed: upsert the lead (critical), then score, then
// firmographics, then the activity log entry.
func BuildActionPlan(l *lead.Lead, analysis *lead.AnalysisResult, enrichment *lead.CompanyData) []Action {
	firstName, lastName := splitName(l.Name)
	company := ""
	if enrichment != nil {
		company = enrichment.Name
	}

	plan := []Action{{
		Tool: "upsert_lead",
		Params: map[string]any{
			"email":     l.Email,
			"firstName": firstName,
			"lastName":  lastName,
			"company":   company,
		},
		Critical: true,
		Idem:     IdemStable,
	}}

	// FitScore is a plain int, so a legitimate score of 0 cannot be told
	// apart from an absent one; the score is written unconditionally and the
	// CRM reflects the verdict even at zero.
	plan = append(plan, Action{
		Tool: "set_lead_score",
		Params: map[string]any{
			"score":     analysis.FitScore,
			"scoreType": "fit",
		},
		Idem:         IdemWindowed,
		LeadRefParam: "leadId",
	})

	if enrichment != nil && !enrichment.Empty() {
		plan = append(plan, Action{
			Tool: "sync_firmographics",
			Params: map[string]any{
				"firmographics": map[string]any{
					"industry":  enrichment.Industry,
					"employees": enrichment.Employees,
					"geo":       enrichment.Geo,
					"techStack": enrichment.TechStack,
				},
			},
			Idem:         IdemWindowed,
			LeadRefParam: "leadId",
		})
	}

	plan = append(plan, Action{
		Tool: "log_activity",
		Params: map[string]any{
			"type":        "ai_analysis",
			"description": activityDescription(analysis),
		},
		Idem:         IdemWindowed,
		LeadRefParam: "relatedToId",
	})

	return plan
}

// splitName divides a free-form name on its first space: everything before
// is the first name, the remainder the last name.
func splitName(name string) (string, string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ""
	}
	parts := strings.Fields(name)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

func activityDescription(analysis *lead.AnalysisResult) string {
	return fmt.Sprintf("AI analysis: intent=%s fit=%d decision=%s grounding=%s",
		analysis.Intent, analysis.FitScore, analysis.Decision, analysis.GroundingStatus)
}
