package mcp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline/groundline/pkg/lead"
	"github.com/groundline/groundline/pkg/mcp"
)

func planLead() *lead.Lead {
	return &lead.Lead{ID: 7, Email: "jane@acme.io", CampaignID: "spring-24", Name: "Jane van der Doe"}
}

func planAnalysis() *lead.AnalysisResult {
	return &lead.AnalysisResult{
		FitScore:        82,
		Intent:          lead.IntentHighFit,
		Decision:        lead.DecisionRouteToSDR,
		GroundingStatus: lead.GroundingValid,
	}
}

func TestBuildActionPlan_WithEnrichment(t *testing.T) {
	enrichment := &lead.CompanyData{
		Name: "Acme Corp", Industry: "Fintech", Employees: 500,
		Geo: "EMEA", TechStack: []string{"Go", "Postgres"},
	}

	plan := mcp.BuildActionPlan(planLead(), planAnalysis(), enrichment)

	require.Len(t, plan, 4)
	assert.Equal(t, []string{"upsert_lead", "set_lead_score", "sync_firmographics", "log_activity"},
		[]string{plan[0].Tool, plan[1].Tool, plan[2].Tool, plan[3].Tool})

	upsert := plan[0]
	assert.True(t, upsert.Critical, "the upsert gates everything after it")
	assert.Equal(t, mcp.IdemStable, upsert.Idem)
	assert.Empty(t, upsert.LeadRefParam)
	assert.Equal(t, "jane@acme.io", upsert.Params["email"])
	assert.Equal(t, "Jane", upsert.Params["firstName"])
	assert.Equal(t, "van der Doe", upsert.Params["lastName"], "everything after the first space is the last name")
	assert.Equal(t, "Acme Corp", upsert.Params["company"])

	score := plan[1]
	assert.False(t, score.Critical)
	assert.Equal(t, mcp.IdemWindowed, score.Idem)
	assert.Equal(t, "leadId", score.LeadRefParam)
	assert.Equal(t, 82, score.Params["score"])
	assert.Equal(t, "fit", score.Params["scoreType"])

	firmo := plan[2]
	assert.Equal(t, "leadId", firmo.LeadRefParam)
	fields := firmo.Params["firmographics"].(map[string]any)
	assert.Equal(t, "Fintech", fields["industry"])
	assert.Equal(t, 500, fields["employees"])
	assert.Equal(t, "EMEA", fields["geo"])

	activity := plan[3]
	assert.Equal(t, "relatedToId", activity.LeadRefParam)
	assert.Equal(t, "ai_analysis", activity.Params["type"])
	desc := activity.Params["description"].(string)
	assert.Contains(t, desc, "intent=HIGH_FIT")
	assert.Contains(t, desc, "fit=82")
}

func TestBuildActionPlan_WithoutEnrichment(t *testing.T) {
	plan := mcp.BuildActionPlan(planLead(), planAnalysis(), nil)

	require.Len(t, plan, 3)
	for _, a := range plan {
		assert.NotEqual(t, "sync_firmographics", a.Tool)
	}
	assert.Equal(t, "", plan[0].Params["company"], "no enrichment, no company name")
}

func TestBuildActionPlan_ZeroScoreStillWritten(t *testing.T) {
	analysis := planAnalysis()
	analysis.FitScore = 0

	plan := mcp.BuildActionPlan(planLead(), analysis, nil)

	var score *mcp.Action
	for i := range plan {
		if plan[i].Tool == "set_lead_score" {
			score = &plan[i]
		}
	}
	require.NotNil(t, score, "a zero score is a verdict, not an absence")
	assert.Equal(t, 0, score.Params["score"])
}

func TestBuildActionPlan_EmptyEnrichmentSkipsFirmographics(t *testing.T) {
	plan := mcp.BuildActionPlan(planLead(), planAnalysis(), &lead.CompanyData{})
	require.Len(t, plan, 3)
}

func TestBuildActionPlan_NameSplitting(t *testing.T) {
	cases := []struct {
		name      string
		wantFirst string
		wantLast  string
	}{
		{"Jane Doe", "Jane", "Doe"},
		{"Prince", "Prince", ""},
		{"", "", ""},
		{"  Ana  de la Cruz  ", "Ana", "de la Cruz"},
	}
	for _, c := range cases {
		l := planLead()
		l.Name = c.name
		plan := mcp.BuildActionPlan(l, planAnalysis(), nil)
		assert.Equal(t, c.wantFirst, plan[0].Params["firstName"], "name %q", c.name)
		assert.Equal(t, c.wantLast, plan[0].Params["lastName"], "name %q", c.name)
	}
}
