package grounding_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline/groundline/pkg/grounding"
	"github.com/groundline/groundline/pkg/lead"
)

func newValidator() *grounding.Validator {
	return grounding.NewValidator(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func evidence(src lead.EvidenceSource, path string, value any, claim lead.ClaimType) lead.Evidence {
	return lead.Evidence{Source: src, FieldPath: path, Value: lead.NewValue(value), ClaimType: claim}
}

func TestValidate_ValidHighFitWithBehaviour(t *testing.T) {
	v := newValidator()
	enrichment := &lead.CompanyData{Industry: "Fintech"}
	res := &lead.AnalysisResult{
		FitScore: 90,
		Intent:   lead.IntentHighFit,
		Decision: lead.DecisionRouteToSDR,
		Evidence: []lead.Evidence{
			evidence(lead.SourceEnrichment, "enrichment.industry", "Fintech", lead.ClaimFirmographic),
			evidence(lead.SourceMarketo, "marketo.campaign_id", "launch", lead.ClaimBehavior),
		},
	}

	out := v.Validate(res, enrichment)

	assert.Equal(t, lead.GroundingValid, out.GroundingStatus)
	assert.Empty(t, out.GroundingErrors)
	assert.Equal(t, lead.IntentHighFit, out.Intent)
	assert.Equal(t, 90, out.FitScore)
}

func TestValidate_UnauthorizedSource(t *testing.T) {
	v := newValidator()
	res := &lead.AnalysisResult{
		FitScore: 80,
		Intent:   lead.IntentHighFit,
		Evidence: []lead.Evidence{
			evidence("WEB_SEARCH", "web.snippet", "anything", lead.ClaimBehavior),
		},
	}

	out := v.Validate(res, &lead.CompanyData{Industry: "Fintech"})

	assert.Equal(t, lead.GroundingRejected, out.GroundingStatus)
	require.Len(t, out.GroundingErrors, 1)
	assert.Equal(t, "unauthorized source: WEB_SEARCH", out.GroundingErrors[0])
	assert.Contains(t, out.Reasoning, "unauthorized source")
}

func TestValidate_FirmographicWithoutEnrichment(t *testing.T) {
	v := newValidator()
	res := &lead.AnalysisResult{
		Intent: lead.IntentMediumFit,
		Evidence: []lead.Evidence{
			evidence(lead.SourceEnrichment, "enrichment.industry", "Software", lead.ClaimFirmographic),
		},
	}

	out := v.Validate(res, nil)

	assert.Equal(t, lead.GroundingRejected, out.GroundingStatus)
	require.Len(t, out.GroundingErrors, 1)
	assert.Equal(t, "firmographic claims without available enrichment", out.GroundingErrors[0])
	assert.Contains(t, out.Reasoning, "firmographic claims without available enrichment")
}

func TestValidate_EmptyEnrichmentCountsAsAbsent(t *testing.T) {
	v := newValidator()
	res := &lead.AnalysisResult{
		Evidence: []lead.Evidence{
			evidence(lead.SourceEnrichment, "enrichment.industry", "Software", lead.ClaimFirmographic),
		},
	}

	out := v.Validate(res, &lead.CompanyData{})

	assert.Equal(t, lead.GroundingRejected, out.GroundingStatus)
}

func TestValidate_FirmographicConflict(t *testing.T) {
	v := newValidator()
	enrichment := &lead.CompanyData{Industry: "Fintech"}
	res := &lead.AnalysisResult{
		Intent:    lead.IntentMediumFit,
		Reasoning: "confident claim",
		Evidence: []lead.Evidence{
			evidence(lead.SourceEnrichment, "enrichment.industry", "Healthcare", lead.ClaimFirmographic),
		},
	}

	out := v.Validate(res, enrichment)

	assert.Equal(t, lead.GroundingRejected, out.GroundingStatus)
	require.Len(t, out.GroundingErrors, 1)
	assert.Contains(t, out.GroundingErrors[0], "Hallucination detected")
	assert.Contains(t, out.Reasoning, "Hallucination detected")
}

func TestValidate_ContainmentToleratesLexicalVariants(t *testing.T) {
	v := newValidator()
	enrichment := &lead.CompanyData{Industry: "Fintech", Employees: 500}

	cases := []struct {
		name  string
		field string
		value any
	}{
		{"claim extends trusted", "enrichment.industry", "fintech services"},
		{"claim is substring", "enrichment.industry", "Fin"},
		{"case difference", "enrichment.industry", "FINTECH"},
		{"numeric claim", "enrichment.employees", float64(500)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res := &lead.AnalysisResult{
				Evidence: []lead.Evidence{
					evidence(lead.SourceEnrichment, c.field, c.value, lead.ClaimFirmographic),
				},
			}
			out := v.Validate(res, enrichment)
			assert.Equal(t, lead.GroundingValid, out.GroundingStatus, "value %v should pass", c.value)
		})
	}
}

func TestValidate_MissingTrustedFieldSkips(t *testing.T) {
	v := newValidator()
	enrichment := &lead.CompanyData{Industry: "Fintech"}
	res := &lead.AnalysisResult{
		Evidence: []lead.Evidence{
			evidence(lead.SourceEnrichment, "enrichment.revenue", "12M", lead.ClaimFirmographic),
		},
	}

	out := v.Validate(res, enrichment)

	assert.Equal(t, lead.GroundingValid, out.GroundingStatus)
}

func TestValidate_HighFitWithoutBehaviourDowngrades(t *testing.T) {
	v := newValidator()
	enrichment := &lead.CompanyData{Industry: "Fintech"}
	res := &lead.AnalysisResult{
		FitScore:  95,
		Intent:    lead.IntentHighFit,
		Decision:  lead.DecisionRouteToSDR,
		Reasoning: "looks great",
		Evidence: []lead.Evidence{
			evidence(lead.SourceEnrichment, "enrichment.industry", "Fintech", lead.ClaimFirmographic),
		},
	}

	out := v.Validate(res, enrichment)

	assert.Equal(t, lead.GroundingDowngraded, out.GroundingStatus)
	assert.Equal(t, lead.IntentMediumFit, out.Intent)
	assert.Equal(t, 70, out.FitScore)
	assert.Equal(t, lead.DecisionRouteToSDR, out.Decision, "decision is not mutated")
	assert.Equal(t, "looks great", out.Reasoning, "downgrade keeps the model's reasoning")
	require.Len(t, out.GroundingErrors, 1)
	assert.Contains(t, out.GroundingErrors[0], "High Intent requires")
}

func TestValidate_DowngradeKeepsLowerScore(t *testing.T) {
	v := newValidator()
	res := &lead.AnalysisResult{
		FitScore: 55,
		Intent:   lead.IntentHighFit,
	}

	out := v.Validate(res, &lead.CompanyData{Industry: "Fintech"})

	assert.Equal(t, lead.GroundingDowngraded, out.GroundingStatus)
	assert.Equal(t, 55, out.FitScore, "min(fitScore, 70) keeps scores already below the ceiling")
}

func TestValidate_RuleOrderUnauthorizedFirst(t *testing.T) {
	v := newValidator()
	// Both an unauthorized source and a firmographic conflict: rule 1 wins.
	res := &lead.AnalysisResult{
		Evidence: []lead.Evidence{
			evidence(lead.SourceEnrichment, "enrichment.industry", "Healthcare", lead.ClaimFirmographic),
			evidence("LINKEDIN_SCRAPE", "x.y", "z", lead.ClaimBehavior),
		},
	}

	out := v.Validate(res, &lead.CompanyData{Industry: "Fintech"})

	assert.Equal(t, lead.GroundingRejected, out.GroundingStatus)
	assert.Contains(t, out.GroundingErrors[0], "unauthorized source")
}

func TestValidate_NoEvidenceMediumFitIsValid(t *testing.T) {
	v := newValidator()
	res := &lead.AnalysisResult{FitScore: 40, Intent: lead.IntentMediumFit}

	out := v.Validate(res, nil)

	assert.Equal(t, lead.GroundingValid, out.GroundingStatus)
}
