package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/groundline/groundline/pkg/lead"
)

// icpIndustries are the segments the rule-based provider treats as strong
// ideal-customer-profile matches.
var icpIndustries = map[string]int{
	"fintech":    30,
	"saas":       25,
	"software":   25,
	"ecommerce":  20,
	"healthcare": 15,
}

// RuleBasedProvider is a deterministic analyser for development and tests.
// It scores on enrichment presence, industry fit and company size, and emits
// the same evidence shapes a model-backed provider would, so everything
// downstream (grounding, planning, audit) exercises identically.
type RuleBasedProvider struct{}

func NewRuleBasedProvider() *RuleBasedProvider {
	return &RuleBasedProvider{}
}

func (p *RuleBasedProvider) Name() string { return "local" }

func (p *RuleBasedProvider) AnalyzeLead(_ context.Context, l *lead.Lead, enrichment *lead.CompanyData) (*lead.AnalysisResult, error) {
	score := 20
	var evidence []lead.Evidence
	var reasons []string

	if enrichment != nil && !enrichment.Empty() {
		score += 20
		reasons = append(reasons, "enrichment data available")

		if enrichment.Industry != "" {
			if bonus, ok := icpIndustries[strings.ToLower(enrichment.Industry)]; ok {
				score += bonus
				reasons = append(reasons, fmt.Sprintf("industry %s matches ICP", enrichment.Industry))
			}
			evidence = append(evidence, lead.Evidence{
				Source:    lead.SourceEnrichment,
				FieldPath: "enrichment.industry",
				Value:     lead.NewValue(enrichment.Industry),
				ClaimType: lead.ClaimFirmographic,
			})
		}
		if enrichment.Employees >= 50 {
			score += 15
			reasons = append(reasons, fmt.Sprintf("company size %d employees", enrichment.Employees))
			evidence = append(evidence, lead.Evidence{
				Source:    lead.SourceEnrichment,
				FieldPath: "enrichment.employees",
				Value:     lead.NewValue(enrichment.Employees),
				ClaimType: lead.ClaimFirmographic,
			})
		}
	}

	if l.CampaignID != "" {
		score += 15
		reasons = append(reasons, fmt.Sprintf("responded to campaign %s", l.CampaignID))
		evidence = append(evidence, lead.Evidence{
			Source:    lead.SourceMarketo,
			FieldPath: "marketo.campaign_id",
			Value:     lead.NewValue(l.CampaignID),
			ClaimType: lead.ClaimBehavior,
		})
	}

	if score > 100 {
		score = 100
	}
	evidence = append(evidence, lead.Evidence{
		Source:    lead.SourceComputed,
		FieldPath: "computed.fit_score",
		Value:     lead.NewValue(score),
		ClaimType: lead.ClaimScore,
	})

	intent, decision := classify(score)
	return &lead.AnalysisResult{
		FitScore:  score,
		Intent:    intent,
		Decision:  decision,
		Reasoning: strings.Join(reasons, "; "),
		Evidence:  evidence,
	}, nil
}

func classify(score int) (lead.Intent, lead.Decision) {
	switch {
	case score >= 70:
		return lead.IntentHighFit, lead.DecisionRouteToSDR
	case score >= 40:
		return lead.IntentMediumFit, lead.DecisionNurture
	default:
		return lead.IntentLowFit, lead.DecisionIgnore
	}
}
