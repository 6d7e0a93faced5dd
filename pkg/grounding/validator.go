// Package grounding validates AI analysis results against authoritative
// data. Every claim must cite an allowed source; firmographic claims must
// agree with the enrichment record; high-intent verdicts must rest on
// behavioural or computed evidence. The validator stamps its verdict on the
// result instead of raising: the orchestrator reads the tag.
package grounding

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/groundline/groundline/pkg/lead"
)

// downgradeCeiling caps the fit score when a high-intent verdict lacks
// behavioural evidence.
const downgradeCeiling = 70

// behaviouralSources are the sources that can justify HIGH_FIT. Enrichment
// alone describes the company, not the buyer's behaviour.
var behaviouralSources = map[lead.EvidenceSource]struct{}{
	lead.SourceProduct:    {},
	lead.SourceMarketo:    {},
	lead.SourceComputed:   {},
	lead.SourceSalesforce: {},
}

// Validator applies the grounding rules in a fixed order.
type Validator struct {
	logger *slog.Logger
}

func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger}
}

// Validate stamps GroundingStatus and GroundingErrors onto res and returns
// the same pointer. A rejection replaces the reasoning with the grounding
// error so the stored lead explains itself. A downgrade mutates intent to
// MEDIUM_FIT and caps the fit score.
func (v *Validator) Validate(res *lead.AnalysisResult, enrichment *lead.CompanyData) *lead.AnalysisResult {
	if msg, rejected := v.checkHardRules(res, enrichment); rejected {
		res.GroundingStatus = lead.GroundingRejected
		res.GroundingErrors = []string{msg}
		res.Reasoning = msg
		v.logger.Info("grounding rejected analysis", "error", msg)
		return res
	}

	if res.Intent == lead.IntentHighFit && !hasBehaviouralSource(res.Evidence) {
		res.GroundingStatus = lead.GroundingDowngraded
		res.GroundingErrors = []string{"High Intent requires at least one behavioral/computed evidence item."}
		res.Intent = lead.IntentMediumFit
		if res.FitScore > downgradeCeiling {
			res.FitScore = downgradeCeiling
		}
		v.logger.Debug("grounding downgraded analysis", "fit_score", res.FitScore)
		return res
	}

	res.GroundingStatus = lead.GroundingValid
	res.GroundingErrors = nil
	return res
}

// checkHardRules runs the rejection rules in order and reports the first
// violation.
func (v *Validator) checkHardRules(res *lead.AnalysisResult, enrichment *lead.CompanyData) (string, bool) {
	for _, ev := range res.Evidence {
		if !ev.Source.Authorized() {
			return fmt.Sprintf("unauthorized source: %s", ev.Source), true
		}
	}

	enrichmentAbsent := enrichment == nil || enrichment.Empty()
	for _, ev := range res.Evidence {
		if ev.ClaimType == lead.ClaimFirmographic && enrichmentAbsent {
			return "firmographic claims without available enrichment", true
		}
	}

	for _, ev := range res.Evidence {
		if ev.Source != lead.SourceEnrichment || ev.ClaimType != lead.ClaimFirmographic {
			continue
		}
		trusted, ok := enrichment.Field(ev.FieldName())
		if !ok {
			// No trusted value to compare against: skip, not fatal.
			continue
		}
		claimed := ev.Value.CoerceString()
		if !looselyContains(claimed, trusted) {
			return fmt.Sprintf("Hallucination detected: claimed %s=%q but enrichment holds %q",
				ev.FieldPath, claimed, trusted), true
		}
	}

	return "", false
}

// looselyContains reports whether either string contains the other,
// case-insensitively, so minor lexical variants do not false-reject.
func looselyContains(claimed, trusted string) bool {
	c := strings.ToLower(strings.TrimSpace(claimed))
	t := strings.ToLower(strings.TrimSpace(trusted))
	return strings.Contains(c, t) || strings.Contains(t, c)
}

func hasBehaviouralSource(evidence []lead.Evidence) bool {
	for _, ev := range evidence {
		if _, ok := behaviouralSources[ev.Source]; ok {
			return true
		}
	}
	return false
}
