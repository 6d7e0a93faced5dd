package lead

// Intent buckets a lead by how well it matches the ideal customer profile.
type Intent string

const (
	IntentLowFit       Intent = "LOW_FIT"
	IntentMediumFit    Intent = "MEDIUM_FIT"
	IntentHighFit      Intent = "HIGH_FIT"
	IntentManualReview Intent = "MANUAL_REVIEW"
)

// Decision is the routing outcome attached to an analysis.
type Decision string

const (
	DecisionRouteToSDR Decision = "ROUTE_TO_SDR"
	DecisionNurture    Decision = "NURTURE"
	DecisionIgnore     Decision = "IGNORE"
)

// GroundingStatus records the validator verdict on an analysis.
type GroundingStatus string

const (
	GroundingValid      GroundingStatus = "VALID"
	GroundingDowngraded GroundingStatus = "DOWNGRADED"
	GroundingRejected   GroundingStatus = "REJECTED"
)

// AnalysisResult is the structured output of the AI provider, annotated by
// the grounding validator before anything downstream consumes it.
type AnalysisResult struct {
	FitScore  int        `json:"fitScore"`
	Intent    Intent     `json:"intent"`
	Decision  Decision   `json:"decision"`
	Reasoning string     `json:"reasoning"`
	Evidence  []Evidence `json:"evidence"`

	GroundingStatus GroundingStatus `json:"groundingStatus,omitempty"`
	GroundingErrors []string        `json:"groundingErrors,omitempty"`
}

// FallbackAnalysis is the deterministic result substituted when the AI
// provider fails outright. It routes the lead to a human and carries the
// provider error as its only grounding error.
func FallbackAnalysis(cause error) *AnalysisResult {
	msg := "analysis provider unavailable"
	if cause != nil {
		msg = cause.Error()
	}
	return &AnalysisResult{
		FitScore:        0,
		Intent:          IntentManualReview,
		Decision:        DecisionIgnore,
		Reasoning:       "AI analysis failed; queued for manual review",
		GroundingStatus: GroundingRejected,
		GroundingErrors: []string{msg},
	}
}

