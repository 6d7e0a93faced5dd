// Package metrics defines the Prometheus instrumentation for the pipeline.
// Metric names and label sets are part of the operational contract; dashboards
// and alerts key on them, so they never change casually.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the worker and MCP emit. Construct one per
// process with New and pass the handle down; tests use NewInert so parallel
// tests never fight over a shared registry.
type Metrics struct {
	LeadsProcessed     *prometheus.CounterVec
	ActionsTotal       *prometheus.CounterVec
	GroundingDecisions *prometheus.CounterVec
	RateLimitHits      *prometheus.CounterVec
	SafetyBlocks       *prometheus.CounterVec

	BreakerState *prometheus.GaugeVec

	AIAnalysisDuration prometheus.Histogram
	ActionDuration     *prometheus.HistogramVec
	CRMAPIDuration     *prometheus.HistogramVec
}

// New registers all collectors on reg and returns the handle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LeadsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leads_processed_total",
				Help: "Leads processed by the worker, by terminal status of the attempt",
			},
			[]string{"status"},
		),
		ActionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_actions_total",
				Help: "MCP tool executions, by tool, outcome and CRM provider",
			},
			[]string{"tool", "status", "crm_provider"},
		),
		GroundingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_grounding_decisions_total",
				Help: "Grounding validator verdicts",
			},
			[]string{"status"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_rate_limit_violations_total",
				Help: "Rate limit violations, by limiter tier",
			},
			[]string{"limit_type"},
		),
		SafetyBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_safety_blocks_total",
				Help: "Executions refused by the safety guard",
			},
			[]string{"tool", "reason"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcp_circuit_breaker_state",
				Help: "Circuit breaker state per provider and operation (0 closed, 1 half-open, 2 open)",
			},
			[]string{"crm_provider", "operation"},
		),
		AIAnalysisDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ai_analysis_duration_seconds",
				Help:    "Wall time of one AI analysis call",
				Buckets: prometheus.DefBuckets,
			},
		),
		ActionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcp_action_duration_seconds",
				Help:    "Wall time of one MCP action, end to end",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool", "crm_provider"},
		),
		CRMAPIDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcp_crm_api_duration_seconds",
				Help:    "Wall time of the underlying CRM API call",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"crm_provider", "operation", "status"},
		),
	}
}

// NewInert returns a handle whose collectors are registered on a throwaway
// registry. Handy default for tests and library callers that do not scrape.
func NewInert() *Metrics {
	return New(prometheus.NewRegistry())
}

// RecordLeadProcessed counts one finished worker attempt.
func (m *Metrics) RecordLeadProcessed(status string) {
	m.LeadsProcessed.WithLabelValues(status).Inc()
}

// RecordAction counts one tool execution and observes its duration.
func (m *Metrics) RecordAction(tool, status, provider string, d time.Duration) {
	m.ActionsTotal.WithLabelValues(tool, status, provider).Inc()
	m.ActionDuration.WithLabelValues(tool, provider).Observe(d.Seconds())
}

// RecordGrounding counts one validator verdict.
func (m *Metrics) RecordGrounding(status string) {
	m.GroundingDecisions.WithLabelValues(status).Inc()
}

// RecordRateLimitViolation counts one limiter refusal for a tier.
func (m *Metrics) RecordRateLimitViolation(limitType string) {
	m.RateLimitHits.WithLabelValues(limitType).Inc()
}

// RecordSafetyBlock counts one safety-guard refusal.
func (m *Metrics) RecordSafetyBlock(tool, reason string) {
	m.SafetyBlocks.WithLabelValues(tool, reason).Inc()
}

// RecordBreakerState exports a breaker transition. closed=0 half-open=1 open=2.
func (m *Metrics) RecordBreakerState(provider, operation string, state float64) {
	m.BreakerState.WithLabelValues(provider, operation).Set(state)
}

// RecordAIAnalysis observes one AI provider call.
func (m *Metrics) RecordAIAnalysis(d time.Duration) {
	m.AIAnalysisDuration.Observe(d.Seconds())
}

// RecordCRMAPICall observes the raw vendor API latency.
func (m *Metrics) RecordCRMAPICall(provider, operation, status string, d time.Duration) {
	m.CRMAPIDuration.WithLabelValues(provider, operation, status).Observe(d.Seconds())
}
