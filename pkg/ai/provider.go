// Package ai abstracts the lead-analysis model behind a provider interface.
// The worker calls AnalyzeLead and never learns which implementation ran;
// provider failures are absorbed upstream as a rejected fallback analysis.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/groundline/groundline/pkg/lead"
)

// ErrUnknownProvider means AI_PROVIDER named nothing in the table.
var ErrUnknownProvider = errors.New("ai: unknown provider")

// Provider analyses one lead against optional enrichment context and returns
// a structured result with its evidence citations.
type Provider interface {
	Name() string
	AnalyzeLead(ctx context.Context, l *lead.Lead, enrichment *lead.CompanyData) (*lead.AnalysisResult, error)
}

// Config carries what the provider constructors need.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewProvider builds the named provider. Empty and "local" select the
// deterministic rule-based provider.
func NewProvider(name string, cfg Config) (Provider, error) {
	switch strings.ToLower(name) {
	case "", "local", "rules":
		return NewRuleBasedProvider(), nil
	case "openai":
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}
