// Package enrichment resolves email domains to firmographic company data.
// Lookup failures are soft: the worker logs them and proceeds without
// enrichment, which the grounding rules then account for.
package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/groundline/groundline/pkg/lead"
)

// ErrNotFound means the provider has no record for the domain. Callers treat
// it as "no enrichment", not as a failure.
var ErrNotFound = errors.New("enrichment: company not found")

// Provider looks up the company behind an email domain.
type Provider interface {
	GetCompanyByDomain(ctx context.Context, domain string) (*lead.CompanyData, error)
}

// StaticProvider serves a fixed in-memory domain table; the development and
// test implementation.
type StaticProvider struct {
	mu        sync.RWMutex
	companies map[string]*lead.CompanyData
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{companies: make(map[string]*lead.CompanyData)}
}

// Add registers a company under its domain.
func (p *StaticProvider) Add(c *lead.CompanyData) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.companies[strings.ToLower(c.Domain)] = c
}

func (p *StaticProvider) GetCompanyByDomain(_ context.Context, domain string) (*lead.CompanyData, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.companies[strings.ToLower(domain)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, domain)
	}
	// Copy so callers cannot mutate the table.
	out := *c
	return &out, nil
}

// HTTPProvider queries a JSON enrichment API: GET <base>/companies?domain=<d>
// answering a CompanyData document, 404 for unknown domains.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) GetCompanyByDomain(ctx context.Context, domain string) (*lead.CompanyData, error) {
	u := p.baseURL + "/companies?domain=" + url.QueryEscape(strings.ToLower(domain))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("enrichment: build request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrichment: lookup %s: %w", domain, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, domain)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("enrichment: lookup %s: status %d", domain, resp.StatusCode)
	}

	var c lead.CompanyData
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return nil, fmt.Errorf("enrichment: decode company: %w", err)
	}
	if c.Domain == "" {
		c.Domain = strings.ToLower(domain)
	}
	return &c, nil
}
