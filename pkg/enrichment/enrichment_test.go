package enrichment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline/groundline/pkg/enrichment"
	"github.com/groundline/groundline/pkg/lead"
)

func TestStaticProvider(t *testing.T) {
	p := enrichment.NewStaticProvider()
	p.Add(&lead.CompanyData{Domain: "Acme.IO", Name: "Acme Corp", Industry: "Fintech", Employees: 500})
	ctx := context.Background()

	c, err := p.GetCompanyByDomain(ctx, "acme.io")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", c.Name)

	// Domains match case-insensitively in both directions.
	c, err = p.GetCompanyByDomain(ctx, "ACME.io")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", c.Name)

	_, err = p.GetCompanyByDomain(ctx, "unknown.example")
	assert.ErrorIs(t, err, enrichment.ErrNotFound)
}

func TestStaticProvider_ReturnsCopies(t *testing.T) {
	p := enrichment.NewStaticProvider()
	p.Add(&lead.CompanyData{Domain: "acme.io", Name: "Acme Corp"})
	ctx := context.Background()

	first, err := p.GetCompanyByDomain(ctx, "acme.io")
	require.NoError(t, err)
	first.Name = "Mutated"

	second, err := p.GetCompanyByDomain(ctx, "acme.io")
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", second.Name, "callers must not mutate the table")
}

func TestHTTPProvider_Lookup(t *testing.T) {
	var gotAuth, gotDomain string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDomain = r.URL.Query().Get("domain")
		_ = json.NewEncoder(w).Encode(lead.CompanyData{
			Name: "Acme Corp", Industry: "Fintech", Employees: 500, Geo: "EMEA",
		})
	}))
	defer srv.Close()

	p := enrichment.NewHTTPProvider(srv.URL, "key-123", 0)
	c, err := p.GetCompanyByDomain(context.Background(), "Acme.IO")
	require.NoError(t, err)

	assert.Equal(t, "Bearer key-123", gotAuth)
	assert.Equal(t, "acme.io", gotDomain, "domains are lowercased before lookup")
	assert.Equal(t, "Acme Corp", c.Name)
	assert.Equal(t, 500, c.Employees)
	assert.Equal(t, "acme.io", c.Domain, "a missing domain in the answer is backfilled")
}

func TestHTTPProvider_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := enrichment.NewHTTPProvider(srv.URL, "", 0)
	_, err := p.GetCompanyByDomain(context.Background(), "unknown.example")
	assert.ErrorIs(t, err, enrichment.ErrNotFound)
}

func TestHTTPProvider_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := enrichment.NewHTTPProvider(srv.URL, "", 0)
	_, err := p.GetCompanyByDomain(context.Background(), "acme.io")
	require.Error(t, err)
	assert.NotErrorIs(t, err, enrichment.ErrNotFound, "a 502 is a failure, not an empty result")
}

func TestHTTPProvider_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	p := enrichment.NewHTTPProvider(srv.URL, "", 0)
	_, err := p.GetCompanyByDomain(context.Background(), "acme.io")
	assert.ErrorContains(t, err, "decode company")
}
