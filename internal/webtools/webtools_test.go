package webtools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSearchRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"answer":"denim facts","citations":[{"url":"https://example.com/a","title":"A"},{"url":"","title":"empty"}]}`)
	}))
	defer srv.Close()

	c := NewSearchClient(srv.URL, "key", 5*time.Second, zap.NewNop())
	res, err := c.Search(context.Background(), "denim suppliers", "month")
	require.NoError(t, err)
	assert.Equal(t, "denim facts", res.Answer)
	require.Len(t, res.Citations, 1) // empty-URL citation dropped
	assert.Equal(t, int32(2), calls.Load())
}

func TestSearchUnavailableWithoutKey(t *testing.T) {
	c := NewSearchClient("http://unused", "", time.Second, zap.NewNop())
	assert.False(t, c.Available())
	_, err := c.Search(context.Background(), "q", "")
	assert.Error(t, err)
}

func TestValidateURL(t *testing.T) {
	valid := []string{"https://example.com/page", "http://sub.domain.org/x?y=1"}
	for _, u := range valid {
		assert.NoError(t, ValidateURL(u), u)
	}
	invalid := []string{
		"ftp://example.com",
		"https://localhost/admin",
		"http://127.0.0.1:8080/",
		"http://10.0.0.5/internal",
		"https://db.internal/creds",
		"not a url at all://",
	}
	for _, u := range invalid {
		assert.Error(t, ValidateURL(u), u)
	}
}

func newTestScrapeClient(t *testing.T, base string) *ScrapeClient {
	t.Helper()
	c, err := NewScrapeClient(base, "key", 2*time.Second, 5*time.Second, time.Minute, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestScrapeReturnsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"title":"Mill profile","markdown":"# Denim mill\nlow MOQ","links":["https://example.com/contact"]}`)
	}))
	defer srv.Close()

	c := newTestScrapeClient(t, srv.URL)
	res, err := c.Scrape(context.Background(), "https://example.com/mill", ScrapeOptions{WantLinks: true})
	require.NoError(t, err)
	assert.Equal(t, "Mill profile", res.Title)
	assert.Contains(t, res.Markdown, "Denim mill")
}

func TestScrapeSalvagesHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"html":"<html><head><title>Fabric Co</title></head><body><nav>menu</nav><p>organic cotton supplier</p><a href=\"https://example.com/about\">about</a></body></html>"}`)
	}))
	defer srv.Close()

	c := newTestScrapeClient(t, srv.URL)
	res, err := c.Scrape(context.Background(), "https://example.com/fabric", ScrapeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Fabric Co", res.Title)
	assert.Contains(t, res.Markdown, "organic cotton supplier")
	assert.NotContains(t, res.Markdown, "menu")
	assert.Contains(t, res.Links, "https://example.com/about")
}

func TestScrapeRejectsBadURL(t *testing.T) {
	c := newTestScrapeClient(t, "http://unused")
	_, err := c.Scrape(context.Background(), "http://127.0.0.1/secret", ScrapeOptions{})
	require.Error(t, err)
}

func TestDiscoverFiltersInvalidURLs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"url":"https://example.com/x","title":"X"},{"url":"http://localhost/y","title":"Y"}]}`)
	}))
	defer srv.Close()

	c := NewDiscoveryClient(srv.URL, "key", 5*time.Second, zap.NewNop())
	items, err := c.Discover(context.Background(), "denim", 5, false)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "https://example.com/x", items[0].URL)
}

func TestMapDomain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"urls":["https://texfind.example/suppliers","https://texfind.example/denim"]}`)
	}))
	defer srv.Close()

	c := NewDiscoveryClient(srv.URL, "key", 5*time.Second, zap.NewNop())
	urls, err := c.MapDomain(context.Background(), "texfind.example", "denim", 10)
	require.NoError(t, err)
	assert.Len(t, urls, 2)
}
