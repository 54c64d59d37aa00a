// Package webtools wraps the external search, scrape, and discovery
// providers behind time-bounded clients.
package webtools

// Citation is a URL returned alongside a search answer.
type Citation struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchResult is a prose answer plus its supporting citations.
type SearchResult struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
}

// ScrapeResult is the main content extracted from one page.
type ScrapeResult struct {
	URL        string         `json:"url"`
	Title      string         `json:"title"`
	Markdown   string         `json:"markdown"`
	Links      []string       `json:"links,omitempty"`
	Structured map[string]any `json:"structured,omitempty"`
	FromCache  bool           `json:"-"`
}

// DiscoveryItem is a candidate URL surfaced outside of search citations.
type DiscoveryItem struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Content     string `json:"content,omitempty"` // present when the provider pre-fetched the page
}
