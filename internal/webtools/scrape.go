package webtools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/metrics"
	"github.com/McLeuker/mcleukerai-sub000/internal/tracing"
)

func cacheHit() { metrics.ScrapeCacheHits.Inc() }

// ScrapeOptions tune a single page fetch.
type ScrapeOptions struct {
	ExtractSchema map[string]any // optional structured-extraction hint
	WantLinks     bool
}

// ScrapeClient calls the page-fetch provider: URL in, main-content markdown
// plus outbound links out. Slow pages get one fallback attempt with an
// extended timeout. Results are cached across tasks by URL.
type ScrapeClient struct {
	baseURL        string
	apiKey         string
	client         *http.Client
	extendedClient *http.Client
	cache          *ristretto.Cache[string, *ScrapeResult]
	cacheTTL       time.Duration
	logger         *zap.Logger
}

// NewScrapeClient builds a scrape client with a shared result cache.
func NewScrapeClient(baseURL, apiKey string, timeout, extendedTimeout, cacheTTL time.Duration, logger *zap.Logger) (*ScrapeClient, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *ScrapeResult]{
		NumCounters: 10_000,
		MaxCost:     64 << 20, // 64 MiB of cached page text
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("scrape cache: %w", err)
	}
	return &ScrapeClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		client:         &http.Client{Timeout: timeout},
		extendedClient: &http.Client{Timeout: extendedTimeout},
		cache:          cache,
		cacheTTL:       cacheTTL,
		logger:         logger,
	}, nil
}

// Available reports whether the provider credential is configured.
func (c *ScrapeClient) Available() bool { return c.apiKey != "" }

// ValidateURL rejects anything that is not a public http(s) URL. Private
// and loopback hosts are refused before any provider call.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("url has no host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("refusing to scrape internal host %q", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("refusing to scrape non-public address %q", host)
		}
	}
	return nil
}

type scrapeRequest struct {
	URL           string         `json:"url"`
	Formats       []string       `json:"formats"`
	TimeoutMs     int            `json:"timeout_ms,omitempty"`
	ExtractSchema map[string]any `json:"extract_schema,omitempty"`
}

type scrapeResponse struct {
	Title      string         `json:"title"`
	Markdown   string         `json:"markdown"`
	HTML       string         `json:"html"`
	Links      []string       `json:"links"`
	Structured map[string]any `json:"structured"`
}

// Scrape fetches one page's main content. Never retried on the same timeout
// budget; a timeout triggers exactly one extended-timeout attempt.
func (c *ScrapeClient) Scrape(ctx context.Context, pageURL string, opts ScrapeOptions) (*ScrapeResult, error) {
	if !c.Available() {
		return nil, fmt.Errorf("scrape provider not configured")
	}
	if err := ValidateURL(pageURL); err != nil {
		return nil, err
	}
	if cached, ok := c.cache.Get(pageURL); ok {
		cachedCopy := *cached
		cachedCopy.FromCache = true
		cacheHit()
		return &cachedCopy, nil
	}

	start := time.Now()
	res, err := c.scrapeOnce(ctx, c.client, pageURL, opts)
	if err != nil && isTimeout(err) {
		c.logger.Debug("scrape timed out, retrying with extended timeout",
			zap.String("url", pageURL))
		res, err = c.scrapeOnce(ctx, c.extendedClient, pageURL, opts)
	}
	observeCall("scrape", start, err)
	if err != nil {
		return nil, err
	}

	c.cache.SetWithTTL(pageURL, res, int64(len(res.Markdown)+1), c.cacheTTL)
	return res, nil
}

func (c *ScrapeClient) scrapeOnce(ctx context.Context, client *http.Client, pageURL string, opts ScrapeOptions) (*ScrapeResult, error) {
	formats := []string{"markdown"}
	if opts.WantLinks {
		formats = append(formats, "links")
	}
	body, err := json.Marshal(scrapeRequest{
		URL:           pageURL,
		Formats:       formats,
		TimeoutMs:     int(client.Timeout / time.Millisecond),
		ExtractSchema: opts.ExtractSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal scrape request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/scrape", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	tracing.InjectTraceparent(ctx, req)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scrape call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("scrape returned status %d", resp.StatusCode)
	}

	var out scrapeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode scrape response: %w", err)
	}

	res := &ScrapeResult{
		URL:        pageURL,
		Title:      out.Title,
		Markdown:   out.Markdown,
		Links:      out.Links,
		Structured: out.Structured,
	}
	// Some providers only return raw HTML for difficult pages; salvage the
	// text and links locally rather than discarding the fetch.
	if res.Markdown == "" && out.HTML != "" {
		salvageHTML(out.HTML, res)
	}
	if res.Markdown == "" {
		return nil, fmt.Errorf("scrape returned no content for %s", pageURL)
	}
	return res, nil
}

func salvageHTML(html string, res *ScrapeResult) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return
	}
	if res.Title == "" {
		res.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	doc.Find("script, style, nav, footer, header").Remove()
	text := strings.TrimSpace(doc.Find("body").Text())
	res.Markdown = strings.Join(strings.Fields(text), " ")
	if len(res.Links) == 0 {
		doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			if href, ok := s.Attr("href"); ok && strings.HasPrefix(href, "http") {
				res.Links = append(res.Links, href)
			}
		})
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
