package webtools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/retryutil"
	"github.com/McLeuker/mcleukerai-sub000/internal/tracing"
)

// DiscoveryClient expands source coverage beyond direct citations: keyword
// discovery of candidate URLs, and enumeration of URLs under an authority
// domain.
type DiscoveryClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewDiscoveryClient builds a discovery client sharing the scrape provider's
// credential.
func NewDiscoveryClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *DiscoveryClient {
	return &DiscoveryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Available reports whether the provider credential is configured.
func (c *DiscoveryClient) Available() bool { return c.apiKey != "" }

func (c *DiscoveryClient) post(ctx context.Context, path string, reqBody, out any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal discovery request: %w", err)
	}
	return retryutil.Do(ctx, retryutil.DefaultPolicy, func() error {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if rerr != nil {
			return retryutil.Permanent(rerr)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		tracing.InjectTraceparent(ctx, req)
		resp, rerr := c.client.Do(req)
		if rerr != nil {
			return fmt.Errorf("discovery call: %w", rerr)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
			return retryutil.Permanent(fmt.Errorf("discovery returned status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("discovery returned status %d", resp.StatusCode)
		}
		if derr := json.NewDecoder(resp.Body).Decode(out); derr != nil {
			return fmt.Errorf("decode discovery response: %w", derr)
		}
		return nil
	})
}

// Discover searches the web for candidate URLs matching the query.
// prefetch asks the provider to include page content in the results.
func (c *DiscoveryClient) Discover(ctx context.Context, query string, limit int, prefetch bool) ([]DiscoveryItem, error) {
	if !c.Available() {
		return nil, fmt.Errorf("discovery provider not configured")
	}
	start := time.Now()
	var out struct {
		Results []DiscoveryItem `json:"results"`
	}
	err := c.post(ctx, "/v1/search", map[string]any{
		"query":    query,
		"limit":    limit,
		"prefetch": prefetch,
	}, &out)
	observeCall("discovery", start, err)
	if err != nil {
		c.logger.Warn("discovery failed", zap.String("query", query), zap.Error(err))
		return nil, err
	}
	items := out.Results[:0]
	for _, it := range out.Results {
		if it.URL != "" && ValidateURL(it.URL) == nil {
			items = append(items, it)
		}
	}
	return items, nil
}

// MapDomain enumerates URLs under domain whose path matches filter terms.
func (c *DiscoveryClient) MapDomain(ctx context.Context, domain, filter string, limit int) ([]string, error) {
	if !c.Available() {
		return nil, fmt.Errorf("discovery provider not configured")
	}
	if !strings.HasPrefix(domain, "http") {
		domain = "https://" + domain
	}
	if err := ValidateURL(domain); err != nil {
		return nil, err
	}
	start := time.Now()
	var out struct {
		URLs []string `json:"urls"`
	}
	err := c.post(ctx, "/v1/map", map[string]any{
		"url":    domain,
		"search": filter,
		"limit":  limit,
	}, &out)
	observeCall("discovery", start, err)
	if err != nil {
		c.logger.Warn("domain map failed", zap.String("domain", domain), zap.Error(err))
		return nil, err
	}
	urls := out.URLs[:0]
	for _, u := range out.URLs {
		if ValidateURL(u) == nil {
			urls = append(urls, u)
		}
	}
	return urls, nil
}
