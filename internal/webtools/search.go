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

	"github.com/McLeuker/mcleukerai-sub000/internal/metrics"
	"github.com/McLeuker/mcleukerai-sub000/internal/retryutil"
	"github.com/McLeuker/mcleukerai-sub000/internal/tracing"
)

// SearchClient calls the web-search provider: query in, prose answer plus
// citation URLs out. One retry, hard timeout.
type SearchClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewSearchClient builds a search client; an empty apiKey leaves the client
// constructed but unavailable.
func NewSearchClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *SearchClient {
	return &SearchClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Available reports whether the provider credential is configured.
func (c *SearchClient) Available() bool { return c.apiKey != "" }

type searchRequest struct {
	Query   string `json:"query"`
	Recency string `json:"recency,omitempty"` // day | week | month | year
}

type searchResponse struct {
	Answer    string `json:"answer"`
	Citations []struct {
		URL     string `json:"url"`
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
	} `json:"citations"`
}

// Search executes one web search. recency hints the provider toward fresh
// results (trend queries pass "month"); empty means no preference.
func (c *SearchClient) Search(ctx context.Context, query, recency string) (*SearchResult, error) {
	if !c.Available() {
		return nil, fmt.Errorf("search provider not configured")
	}
	body, err := json.Marshal(searchRequest{Query: query, Recency: recency})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	start := time.Now()
	var out searchResponse
	err = retryutil.Do(ctx, retryutil.DefaultPolicy, func() error {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
		if rerr != nil {
			return retryutil.Permanent(rerr)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		tracing.InjectTraceparent(ctx, req)
		resp, rerr := c.client.Do(req)
		if rerr != nil {
			return fmt.Errorf("search call: %w", rerr)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
			return retryutil.Permanent(fmt.Errorf("search returned status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("search returned status %d", resp.StatusCode)
		}
		out = searchResponse{}
		if derr := json.NewDecoder(resp.Body).Decode(&out); derr != nil {
			return fmt.Errorf("decode search response: %w", derr)
		}
		return nil
	})
	observeCall("search", start, err)
	if err != nil {
		c.logger.Warn("search failed", zap.String("query", query), zap.Error(err))
		return nil, err
	}

	res := &SearchResult{Answer: out.Answer}
	for _, cit := range out.Citations {
		if cit.URL == "" {
			continue
		}
		res.Citations = append(res.Citations, Citation(cit))
	}
	return res, nil
}

func observeCall(capability string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ProviderCalls.WithLabelValues(capability, outcome).Inc()
	metrics.ProviderCallDuration.WithLabelValues(capability).Observe(time.Since(start).Seconds())
}
