// Package validator scores accumulated research findings with a single
// strict-JSON LLM call. Validation is an enhancement: callers keep their
// heuristic scores whenever it fails.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/llm"
	"github.com/McLeuker/mcleukerai-sub000/internal/models"
)

// Gap is a missing area with its suggested follow-up search.
type Gap struct {
	Area            string `json:"area"`
	SuggestedSearch string `json:"suggested_search"`
}

// Result is the authoritative assessment of the current findings. Once a
// validation succeeds its confidence/coverage override heuristic scores.
type Result struct {
	Confidence         float64             `json:"confidence"`
	Coverage           float64             `json:"coverage"`
	StopCriteriaMet    bool                `json:"stop_criteria_met"`
	Gaps               []Gap               `json:"gaps"`
	Contradictions     []string            `json:"contradictions"`
	AdditionalSearches []models.SearchSpec `json:"additional_searches"`
	ScrapeURLs         []string            `json:"scrape_urls"`
}

// Input carries the truncated evidence and counts for one validation.
type Input struct {
	Query         string
	Content       string // already truncated to a provider-safe size
	SourceCount   int
	DomainCount   int
	ScrapeCount   int
	RequiredData  []string
	Iteration     int
	MaxIterations int
}

const systemPrompt = `You audit in-progress web research for completeness and consistency.
Given the accumulated findings, return one JSON object:
{
  "confidence": 0.0-1.0,
  "coverage": 0.0-1.0,
  "stop_criteria_met": true|false,
  "gaps": [{"area": "...", "suggested_search": "..."}],
  "contradictions": ["..."],
  "additional_searches": [{"query": "...", "purpose": "...", "priority": 5}],
  "scrape_urls": ["https://..."]
}
Confidence measures how well-grounded the findings are; coverage measures
breadth across the required data points and source diversity. Flag any
claims that contradict each other. Suggest at most 4 additional searches.`

// Validate runs one validation call. Stateless; any provider or parse
// failure is returned as an error and the caller continues on heuristics.
func Validate(ctx context.Context, client *llm.Client, in Input, logger *zap.Logger) (*Result, error) {
	res, err := client.Complete(ctx, systemPrompt, buildUserContent(in), llm.Options{
		JSONMode:    true,
		MaxTokens:   2500,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("validation call: %w", err)
	}
	var parsed Result
	if err := json.Unmarshal([]byte(res.Text), &parsed); err != nil {
		return nil, fmt.Errorf("validation response unparseable: %w", err)
	}
	clamp(&parsed.Confidence)
	clamp(&parsed.Coverage)

	// Thin evidence caps confidence no matter what the model claims.
	if len(in.Content) < 500 && parsed.Confidence > 0.5 {
		logger.Debug("validator claimed high confidence on thin content, capping",
			zap.Int("content_len", len(in.Content)),
			zap.Float64("claimed", parsed.Confidence))
		parsed.Confidence = 0.5
	}
	if in.Iteration >= in.MaxIterations {
		parsed.StopCriteriaMet = true
	}
	return &parsed, nil
}

func clamp(v *float64) {
	if *v < 0 {
		*v = 0
	}
	if *v > 1 {
		*v = 1
	}
}

func buildUserContent(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research query: %s\n", in.Query)
	fmt.Fprintf(&b, "Iteration %d of %d. Sources: %d across %d domains, %d scraped in full.\n",
		in.Iteration, in.MaxIterations, in.SourceCount, in.DomainCount, in.ScrapeCount)
	if len(in.RequiredData) > 0 {
		b.WriteString("Required data points:\n")
		for _, r := range in.RequiredData {
			b.WriteString("- " + r + "\n")
		}
	}
	b.WriteString("\nAccumulated findings:\n")
	b.WriteString(in.Content)
	return b.String()
}
