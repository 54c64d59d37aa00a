package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/llm"
	"github.com/McLeuker/mcleukerai-sub000/internal/models"
)

const deconstructSystemPrompt = `You analyze research queries for a sourcing and market intelligence assistant.
Break the user's query into a structured brief. Respond with one JSON object:
{
  "primary_goal": "...",
  "decision_context": "...",
  "success_criteria": ["..."],
  "geographic_scope": "...",
  "temporal_scope": "...",
  "segment_scope": "...",
  "essential_data": ["..."],
  "desirable_data": ["..."],
  "output_shape": "report|table|list|comparison|direct",
  "searches": [{"query": "...", "purpose": "...", "priority": 0}],
  "authority_domains": ["example.org"]
}
List 3-8 prioritized searches. Authority domains are sites whose coverage of
this topic is canonical. Omit fields you cannot infer.`

// Deconstruct makes the single advisory LLM call that structures the raw
// query. It is never retried and returns nil on any failure; every caller
// must work without it.
func Deconstruct(ctx context.Context, client *llm.Client, query string, logger *zap.Logger) *models.Deconstruction {
	res, err := client.Complete(ctx, deconstructSystemPrompt, query, llm.Options{
		JSONMode:    true,
		MaxTokens:   1500,
		Temperature: 0.2,
	})
	if err != nil {
		logger.Debug("query deconstruction skipped", zap.Error(err))
		return nil
	}
	raw := extractJSONObject(res.Text)
	if raw == "" {
		logger.Debug("query deconstruction returned no JSON object")
		return nil
	}
	var d models.Deconstruction
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		logger.Debug("query deconstruction unparseable", zap.Error(err))
		return nil
	}
	if d.PrimaryGoal == "" && len(d.Searches) == 0 {
		return nil
	}
	// Searches missing a query string contribute nothing; drop them here so
	// downstream consumers never see blanks.
	kept := d.Searches[:0]
	for _, s := range d.Searches {
		if s.Query != "" {
			kept = append(kept, s)
		}
	}
	d.Searches = kept
	return &d
}

// summarizeDeconstruction renders the brief for inclusion in downstream
// prompts.
func summarizeDeconstruction(d *models.Deconstruction) string {
	if d == nil {
		return ""
	}
	out := fmt.Sprintf("Goal: %s", d.PrimaryGoal)
	if d.GeographicScope != "" {
		out += fmt.Sprintf("\nGeography: %s", d.GeographicScope)
	}
	if d.TemporalScope != "" {
		out += fmt.Sprintf("\nTimeframe: %s", d.TemporalScope)
	}
	if len(d.EssentialData) > 0 {
		out += "\nEssential data points:"
		for _, e := range d.EssentialData {
			out += "\n- " + e
		}
	}
	return out
}
