// Package planner produces the research plan that seeds the iteration
// engine: one LLM attempt, then a deterministic category template.
package planner

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/llm"
	"github.com/McLeuker/mcleukerai-sub000/internal/models"
)

const planSystemPrompt = `You plan web research for a sourcing and market intelligence assistant.
Produce a prioritized research plan as one JSON object:
{
  "complexity": "simple|moderate|deep",
  "searches": [{"query": "...", "purpose": "...", "priority": 0}],
  "authority_domains": ["example.org"],
  "validation_criteria": ["..."],
  "output_shape": "report|table|list|comparison|direct"
}
3 to 14 searches, most important first (priority 0 is highest). Search
queries must be self-contained web search strings, not instructions.`

// Plan generates the research plan. Invalid or failed LLM output never
// aborts the pipeline: the deterministic category template takes over, and
// the returned plan always carries at least one actionable search.
func Plan(ctx context.Context, client *llm.Client, query, category string, decon *models.Deconstruction, logger *zap.Logger) *models.ResearchPlan {
	plan := planViaLLM(ctx, client, query, category, decon, logger)
	if plan == nil {
		logger.Info("planner falling back to category template",
			zap.String("category", category))
		plan = fallbackPlan(query, category)
	}

	// Deconstructor searches lead the queue when present; they carry the
	// user's actual intent more directly than planner generalities.
	if decon != nil {
		merged := make([]models.SearchSpec, 0, len(decon.Searches)+len(plan.Searches))
		seen := map[string]bool{}
		for _, s := range decon.Searches {
			seen[s.Query] = true
			merged = append(merged, s)
		}
		for _, s := range plan.Searches {
			if !seen[s.Query] {
				merged = append(merged, s)
			}
		}
		plan.Searches = merged
		if len(plan.AuthorityDomains) == 0 {
			plan.AuthorityDomains = decon.AuthorityDomains
		}
		if decon.OutputShape != "" {
			plan.OutputShape = decon.OutputShape
		}
	}

	if len(plan.Searches) == 0 {
		// Cannot happen via the template path, but the guarantee is part of
		// the contract regardless of how we got here.
		plan.Searches = []models.SearchSpec{{Query: query, Purpose: "direct answer", Priority: 0}}
	}
	return plan
}

func planViaLLM(ctx context.Context, client *llm.Client, query, category string, decon *models.Deconstruction, logger *zap.Logger) *models.ResearchPlan {
	user := fmt.Sprintf("Query category: %s\nQuery: %s", category, query)
	if brief := summarizeDeconstruction(decon); brief != "" {
		user += "\n\nQuery brief:\n" + brief
	}
	res, err := client.Complete(ctx, planSystemPrompt, user, llm.Options{
		JSONMode:    true,
		MaxTokens:   2000,
		Temperature: 0.3,
	})
	if err != nil {
		logger.Debug("plan generation failed", zap.Error(err))
		return nil
	}
	raw := extractJSONObject(res.Text)
	if raw == "" {
		return nil
	}
	var parsed struct {
		Complexity         string              `json:"complexity"`
		Searches           []models.SearchSpec `json:"searches"`
		AuthorityDomains   []string            `json:"authority_domains"`
		ValidationCriteria []string            `json:"validation_criteria"`
		OutputShape        string              `json:"output_shape"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		logger.Debug("plan JSON unparseable", zap.Error(err))
		return nil
	}
	var searches []models.SearchSpec
	for _, s := range parsed.Searches {
		if s.Query != "" {
			searches = append(searches, s)
		}
	}
	if len(searches) == 0 {
		return nil
	}
	shape := parsed.OutputShape
	if shape == "" {
		shape = models.OutputReport
	}
	complexity := parsed.Complexity
	if complexity == "" {
		complexity = "moderate"
	}
	return &models.ResearchPlan{
		Category:           category,
		Complexity:         complexity,
		Searches:           searches,
		AuthorityDomains:   parsed.AuthorityDomains,
		ValidationCriteria: parsed.ValidationCriteria,
		OutputShape:        shape,
	}
}
