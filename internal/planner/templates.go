package planner

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/McLeuker/mcleukerai-sub000/internal/models"
)

//go:embed templates.yaml
var templatesYAML []byte

type templateSearch struct {
	Query   string `yaml:"query"`
	Purpose string `yaml:"purpose"`
}

type categoryTemplate struct {
	OutputShape    string           `yaml:"output_shape"`
	Complexity     string           `yaml:"complexity"`
	Searches       []templateSearch `yaml:"searches"`
	DepthModifiers []string         `yaml:"depth_modifiers"`
}

type templateFile struct {
	Categories map[string]categoryTemplate `yaml:"categories"`
}

var templates templateFile

func init() {
	if err := yaml.Unmarshal(templatesYAML, &templates); err != nil {
		panic(fmt.Sprintf("planner: invalid embedded templates.yaml: %v", err))
	}
	if len(templates.Categories) == 0 {
		panic("planner: embedded templates.yaml has no categories")
	}
}

// fallbackPlan builds the deterministic template plan for a category. The
// general template backs any unknown category, so a plan always has at
// least one search.
func fallbackPlan(query, category string) *models.ResearchPlan {
	tpl, ok := templates.Categories[category]
	if !ok {
		tpl = templates.Categories[models.CategoryGeneral]
	}
	plan := &models.ResearchPlan{
		Category:     category,
		Complexity:   tpl.Complexity,
		OutputShape:  tpl.OutputShape,
		FromFallback: true,
	}
	for i, s := range tpl.Searches {
		plan.Searches = append(plan.Searches, models.SearchSpec{
			Query:    fmt.Sprintf(s.Query, query),
			Purpose:  s.Purpose,
			Priority: i,
		})
	}
	return plan
}

// DepthModifiers returns the category's refill phrases for queue
// regeneration when the search queue drains before stop criteria are met.
func DepthModifiers(category string) []string {
	tpl, ok := templates.Categories[category]
	if !ok {
		tpl = templates.Categories[models.CategoryGeneral]
	}
	return tpl.DepthModifiers
}
