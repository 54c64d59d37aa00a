package models

import (
	"time"

	"github.com/google/uuid"
)

// Query categories
const (
	CategorySupplier       = "supplier"
	CategoryTrend          = "trend"
	CategoryMarket         = "market"
	CategorySustainability = "sustainability"
	CategoryGeneral        = "general"
)

// Task phases
const (
	PhasePlanning   = "planning"
	PhaseSearching  = "searching"
	PhaseBrowsing   = "browsing"
	PhaseExtracting = "extracting"
	PhaseValidating = "validating"
	PhaseGenerating = "generating"
	PhaseCompleted  = "completed"
	PhaseFailed     = "failed"
)

// Source provenance types, ordered by strength. A source's type may only be
// upgraded (discovery -> search -> scrape), never downgraded.
const (
	SourceDiscovery = "discovery"
	SourceSearch    = "search"
	SourceScrape    = "scrape"
)

// Expected output shapes for the final answer
const (
	OutputReport     = "report"
	OutputTable      = "table"
	OutputList       = "list"
	OutputComparison = "comparison"
	OutputDirect     = "direct"
)

// sourceRank orders provenance types for upgrade-only transitions.
var sourceRank = map[string]int{
	SourceDiscovery: 0,
	SourceSearch:    1,
	SourceScrape:    2,
}

// SourceTypeUpgrades reports whether moving from to next is an upgrade.
func SourceTypeUpgrades(from, to string) bool {
	return sourceRank[to] > sourceRank[from]
}

// Source is a URL-identified piece of evidence accumulated during research.
type Source struct {
	URL        string    `json:"url" db:"url"`
	Title      string    `json:"title" db:"title"`
	Snippet    string    `json:"snippet,omitempty" db:"snippet"`
	Type       string    `json:"type" db:"source_type"`
	Relevance  float64   `json:"relevance" db:"relevance"`
	Confidence float64   `json:"confidence,omitempty" db:"confidence"`
	FoundAt    time.Time `json:"found_at" db:"found_at"`
	Scraped    bool      `json:"scraped" db:"scraped"`
}

// Upgrade merges evidence from a newer sighting of the same URL. Type and
// relevance only ever move up.
func (s *Source) Upgrade(typ string, relevance float64) {
	if SourceTypeUpgrades(s.Type, typ) {
		s.Type = typ
	}
	if relevance > s.Relevance {
		s.Relevance = relevance
	}
	if typ == SourceScrape {
		s.Scraped = true
	}
}

// SearchSpec is a planned or dynamically generated search query.
type SearchSpec struct {
	Query    string `json:"query"`
	Purpose  string `json:"purpose"`
	Priority int    `json:"priority"` // lower value = runs earlier
}

// ResearchPlan is the output of the planner. The search queue seeded from it
// may grow during iteration; the rest of the plan is immutable.
type ResearchPlan struct {
	Category           string       `json:"category"`
	Complexity         string       `json:"complexity"` // simple | moderate | deep
	Searches           []SearchSpec `json:"searches"`
	AuthorityDomains   []string     `json:"authority_domains,omitempty"`
	ValidationCriteria []string     `json:"validation_criteria,omitempty"`
	OutputShape        string       `json:"output_shape"`
	FromFallback       bool         `json:"from_fallback"`
}

// Deconstruction is the advisory structured reading of the user query. Any
// caller must tolerate a nil Deconstruction.
type Deconstruction struct {
	PrimaryGoal      string       `json:"primary_goal"`
	DecisionContext  string       `json:"decision_context,omitempty"`
	SuccessCriteria  []string     `json:"success_criteria,omitempty"`
	GeographicScope  string       `json:"geographic_scope,omitempty"`
	TemporalScope    string       `json:"temporal_scope,omitempty"`
	SegmentScope     string       `json:"segment_scope,omitempty"`
	EssentialData    []string     `json:"essential_data,omitempty"`
	DesirableData    []string     `json:"desirable_data,omitempty"`
	OutputShape      string       `json:"output_shape,omitempty"`
	Searches         []SearchSpec `json:"searches,omitempty"`
	AuthorityDomains []string     `json:"authority_domains,omitempty"`
}

// Snapshot is the per-round scoring state. Confidence and coverage are
// monotonically non-decreasing between successful validations; a validation
// result replaces them wholesale and may lower them.
type Snapshot struct {
	ContentLength int     `json:"content_length"`
	SourceCount   int     `json:"source_count"`
	DomainCount   int     `json:"domain_count"`
	ScrapeCount   int     `json:"scrape_count"`
	Confidence    float64 `json:"confidence"`
	Coverage      float64 `json:"coverage"`
	Validated     bool    `json:"validated"`
}

// ResearchTask is the unit of work owned by the orchestrator for its
// lifetime and persisted through the store.
type ResearchTask struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	UserID         uuid.UUID  `json:"user_id" db:"user_id"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty" db:"conversation_id"`
	Query          string     `json:"query" db:"query"`
	Category       string     `json:"category" db:"category"`
	Phase          string     `json:"phase" db:"phase"`
	Answer         string     `json:"answer,omitempty" db:"answer"`
	CreditsUsed    int        `json:"credits_used" db:"credits_used"`
	ErrorMessage   string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Terminal reports whether the task has reached a final phase.
func (t *ResearchTask) Terminal() bool {
	return t.Phase == PhaseCompleted || t.Phase == PhaseFailed
}

// phaseOrder drives the forward-only transition check. The iteration phases
// (searching/browsing/extracting) may be revisited among themselves before
// the task advances to validating.
var phaseOrder = map[string]int{
	PhasePlanning:   0,
	PhaseSearching:  1,
	PhaseBrowsing:   1,
	PhaseExtracting: 1,
	PhaseValidating: 2,
	PhaseGenerating: 3,
	PhaseCompleted:  4,
	PhaseFailed:     4,
}

// CanTransition reports whether moving from one phase to another is legal.
// failed is reachable from anywhere; completed only from generating.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	if from == PhaseCompleted || from == PhaseFailed {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	if to == PhaseCompleted {
		return from == PhaseGenerating
	}
	fo, ok1 := phaseOrder[from]
	to2, ok2 := phaseOrder[to]
	if !ok1 || !ok2 {
		return false
	}
	// iteration phases may bounce among themselves, validating may loop back
	// into the iteration band while rounds remain
	if fo == 2 && to2 == 1 {
		return true
	}
	return to2 >= fo
}
