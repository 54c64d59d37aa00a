// Package engine runs the adaptive research loop: bounded rounds of search,
// discovery, and scrape fan-outs, scored each round and periodically audited
// by the validator, until the stop criteria or the budget is reached.
package engine

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/McLeuker/mcleukerai-sub000/internal/budget"
	"github.com/McLeuker/mcleukerai-sub000/internal/config"
	"github.com/McLeuker/mcleukerai-sub000/internal/llm"
	"github.com/McLeuker/mcleukerai-sub000/internal/metrics"
	"github.com/McLeuker/mcleukerai-sub000/internal/models"
	"github.com/McLeuker/mcleukerai-sub000/internal/planner"
	"github.com/McLeuker/mcleukerai-sub000/internal/taskerr"
	"github.com/McLeuker/mcleukerai-sub000/internal/tracing"
	"github.com/McLeuker/mcleukerai-sub000/internal/validator"
	"github.com/McLeuker/mcleukerai-sub000/internal/webtools"
)

// relevance constants for newly added sources. Citation relevance decays by
// rank; mapped authority URLs sit above generic discovery finds.
const (
	citationBaseRelevance  = 0.8
	citationRankDecay      = 0.1
	citationFloorRelevance = 0.3
	discoveryRelevance     = 0.5
	authorityRelevance     = 0.6
	scrapedRelevance       = 0.9

	gapSearchPriority    = 10
	refillSearchPriority = 20

	perPageContentCap = 8000
)

// Searcher answers a query with prose plus citations.
type Searcher interface {
	Available() bool
	Search(ctx context.Context, query, recency string) (*webtools.SearchResult, error)
}

// Scraper fetches main content from one page.
type Scraper interface {
	Available() bool
	Scrape(ctx context.Context, pageURL string, opts webtools.ScrapeOptions) (*webtools.ScrapeResult, error)
}

// Discoverer surfaces candidate URLs outside of search citations.
type Discoverer interface {
	Available() bool
	Discover(ctx context.Context, query string, limit int, prefetch bool) ([]webtools.DiscoveryItem, error)
	MapDomain(ctx context.Context, domain, filter string, limit int) ([]string, error)
}

// ProgressFunc receives phase transitions and round snapshots as the loop
// runs. Phase follows the task state machine's iteration band.
type ProgressFunc func(phase, message string, snap models.Snapshot)

// Outcome is the evidence the loop hands to the synthesizer.
type Outcome struct {
	Content        string
	Sources        []models.Source
	Snapshot       models.Snapshot
	Gaps           []string
	Contradictions []string
	Iterations     int
}

// Engine coordinates one task's research loop. One engine per task; no state
// is shared across tasks.
type Engine struct {
	cfg      config.ResearchConfig
	llm      *llm.Client
	search   Searcher
	scrape   Scraper
	discover Discoverer
	acct     *budget.Accountant
	logger   *zap.Logger

	queue           *searchQueue
	content         strings.Builder
	sources         map[string]*models.Source
	scrapeAttempted map[string]struct{}
	snap            models.Snapshot
	validatorStop   bool
	gaps            []string
	contradictions  []string
	requiredData    []string
	plan            *models.ResearchPlan
	query           string
	started         time.Time
}

func New(cfg config.ResearchConfig, llmClient *llm.Client, search Searcher, scrape Scraper, discover Discoverer, acct *budget.Accountant, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:             cfg,
		llm:             llmClient,
		search:          search,
		scrape:          scrape,
		discover:        discover,
		acct:            acct,
		logger:          logger,
		queue:           newSearchQueue(),
		sources:         make(map[string]*models.Source),
		scrapeAttempted: make(map[string]struct{}),
	}
}

// Run executes the iteration loop until the stop criteria fire. Individual
// provider failures degrade the evidence; the loop itself only fails when no
// evidence-gathering client is configured at all.
func (e *Engine) Run(ctx context.Context, query string, plan *models.ResearchPlan, decon *models.Deconstruction, progress ProgressFunc) (*Outcome, error) {
	if !e.search.Available() && !e.scrape.Available() && !e.discover.Available() {
		return nil, taskerr.New(taskerr.KindConfiguration, "no search, scrape, or discovery provider configured")
	}

	e.query = query
	e.plan = plan
	e.started = time.Now()
	e.queue.Push(plan.Searches...)
	if decon != nil {
		e.requiredData = decon.EssentialData
	}

	iteration := 0
	for {
		if reason := e.stopReason(iteration); reason != "" {
			e.logger.Info("research loop stopping",
				zap.String("reason", reason),
				zap.Int("iterations", iteration),
				zap.Int("sources", len(e.sources)))
			break
		}
		if ctx.Err() != nil {
			return nil, taskerr.Wrap(taskerr.KindCancelled, "research cancelled", ctx.Err())
		}
		iteration++

		iterCtx, span := tracing.StartSpan(ctx, "research.iteration",
			attribute.Int("iteration", iteration))
		e.runSearchRound(iterCtx, iteration, progress)
		e.runDiscoveryRound(iterCtx, iteration, progress)
		e.runScrapeRound(iterCtx, iteration, progress)
		e.score()

		if e.shouldValidate(iteration) {
			e.runValidation(iterCtx, iteration, progress)
		}
		e.refillQueue(iteration)
		span.SetAttributes(
			attribute.Int("sources", len(e.sources)),
			attribute.Float64("confidence", e.snap.Confidence),
			attribute.Float64("coverage", e.snap.Coverage),
		)
		span.End()
	}

	metrics.TaskIterations.Observe(float64(iteration))
	metrics.SourcesAccumulated.Observe(float64(len(e.sources)))

	return &Outcome{
		Content:        e.content.String(),
		Sources:        e.rankedSources(),
		Snapshot:       e.snap,
		Gaps:           e.gaps,
		Contradictions: e.contradictions,
		Iterations:     iteration,
	}, nil
}

// stopReason returns a non-empty reason when the loop must halt before the
// next round runs. Checking before the round means an already-satisfied task
// performs zero additional provider calls.
func (e *Engine) stopReason(iteration int) string {
	switch {
	case iteration >= e.cfg.MaxIterations:
		return "max iterations"
	case e.acct.Exhausted():
		return "credit budget exhausted"
	case time.Since(e.started) >= e.cfg.MaxExecutionTime:
		return "execution time limit"
	case e.thresholdsMet():
		return "stop criteria satisfied"
	case e.validatorStop:
		return "validator confirmed completeness"
	case iteration > 0 && e.queue.Len() == 0:
		return "search queue exhausted"
	}
	return ""
}

func (e *Engine) thresholdsMet() bool {
	return e.snap.Confidence >= e.cfg.ConfidenceThreshold &&
		e.snap.Coverage >= e.cfg.CoverageThreshold &&
		e.snap.ContentLength >= e.cfg.MinContentLength &&
		e.snap.SourceCount >= e.cfg.MinSources
}

// runSearchRound pops a round's worth of searches and executes them in
// bounded parallel batches.
func (e *Engine) runSearchRound(ctx context.Context, iteration int, progress ProgressFunc) {
	if !e.search.Available() {
		return
	}
	specs := e.queue.PopN(e.cfg.SearchesPerIteration)
	if len(specs) == 0 {
		return
	}
	e.emit(progress, models.PhaseSearching,
		fmt.Sprintf("running %d searches (round %d)", len(specs), iteration))

	recency := ""
	if e.plan.Category == models.CategoryTrend {
		recency = "month"
	}

	type searchHit struct {
		spec   models.SearchSpec
		result *webtools.SearchResult
	}
	var mu sync.Mutex
	var hits []searchHit

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchSize())
	for _, spec := range specs {
		if !e.acct.CanAfford(budget.SearchCost) {
			break
		}
		spec := spec
		g.Go(func() error {
			res, err := e.search.Search(gctx, spec.Query, recency)
			if err != nil {
				e.logger.Warn("search failed",
					zap.String("query", spec.Query), zap.Error(err))
				return nil
			}
			e.acct.RecordSearch()
			mu.Lock()
			hits = append(hits, searchHit{spec: spec, result: res})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, hit := range hits {
		if hit.result.Answer != "" {
			fmt.Fprintf(&e.content, "\n\n### %s (%s)\n%s",
				hit.spec.Purpose, time.Now().Format(time.RFC3339), hit.result.Answer)
		}
		for rank, cite := range hit.result.Citations {
			rel := citationBaseRelevance - citationRankDecay*float64(rank)
			if rel < citationFloorRelevance {
				rel = citationFloorRelevance
			}
			e.addSource(cite.URL, cite.Title, cite.Snippet, models.SourceSearch, rel)
		}
	}
}

// runDiscoveryRound surfaces extra candidate URLs in the early iterations,
// plus a one-time enumeration of the plan's authority domains.
func (e *Engine) runDiscoveryRound(ctx context.Context, iteration int, progress ProgressFunc) {
	if !e.discover.Available() {
		return
	}
	runDiscovery := iteration <= e.cfg.DiscoveryIterations && !e.acct.Exhausted()
	mapAuthority := iteration == 1 && len(e.plan.AuthorityDomains) > 0
	if !runDiscovery && !mapAuthority {
		return
	}
	e.emit(progress, models.PhaseBrowsing,
		fmt.Sprintf("discovering candidate sources (round %d)", iteration))

	var (
		mu     sync.Mutex
		found  []webtools.DiscoveryItem
		mapped []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchSize())

	if runDiscovery {
		year := time.Now().Year()
		for _, q := range []string{e.query, fmt.Sprintf("%s %d", e.query, year)} {
			q := q
			g.Go(func() error {
				items, err := e.discover.Discover(gctx, q, 8, true)
				if err != nil {
					e.logger.Warn("discovery failed", zap.String("query", q), zap.Error(err))
					return nil
				}
				mu.Lock()
				found = append(found, items...)
				mu.Unlock()
				return nil
			})
		}
	}

	if mapAuthority {
		filter := keyTerms(e.query)
		for _, domain := range e.plan.AuthorityDomains {
			domain := domain
			g.Go(func() error {
				urls, err := e.discover.MapDomain(gctx, domain, filter, 5)
				if err != nil {
					e.logger.Warn("domain mapping failed", zap.String("domain", domain), zap.Error(err))
					return nil
				}
				mu.Lock()
				mapped = append(mapped, urls...)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	for _, item := range found {
		e.addSource(item.URL, item.Title, item.Description, models.SourceDiscovery, discoveryRelevance)
		if item.Content != "" {
			e.appendPageContent(item.URL, item.Content)
		}
	}
	for _, u := range mapped {
		e.addSource(u, "", "", models.SourceDiscovery, authorityRelevance)
	}
}

// runScrapeRound fetches the highest-relevance unscraped sources. A failed
// scrape is marked attempted and never retried for the same URL.
func (e *Engine) runScrapeRound(ctx context.Context, iteration int, progress ProgressFunc) {
	if !e.scrape.Available() {
		return
	}
	candidates := e.scrapeCandidates()
	if len(candidates) == 0 {
		return
	}
	e.emit(progress, models.PhaseExtracting,
		fmt.Sprintf("scraping %d pages (round %d)", len(candidates), iteration))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchSize())
	for _, target := range candidates {
		if !e.acct.CanAfford(budget.ScrapeCost) {
			break
		}
		target := target
		e.scrapeAttempted[target] = struct{}{}
		g.Go(func() error {
			res, err := e.scrape.Scrape(gctx, target, webtools.ScrapeOptions{})
			if err != nil {
				e.logger.Warn("scrape failed", zap.String("url", target), zap.Error(err))
				return nil
			}
			e.acct.RecordScrape()
			mu.Lock()
			defer mu.Unlock()
			e.appendPageContent(res.URL, res.Markdown)
			if len(res.Structured) > 0 {
				fmt.Fprintf(&e.content, "\nStructured data from %s: %v", res.URL, res.Structured)
			}
			if src, ok := e.sources[target]; ok {
				src.Upgrade(models.SourceScrape, scrapedRelevance)
				if src.Title == "" {
					src.Title = res.Title
				}
			} else {
				e.addSource(target, res.Title, "", models.SourceScrape, scrapedRelevance)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) scrapeCandidates() []string {
	type cand struct {
		url string
		rel float64
	}
	var cands []cand
	for u, src := range e.sources {
		if src.Scraped {
			continue
		}
		if _, tried := e.scrapeAttempted[u]; tried {
			continue
		}
		cands = append(cands, cand{url: u, rel: src.Relevance})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].rel != cands[j].rel {
			return cands[i].rel > cands[j].rel
		}
		return cands[i].url < cands[j].url
	})
	if len(cands) > e.cfg.MaxScrapePerRound {
		cands = cands[:e.cfg.MaxScrapePerRound]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.url
	}
	return out
}

// addSource records a URL-deduplicated source; a re-sighting upgrades the
// existing entry instead of inserting a duplicate.
func (e *Engine) addSource(rawURL, title, snippet, typ string, relevance float64) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return
	}
	if existing, ok := e.sources[rawURL]; ok {
		existing.Upgrade(typ, relevance)
		if existing.Title == "" {
			existing.Title = title
		}
		return
	}
	e.sources[rawURL] = &models.Source{
		URL:       rawURL,
		Title:     title,
		Snippet:   snippet,
		Type:      typ,
		Relevance: relevance,
		FoundAt:   time.Now(),
		Scraped:   typ == models.SourceScrape,
	}
}

func (e *Engine) appendPageContent(pageURL, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	text = truncateUTF8(text, perPageContentCap)
	fmt.Fprintf(&e.content, "\n\n### Page: %s\n%s", pageURL, text)
}

// truncateUTF8 caps s at n bytes without splitting a multi-byte rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// score recomputes the heuristic confidence/coverage. Heuristic scores are
// monotonically non-decreasing; only a successful validation may lower them.
func (e *Engine) score() {
	e.snap.ContentLength = e.content.Len()
	e.snap.SourceCount = len(e.sources)
	e.snap.DomainCount = e.uniqueDomains()
	e.snap.ScrapeCount = e.scrapeCount()

	w := e.cfg.Weights
	contentScore := ratio(e.snap.ContentLength, e.cfg.MinContentLength)
	sourceScore := ratio(e.snap.SourceCount, e.cfg.MinSources)
	domainScore := ratio(e.snap.DomainCount, 5)
	scrapeScore := ratio(e.snap.ScrapeCount, 3)

	confidence := w.Content*contentScore + w.Sources*sourceScore +
		w.Domains*domainScore + w.Scrapes*scrapeScore
	coverage := 0.4*domainScore + 0.4*sourceScore + 0.2*contentScore

	if confidence > e.snap.Confidence {
		e.snap.Confidence = confidence
	}
	if coverage > e.snap.Coverage {
		e.snap.Coverage = coverage
	}
	metrics.ConfidenceScore.Set(e.snap.Confidence)
	metrics.CoverageScore.Set(e.snap.Coverage)
}

func (e *Engine) shouldValidate(iteration int) bool {
	if e.cfg.ValidateEvery <= 0 {
		return false
	}
	return iteration%e.cfg.ValidateEvery == 0 ||
		(!e.snap.Validated && e.snap.Confidence >= e.cfg.ConfidenceThreshold)
}

// runValidation asks the validator to audit the findings. On success its
// scores replace the heuristics wholesale (and may be lower); on failure the
// heuristics stand.
func (e *Engine) runValidation(ctx context.Context, iteration int, progress ProgressFunc) {
	e.emit(progress, models.PhaseValidating,
		fmt.Sprintf("validating findings (round %d)", iteration))

	content := e.content.String()
	if e.cfg.MaxContentChars > 0 {
		content = truncateUTF8(content, e.cfg.MaxContentChars)
	}
	res, err := validator.Validate(ctx, e.llm, validator.Input{
		Query:         e.query,
		Content:       content,
		SourceCount:   e.snap.SourceCount,
		DomainCount:   e.snap.DomainCount,
		ScrapeCount:   e.snap.ScrapeCount,
		RequiredData:  e.requiredData,
		Iteration:     iteration,
		MaxIterations: e.cfg.MaxIterations,
	}, e.logger)
	if err != nil {
		e.logger.Warn("validation unavailable, keeping heuristic scores", zap.Error(err))
		return
	}

	e.snap.Confidence = res.Confidence
	e.snap.Coverage = res.Coverage
	e.snap.Validated = true
	// A stop verdict on the first round with coverage still below threshold
	// is not honoured; one round is never enough evidence to stop early.
	e.validatorStop = res.StopCriteriaMet &&
		!(iteration == 1 && res.Coverage < e.cfg.CoverageThreshold)

	e.gaps = e.gaps[:0]
	for _, gap := range res.Gaps {
		e.gaps = append(e.gaps, gap.Area)
		if gap.SuggestedSearch != "" {
			e.queue.Push(models.SearchSpec{
				Query:    gap.SuggestedSearch,
				Purpose:  "fill gap: " + gap.Area,
				Priority: gapSearchPriority,
			})
		}
	}
	e.contradictions = res.Contradictions
	for _, spec := range res.AdditionalSearches {
		if spec.Priority < gapSearchPriority {
			spec.Priority = gapSearchPriority
		}
		e.queue.Push(spec)
	}
	for _, u := range res.ScrapeURLs {
		e.addSource(u, "", "", models.SourceDiscovery, authorityRelevance)
	}
}

// refillQueue keeps the loop productive when the planned searches run out
// before the stop criteria are met.
func (e *Engine) refillQueue(iteration int) {
	if e.queue.Len() > 0 || e.thresholdsMet() || iteration >= e.cfg.MaxIterations {
		return
	}
	for _, mod := range planner.DepthModifiers(e.plan.Category) {
		e.queue.Push(models.SearchSpec{
			Query:    fmt.Sprintf("%s %s", e.query, mod),
			Purpose:  mod,
			Priority: refillSearchPriority,
		})
	}
	for _, gap := range e.gaps {
		e.queue.Push(models.SearchSpec{
			Query:    fmt.Sprintf("%s %s", e.query, gap),
			Purpose:  "outstanding gap: " + gap,
			Priority: refillSearchPriority,
		})
	}
}

func (e *Engine) rankedSources() []models.Source {
	out := make([]models.Source, 0, len(e.sources))
	for _, src := range e.sources {
		out = append(out, *src)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Relevance != out[j].Relevance {
			return out[i].Relevance > out[j].Relevance
		}
		return out[i].URL < out[j].URL
	})
	return out
}

func (e *Engine) uniqueDomains() int {
	domains := make(map[string]struct{}, len(e.sources))
	for raw := range e.sources {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			domains[strings.TrimPrefix(u.Host, "www.")] = struct{}{}
		}
	}
	return len(domains)
}

func (e *Engine) scrapeCount() int {
	n := 0
	for _, src := range e.sources {
		if src.Scraped {
			n++
		}
	}
	return n
}

func (e *Engine) emit(progress ProgressFunc, phase, message string) {
	if progress == nil {
		return
	}
	e.snap.ContentLength = e.content.Len()
	e.snap.SourceCount = len(e.sources)
	progress(phase, message, e.snap)
}

func (e *Engine) batchSize() int {
	if e.cfg.BatchSize <= 0 {
		return 3
	}
	return e.cfg.BatchSize
}

// keyTerms extracts the query's significant words for domain mapping.
func keyTerms(query string) string {
	stop := map[string]struct{}{
		"the": {}, "in": {}, "of": {}, "for": {}, "and": {}, "a": {}, "an": {},
		"to": {}, "with": {}, "on": {}, "what": {}, "which": {}, "are": {}, "is": {},
	}
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if _, skip := stop[w]; skip {
			continue
		}
		terms = append(terms, w)
		if len(terms) == 4 {
			break
		}
	}
	return strings.Join(terms, " ")
}

func ratio(have, want int) float64 {
	if want <= 0 {
		return 1
	}
	r := float64(have) / float64(want)
	if r > 1 {
		return 1
	}
	return r
}
