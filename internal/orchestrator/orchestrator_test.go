package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/config"
	"github.com/McLeuker/mcleukerai-sub000/internal/llm"
	"github.com/McLeuker/mcleukerai-sub000/internal/models"
	"github.com/McLeuker/mcleukerai-sub000/internal/streaming"
	"github.com/McLeuker/mcleukerai-sub000/internal/taskerr"
	"github.com/McLeuker/mcleukerai-sub000/internal/webtools"
)

type memLedger struct {
	mu      sync.Mutex
	balance int
	debits  map[uuid.UUID]int
	calls   int
}

func newMemLedger(balance int) *memLedger {
	return &memLedger{balance: balance, debits: map[uuid.UUID]int{}}
}

func (l *memLedger) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, nil
}

func (l *memLedger) Debit(ctx context.Context, taskID, userID uuid.UUID, amount int, description string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if _, done := l.debits[taskID]; done {
		return nil
	}
	l.debits[taskID] = amount
	l.balance -= amount
	return nil
}

type memStore struct {
	mu      sync.Mutex
	tasks   []models.ResearchTask
	sources map[string][]models.Source
}

func newMemStore() *memStore {
	return &memStore{sources: map[string][]models.Source{}}
}

func (s *memStore) QueueTask(task *models.ResearchTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, *task)
}

func (s *memStore) QueueSources(taskID string, sources []models.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[taskID] = append(s.sources[taskID], sources...)
}

func (s *memStore) phases() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t.Phase
	}
	return out
}

type stubSearch struct {
	mu    sync.Mutex
	calls int
	err   error
	off   bool
}

func (s *stubSearch) Available() bool { return !s.off }

func (s *stubSearch) Search(ctx context.Context, query, recency string) (*webtools.SearchResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &webtools.SearchResult{
		Answer: "Valerius and Troficolor weave denim near Porto with GOTS certification.",
		Citations: []webtools.Citation{
			{URL: "https://example.com/valerius", Title: "Valerius 360"},
			{URL: "https://example.org/troficolor", Title: "Troficolor"},
		},
	}, nil
}

type stubScrape struct {
	mu    sync.Mutex
	calls int
	err   error
	off   bool
}

func (s *stubScrape) Available() bool { return !s.off }

func (s *stubScrape) Scrape(ctx context.Context, pageURL string, opts webtools.ScrapeOptions) (*webtools.ScrapeResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &webtools.ScrapeResult{URL: pageURL, Title: "Mill", Markdown: "MOQ 500 units, lead time 6 weeks."}, nil
}

type stubDiscover struct{ off bool }

func (s *stubDiscover) Available() bool { return !s.off }

func (s *stubDiscover) Discover(ctx context.Context, query string, limit int, prefetch bool) ([]webtools.DiscoveryItem, error) {
	return nil, nil
}

func (s *stubDiscover) MapDomain(ctx context.Context, domain, filter string, limit int) ([]string, error) {
	return nil, nil
}

func testConfig() *config.Manager {
	cfg := &config.Config{
		Research: config.ResearchConfig{
			MaxIterations:        2,
			MaxCredits:           40,
			BaseCost:             5,
			MaxExecutionTime:     time.Minute,
			ConfidenceThreshold:  0.78,
			CoverageThreshold:    0.7,
			MinContentLength:     10,
			MinSources:           1,
			SearchesPerIteration: 4,
			MaxScrapePerRound:    4,
			BatchSize:            3,
			DiscoveryIterations:  1,
			ValidateEvery:        0,
			MaxContentChars:      60000,
			Weights:              config.ScoreWeights{Content: 0.3, Sources: 0.3, Domains: 0.2, Scrapes: 0.2},
		},
	}
	cfg.Server.RateLimitPerMin = 100
	return config.NewManager(cfg, "", zap.NewNop())
}

type fixture struct {
	orch   *Orchestrator
	ledger *memLedger
	store  *memStore
	stream *streaming.Manager
	search *stubSearch
	scrape *stubScrape
}

func newFixture(t *testing.T, balance int) *fixture {
	t.Helper()
	f := &fixture{
		ledger: newMemLedger(balance),
		store:  newMemStore(),
		stream: streaming.NewManager(256),
		search: &stubSearch{},
		scrape: &stubScrape{},
	}
	f.orch = New(testConfig(), llm.NewClientWithProviders(zap.NewNop()),
		f.search, f.scrape, &stubDiscover{}, f.ledger, f.store, f.stream, zap.NewNop())
	return f
}

// Full fallback path: no LLM configured anywhere, so planning, validation,
// and synthesis all degrade deterministically while search evidence still
// produces a completed task.
func TestRunCompletesWithoutLLM(t *testing.T) {
	f := newFixture(t, 100)

	task, err := f.orch.Admit(context.Background(), Request{
		Query:  "sustainable denim suppliers in Portugal",
		UserID: uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, models.CategorySupplier, task.Category)

	events := f.stream.Subscribe(task.ID.String(), 512)
	defer f.stream.Unsubscribe(task.ID.String(), events)

	f.orch.Run(context.Background(), task)

	assert.Equal(t, models.PhaseCompleted, task.Phase)
	assert.NotEmpty(t, task.Answer)
	assert.Contains(t, task.Answer, "## Sources")
	assert.GreaterOrEqual(t, task.CreditsUsed, 5)
	assert.LessOrEqual(t, task.CreditsUsed, 40)

	var final *streaming.Event
	for {
		select {
		case ev := <-events:
			if ev.Final {
				final = &ev
			}
			if final != nil {
				assert.Equal(t, models.PhaseCompleted, final.Phase)
				assert.GreaterOrEqual(t, final.SourceCount, 1)
				assert.Equal(t, task.CreditsUsed, final.Credits)
				return
			}
		default:
			t.Fatal("no terminal event published")
		}
	}
}

func TestAdmitZeroBalance(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.orch.Admit(context.Background(), Request{
		Query:  "denim suppliers",
		UserID: uuid.New(),
	})
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.KindBudget))
	assert.Equal(t, 0, f.search.calls)
	assert.Equal(t, 0, f.ledger.calls)
	assert.Empty(t, f.store.tasks)
}

func TestAdmitRejectsInjection(t *testing.T) {
	f := newFixture(t, 100)

	_, err := f.orch.Admit(context.Background(), Request{
		Query:  "'; DROP TABLE users; --",
		UserID: uuid.New(),
	})
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.KindValidation))
	assert.Equal(t, 0, f.search.calls)
	assert.Equal(t, 0, f.ledger.calls)
}

func TestAdmitRequiresIdentity(t *testing.T) {
	f := newFixture(t, 100)

	_, err := f.orch.Admit(context.Background(), Request{Query: "denim suppliers"})
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.KindAuth))
}

func TestRunCompletesWhenAllScrapesTimeOut(t *testing.T) {
	f := newFixture(t, 100)
	f.scrape.err = errors.New("context deadline exceeded")

	task, err := f.orch.Admit(context.Background(), Request{
		Query:  "denim suppliers portugal",
		UserID: uuid.New(),
	})
	require.NoError(t, err)

	f.orch.Run(context.Background(), task)

	assert.Equal(t, models.PhaseCompleted, task.Phase)
	sources := f.store.sources[task.ID.String()]
	assert.NotEmpty(t, sources)
	for _, src := range sources {
		assert.False(t, src.Scraped)
	}
}

func TestRunDebitsExactlyOnce(t *testing.T) {
	f := newFixture(t, 100)

	task, err := f.orch.Admit(context.Background(), Request{
		Query:  "denim suppliers portugal",
		UserID: uuid.New(),
	})
	require.NoError(t, err)

	f.orch.Run(context.Background(), task)

	f.ledger.mu.Lock()
	defer f.ledger.mu.Unlock()
	assert.Len(t, f.ledger.debits, 1)
	assert.Equal(t, task.CreditsUsed, f.ledger.debits[task.ID])
	assert.Equal(t, 100-task.CreditsUsed, f.ledger.balance)
}

func TestRunPersistsPhaseTransitions(t *testing.T) {
	f := newFixture(t, 100)

	task, err := f.orch.Admit(context.Background(), Request{
		Query:  "denim suppliers portugal",
		UserID: uuid.New(),
	})
	require.NoError(t, err)
	f.orch.Run(context.Background(), task)

	phases := f.store.phases()
	require.NotEmpty(t, phases)
	assert.Equal(t, models.PhasePlanning, phases[0])
	assert.Equal(t, models.PhaseCompleted, phases[len(phases)-1])
	for i := 1; i < len(phases); i++ {
		assert.True(t, models.CanTransition(phases[i-1], phases[i]),
			"illegal persisted transition %s -> %s", phases[i-1], phases[i])
	}
}

func TestRunCancelledCharged(t *testing.T) {
	f := newFixture(t, 100)

	task, err := f.orch.Admit(context.Background(), Request{
		Query:  "denim suppliers portugal",
		UserID: uuid.New(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.orch.Run(ctx, task)

	assert.Equal(t, models.PhaseFailed, task.Phase)
	// The base cost was committed at admission; cancellation still settles it.
	f.ledger.mu.Lock()
	defer f.ledger.mu.Unlock()
	assert.Equal(t, 5, f.ledger.debits[task.ID])
}

func TestRateGateRejects(t *testing.T) {
	f := newFixture(t, 1000)
	user := uuid.New()

	var rateErr error
	for i := 0; i < 150; i++ {
		_, err := f.orch.Admit(context.Background(), Request{Query: "denim suppliers", UserID: user})
		if err != nil {
			rateErr = err
			break
		}
	}
	require.Error(t, rateErr)
	assert.True(t, taskerr.Is(rateErr, taskerr.KindBudget))
}
