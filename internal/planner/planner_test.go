package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/llm"
	"github.com/McLeuker/mcleukerai-sub000/internal/models"
)

// stubProvider satisfies llm.Provider with a canned response.
type stubProvider struct {
	text string
	err  error
}

func (s *stubProvider) Name() string    { return "stub" }
func (s *stubProvider) Available() bool { return true }
func (s *stubProvider) Complete(ctx context.Context, system, user string, opts llm.Options) (*llm.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Result{Text: s.text, Provider: "stub"}, nil
}
func (s *stubProvider) Stream(ctx context.Context, system, user string, opts llm.Options, fn llm.ChunkFunc) (*llm.Result, error) {
	return s.Complete(ctx, system, user, opts)
}

func stubClient(text string, err error) *llm.Client {
	return llm.NewClientWithProviders(zap.NewNop(), &stubProvider{text: text, err: err})
}

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"prose before {\"a\": {\"b\":2}} after", `{"a": {"b":2}}`},
		{"```json\n{\"x\":\"y\"}\n```", `{"x":"y"}`},
		{`{"s":"brace } in string"}`, `{"s":"brace } in string"}`},
		{"no json here", ""},
		{"{unbalanced", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, extractJSONObject(tc.in), "input: %q", tc.in)
	}
}

func TestPlanFromLLM(t *testing.T) {
	resp := `{"complexity":"deep","searches":[{"query":"denim mills Portugal","purpose":"regional sweep","priority":0}],"authority_domains":["texfind.example"],"output_shape":"table"}`
	plan := Plan(context.Background(), stubClient(resp, nil), "denim suppliers", models.CategorySupplier, nil, zap.NewNop())
	require.NotNil(t, plan)
	assert.False(t, plan.FromFallback)
	assert.Equal(t, "table", plan.OutputShape)
	require.Len(t, plan.Searches, 1)
	assert.Equal(t, "denim mills Portugal", plan.Searches[0].Query)
}

func TestPlanFallsBackOnLLMError(t *testing.T) {
	plan := Plan(context.Background(), stubClient("", errors.New("provider down")), "sustainable denim suppliers in Portugal", models.CategorySupplier, nil, zap.NewNop())
	require.NotNil(t, plan)
	assert.True(t, plan.FromFallback)
	assert.GreaterOrEqual(t, len(plan.Searches), 3)
}

func TestPlanFallsBackOnMalformedJSON(t *testing.T) {
	plan := Plan(context.Background(), stubClient("definitely not json", nil), "q", models.CategoryTrend, nil, zap.NewNop())
	require.NotNil(t, plan)
	assert.True(t, plan.FromFallback)
	assert.NotEmpty(t, plan.Searches)
}

// Supplier fallback plans must always carry MOQ and certification queries.
func TestSupplierFallbackMentionsMOQAndCertification(t *testing.T) {
	plan := fallbackPlan("organic denim suppliers", models.CategorySupplier)
	var hasMOQ, hasCert bool
	for _, s := range plan.Searches {
		q := strings.ToLower(s.Query)
		if strings.Contains(q, "moq") {
			hasMOQ = true
		}
		if strings.Contains(q, "certification") {
			hasCert = true
		}
	}
	assert.True(t, hasMOQ, "fallback plan lacks MOQ search")
	assert.True(t, hasCert, "fallback plan lacks certification search")
}

func TestPlanMergesDeconstructionSearchesFirst(t *testing.T) {
	decon := &models.Deconstruction{
		PrimaryGoal: "find suppliers",
		Searches: []models.SearchSpec{
			{Query: "from deconstruction", Purpose: "intent", Priority: 0},
		},
		OutputShape: models.OutputComparison,
	}
	plan := Plan(context.Background(), stubClient("", errors.New("down")), "q", models.CategoryGeneral, decon, zap.NewNop())
	require.NotEmpty(t, plan.Searches)
	assert.Equal(t, "from deconstruction", plan.Searches[0].Query)
	assert.Equal(t, models.OutputComparison, plan.OutputShape)
}

func TestDeconstructNilOnFailure(t *testing.T) {
	assert.Nil(t, Deconstruct(context.Background(), stubClient("", errors.New("down")), "q", zap.NewNop()))
	assert.Nil(t, Deconstruct(context.Background(), stubClient("not json", nil), "q", zap.NewNop()))
	assert.Nil(t, Deconstruct(context.Background(), stubClient(`{"searches":[]}`, nil), "q", zap.NewNop()))
}

func TestDeconstructParsesBrief(t *testing.T) {
	resp := `{"primary_goal":"shortlist denim mills","essential_data":["MOQ"],"searches":[{"query":"denim mills","purpose":"p","priority":1},{"query":"","purpose":"dropped"}],"authority_domains":["texfind.example"]}`
	d := Deconstruct(context.Background(), stubClient(resp, nil), "q", zap.NewNop())
	require.NotNil(t, d)
	assert.Equal(t, "shortlist denim mills", d.PrimaryGoal)
	require.Len(t, d.Searches, 1)
	assert.Equal(t, []string{"texfind.example"}, d.AuthorityDomains)
}

func TestDepthModifiersAlwaysPresent(t *testing.T) {
	for _, cat := range []string{models.CategorySupplier, models.CategoryTrend, models.CategoryMarket, models.CategorySustainability, models.CategoryGeneral, "unknown"} {
		assert.NotEmpty(t, DepthModifiers(cat), cat)
	}
}
