package validator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/llm"
)

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
	return &llm.Result{Text: s.text}, nil
}
func (s *stubProvider) Stream(ctx context.Context, system, user string, opts llm.Options, fn llm.ChunkFunc) (*llm.Result, error) {
	return s.Complete(ctx, system, user, opts)
}

func client(text string, err error) *llm.Client {
	return llm.NewClientWithProviders(zap.NewNop(), &stubProvider{text: text, err: err})
}

func TestValidateParsesResult(t *testing.T) {
	resp := `{"confidence":0.82,"coverage":0.7,"stop_criteria_met":false,
		"gaps":[{"area":"pricing","suggested_search":"denim pricing per meter"}],
		"contradictions":["MOQ figures disagree"],
		"additional_searches":[{"query":"denim MOQ survey","purpose":"fill gap","priority":5}],
		"scrape_urls":["https://example.com/report"]}`
	res, err := Validate(context.Background(), client(resp, nil), Input{
		Query:         "denim suppliers",
		Content:       strings.Repeat("evidence ", 200),
		Iteration:     2,
		MaxIterations: 6,
	}, zap.NewNop())
	require.NoError(t, err)
	assert.InDelta(t, 0.82, res.Confidence, 1e-9)
	assert.Len(t, res.Gaps, 1)
	assert.Len(t, res.Contradictions, 1)
	assert.False(t, res.StopCriteriaMet)
}

func TestValidateErrorOnProviderFailure(t *testing.T) {
	_, err := Validate(context.Background(), client("", errors.New("down")), Input{}, zap.NewNop())
	assert.Error(t, err)
}

func TestValidateErrorOnMalformedJSON(t *testing.T) {
	_, err := Validate(context.Background(), client("not json", nil), Input{}, zap.NewNop())
	assert.Error(t, err)
}

func TestValidateCapsConfidenceOnThinContent(t *testing.T) {
	resp := `{"confidence":0.95,"coverage":0.9}`
	res, err := Validate(context.Background(), client(resp, nil), Input{
		Content:       "barely anything",
		Iteration:     1,
		MaxIterations: 6,
	}, zap.NewNop())
	require.NoError(t, err)
	assert.LessOrEqual(t, res.Confidence, 0.5)
}

func TestValidateForcesStopAtMaxIterations(t *testing.T) {
	resp := `{"confidence":0.4,"coverage":0.4,"stop_criteria_met":false}`
	res, err := Validate(context.Background(), client(resp, nil), Input{
		Content:       strings.Repeat("x", 600),
		Iteration:     6,
		MaxIterations: 6,
	}, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, res.StopCriteriaMet)
}

func TestValidateClampsScores(t *testing.T) {
	resp := `{"confidence":1.7,"coverage":-0.2}`
	res, err := Validate(context.Background(), client(resp, nil), Input{
		Content:       strings.Repeat("x", 600),
		Iteration:     1,
		MaxIterations: 6,
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, 0.0, res.Coverage)
}
