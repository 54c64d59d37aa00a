package synthesis

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
	"github.com/McLeuker/mcleukerai-sub000/internal/taskerr"
)

type stubProvider struct {
	name        string
	streamErr   error
	completeErr error
	text        string
}

func (p *stubProvider) Name() string    { return p.name }
func (p *stubProvider) Available() bool { return true }

func (p *stubProvider) Complete(ctx context.Context, system, user string, opts llm.Options) (*llm.Result, error) {
	if p.completeErr != nil {
		return nil, p.completeErr
	}
	return &llm.Result{Text: p.text, Provider: p.name}, nil
}

func (p *stubProvider) Stream(ctx context.Context, system, user string, opts llm.Options, fn llm.ChunkFunc) (*llm.Result, error) {
	if p.streamErr != nil {
		return nil, p.streamErr
	}
	for _, part := range strings.SplitAfter(p.text, " ") {
		if err := fn(part); err != nil {
			return nil, err
		}
	}
	return &llm.Result{Text: p.text, Provider: p.name}, nil
}

func testInput() Input {
	return Input{
		Query:       "sustainable denim suppliers in Portugal",
		Category:    models.CategorySupplier,
		OutputShape: models.OutputTable,
		Content:     "Candiani and Tejidos Royo supply GOTS certified denim.",
		Sources: []models.Source{
			{URL: "https://example.com/low", Title: "Low", Relevance: 0.3},
			{URL: "https://example.com/high", Title: "High", Relevance: 0.9},
		},
		Confidence:      0.8,
		Coverage:        0.7,
		MaxContentChars: 60000,
	}
}

func TestRunStreamed(t *testing.T) {
	client := llm.NewClientWithProviders(zap.NewNop(),
		&stubProvider{name: "stub", text: "The leading mills are Candiani and Tejidos Royo."})
	s := New(client, zap.NewNop())

	var chunks []string
	answer, err := s.Run(context.Background(), testInput(), func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, answer, "Candiani")
	assert.Contains(t, answer, "## Sources")
	assert.Greater(t, len(chunks), 2)

	// Trailing source list is ordered by relevance, not insertion.
	assert.Less(t,
		strings.Index(answer, "https://example.com/high"),
		strings.Index(answer, "https://example.com/low"))
}

func TestRunFallsBackToNonStreamed(t *testing.T) {
	client := llm.NewClientWithProviders(zap.NewNop(),
		&stubProvider{name: "stub", streamErr: errors.New("stream reset"), text: "Answer via completion."})
	s := New(client, zap.NewNop())

	var emitted strings.Builder
	answer, err := s.Run(context.Background(), testInput(), func(chunk string) error {
		emitted.WriteString(chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, answer, "Answer via completion.")
	assert.Equal(t, answer, emitted.String())
}

func TestRunSynthesisErrorWhenBothFail(t *testing.T) {
	client := llm.NewClientWithProviders(zap.NewNop(),
		&stubProvider{name: "stub", streamErr: errors.New("reset"), completeErr: errors.New("also down")})
	s := New(client, zap.NewNop())

	_, err := s.Run(context.Background(), testInput(), func(string) error { return nil })
	require.Error(t, err)
	assert.True(t, taskerr.Is(err, taskerr.KindSynthesis))
}

func TestRunDigestWithoutProvider(t *testing.T) {
	client := llm.NewClientWithProviders(zap.NewNop())
	s := New(client, zap.NewNop())

	var emitted strings.Builder
	answer, err := s.Run(context.Background(), testInput(), func(chunk string) error {
		emitted.WriteString(chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, answer, "GOTS certified denim")
	assert.Contains(t, answer, "## Sources")
	assert.Equal(t, answer, emitted.String())
}

func TestRechunkerSplitsAtWords(t *testing.T) {
	var chunks []string
	emit := rechunker(func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})

	text := strings.Repeat("alpha beta gamma ", 40)
	require.NoError(t, emit(text))
	assert.Greater(t, len(chunks), 1)
	assert.Equal(t, text, strings.Join(chunks, ""))
	for _, c := range chunks[:len(chunks)-1] {
		assert.LessOrEqual(t, len(c), chunkSize)
	}
}

func TestSourceListEmpty(t *testing.T) {
	assert.Empty(t, sourceList(nil))
}
