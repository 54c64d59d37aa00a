// Package synthesis turns accumulated research evidence into the final
// streamed answer.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/llm"
	"github.com/McLeuker/mcleukerai-sub000/internal/models"
	"github.com/McLeuker/mcleukerai-sub000/internal/taskerr"
)

// chunkSize is the re-chunking width used when a non-streamed generation has
// to be delivered through the streaming callback.
const chunkSize = 240

// Input carries everything the synthesizer needs for one generation.
type Input struct {
	Query           string
	Category        string
	OutputShape     string
	Content         string
	Sources         []models.Source
	Confidence      float64
	Coverage        float64
	Gaps            []string
	Contradictions  []string
	MaxContentChars int
}

// Synthesizer produces the final answer from accumulated evidence.
type Synthesizer struct {
	llm    *llm.Client
	logger *zap.Logger
}

func New(client *llm.Client, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{llm: client, logger: logger}
}

// Run generates the answer and delivers it incrementally through emit. The
// returned string is the complete answer including the trailing source list.
//
// Degradation order: streamed generation, then a single non-streamed call
// re-chunked for the caller, then (only when no provider is configured at
// all) a deterministic digest of the evidence. A provider that is configured
// but fails both calls is a synthesis error.
func (s *Synthesizer) Run(ctx context.Context, in Input, emit func(chunk string) error) (string, error) {
	system := s.systemPrompt(in)
	user := s.userPrompt(in)
	opts := llm.Options{MaxTokens: 4096, Temperature: 0.4}

	var body strings.Builder
	res, err := s.llm.Stream(ctx, system, user, opts, func(chunk string) error {
		body.WriteString(chunk)
		return emit(chunk)
	})
	if err == nil {
		// Chunks already reached the caller; only the source list remains.
		tail := sourceList(in.Sources)
		if tail != "" {
			if err := emit(tail); err != nil {
				return "", err
			}
		}
		return res.Text + tail, nil
	}
	if errors.Is(err, llm.ErrNoProvider) {
		s.logger.Warn("no llm provider for synthesis, composing digest from evidence")
		return s.finish(s.composeDigest(in), in, rechunker(emit))
	}
	if ctx.Err() != nil {
		return "", taskerr.Wrap(taskerr.KindCancelled, "synthesis cancelled", ctx.Err())
	}

	s.logger.Warn("streamed synthesis failed, retrying without streaming", zap.Error(err))
	res, err = s.llm.Complete(ctx, system, user, opts)
	if err != nil {
		partial := body.String()
		return partial, taskerr.Wrap(taskerr.KindSynthesis, "generation failed after fallback", err)
	}
	return s.finish(res.Text, in, rechunker(emit))
}

// finish appends the plain source list and pushes any not-yet-emitted text.
func (s *Synthesizer) finish(text string, in Input, emit func(string) error) (string, error) {
	tail := sourceList(in.Sources)
	if emit != nil {
		if err := emit(text); err != nil {
			return "", err
		}
		if tail != "" {
			if err := emit(tail); err != nil {
				return "", err
			}
		}
	}
	return text + tail, nil
}

func (s *Synthesizer) systemPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("You are a fashion industry research analyst writing the final answer to a research request. ")
	b.WriteString("Choose the structure that best fits the question: a direct paragraph for a simple factual ask, ")
	b.WriteString("a markdown table for structured comparisons of suppliers or products, ")
	b.WriteString("a list for enumerations, or short titled sections for a broad report. ")
	b.WriteString("Never force a fixed template onto a question it does not fit. ")
	b.WriteString("Do not include inline citations or a sources section; sources are appended separately. ")
	b.WriteString("Ground every claim in the provided research content and state clearly when evidence is thin.")
	if in.OutputShape != "" {
		fmt.Fprintf(&b, " The requester likely expects a %s-shaped answer.", in.OutputShape)
	}
	return b.String()
}

func (s *Synthesizer) userPrompt(in Input) string {
	content := in.Content
	if in.MaxContentChars > 0 && len(content) > in.MaxContentChars {
		content = content[:in.MaxContentChars]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", in.Query)
	fmt.Fprintf(&b, "Research category: %s\n", in.Category)
	fmt.Fprintf(&b, "Evidence confidence %.2f, coverage %.2f across %d sources.\n",
		in.Confidence, in.Coverage, len(in.Sources))
	if len(in.Gaps) > 0 {
		fmt.Fprintf(&b, "Known gaps: %s\n", strings.Join(in.Gaps, "; "))
	}
	if len(in.Contradictions) > 0 {
		fmt.Fprintf(&b, "Contradictions found: %s\n", strings.Join(in.Contradictions, "; "))
	}
	b.WriteString("\nResearch content:\n")
	b.WriteString(content)
	return b.String()
}

// composeDigest builds a plain deterministic answer when no LLM is
// configured. The research loop still gathered real evidence; present it
// rather than failing the task.
func (s *Synthesizer) composeDigest(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Research findings: %s\n\n", in.Query)

	content := strings.TrimSpace(in.Content)
	if in.MaxContentChars > 0 && len(content) > in.MaxContentChars {
		content = content[:in.MaxContentChars]
	}
	if content != "" {
		b.WriteString(content)
		b.WriteString("\n")
	} else {
		b.WriteString("No research content could be gathered for this query.\n")
	}
	fmt.Fprintf(&b, "\nEvidence confidence %.2f, coverage %.2f.\n", in.Confidence, in.Coverage)
	return b.String()
}

// sourceList renders the trailing plain source list ordered by relevance.
func sourceList(sources []models.Source) string {
	if len(sources) == 0 {
		return ""
	}
	ranked := make([]models.Source, len(sources))
	copy(ranked, sources)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Relevance > ranked[j].Relevance
	})

	var b strings.Builder
	b.WriteString("\n\n## Sources\n")
	for i, src := range ranked {
		title := src.Title
		if title == "" {
			title = src.URL
		}
		fmt.Fprintf(&b, "%d. %s - %s\n", i+1, title, src.URL)
	}
	return b.String()
}

// rechunker wraps emit so a complete text arrives as stream-sized pieces
// split at word boundaries.
func rechunker(emit func(string) error) func(string) error {
	if emit == nil {
		return nil
	}
	return func(text string) error {
		for len(text) > 0 {
			n := chunkSize
			if n >= len(text) {
				return emit(text)
			}
			if idx := strings.LastIndexByte(text[:n], ' '); idx > 0 {
				n = idx + 1
			}
			if err := emit(text[:n]); err != nil {
				return err
			}
			text = text[n:]
		}
		return nil
	}
}
