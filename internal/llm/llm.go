// Package llm provides a uniform completion capability over interchangeable
// chat-completion providers with automatic fallback when the primary's
// credential is unavailable.
package llm

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/config"
	"github.com/McLeuker/mcleukerai-sub000/internal/metrics"
)

// ErrNoProvider indicates no configured provider has a usable credential.
// The orchestrator maps it to a configuration failure.
var ErrNoProvider = errors.New("no llm provider configured")

// Options control a single completion call. The model override is threaded
// explicitly per call; there is no ambient model state.
type Options struct {
	JSONMode    bool
	MaxTokens   int
	Temperature float64
	Model       string // override the provider default when set
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is a completed (or fully streamed) generation.
type Result struct {
	Text     string `json:"text"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Usage    Usage  `json:"usage"`
}

// ChunkFunc receives streamed text increments. Returning an error aborts
// the stream.
type ChunkFunc func(chunk string) error

// Provider is one chat-completion backend.
type Provider interface {
	Name() string
	Available() bool
	Complete(ctx context.Context, system, user string, opts Options) (*Result, error)
	Stream(ctx context.Context, system, user string, opts Options, fn ChunkFunc) (*Result, error)
}

// Client fans a completion request to the first available provider in
// order. Provider errors fall through to the next provider only when the
// call never started (credential missing); mid-call failures surface to the
// caller, who owns retry/fallback policy.
type Client struct {
	providers []Provider
	logger    *zap.Logger
}

// NewClient builds the provider chain from configuration. Providers without
// an API key are still registered; they report unavailable and are skipped.
func NewClient(cfg config.ProvidersConfig, logger *zap.Logger) *Client {
	return &Client{
		providers: []Provider{
			newOpenAIProvider(cfg.LLMPrimary, logger),
			newAnthropicProvider(cfg.LLMSecondary, logger),
		},
		logger: logger,
	}
}

// NewClientWithProviders is used by tests to inject fakes.
func NewClientWithProviders(logger *zap.Logger, providers ...Provider) *Client {
	return &Client{providers: providers, logger: logger}
}

// Available reports whether any provider can take calls.
func (c *Client) Available() bool {
	for _, p := range c.providers {
		if p.Available() {
			return true
		}
	}
	return false
}

func (c *Client) pick() (Provider, error) {
	for _, p := range c.providers {
		if p.Available() {
			return p, nil
		}
	}
	return nil, ErrNoProvider
}

// Complete runs a non-streamed completion against the active provider.
func (c *Client) Complete(ctx context.Context, system, user string, opts Options) (*Result, error) {
	p, err := c.pick()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := p.Complete(ctx, system, user, opts)
	observe(start, err)
	if err != nil {
		c.logger.Warn("llm completion failed",
			zap.String("provider", p.Name()), zap.Error(err))
		return nil, err
	}
	return res, nil
}

// Stream runs a streamed completion, invoking fn per text chunk.
func (c *Client) Stream(ctx context.Context, system, user string, opts Options, fn ChunkFunc) (*Result, error) {
	p, err := c.pick()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := p.Stream(ctx, system, user, opts, fn)
	observe(start, err)
	if err != nil {
		c.logger.Warn("llm stream failed",
			zap.String("provider", p.Name()), zap.Error(err))
		return nil, err
	}
	return res, nil
}

func observe(start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ProviderCalls.WithLabelValues("llm", outcome).Inc()
	metrics.ProviderCallDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())
}
