package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/McLeuker/mcleukerai-sub000/internal/config"
)

// anthropicProvider speaks the Anthropic messages API. JSON mode is emulated
// by instruction since the API has no response_format switch.
type anthropicProvider struct {
	cfg    config.LLMProviderConfig
	client *http.Client
	logger *zap.Logger
}

func newAnthropicProvider(cfg config.LLMProviderConfig, logger *zap.Logger) *anthropicProvider {
	return &anthropicProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (p *anthropicProvider) Name() string    { return "anthropic" }
func (p *anthropicProvider) Available() bool { return p.cfg.APIKey != "" }

type anthropicRequest struct {
	Model     string `json:"model"`
	System    string `json:"system,omitempty"`
	MaxTokens int    `json:"max_tokens"`
	Stream    bool   `json:"stream,omitempty"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Temperature float64 `json:"temperature"`
}

func (p *anthropicProvider) buildRequest(system, user string, opts Options, stream bool) anthropicRequest {
	model := opts.Model
	if model == "" {
		model = p.cfg.Model
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	if opts.JSONMode {
		system = strings.TrimSpace(system + "\nRespond with a single valid JSON object and nothing else.")
	}
	req := anthropicRequest{
		Model:       model,
		System:      system,
		MaxTokens:   maxTokens,
		Stream:      stream,
		Temperature: opts.Temperature,
	}
	req.Messages = append(req.Messages, struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: "user", Content: user})
	return req
}

func (p *anthropicProvider) post(ctx context.Context, body any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/v1/messages", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic call: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic returned status %d", resp.StatusCode)
	}
	return resp, nil
}

func (p *anthropicProvider) Complete(ctx context.Context, system, user string, opts Options) (*Result, error) {
	resp, err := p.post(ctx, p.buildRequest(system, user, opts, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}
	var text strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("anthropic returned no text content")
	}
	return &Result{
		Text:     text.String(),
		Provider: p.Name(),
		Model:    out.Model,
		Usage:    Usage{InputTokens: out.Usage.InputTokens, OutputTokens: out.Usage.OutputTokens},
	}, nil
}

func (p *anthropicProvider) Stream(ctx context.Context, system, user string, opts Options, fn ChunkFunc) (*Result, error) {
	resp, err := p.post(ctx, p.buildRequest(system, user, opts, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	model := opts.Model
	if model == "" {
		model = p.cfg.Model
	}
	res := &Result{Provider: p.Name(), Model: model}
	var full strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var ev struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
			Usage *struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			p.logger.Debug("skipping malformed stream event", zap.Error(err))
			continue
		}
		if ev.Usage != nil {
			res.Usage = Usage{InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens}
		}
		if ev.Type != "content_block_delta" || ev.Delta.Text == "" {
			continue
		}
		full.WriteString(ev.Delta.Text)
		if err := fn(ev.Delta.Text); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read anthropic stream: %w", err)
	}
	res.Text = full.String()
	if res.Text == "" {
		return nil, fmt.Errorf("anthropic stream produced no content")
	}
	return res, nil
}
