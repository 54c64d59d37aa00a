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

// openaiProvider speaks the OpenAI chat-completions API, including its SSE
// streaming protocol.
type openaiProvider struct {
	cfg    config.LLMProviderConfig
	client *http.Client
	logger *zap.Logger
}

func newOpenAIProvider(cfg config.LLMProviderConfig, logger *zap.Logger) *openaiProvider {
	return &openaiProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (p *openaiProvider) Name() string    { return "openai" }
func (p *openaiProvider) Available() bool { return p.cfg.APIKey != "" }

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiRequest struct {
	Model          string          `json:"model"`
	Messages       []openaiMessage `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

func (p *openaiProvider) buildRequest(system, user string, opts Options, stream bool) openaiRequest {
	model := opts.Model
	if model == "" {
		model = p.cfg.Model
	}
	req := openaiRequest{
		Model:       model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      stream,
	}
	if system != "" {
		req.Messages = append(req.Messages, openaiMessage{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, openaiMessage{Role: "user", Content: user})
	if opts.JSONMode {
		req.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}
	return req
}

func (p *openaiProvider) post(ctx context.Context, body any) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai call: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("openai returned status %d", resp.StatusCode)
	}
	return resp, nil
}

func (p *openaiProvider) Complete(ctx context.Context, system, user string, opts Options) (*Result, error) {
	resp, err := p.post(ctx, p.buildRequest(system, user, opts, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Model   string `json:"model"`
		Choices []struct {
			Message openaiMessage `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}
	return &Result{
		Text:     out.Choices[0].Message.Content,
		Provider: p.Name(),
		Model:    out.Model,
		Usage:    Usage{InputTokens: out.Usage.PromptTokens, OutputTokens: out.Usage.CompletionTokens},
	}, nil
}

func (p *openaiProvider) Stream(ctx context.Context, system, user string, opts Options, fn ChunkFunc) (*Result, error) {
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
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			p.logger.Debug("skipping malformed stream chunk", zap.Error(err))
			continue
		}
		if chunk.Usage != nil {
			res.Usage = Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		text := chunk.Choices[0].Delta.Content
		full.WriteString(text)
		if err := fn(text); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read openai stream: %w", err)
	}
	res.Text = full.String()
	if res.Text == "" {
		return nil, fmt.Errorf("openai stream produced no content")
	}
	return res, nil
}
