// Package llm implements the LLM Gateway (C3): a thin, provider-agnostic
// completion client used by the Strategist (C8) and Reflection (C9).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Provider identifies the upstream LLM API.
type Provider string

const (
	ProviderClaude   Provider = "claude"
	ProviderOpenAI   Provider = "openai"
	ProviderDeepSeek Provider = "deepseek"
)

// Config configures the Gateway.
type Config struct {
	Provider    Provider
	Host        string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// DefaultConfig returns the Claude-backed default.
func DefaultConfig() Config {
	return Config{
		Provider:    ProviderClaude,
		Host:        "https://api.anthropic.com",
		Model:       "claude-3-5-sonnet-20241022",
		MaxTokens:   2048,
		Temperature: 0.7,
		Timeout:     120 * time.Second,
	}
}

// Gateway is the LLM Gateway (C3).
type Gateway struct {
	logger     *zap.Logger
	config     Config
	httpClient *http.Client
}

// New constructs a Gateway.
func New(logger *zap.Logger, config Config) *Gateway {
	return &Gateway{
		logger:     logger,
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openAIRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Query sends one completion request and returns the raw text reply.
// Makes up to 3 attempts with exponential backoff between them (2s, then 4s);
// any failed attempt is retried, and the wait ends early if ctx is done.
func (g *Gateway) Query(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	const op = "llm.Query"

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(1<<(attempt-1)) * 2 * time.Second):
			}
		}

		text, err := g.complete(ctx, systemPrompt, userPrompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		g.logger.Warn("llm query failed", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	}
	return "", fmt.Errorf("%s: %w", op, lastErr)
}

func (g *Gateway) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	switch g.config.Provider {
	case ProviderClaude:
		return g.completeClaude(ctx, systemPrompt, userPrompt)
	case ProviderOpenAI, ProviderDeepSeek:
		return g.completeOpenAICompatible(ctx, systemPrompt, userPrompt)
	default:
		return "", fmt.Errorf("unsupported llm provider: %s", g.config.Provider)
	}
}

func (g *Gateway) completeClaude(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := claudeRequest{
		Model:       g.config.Model,
		MaxTokens:   g.maxTokens(),
		Temperature: g.config.Temperature,
		System:      systemPrompt,
		Messages:    []chatMessage{{Role: "user", Content: userPrompt}},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal claude request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.Host+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build claude request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", g.config.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	respBody, err := g.do(httpReq)
	if err != nil {
		return "", err
	}

	var resp claudeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unmarshal claude response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("claude api error: %s: %s", resp.Error.Type, resp.Error.Message)
	}
	if len(resp.Content) == 0 {
		return "", fmt.Errorf("empty claude response")
	}
	return resp.Content[0].Text, nil
}

func (g *Gateway) completeOpenAICompatible(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := openAIRequest{
		Model: g.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   g.maxTokens(),
		Temperature: g.config.Temperature,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.Host+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.config.APIKey)

	respBody, err := g.do(httpReq)
	if err != nil {
		return "", err
	}

	var resp openAIResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("api error: %s: %s", resp.Error.Type, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *Gateway) do(req *http.Request) ([]byte, error) {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("llm upstream %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (g *Gateway) maxTokens() int {
	if g.config.MaxTokens == 0 {
		return 2048
	}
	return g.config.MaxTokens
}
