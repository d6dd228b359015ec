// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

// Package anthropic implements the llm.Provider contract against the
// Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"dataguard/platform/guardian/llm"
)

const (
	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the Anthropic API version header value.
	DefaultAPIVersion = "2023-06-01"

	// DefaultModel is the model used when none is configured. Risk
	// assessment is a short, structured task; Sonnet is the right tier.
	DefaultModel = "claude-sonnet-4-5-20250929"

	// DefaultTimeout bounds a single assessment call. The scorer runs
	// inline with evaluation, so this stays short.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxTokens is the completion cap when the request leaves it
	// unset.
	DefaultMaxTokens = 1024
)

// HTTPClient is the subset of http.Client the provider needs. It exists so
// tests can substitute a transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures the Anthropic provider. APIKey is required; everything
// else has a sensible default.
type Config struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	Model      string
	Timeout    time.Duration
}

// Provider calls the Anthropic Messages API. It implements llm.Provider.
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	model      string
	client     HTTPClient

	mu      sync.RWMutex
	healthy bool
}

// NewProvider validates cfg and returns a ready provider.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		model:      cfg.Model,
		client:     &http.Client{Timeout: cfg.Timeout},
		healthy:    true,
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	return "anthropic"
}

// IsHealthy reports whether the last API call succeeded.
func (p *Provider) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

func (p *Provider) setHealthy(healthy bool) {
	p.mu.Lock()
	p.healthy = healthy
	p.mu.Unlock()
}

// Complete implements llm.Provider against POST /v1/messages.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	apiReq := messagesRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    req.SystemPrompt,
		Messages: []message{
			{Role: "user", Content: req.Prompt},
		},
	}
	if req.Temperature > 0 {
		apiReq.Temperature = &req.Temperature
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealthy(false)
		return nil, fmt.Errorf("anthropic API error: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			p.setHealthy(false)
		}
		return nil, parseAPIError(resp.StatusCode, respBody)
	}
	p.setHealthy(true)

	var apiResp messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &llm.CompletionResponse{
		Content:    content.String(),
		Model:      apiResp.Model,
		StopReason: apiResp.StopReason,
		Latency:    time.Since(start),
	}, nil
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.apiVersion)
}

func parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return fmt.Errorf("anthropic API error (status %d): %s", statusCode, string(body))
	}
	return &APIError{
		StatusCode: statusCode,
		Type:       errResp.Error.Type,
		Message:    errResp.Error.Message,
	}
}

// APIError is a structured error response from the Anthropic API.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("anthropic API error (status %d, type %s): %s", e.StatusCode, e.Type, e.Message)
}

// IsRateLimitError reports whether the request was rate limited.
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.Type == "rate_limit_error"
}

// IsAuthError reports whether the API key was rejected.
func (e *APIError) IsAuthError() bool {
	return e.StatusCode == http.StatusUnauthorized || e.Type == "authentication_error"
}

// IsOverloadedError reports whether the API is shedding load.
func (e *APIError) IsOverloadedError() bool {
	return e.StatusCode == http.StatusServiceUnavailable || e.Type == "overloaded_error"
}

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}
