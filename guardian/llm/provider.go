// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

// Package llm defines the completion-provider contract used by the blended
// risk scorer. Backends live in the subpackages anthropic and bedrock.
package llm

import (
	"context"
	"time"
)

// CompletionRequest is a single-turn completion request.
type CompletionRequest struct {
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Model        string
}

// CompletionResponse is the text result of a completion.
type CompletionResponse struct {
	Content    string
	Model      string
	StopReason string
	Latency    time.Duration
}

// Provider is a pluggable LLM completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
