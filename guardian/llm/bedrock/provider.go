// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

// Package bedrock implements the llm.Provider contract against AWS Bedrock
// for Anthropic-family models. Authentication is AWS Signature V4 via the
// standard SDK credential chain, so IAM roles work without an API key.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"dataguard/platform/guardian/llm"
)

const (
	// DefaultRegion is used when no region is configured.
	DefaultRegion = "us-east-1"

	// DefaultModel is the Bedrock model id used when none is configured.
	DefaultModel = "anthropic.claude-sonnet-4-5-20250929-v1:0"

	// anthropicVersion is the Bedrock-specific Anthropic API version tag.
	anthropicVersion = "bedrock-2023-05-31"

	defaultMaxTokens = 1024
)

// invoker is the slice of the Bedrock runtime client the provider uses.
type invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config configures the Bedrock provider.
type Config struct {
	Region string
	Model  string
}

// Provider invokes Anthropic models through AWS Bedrock. It implements
// llm.Provider.
type Provider struct {
	client invoker
	region string
	model  string
}

// NewProvider loads the AWS credential chain for the configured region and
// returns a ready provider.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config (region %s): %w", cfg.Region, err)
	}

	return &Provider{
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: cfg.Region,
		model:  cfg.Model,
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string {
	return "bedrock"
}

// Region returns the configured AWS region.
func (p *Provider) Region() string {
	return p.region
}

// Complete implements llm.Provider via bedrockruntime InvokeModel.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := map[string]interface{}{
		"anthropic_version": anthropicVersion,
		"max_tokens":        maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
	}
	if req.SystemPrompt != "" {
		body["system"] = req.SystemPrompt
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock API error: %w", err)
	}

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(output.Body, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	content := ""
	for _, block := range parsed.Content {
		if block.Type == "text" || block.Type == "" {
			content += block.Text
		}
	}

	return &llm.CompletionResponse{
		Content:    content,
		Model:      model,
		StopReason: parsed.StopReason,
		Latency:    time.Since(start),
	}, nil
}
