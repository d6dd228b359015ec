// Copyright 2025 DataGuard
// SPDX-License-Identifier: BUSL-1.1

package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataguard/platform/guardian/llm"
)

type stubInvoker struct {
	output    *bedrockruntime.InvokeModelOutput
	err       error
	lastInput *bedrockruntime.InvokeModelInput
}

func (s *stubInvoker) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	s.lastInput = params
	return s.output, s.err
}

func newTestProvider(client invoker) *Provider {
	return &Provider{client: client, region: DefaultRegion, model: DefaultModel}
}

func TestCompleteBuildsAnthropicBody(t *testing.T) {
	stub := &stubInvoker{
		output: &bedrockruntime.InvokeModelOutput{
			Body: []byte(`{"content":[{"type":"text","text":"{\"score\": 20}"}],"stop_reason":"end_turn"}`),
		},
	}
	p := newTestProvider(stub)

	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Prompt:       "assess",
		SystemPrompt: "assessor",
		MaxTokens:    256,
		Temperature:  0.2,
	})
	require.NoError(t, err)

	require.NotNil(t, stub.lastInput)
	assert.Equal(t, DefaultModel, *stub.lastInput.ModelId)
	assert.Equal(t, "application/json", *stub.lastInput.ContentType)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(stub.lastInput.Body, &body))
	assert.Equal(t, "bedrock-2023-05-31", body["anthropic_version"])
	assert.Equal(t, float64(256), body["max_tokens"])
	assert.Equal(t, "assessor", body["system"])
	assert.Equal(t, 0.2, body["temperature"])
	messages := body["messages"].([]interface{})
	require.Len(t, messages, 1)
	msg := messages[0].(map[string]interface{})
	assert.Equal(t, "user", msg["role"])
	assert.Equal(t, "assess", msg["content"])

	assert.Equal(t, `{"score": 20}`, resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, DefaultModel, resp.Model)
}

func TestCompleteModelOverride(t *testing.T) {
	stub := &stubInvoker{
		output: &bedrockruntime.InvokeModelOutput{Body: []byte(`{"content":[]}`)},
	}
	p := newTestProvider(stub)

	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Prompt: "x",
		Model:  "anthropic.claude-3-5-haiku-20241022-v1:0",
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic.claude-3-5-haiku-20241022-v1:0", *stub.lastInput.ModelId)
}

func TestCompletePropagatesInvokeError(t *testing.T) {
	stub := &stubInvoker{err: errors.New("AccessDeniedException")}
	p := newTestProvider(stub)

	_, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bedrock API error")
}

func TestCompleteMalformedResponseBody(t *testing.T) {
	stub := &stubInvoker{
		output: &bedrockruntime.InvokeModelOutput{Body: []byte(`not json`)},
	}
	p := newTestProvider(stub)

	_, err := p.Complete(context.Background(), llm.CompletionRequest{Prompt: "x"})
	require.Error(t, err)
}

func TestProviderName(t *testing.T) {
	p := newTestProvider(&stubInvoker{})
	assert.Equal(t, "bedrock", p.Name())
	assert.Equal(t, DefaultRegion, p.Region())
}
