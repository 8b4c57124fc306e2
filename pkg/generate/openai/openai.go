// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package openai answers prompts through any OpenAI-compatible chat
// completions endpoint (OpenAI, Ollama, vLLM).
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/groundchat/memcore/pkg/generate"
	"github.com/groundchat/memcore/pkg/provider"
)

func init() {
	generate.Providers.Register("openai", func(_ context.Context, params provider.Params) (generate.Generator, error) {
		maxTokens, err := params.Int("max_tokens", 0)
		if err != nil {
			return nil, err
		}
		c := New(params["endpoint"], params["api_key"], params.String("model", "gpt-4"))
		c.MaxTokens = maxTokens
		return c, nil
	})
}

// compile-time check
var _ generate.Generator = (*Client)(nil)

// Client implements generate.Generator with a single user message per
// prompt and temperature 0.
type Client struct {
	client openai.Client
	model  string
	// MaxTokens caps the answer length when positive.
	MaxTokens int
}

// New creates a chat client. An empty apiKey is replaced with a dummy key
// for local backends that do not authenticate.
func New(baseURL, apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	} else {
		opts = append(opts, option.WithAPIKey("dummy"))
	}
	return &Client{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		Temperature: openai.Float(0),
	}
	if c.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.MaxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}
