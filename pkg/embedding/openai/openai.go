// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package openai embeds text through any OpenAI-compatible /embeddings
// endpoint.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/groundchat/memcore/pkg/embedding"
	"github.com/groundchat/memcore/pkg/provider"
)

func init() {
	embedding.Providers.Register("openai", func(_ context.Context, params provider.Params) (embedding.Embedder, error) {
		dims, err := params.Int("dimensions", 1536)
		if err != nil {
			return nil, err
		}
		return New(params["endpoint"], params["api_key"], params.String("model", "text-embedding-3-small"), dims), nil
	})
}

// compile-time check
var _ embedding.Embedder = (*Client)(nil)

// Client implements embedding.Embedder using the OpenAI SDK.
type Client struct {
	client     openai.Client
	model      string
	dimensions int
}

// New creates an embedding client with its own base URL and API key.
func New(baseURL, apiKey, model string, dimensions int) *Client {
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
		client:     openai.NewClient(opts...),
		model:      model,
		dimensions: dimensions,
	}
}

func (c *Client) Dimensions() int { return c.dimensions }

// Embed generates one embedding per input, in input order.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	var input openai.EmbeddingNewParamsInputUnion
	if len(inputs) == 1 {
		input = openai.EmbeddingNewParamsInputUnion{OfString: openai.String(inputs[0])}
	} else {
		input = openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs}
	}

	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:      openai.EmbeddingModel(c.model),
		Input:      input,
		Dimensions: openai.Int(int64(c.dimensions)),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(resp.Data), len(inputs))
	}

	results := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(inputs) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		results[d.Index] = vec
	}
	return results, nil
}
