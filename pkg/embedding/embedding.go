// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package embedding defines the text-to-vector boundary used by ingestion,
// conversation memory and retrieval.
package embedding

import (
	"context"
	"fmt"

	"github.com/groundchat/memcore/pkg/provider"
)

// Providers is the registry of embedder implementations.
//
//	import _ "github.com/groundchat/memcore/pkg/embedding/openai"
//	import _ "github.com/groundchat/memcore/pkg/embedding/hash"
var Providers = provider.NewRegistry[Embedder]("embedding")

// Embedder maps texts to fixed-width vectors. Similar texts must map to
// nearby vectors under cosine similarity.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected 1", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatched embeds texts in groups of at most batchSize, preserving order.
func EmbedBatched(ctx context.Context, e Embedder, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = len(texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		vecs, err := e.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d: %w", start, end, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vecs), end-start)
		}
		out = append(out, vecs...)
	}
	return out, nil
}
