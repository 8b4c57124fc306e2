// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package hash provides a deterministic, offline embedder based on signed
// feature hashing of word tokens. It needs no model and is meant for tests,
// air-gapped installs and local development.
package hash

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/groundchat/memcore/pkg/embedding"
	"github.com/groundchat/memcore/pkg/provider"
)

// DefaultDimensions is used when no width is configured.
const DefaultDimensions = 256

func init() {
	embedding.Providers.Register("hash", func(_ context.Context, params provider.Params) (embedding.Embedder, error) {
		dims, err := params.Int("dimensions", DefaultDimensions)
		if err != nil {
			return nil, err
		}
		return New(dims), nil
	})
}

// compile-time check
var _ embedding.Embedder = (*Embedder)(nil)

// Embedder hashes lowercase word tokens into a fixed-width unit vector.
type Embedder struct {
	dims int
}

// New returns an Embedder producing vectors of the given width.
func New(dims int) *Embedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Embedder{dims: dims}
}

func (e *Embedder) Dimensions() int { return e.dims }

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(text)
	}
	return out, nil
}

// vector never returns the zero vector: cosine similarity against it is
// undefined and some indexes reject it.
func (e *Embedder) vector(text string) []float32 {
	vec := make([]float64, e.dims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	res := make([]float32, e.dims)
	if norm == 0 {
		res[0] = 1
		return res
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		res[i] = float32(v / norm)
	}
	return res
}
