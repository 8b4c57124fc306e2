// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package index defines the similarity index shared by document retrieval
// and conversation memory. Collections are named groups of chunks; every
// chunk carries the path of the document (or memory stream) it came from so
// that all chunks of one source can be removed together.
package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"

	"github.com/groundchat/memcore/pkg/provider"
)

// Providers is the registry of index backends.
//
//	import _ "github.com/groundchat/memcore/pkg/index/memory"
//	import _ "github.com/groundchat/memcore/pkg/index/chromem"
//	import _ "github.com/groundchat/memcore/pkg/index/milvus"
//	import _ "github.com/groundchat/memcore/pkg/index/qdrant"
var Providers = provider.NewRegistry[Index]("index")

var (
	// ErrInvalidCollection is returned for collection names the backends
	// cannot all represent.
	ErrInvalidCollection = errors.New("invalid collection name")
	// ErrDimensionMismatch is returned when a vector's width differs from
	// the collection's.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// MetaSource is the metadata key backends use to persist Chunk.Source.
// Callers must not set it in Chunk.Metadata.
const MetaSource = "source"

// Chunk is one embedded piece of text.
type Chunk struct {
	ID       string
	Source   string
	Content  string
	Vector   []float32
	Metadata map[string]string
}

// Hit is a search result. Score is the cosine similarity, higher is closer.
type Hit struct {
	Chunk
	Score float32
}

// Index is implemented by similarity index backends.
//
// Operations on a collection that does not exist behave as on an empty
// one: Search and Scan return nothing, deletes are no-ops. Upsert creates
// the collection on first use.
type Index interface {
	EnsureCollection(ctx context.Context, name string, dims int) error
	Upsert(ctx context.Context, collection string, chunks []Chunk) error
	// Search returns at most k hits ordered by descending score.
	Search(ctx context.Context, collection string, vector []float32, k int) ([]Hit, error)
	// Scan returns every chunk in the collection. Vectors may be omitted.
	Scan(ctx context.Context, collection string) ([]Chunk, error)
	Count(ctx context.Context, collection string) (int, error)
	Delete(ctx context.Context, collection string, ids []string) error
	// DeleteBySource removes all chunks whose Source equals source and
	// reports how many were removed.
	DeleteBySource(ctx context.Context, collection, source string) (int, error)
	DropCollection(ctx context.Context, name string) error
	Collections(ctx context.Context) ([]string, error)
	Close(ctx context.Context) error
}

var collectionPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,254}$`)

// ValidateCollection checks that name is usable by every backend: a letter
// or underscore followed by letters, digits and underscores.
func ValidateCollection(name string) error {
	if !collectionPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}
	return nil
}

// Cosine returns the cosine similarity of a and b, or 0 if either is zero
// or their widths differ.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// CloneMetadata copies m, dropping the reserved source key.
func CloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if k == MetaSource {
			continue
		}
		out[k] = v
	}
	return out
}
