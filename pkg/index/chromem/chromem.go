// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package chromem implements index.Index on chromem-go, an embeddable vector
// database. With a path it persists every collection under that directory;
// without one it runs purely in memory.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/groundchat/memcore/pkg/index"
	"github.com/groundchat/memcore/pkg/provider"
)

func init() {
	index.Providers.Register("chromem", func(_ context.Context, params provider.Params) (index.Index, error) {
		compress, err := params.Bool("compress", false)
		if err != nil {
			return nil, err
		}
		dims, err := params.Int("dimensions", 0)
		if err != nil {
			return nil, err
		}
		return New(Options{Path: params["path"], Compress: compress, Dimensions: dims})
	})
}

// compile-time check
var _ index.Index = (*Index)(nil)

var errNoEmbedding = errors.New("chromem index: embeddings are computed by the caller")

// Options configures the chromem backend.
type Options struct {
	Path     string // empty for a non-persistent database
	Compress bool
	// Dimensions is the vector width assumed for collections loaded from
	// disk before anything has been written to them in this process.
	Dimensions int
}

// Index implements index.Index on a chromem.DB.
type Index struct {
	db          *chromem.DB
	defaultDims int

	mu   sync.Mutex
	dims map[string]int
}

// New opens (or creates) a chromem database.
func New(opts Options) (*Index, error) {
	var db *chromem.DB
	if opts.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(opts.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", opts.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(opts.Path, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem DB at %s: %w", opts.Path, err)
		}
	}
	return &Index{db: db, defaultDims: opts.Dimensions, dims: make(map[string]int)}, nil
}

func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedding
}

func (x *Index) collection(name string) *chromem.Collection {
	return x.db.GetCollection(name, noEmbed)
}

func (x *Index) dimsOf(name string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	if d, ok := x.dims[name]; ok {
		return d
	}
	return x.defaultDims
}

func (x *Index) setDims(name string, dims int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if dims == 0 {
		return nil
	}
	if d, ok := x.dims[name]; ok && d != dims {
		return fmt.Errorf("%w: collection %s has %d, got %d", index.ErrDimensionMismatch, name, d, dims)
	}
	x.dims[name] = dims
	return nil
}

func (x *Index) EnsureCollection(_ context.Context, name string, dims int) error {
	if err := index.ValidateCollection(name); err != nil {
		return err
	}
	if _, err := x.db.GetOrCreateCollection(name, nil, noEmbed); err != nil {
		return fmt.Errorf("get or create collection %s: %w", name, err)
	}
	return x.setDims(name, dims)
}

func (x *Index) Upsert(ctx context.Context, name string, chunks []index.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	dims := len(chunks[0].Vector)
	for _, ch := range chunks {
		if len(ch.Vector) != dims {
			return fmt.Errorf("%w: chunk %s has %d, batch has %d", index.ErrDimensionMismatch, ch.ID, len(ch.Vector), dims)
		}
	}
	if err := x.EnsureCollection(ctx, name, dims); err != nil {
		return err
	}
	coll := x.collection(name)

	docs := make([]chromem.Document, len(chunks))
	for i, ch := range chunks {
		meta := index.CloneMetadata(ch.Metadata)
		meta[index.MetaSource] = ch.Source
		docs[i] = chromem.Document{
			ID:        ch.ID,
			Content:   ch.Content,
			Metadata:  meta,
			Embedding: append([]float32(nil), ch.Vector...),
		}
	}

	// Concurrency of 1: embeddings are already computed.
	if err := coll.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("add documents to %s: %w", name, err)
	}
	return nil
}

func (x *Index) Search(ctx context.Context, name string, vector []float32, k int) ([]index.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	coll := x.collection(name)
	if coll == nil {
		return nil, nil
	}
	results, err := x.query(ctx, coll, vector, k)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}

	hits := make([]index.Hit, len(results))
	for i, r := range results {
		hits[i] = index.Hit{Chunk: toChunk(r), Score: r.Similarity}
	}
	return hits, nil
}

// query caps k at the collection size, which chromem requires, and retries
// once if a concurrent delete shrank the collection in between.
func (x *Index) query(ctx context.Context, coll *chromem.Collection, vector []float32, k int) ([]chromem.Result, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		n := coll.Count()
		if n == 0 {
			return nil, nil
		}
		results, err := coll.QueryEmbedding(ctx, vector, min(k, n), nil, nil)
		if err == nil {
			return results, nil
		}
		lastErr = err
		if coll.Count() == n {
			break
		}
	}
	return nil, lastErr
}

// Scan ranks every chunk against a fixed unit vector; the ranking is
// discarded and the chunks are returned sorted by ID.
func (x *Index) Scan(ctx context.Context, name string) ([]index.Chunk, error) {
	coll := x.collection(name)
	if coll == nil || coll.Count() == 0 {
		return nil, nil
	}
	dims := x.dimsOf(name)
	if dims == 0 {
		return nil, fmt.Errorf("scan %s: vector dimensions unknown", name)
	}
	unit := make([]float32, dims)
	unit[0] = 1

	results, err := x.query(ctx, coll, unit, coll.Count())
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", name, err)
	}
	out := make([]index.Chunk, len(results))
	for i, r := range results {
		out[i] = toChunk(r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (x *Index) Count(_ context.Context, name string) (int, error) {
	coll := x.collection(name)
	if coll == nil {
		return 0, nil
	}
	return coll.Count(), nil
}

func (x *Index) Delete(ctx context.Context, name string, ids []string) error {
	coll := x.collection(name)
	if coll == nil || len(ids) == 0 {
		return nil
	}
	if err := coll.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete from %s: %w", name, err)
	}
	return nil
}

func (x *Index) DeleteBySource(ctx context.Context, name, source string) (int, error) {
	coll := x.collection(name)
	if coll == nil {
		return 0, nil
	}
	before := coll.Count()
	if err := coll.Delete(ctx, map[string]string{index.MetaSource: source}, nil); err != nil {
		return 0, fmt.Errorf("delete source %s from %s: %w", source, name, err)
	}
	return before - coll.Count(), nil
}

func (x *Index) DropCollection(_ context.Context, name string) error {
	if err := x.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	x.mu.Lock()
	delete(x.dims, name)
	x.mu.Unlock()
	return nil
}

func (x *Index) Collections(_ context.Context) ([]string, error) {
	colls := x.db.ListCollections()
	names := make([]string, 0, len(colls))
	for name := range colls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op: a persistent chromem DB writes through on every change.
func (x *Index) Close(_ context.Context) error {
	return nil
}

func toChunk(r chromem.Result) index.Chunk {
	return index.Chunk{
		ID:       r.ID,
		Source:   r.Metadata[index.MetaSource],
		Content:  r.Content,
		Vector:   append([]float32(nil), r.Embedding...),
		Metadata: index.CloneMetadata(r.Metadata),
	}
}
