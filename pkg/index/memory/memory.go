// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory is an exact, in-process similarity index.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/groundchat/memcore/pkg/index"
	"github.com/groundchat/memcore/pkg/provider"
)

func init() {
	index.Providers.Register("memory", func(_ context.Context, _ provider.Params) (index.Index, error) {
		return New(), nil
	})
}

// compile-time check
var _ index.Index = (*Index)(nil)

type entry struct {
	chunk index.Chunk
	seq   uint64
}

type collection struct {
	dims    int
	entries map[string]*entry
}

// Index keeps all chunks in memory and answers searches by brute force.
type Index struct {
	mu          sync.RWMutex
	seq         uint64
	collections map[string]*collection
}

// New creates an empty index.
func New() *Index {
	return &Index{collections: make(map[string]*collection)}
}

func (x *Index) EnsureCollection(_ context.Context, name string, dims int) error {
	if err := index.ValidateCollection(name); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ensure(name, dims)
	return nil
}

func (x *Index) ensure(name string, dims int) *collection {
	c, ok := x.collections[name]
	if !ok {
		c = &collection{dims: dims, entries: make(map[string]*entry)}
		x.collections[name] = c
	}
	if c.dims == 0 {
		c.dims = dims
	}
	return c
}

func (x *Index) Upsert(_ context.Context, name string, chunks []index.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := index.ValidateCollection(name); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	c := x.ensure(name, len(chunks[0].Vector))
	for _, ch := range chunks {
		if len(ch.Vector) != c.dims {
			return fmt.Errorf("%w: chunk %s has %d, collection %s has %d", index.ErrDimensionMismatch, ch.ID, len(ch.Vector), name, c.dims)
		}
	}
	for _, ch := range chunks {
		x.seq++
		stored := ch
		stored.Vector = slices.Clone(ch.Vector)
		stored.Metadata = index.CloneMetadata(ch.Metadata)
		if prev, ok := c.entries[ch.ID]; ok {
			prev.chunk = stored
			continue
		}
		c.entries[ch.ID] = &entry{chunk: stored, seq: x.seq}
	}
	return nil
}

func (x *Index) Search(_ context.Context, name string, vector []float32, k int) ([]index.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()

	c, ok := x.collections[name]
	if !ok || len(c.entries) == 0 {
		return nil, nil
	}
	if len(vector) != c.dims {
		return nil, fmt.Errorf("%w: query has %d, collection %s has %d", index.ErrDimensionMismatch, len(vector), name, c.dims)
	}

	type scored struct {
		e     *entry
		score float32
	}
	all := make([]scored, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, scored{e: e, score: index.Cosine(vector, e.chunk.Vector)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].e.seq < all[j].e.seq
	})

	hits := make([]index.Hit, 0, min(k, len(all)))
	for _, s := range all[:min(k, len(all))] {
		hits = append(hits, index.Hit{Chunk: copyChunk(s.e.chunk), Score: s.score})
	}
	return hits, nil
}

// Scan returns chunks in insertion order.
func (x *Index) Scan(_ context.Context, name string) ([]index.Chunk, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	c, ok := x.collections[name]
	if !ok {
		return nil, nil
	}
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]index.Chunk, len(entries))
	for i, e := range entries {
		out[i] = copyChunk(e.chunk)
	}
	return out, nil
}

func (x *Index) Count(_ context.Context, name string) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if c, ok := x.collections[name]; ok {
		return len(c.entries), nil
	}
	return 0, nil
}

func (x *Index) Delete(_ context.Context, name string, ids []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if c, ok := x.collections[name]; ok {
		for _, id := range ids {
			delete(c.entries, id)
		}
	}
	return nil
}

func (x *Index) DeleteBySource(_ context.Context, name, source string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	c, ok := x.collections[name]
	if !ok {
		return 0, nil
	}
	n := 0
	for id, e := range c.entries {
		if e.chunk.Source == source {
			delete(c.entries, id)
			n++
		}
	}
	return n, nil
}

func (x *Index) DropCollection(_ context.Context, name string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.collections, name)
	return nil
}

func (x *Index) Collections(_ context.Context) ([]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	names := make([]string, 0, len(x.collections))
	for name := range x.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close is a no-op for the in-memory index.
func (x *Index) Close(_ context.Context) error {
	return nil
}

func copyChunk(c index.Chunk) index.Chunk {
	c.Vector = slices.Clone(c.Vector)
	c.Metadata = index.CloneMetadata(c.Metadata)
	return c
}
