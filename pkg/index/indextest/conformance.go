// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package indextest provides a shared conformance suite for index.Index
// implementations. Each backend calls RunConformanceTests from its own
// _test.go file.
package indextest

import (
	"context"
	"errors"
	"slices"
	"sort"
	"testing"

	"github.com/google/uuid"

	"github.com/groundchat/memcore/pkg/index"
)

const dims = 4

func fixture() []index.Chunk {
	return []index.Chunk{
		{ID: uuid.NewString(), Source: "alice/a.pdf", Content: "alpha", Vector: []float32{1, 0, 0, 0}, Metadata: map[string]string{"owner_scope": "alice", "chunk_index": "0"}},
		{ID: uuid.NewString(), Source: "alice/a.pdf", Content: "alpha two", Vector: []float32{0.9, 0.1, 0, 0}, Metadata: map[string]string{"owner_scope": "alice", "chunk_index": "1"}},
		{ID: uuid.NewString(), Source: "public/b.pdf", Content: "beta", Vector: []float32{0, 1, 0, 0}, Metadata: map[string]string{"owner_scope": "public", "chunk_index": "0"}},
	}
}

// RunConformanceTests exercises an Index against the shared contract.
// newIndex is called once per sub-test to provide an isolated instance.
func RunConformanceTests(t *testing.T, newIndex func(t *testing.T) index.Index) {
	t.Helper()

	t.Run("UpsertAndSearch", func(t *testing.T) {
		idx := newIndex(t)
		defer idx.Close(context.Background())
		ctx := context.Background()
		chunks := fixture()

		if err := idx.Upsert(ctx, "documents", chunks); err != nil {
			t.Fatalf("Upsert: %v", err)
		}

		hits, err := idx.Search(ctx, "documents", []float32{1, 0, 0, 0}, 2)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(hits) != 2 {
			t.Fatalf("Search returned %d hits, want 2", len(hits))
		}
		if hits[0].ID != chunks[0].ID || hits[1].ID != chunks[1].ID {
			t.Errorf("unexpected ranking: %s, %s", hits[0].Content, hits[1].Content)
		}
		if hits[0].Score < hits[1].Score {
			t.Errorf("scores not descending: %f < %f", hits[0].Score, hits[1].Score)
		}
		if hits[0].Source != "alice/a.pdf" || hits[0].Content != "alpha" || hits[0].Metadata["owner_scope"] != "alice" {
			t.Errorf("hit did not round-trip: %+v", hits[0].Chunk)
		}
		if _, ok := hits[0].Metadata[index.MetaSource]; ok {
			t.Errorf("reserved source key leaked into metadata")
		}

		all, err := idx.Search(ctx, "documents", []float32{0, 1, 0, 0}, 10)
		if err != nil {
			t.Fatalf("Search k>count: %v", err)
		}
		if len(all) != 3 || all[0].ID != chunks[2].ID {
			t.Errorf("Search k>count returned %d hits, first %v", len(all), all)
		}
	})

	t.Run("MissingCollection", func(t *testing.T) {
		idx := newIndex(t)
		defer idx.Close(context.Background())
		ctx := context.Background()

		hits, err := idx.Search(ctx, "nothing_here", []float32{1, 0, 0, 0}, 3)
		if err != nil || len(hits) != 0 {
			t.Errorf("Search on missing collection = %v, %v", hits, err)
		}
		chunks, err := idx.Scan(ctx, "nothing_here")
		if err != nil || len(chunks) != 0 {
			t.Errorf("Scan on missing collection = %v, %v", chunks, err)
		}
		if n, err := idx.Count(ctx, "nothing_here"); err != nil || n != 0 {
			t.Errorf("Count on missing collection = %d, %v", n, err)
		}
		if n, err := idx.DeleteBySource(ctx, "nothing_here", "x"); err != nil || n != 0 {
			t.Errorf("DeleteBySource on missing collection = %d, %v", n, err)
		}
		if err := idx.DropCollection(ctx, "nothing_here"); err != nil {
			t.Errorf("DropCollection on missing collection: %v", err)
		}
	})

	t.Run("ScanAndCount", func(t *testing.T) {
		idx := newIndex(t)
		defer idx.Close(context.Background())
		ctx := context.Background()
		chunks := fixture()

		if err := idx.Upsert(ctx, "documents", chunks); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		n, err := idx.Count(ctx, "documents")
		if err != nil || n != 3 {
			t.Fatalf("Count = %d, %v; want 3", n, err)
		}
		got, err := idx.Scan(ctx, "documents")
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		gotIDs := make([]string, len(got))
		for i, c := range got {
			gotIDs[i] = c.ID
		}
		wantIDs := []string{chunks[0].ID, chunks[1].ID, chunks[2].ID}
		sort.Strings(gotIDs)
		sort.Strings(wantIDs)
		if !slices.Equal(gotIDs, wantIDs) {
			t.Errorf("Scan ids = %v, want %v", gotIDs, wantIDs)
		}
		for _, c := range got {
			if c.Source == "" || c.Metadata["chunk_index"] == "" {
				t.Errorf("Scan lost fields: %+v", c)
			}
		}
	})

	t.Run("UpsertReplacesSameID", func(t *testing.T) {
		idx := newIndex(t)
		defer idx.Close(context.Background())
		ctx := context.Background()
		c := fixture()[0]

		if err := idx.Upsert(ctx, "documents", []index.Chunk{c}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		c.Content = "alpha revised"
		if err := idx.Upsert(ctx, "documents", []index.Chunk{c}); err != nil {
			t.Fatalf("Upsert again: %v", err)
		}
		got, err := idx.Scan(ctx, "documents")
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if len(got) != 1 || got[0].Content != "alpha revised" {
			t.Errorf("Scan after re-upsert = %+v", got)
		}
	})

	t.Run("DeleteByID", func(t *testing.T) {
		idx := newIndex(t)
		defer idx.Close(context.Background())
		ctx := context.Background()
		chunks := fixture()

		if err := idx.Upsert(ctx, "documents", chunks); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		if err := idx.Delete(ctx, "documents", []string{chunks[0].ID, chunks[2].ID}); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		got, err := idx.Scan(ctx, "documents")
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if len(got) != 1 || got[0].ID != chunks[1].ID {
			t.Errorf("Scan after delete = %+v", got)
		}
	})

	t.Run("DeleteBySource", func(t *testing.T) {
		idx := newIndex(t)
		defer idx.Close(context.Background())
		ctx := context.Background()

		if err := idx.Upsert(ctx, "documents", fixture()); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		n, err := idx.DeleteBySource(ctx, "documents", "alice/a.pdf")
		if err != nil {
			t.Fatalf("DeleteBySource: %v", err)
		}
		if n != 2 {
			t.Errorf("DeleteBySource removed %d, want 2", n)
		}
		hits, err := idx.Search(ctx, "documents", []float32{1, 0, 0, 0}, 5)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		for _, h := range hits {
			if h.Source == "alice/a.pdf" {
				t.Errorf("chunk of deleted source still searchable: %+v", h.Chunk)
			}
		}
		if len(hits) != 1 {
			t.Errorf("expected the public chunk to remain, got %d hits", len(hits))
		}
	})

	t.Run("CollectionsAndDrop", func(t *testing.T) {
		idx := newIndex(t)
		defer idx.Close(context.Background())
		ctx := context.Background()

		if err := idx.EnsureCollection(ctx, "memory_alice", dims); err != nil {
			t.Fatalf("EnsureCollection: %v", err)
		}
		if err := idx.EnsureCollection(ctx, "memory_alice", dims); err != nil {
			t.Fatalf("EnsureCollection twice: %v", err)
		}
		if err := idx.Upsert(ctx, "memory_bob", fixture()[:1]); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		names, err := idx.Collections(ctx)
		if err != nil {
			t.Fatalf("Collections: %v", err)
		}
		if !slices.Contains(names, "memory_alice") || !slices.Contains(names, "memory_bob") {
			t.Errorf("Collections = %v", names)
		}
		if err := idx.DropCollection(ctx, "memory_bob"); err != nil {
			t.Fatalf("DropCollection: %v", err)
		}
		names, _ = idx.Collections(ctx)
		if slices.Contains(names, "memory_bob") {
			t.Errorf("dropped collection still listed: %v", names)
		}
		if n, _ := idx.Count(ctx, "memory_bob"); n != 0 {
			t.Errorf("dropped collection still has %d chunks", n)
		}
	})

	t.Run("InvalidCollection", func(t *testing.T) {
		idx := newIndex(t)
		defer idx.Close(context.Background())

		err := idx.EnsureCollection(context.Background(), "bad-name", dims)
		if !errors.Is(err, index.ErrInvalidCollection) {
			t.Errorf("EnsureCollection(bad-name) = %v, want ErrInvalidCollection", err)
		}
	})
}
