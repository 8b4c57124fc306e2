// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	docmemory "github.com/groundchat/memcore/pkg/docstore/memory"
	"github.com/groundchat/memcore/pkg/embedding/hash"
	"github.com/groundchat/memcore/pkg/index"
	indexmemory "github.com/groundchat/memcore/pkg/index/memory"
	"github.com/groundchat/memcore/pkg/ingest"
	"github.com/groundchat/memcore/pkg/registry"
	"github.com/groundchat/memcore/pkg/textsplit"
)

type fixture struct {
	reg   *registry.Store
	files *docmemory.Store
	idx   index.Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := registry.Open(context.Background(), registry.Options{
		DSN:        filepath.Join(t.TempDir(), "registry.db"),
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	for _, u := range []string{"alice", "bob"} {
		if err := reg.CreateUser(context.Background(), u, "pw", false); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}
	return &fixture{reg: reg, files: docmemory.New(), idx: indexmemory.New()}
}

func (f *fixture) pipeline(opts ingest.Options) *ingest.Pipeline {
	return ingest.New(f.files, f.reg, nil, hash.New(64), f.idx, opts)
}

// upload stores and registers a document. Empty content registers the
// document without writing a file.
func (f *fixture) upload(t *testing.T, path, owner string, global bool, content string) registry.DocumentRef {
	t.Helper()
	ctx := context.Background()
	if content != "" {
		if err := f.files.Write(ctx, path, []byte(content)); err != nil {
			t.Fatalf("Write(%s): %v", path, err)
		}
	}
	id, err := f.reg.RegisterDocument(ctx, path, owner, global)
	if err != nil {
		t.Fatalf("RegisterDocument(%s): %v", path, err)
	}
	return registry.DocumentRef{ID: id, Path: path, UploadedBy: owner, IsGlobal: global}
}

func longText(words int) string {
	var sb strings.Builder
	for i := range words {
		fmt.Fprintf(&sb, "token%d ", i)
	}
	return sb.String()
}

func TestIngestDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	text := longText(300)
	doc := f.upload(t, "alice/notes.txt", "alice", false, text)

	res, err := f.pipeline(ingest.Options{}).IngestDocument(ctx, doc)
	if err != nil {
		t.Fatalf("IngestDocument: %v", err)
	}
	want := len(textsplit.Split(text, textsplit.DocumentSize, textsplit.DocumentOverlap))
	if !res.Success || res.ChunksWritten != want || res.Source != doc.Path || res.DocumentID != doc.ID {
		t.Errorf("Result = %+v, want %d chunks", res, want)
	}

	chunks, err := f.idx.Scan(ctx, ingest.DefaultCollection)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(chunks) != want {
		t.Fatalf("index holds %d chunks, want %d", len(chunks), want)
	}
	for i, c := range chunks {
		if c.Source != "alice/notes.txt" {
			t.Errorf("chunk %d source = %q", i, c.Source)
		}
		if c.Metadata[ingest.MetaOwnerScope] != "alice" {
			t.Errorf("chunk %d owner_scope = %q", i, c.Metadata[ingest.MetaOwnerScope])
		}
		if c.Metadata[ingest.MetaDocumentID] != fmt.Sprint(doc.ID) {
			t.Errorf("chunk %d document_id = %q", i, c.Metadata[ingest.MetaDocumentID])
		}
		if c.Metadata[ingest.MetaChunkIndex] != fmt.Sprint(i) {
			t.Errorf("chunk %d chunk_index = %q", i, c.Metadata[ingest.MetaChunkIndex])
		}
	}
}

func TestIngestDocument_NoText(t *testing.T) {
	f := newFixture(t)
	doc := f.upload(t, "alice/blank.txt", "alice", false, "   \n\t  ")

	res, err := f.pipeline(ingest.Options{}).IngestDocument(context.Background(), doc)
	if err != nil {
		t.Fatalf("IngestDocument: %v", err)
	}
	if res.Success || res.Warning != ingest.WarningNoText || res.ChunksWritten != 0 {
		t.Errorf("Result = %+v", res)
	}
	if n, _ := f.idx.Count(context.Background(), ingest.DefaultCollection); n != 0 {
		t.Errorf("%d chunks written for an empty document", n)
	}
}

func TestIngestDocument_Reingest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.upload(t, "public/guide.txt", "", true, longText(200))

	first, err := f.pipeline(ingest.Options{}).IngestDocument(ctx, doc)
	if err != nil {
		t.Fatalf("IngestDocument: %v", err)
	}

	if _, err := f.pipeline(ingest.Options{}).IngestDocument(ctx, doc); err != nil {
		t.Fatalf("second IngestDocument: %v", err)
	}
	if n, _ := f.idx.Count(ctx, ingest.DefaultCollection); n != 2*first.ChunksWritten {
		t.Errorf("appending re-ingest holds %d chunks, want %d", n, 2*first.ChunksWritten)
	}

	if _, err := f.pipeline(ingest.Options{Replace: true}).IngestDocument(ctx, doc); err != nil {
		t.Fatalf("replacing IngestDocument: %v", err)
	}
	if n, _ := f.idx.Count(ctx, ingest.DefaultCollection); n != first.ChunksWritten {
		t.Errorf("replacing re-ingest holds %d chunks, want %d", n, first.ChunksWritten)
	}

	chunks, _ := f.idx.Scan(ctx, ingest.DefaultCollection)
	if chunks[0].Metadata[ingest.MetaOwnerScope] != "public" {
		t.Errorf("global document owner_scope = %q", chunks[0].Metadata[ingest.MetaOwnerScope])
	}
}

type countingIndex struct {
	index.Index
	upserts int
}

func (c *countingIndex) Upsert(ctx context.Context, coll string, chunks []index.Chunk) error {
	c.upserts++
	return c.Index.Upsert(ctx, coll, chunks)
}

func TestIngestDocument_Batches(t *testing.T) {
	f := newFixture(t)
	counting := &countingIndex{Index: f.idx}
	f.idx = counting
	doc := f.upload(t, "alice/big.txt", "alice", false, longText(100))

	p := f.pipeline(ingest.Options{ChunkSize: 60, ChunkOverlap: 10, BatchSize: 3})
	res, err := p.IngestDocument(context.Background(), doc)
	if err != nil {
		t.Fatalf("IngestDocument: %v", err)
	}
	wantUpserts := (res.ChunksWritten + 2) / 3
	if res.ChunksWritten < 4 || counting.upserts != wantUpserts {
		t.Errorf("%d chunks in %d upserts, want %d upserts", res.ChunksWritten, counting.upserts, wantUpserts)
	}
}

func TestIngestForTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "alice/a.txt", "alice", false, longText(50))
	f.upload(t, "alice/b.txt", "alice", false, longText(80))
	f.upload(t, "alice/missing.txt", "alice", false, "")
	f.upload(t, "bob/private.txt", "bob", false, longText(40))
	f.upload(t, "public/g.txt", "", true, longText(30))

	batch, err := f.pipeline(ingest.Options{Concurrency: 2}).IngestForTenant(ctx, "alice")
	if err != nil {
		t.Fatalf("IngestForTenant: %v", err)
	}
	if len(batch.Files) != 3 {
		t.Fatalf("processed %d files, want alice's 3 private documents", len(batch.Files))
	}
	if batch.Succeeded() != 2 {
		t.Errorf("Succeeded() = %d, want 2", batch.Succeeded())
	}
	failed := batch.Failed()
	if len(failed) != 1 || failed[0].Source != "alice/missing.txt" || failed[0].Err == nil {
		t.Errorf("Failed() = %+v", failed)
	}

	chunks, _ := f.idx.Scan(ctx, ingest.DefaultCollection)
	for _, c := range chunks {
		if c.Source != "alice/a.txt" && c.Source != "alice/b.txt" {
			t.Errorf("unexpected source ingested: %s", c.Source)
		}
	}
}

func TestIngestGlobalAndPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, "public/one.txt", "", true, longText(20))
	f.upload(t, "public/two.txt", "", true, longText(20))
	f.upload(t, "alice/a.txt", "alice", false, longText(20))
	p := f.pipeline(ingest.Options{})

	batch, err := p.IngestGlobal(ctx)
	if err != nil {
		t.Fatalf("IngestGlobal: %v", err)
	}
	if len(batch.Files) != 2 || batch.Succeeded() != 2 {
		t.Errorf("IngestGlobal = %+v", batch)
	}

	res, err := p.IngestPath(ctx, "alice/a.txt")
	if err != nil || !res.Success {
		t.Errorf("IngestPath = %+v, %v", res, err)
	}
	if _, err := p.IngestPath(ctx, "alice/nope.txt"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("IngestPath(unknown) = %v, want registry.ErrNotFound", err)
	}
}
