// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package ingest turns stored documents into embedded chunks in the
// document collection of the similarity index.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/groundchat/memcore/pkg/docstore"
	"github.com/groundchat/memcore/pkg/embedding"
	"github.com/groundchat/memcore/pkg/extract"
	"github.com/groundchat/memcore/pkg/index"
	"github.com/groundchat/memcore/pkg/registry"
	"github.com/groundchat/memcore/pkg/textsplit"
)

// DefaultCollection is the index collection that holds document chunks.
const DefaultCollection = "documents"

// Chunk metadata keys.
const (
	MetaOwnerScope = "owner_scope"
	MetaDocumentID = "document_id"
	MetaChunkIndex = "chunk_index"
)

// WarningNoText is reported for documents that yield no text.
const WarningNoText = "no extractable text"

const (
	defaultBatchSize   = 64
	defaultConcurrency = 4
)

// Documents is the part of the registry the pipeline reads.
type Documents interface {
	DocumentByPath(ctx context.Context, path string) (registry.Document, error)
	DocumentsVisibleTo(ctx context.Context, userID string) ([]registry.DocumentRef, error)
	GlobalDocuments(ctx context.Context) ([]registry.DocumentRef, error)
}

// Options tunes the pipeline. Zero values select the defaults.
type Options struct {
	Collection   string
	ChunkSize    int
	ChunkOverlap int
	// BatchSize bounds the texts per embedding request and the chunks per
	// index upsert.
	BatchSize int
	// Concurrency bounds the documents processed at once by the batch
	// operations.
	Concurrency int
	// Replace clears a document's existing chunks before writing new ones.
	// Without it, ingesting a document twice leaves both generations in the
	// index.
	Replace bool
	Logger  *slog.Logger
}

// Result is the outcome of ingesting one document.
type Result struct {
	Source        string
	DocumentID    int64
	ChunksWritten int
	Success       bool
	Warning       string
	Err           error
}

// BatchResult collects per-document results of a batch operation. One
// failing document never aborts the others.
type BatchResult struct {
	Files []Result
}

// Succeeded returns the number of documents that produced chunks.
func (b BatchResult) Succeeded() int {
	n := 0
	for _, r := range b.Files {
		if r.Success {
			n++
		}
	}
	return n
}

// Failed returns the results that did not produce chunks, with or without
// an error.
func (b BatchResult) Failed() []Result {
	var out []Result
	for _, r := range b.Files {
		if !r.Success {
			out = append(out, r)
		}
	}
	return out
}

// Pipeline reads, extracts, splits, embeds and indexes documents.
type Pipeline struct {
	files     docstore.Store
	docs      Documents
	extractor extract.Extractor
	embedder  embedding.Embedder
	index     index.Index
	opts      Options
	logger    *slog.Logger
}

// New creates a Pipeline. A nil extractor selects extract.ByExtension.
func New(files docstore.Store, docs Documents, extractor extract.Extractor, embedder embedding.Embedder, idx index.Index, opts Options) *Pipeline {
	if extractor == nil {
		extractor = extract.ByExtension{}
	}
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = textsplit.DocumentSize
	}
	if opts.ChunkOverlap <= 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = min(textsplit.DocumentOverlap, opts.ChunkSize/10)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		files:     files,
		docs:      docs,
		extractor: extractor,
		embedder:  embedder,
		index:     idx,
		opts:      opts,
		logger:    logger,
	}
}

// Collection returns the name of the document collection.
func (p *Pipeline) Collection() string {
	return p.opts.Collection
}

// IngestDocument indexes one registered document. A document without text
// is not an error: it yields a Result with Success false and a warning.
func (p *Pipeline) IngestDocument(ctx context.Context, doc registry.DocumentRef) (Result, error) {
	res := Result{Source: doc.Path, DocumentID: doc.ID}

	data, err := p.files.Read(ctx, doc.Path)
	if err != nil {
		return res, fmt.Errorf("read %s: %w", doc.Path, err)
	}
	text, err := p.extractor.Extract(ctx, doc.Path, data)
	if err != nil {
		return res, fmt.Errorf("extract %s: %w", doc.Path, err)
	}

	pieces := textsplit.Split(text, p.opts.ChunkSize, p.opts.ChunkOverlap)
	if strings.TrimSpace(text) == "" || len(pieces) == 0 {
		res.Warning = WarningNoText
		p.logger.Warn("document has no extractable text", "source", doc.Path, "doc_id", doc.ID)
		return res, nil
	}

	vectors, err := embedding.EmbedBatched(ctx, p.embedder, pieces, p.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("embed chunks for %s: %w", doc.Path, err)
	}

	if p.opts.Replace {
		n, err := p.index.DeleteBySource(ctx, p.opts.Collection, doc.Path)
		if err != nil {
			return res, fmt.Errorf("clear previous chunks of %s: %w", doc.Path, err)
		}
		if n > 0 {
			p.logger.Debug("replaced previous chunks", "source", doc.Path, "chunks", n)
		}
	}

	scope := ownerScope(doc)
	chunks := make([]index.Chunk, len(pieces))
	for i, content := range pieces {
		chunks[i] = index.Chunk{
			ID:      uuid.NewString(),
			Source:  doc.Path,
			Content: content,
			Vector:  vectors[i],
			Metadata: map[string]string{
				MetaOwnerScope: scope,
				MetaDocumentID: strconv.FormatInt(doc.ID, 10),
				MetaChunkIndex: strconv.Itoa(i),
			},
		}
	}

	for start := 0; start < len(chunks); start += p.opts.BatchSize {
		end := min(start+p.opts.BatchSize, len(chunks))
		if err := p.index.Upsert(ctx, p.opts.Collection, chunks[start:end]); err != nil {
			res.ChunksWritten = start
			return res, fmt.Errorf("insert chunks for %s: %w", doc.Path, err)
		}
	}

	res.ChunksWritten = len(chunks)
	res.Success = true
	p.logger.Info("ingested document", "source", doc.Path, "doc_id", doc.ID, "chunks", len(chunks))
	return res, nil
}

// IngestPath indexes the registered document stored at path.
func (p *Pipeline) IngestPath(ctx context.Context, path string) (Result, error) {
	doc, err := p.docs.DocumentByPath(ctx, path)
	if err != nil {
		return Result{Source: path}, err
	}
	return p.IngestDocument(ctx, registry.DocumentRef{
		ID:         doc.ID,
		Path:       doc.Path,
		UploadedBy: doc.UploadedBy,
		IsGlobal:   doc.IsGlobal,
	})
}

// IngestForTenant indexes every private document visible to tenantID.
// Global documents are left to IngestGlobal.
func (p *Pipeline) IngestForTenant(ctx context.Context, tenantID string) (BatchResult, error) {
	visible, err := p.docs.DocumentsVisibleTo(ctx, tenantID)
	if err != nil {
		return BatchResult{}, err
	}
	var private []registry.DocumentRef
	for _, d := range visible {
		if !d.IsGlobal {
			private = append(private, d)
		}
	}
	return p.ingestAll(ctx, private), nil
}

// IngestGlobal indexes every global document.
func (p *Pipeline) IngestGlobal(ctx context.Context) (BatchResult, error) {
	docs, err := p.docs.GlobalDocuments(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	return p.ingestAll(ctx, docs), nil
}

func (p *Pipeline) ingestAll(ctx context.Context, docs []registry.DocumentRef) BatchResult {
	results := make([]Result, len(docs))
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, d := range docs {
		g.Go(func() error {
			res, err := p.IngestDocument(ctx, d)
			if err != nil {
				res.Err = err
				p.logger.Error("ingestion failed", "source", d.Path, "doc_id", d.ID, "error", err)
			}
			results[i] = res
			return nil
		})
	}
	g.Wait()
	return BatchResult{Files: results}
}

func ownerScope(doc registry.DocumentRef) string {
	if doc.IsGlobal || doc.UploadedBy == "" {
		return docstore.PublicScope
	}
	return doc.UploadedBy
}
