// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package retrieval assembles the context of a chat turn: the tenant's
// relevant conversation memory and the document chunks they may see.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/groundchat/memcore/pkg/embedding"
	"github.com/groundchat/memcore/pkg/index"
	"github.com/groundchat/memcore/pkg/ingest"
	"github.com/groundchat/memcore/pkg/memory"
	"github.com/groundchat/memcore/pkg/registry"
)

// Placeholders used when one side of the context is empty.
const (
	NoMemoryPlaceholder    = "No previous conversation found."
	NoDocumentsPlaceholder = "No relevant documents found."
)

// Defaults for BuildContext.
const (
	DefaultKMemory   = 3
	DefaultKDocs     = 3
	DefaultOverfetch = 4
)

// Memory is the conversation memory read path.
type Memory interface {
	Retrieve(ctx context.Context, tenantID, query string, k int) ([]memory.Fragment, error)
}

// Visibility lists the documents a tenant may see.
type Visibility interface {
	DocumentsVisibleTo(ctx context.Context, userID string) ([]registry.DocumentRef, error)
}

// DocumentHit is one document chunk admitted into the context.
type DocumentHit struct {
	Source     string
	DocumentID int64
	Content    string
	Score      float32
}

// Context is the retrieved context of one turn. MemoryText and DocText are
// never empty: a missing side holds its placeholder.
type Context struct {
	MemoryText string
	DocText    string
	Memory     []memory.Fragment
	Documents  []DocumentHit
}

// Options configures the orchestrator.
type Options struct {
	// Collection is the document collection; defaults to
	// ingest.DefaultCollection.
	Collection string
	// Overfetch multiplies kDocs when searching, leaving room for hits the
	// tenant may not see.
	Overfetch int
	Logger    *slog.Logger
}

// Orchestrator builds chat contexts.
type Orchestrator struct {
	memory     Memory
	visibility Visibility
	embedder   embedding.Embedder
	index      index.Index
	collection string
	overfetch  int
	logger     *slog.Logger
}

// New creates an Orchestrator.
func New(mem Memory, vis Visibility, embedder embedding.Embedder, idx index.Index, opts Options) *Orchestrator {
	if opts.Collection == "" {
		opts.Collection = ingest.DefaultCollection
	}
	if opts.Overfetch <= 0 {
		opts.Overfetch = DefaultOverfetch
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Orchestrator{
		memory:     mem,
		visibility: vis,
		embedder:   embedder,
		index:      idx,
		collection: opts.Collection,
		overfetch:  opts.Overfetch,
		logger:     logger,
	}
}

// BuildContext retrieves up to kMemory memory fragments and up to kDocs
// document chunks for query. Document hits are filtered after the search
// to the tenant's visible documents, so fewer than kDocs may be returned;
// the result is never padded.
func (o *Orchestrator) BuildContext(ctx context.Context, tenantID, query string, kMemory, kDocs int) (*Context, error) {
	frags, err := o.memory.Retrieve(ctx, tenantID, query, kMemory)
	if err != nil {
		return nil, fmt.Errorf("retrieve memory: %w", err)
	}

	docs, err := o.searchDocuments(ctx, tenantID, query, kDocs)
	if err != nil {
		return nil, err
	}

	c := &Context{
		MemoryText: NoMemoryPlaceholder,
		DocText:    NoDocumentsPlaceholder,
		Memory:     frags,
		Documents:  docs,
	}
	if len(frags) > 0 {
		parts := make([]string, len(frags))
		for i, f := range frags {
			parts[i] = f.Text
		}
		c.MemoryText = strings.Join(parts, "\n")
	}
	if len(docs) > 0 {
		parts := make([]string, len(docs))
		for i, d := range docs {
			parts[i] = d.Content
		}
		c.DocText = strings.Join(parts, "\n")
	}

	o.logger.Debug("built context", "tenant_id", tenantID, "memory", len(frags), "documents", len(docs))
	return c, nil
}

func (o *Orchestrator) searchDocuments(ctx context.Context, tenantID, query string, k int) ([]DocumentHit, error) {
	if k <= 0 {
		return nil, nil
	}
	visible, err := o.visibility.DocumentsVisibleTo(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("visible documents: %w", err)
	}
	if len(visible) == 0 {
		return nil, nil
	}
	allowed := make(map[string]int64, len(visible))
	for _, d := range visible {
		allowed[d.Path] = d.ID
	}

	vec, err := embedding.EmbedOne(ctx, o.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := o.index.Search(ctx, o.collection, vec, k*o.overfetch)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}

	out := make([]DocumentHit, 0, k)
	dropped := 0
	for _, h := range hits {
		id, ok := allowed[h.Source]
		if !ok {
			dropped++
			continue
		}
		if metaID, err := strconv.ParseInt(h.Metadata[ingest.MetaDocumentID], 10, 64); err == nil && metaID != id {
			// A chunk left over from an earlier document at the same path.
			dropped++
			continue
		}
		out = append(out, DocumentHit{Source: h.Source, DocumentID: id, Content: h.Content, Score: h.Score})
		if len(out) == k {
			break
		}
	}
	if dropped > 0 {
		o.logger.Debug("filtered document hits", "tenant_id", tenantID, "dropped", dropped)
	}
	return out, nil
}

// Prompt assembles the generation prompt for message from c.
func Prompt(c *Context, message string) string {
	var sb strings.Builder
	sb.WriteString("Previous conversation:\n")
	sb.WriteString(c.MemoryText)
	sb.WriteString("\n\nRelevant documents:\n")
	sb.WriteString(c.DocText)
	sb.WriteString("\n\nUser: ")
	sb.WriteString(message)
	sb.WriteString("\nAnswer:")
	return sb.String()
}
