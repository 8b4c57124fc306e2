// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package deletion removes documents without losing content other owners
// still depend on.
//
// A document is ACTIVE while it is global or has at least one owner. When
// its last owner lets go it becomes ORPHANED: the registry row is removed
// together with the association, and the engine then deletes its index
// chunks and its file. Once both are gone it is PURGED. The cleanup steps
// are attempted independently and reported one by one, since the registry,
// the file store and the index cannot share a transaction.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/groundchat/memcore/pkg/docstore"
	"github.com/groundchat/memcore/pkg/index"
	"github.com/groundchat/memcore/pkg/ingest"
	"github.com/groundchat/memcore/pkg/registry"
)

var (
	// ErrAuthorizationDenied is returned when a user acts on a document
	// they do not own.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrNotGlobal is returned by PurgeGlobal for private documents.
	ErrNotGlobal = errors.New("document is not global")
)

// State is a document's position in the deletion lifecycle.
type State string

const (
	StateActive   State = "ACTIVE"
	StateOrphaned State = "ORPHANED"
	StatePurged   State = "PURGED"
)

// Step names.
const (
	StepRegistry = "registry"
	StepIndex    = "index"
	StepFile     = "file"
)

// StepStatus is the outcome of one cleanup step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// Step records what happened in one subsystem.
type Step struct {
	Name   string
	Status StepStatus
	Detail string
	Err    error
}

// Report describes one revoke or purge.
type Report struct {
	DocumentID int64
	Path       string
	// Remaining is the number of owners left after the revoke.
	Remaining int
	State     State
	// ChunksRemoved is the number of index chunks deleted.
	ChunksRemoved int
	Steps         []Step
}

// Step returns the step with the given name.
func (r *Report) Step(name string) (Step, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// Err returns a *PartialFailureError if any step failed, nil otherwise.
func (r *Report) Err() error {
	var failed []Step
	for _, s := range r.Steps {
		if s.Status == StepFailed {
			failed = append(failed, s)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &PartialFailureError{Path: r.Path, Failed: failed}
}

func (r *Report) record(name string, status StepStatus, detail string, err error) {
	r.Steps = append(r.Steps, Step{Name: name, Status: status, Detail: detail, Err: err})
}

// PartialFailureError reports the steps of a purge that did not complete.
// The other steps were not rolled back.
type PartialFailureError struct {
	Path   string
	Failed []Step
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, len(e.Failed))
	for i, s := range e.Failed {
		parts[i] = fmt.Sprintf("%s: %v", s.Name, s.Err)
	}
	return fmt.Sprintf("partial purge of %s: %s", e.Path, strings.Join(parts, "; "))
}

func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, s := range e.Failed {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errs
}

// PurgeReport aggregates PurgeAllForUser.
type PurgeReport struct {
	UserID string
	// DeletedFiles lists the paths whose file was removed.
	DeletedFiles []string
	// DeletedRegistryRows counts the document rows removed.
	DeletedRegistryRows int
	// RetainedFilesDueToSharing lists the paths kept for other owners.
	RetainedFilesDueToSharing []string
	// Errors maps a path to what went wrong with it.
	Errors map[string]error
}

// Registry is the part of the ownership registry the engine uses.
type Registry interface {
	GetDocument(ctx context.Context, id int64) (registry.Document, error)
	IsOwner(ctx context.Context, userID string, docID int64) (bool, error)
	ReleaseAccess(ctx context.Context, userID string, docID int64) (registry.Release, error)
	PrivateDocumentsOf(ctx context.Context, userID string) ([]registry.DocumentRef, error)
	DeleteDocument(ctx context.Context, docID int64) error
}

// Options configures the engine.
type Options struct {
	// Collection is the document collection; defaults to "documents".
	Collection string
	Logger     *slog.Logger
}

// Engine applies reference-counted deletion across the registry, the
// document store and the index.
type Engine struct {
	registry   Registry
	files      docstore.Store
	index      index.Index
	collection string
	logger     *slog.Logger
}

// New creates an Engine.
func New(reg Registry, files docstore.Store, idx index.Index, opts Options) *Engine {
	if opts.Collection == "" {
		opts.Collection = "documents"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		registry:   reg,
		files:      files,
		index:      idx,
		collection: opts.Collection,
		logger:     logger,
	}
}

// RevokeAndMaybePurge removes userID's ownership of docID. If no owner
// remains and the document is not global, its chunks and file are deleted
// as well. The returned error is a *PartialFailureError when the
// association was removed but a cleanup step failed; the report is
// returned in that case too.
func (e *Engine) RevokeAndMaybePurge(ctx context.Context, userID string, docID int64) (*Report, error) {
	doc, err := e.registry.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	owns, err := e.registry.IsOwner(ctx, userID, docID)
	if err != nil {
		return nil, err
	}
	if !owns {
		return nil, fmt.Errorf("%w: %s does not own %s", ErrAuthorizationDenied, userID, doc.Path)
	}

	rel, err := e.registry.ReleaseAccess(ctx, userID, docID)
	if err != nil {
		return nil, fmt.Errorf("release %s from %s: %w", doc.Path, userID, err)
	}

	report := &Report{DocumentID: docID, Path: doc.Path, Remaining: rel.Remaining, State: StateActive}
	switch {
	case doc.IsGlobal:
		report.record(StepRegistry, StepOK, "association removed; global documents are purged explicitly", nil)
		report.record(StepIndex, StepSkipped, "global document", nil)
		report.record(StepFile, StepSkipped, "global document", nil)
	case !rel.RowDeleted:
		report.record(StepRegistry, StepOK, fmt.Sprintf("association removed; %d owner(s) remain", rel.Remaining), nil)
		report.record(StepIndex, StepSkipped, "shared with other owners", nil)
		report.record(StepFile, StepSkipped, "shared with other owners", nil)
	default:
		report.record(StepRegistry, StepOK, "last association and document row removed", nil)
		report.State = StateOrphaned
		e.purgeContent(ctx, report)
	}

	e.logger.Info("revoked document access",
		"user_id", userID, "doc_id", docID, "source", doc.Path,
		"remaining", rel.Remaining, "state", report.State)
	return report, report.Err()
}

// PurgeOrphan deletes the chunks and file of a document whose registry row
// is already gone, such as the documents returned by registry DeleteUser.
func (e *Engine) PurgeOrphan(ctx context.Context, doc registry.DocumentRef) (*Report, error) {
	report := &Report{DocumentID: doc.ID, Path: doc.Path, State: StateOrphaned}
	report.record(StepRegistry, StepSkipped, "row already removed", nil)
	e.purgeContent(ctx, report)
	return report, report.Err()
}

// purgeContent deletes the index chunks and the file of report.Path. Both
// steps run even if the first fails.
func (e *Engine) purgeContent(ctx context.Context, report *Report) {
	n, err := e.index.DeleteBySource(ctx, e.collection, report.Path)
	if err != nil {
		report.record(StepIndex, StepFailed, "", err)
		e.logger.Error("failed to delete index chunks", "source", report.Path, "error", err)
	} else {
		report.ChunksRemoved = n
		report.record(StepIndex, StepOK, fmt.Sprintf("%d chunk(s) removed", n), nil)
	}

	switch err := e.files.Delete(ctx, report.Path); {
	case err == nil:
		report.record(StepFile, StepOK, "file removed", nil)
	case errors.Is(err, docstore.ErrNotFound):
		report.record(StepFile, StepOK, "file already absent", nil)
	default:
		report.record(StepFile, StepFailed, "", err)
		e.logger.Error("failed to delete file", "source", report.Path, "error", err)
	}

	if report.Err() == nil {
		report.State = StatePurged
	}
}

// PurgeAllForUser revokes userID from each of their private documents,
// purging the ones nobody else owns. Failures are collected per path and
// do not stop the remaining documents.
func (e *Engine) PurgeAllForUser(ctx context.Context, userID string) (*PurgeReport, error) {
	docs, err := e.registry.PrivateDocumentsOf(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := &PurgeReport{UserID: userID, Errors: map[string]error{}}
	for _, d := range docs {
		report, err := e.RevokeAndMaybePurge(ctx, userID, d.ID)
		var partial *PartialFailureError
		if err != nil && !errors.As(err, &partial) {
			out.Errors[d.Path] = err
			continue
		}
		if partial != nil {
			out.Errors[d.Path] = partial
		}

		switch {
		case report.Remaining > 0:
			out.RetainedFilesDueToSharing = append(out.RetainedFilesDueToSharing, d.Path)
		default:
			out.DeletedRegistryRows++
			if s, ok := report.Step(StepFile); ok && s.Status == StepOK {
				out.DeletedFiles = append(out.DeletedFiles, d.Path)
			}
		}
	}

	e.logger.Info("purged documents of user",
		"user_id", userID,
		"deleted_files", len(out.DeletedFiles),
		"retained", len(out.RetainedFilesDueToSharing),
		"errors", len(out.Errors))
	return out, nil
}

// PurgeBySourceName deletes every chunk whose source is name, or whose
// file name is name, regardless of ownership. It returns the number of
// chunks removed.
func (e *Engine) PurgeBySourceName(ctx context.Context, name string) (int, error) {
	chunks, err := e.index.Scan(ctx, e.collection)
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", e.collection, err)
	}
	var sources []string
	seen := map[string]bool{}
	for _, c := range chunks {
		if seen[c.Source] {
			continue
		}
		if c.Source == name || docstore.Base(c.Source) == name {
			seen[c.Source] = true
			sources = append(sources, c.Source)
		}
	}

	total := 0
	for _, src := range sources {
		n, err := e.index.DeleteBySource(ctx, e.collection, src)
		if err != nil {
			return total, fmt.Errorf("delete chunks of %s: %w", src, err)
		}
		total += n
	}
	e.logger.Info("purged index entries by source", "source", name, "chunks", total)
	return total, nil
}

// PurgeGlobal unconditionally deletes a global document: chunks, file and
// registry row.
func (e *Engine) PurgeGlobal(ctx context.Context, docID int64) (*Report, error) {
	doc, err := e.registry.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if !doc.IsGlobal {
		return nil, fmt.Errorf("%s: %w", doc.Path, ErrNotGlobal)
	}

	report := &Report{DocumentID: docID, Path: doc.Path, State: StateOrphaned}
	e.purgeContent(ctx, report)
	if err := e.registry.DeleteDocument(ctx, docID); err != nil {
		report.record(StepRegistry, StepFailed, "", err)
		report.State = StateOrphaned
	} else {
		report.record(StepRegistry, StepOK, "document row removed", nil)
	}

	e.logger.Info("purged global document", "doc_id", docID, "source", doc.Path, "state", report.State)
	return report, report.Err()
}

// ClearIndex drops the whole document collection.
func (e *Engine) ClearIndex(ctx context.Context) error {
	if err := e.index.DropCollection(ctx, e.collection); err != nil {
		return fmt.Errorf("drop %s: %w", e.collection, err)
	}
	e.logger.Warn("document index cleared", "collection", e.collection)
	return nil
}

// Source summarizes the chunks indexed for one source path.
type Source struct {
	Path string
	// OwnerScope is the uploader recorded at ingestion, or "public".
	OwnerScope string
	Chunks     int
}

// Sources lists the indexed sources, ordered by path.
func (e *Engine) Sources(ctx context.Context) ([]Source, error) {
	chunks, err := e.index.Scan(ctx, e.collection)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", e.collection, err)
	}
	bySource := map[string]*Source{}
	for _, c := range chunks {
		src, ok := bySource[c.Source]
		if !ok {
			src = &Source{Path: c.Source, OwnerScope: c.Metadata[ingest.MetaOwnerScope]}
			bySource[c.Source] = src
		}
		src.Chunks++
	}
	out := make([]Source, 0, len(bySource))
	for _, src := range bySource {
		out = append(out, *src)
	}
	slices.SortFunc(out, func(a, b Source) int { return strings.Compare(a.Path, b.Path) })
	return out, nil
}

// ClearChunksOf deletes the index chunks of every source ingested with
// owner as its owner scope. Files and registry rows stay, so the
// documents can be ingested again. It returns the number of chunks
// removed.
func (e *Engine) ClearChunksOf(ctx context.Context, owner string) (int, error) {
	if owner == "" {
		return 0, fmt.Errorf("owner must not be empty")
	}
	sources, err := e.Sources(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, src := range sources {
		if src.OwnerScope != owner {
			continue
		}
		n, err := e.index.DeleteBySource(ctx, e.collection, src.Path)
		if err != nil {
			return total, fmt.Errorf("delete chunks of %s: %w", src.Path, err)
		}
		total += n
	}
	e.logger.Info("cleared index entries of owner", "owner", owner, "chunks", total)
	return total, nil
}
