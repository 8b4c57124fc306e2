// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/groundchat/memcore/pkg/deletion"
	"github.com/groundchat/memcore/pkg/docstore"
	"github.com/groundchat/memcore/pkg/ingest"
	"github.com/groundchat/memcore/pkg/registry"
)

// UploadRequest describes a document upload.
type UploadRequest struct {
	// Actor is the authenticated uploader.
	Actor    string
	Filename string
	Data     []byte
	// Global publishes the document to every tenant. Admin only.
	Global bool
}

// UploadResult is the outcome of Upload.
type UploadResult struct {
	Document registry.Document
	Ingest   ingest.Result
}

// Upload stores a file under the actor's directory (or public/ for global
// documents), registers it with the actor as first owner and indexes it.
// An existing file at the same path is never overwritten. If indexing
// fails the document stays registered and the error is returned with the
// result; IngestMine retries it.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if req.Global {
		if err := s.requireAdmin(ctx, req.Actor); err != nil {
			return nil, err
		}
	} else if _, err := s.registry.GetUser(ctx, req.Actor); err != nil {
		return nil, fmt.Errorf("uploader %s: %w", req.Actor, err)
	}

	var (
		path string
		err  error
	)
	if req.Global {
		path, err = docstore.PublicPath(req.Filename)
	} else {
		path, err = docstore.PrivatePath(req.Actor, req.Filename)
	}
	if err != nil {
		return nil, err
	}
	return s.store(context.WithoutCancel(ctx), path, req.Actor, req.Data, req.Global)
}

// SeedGlobal publishes a system document with no uploader. An existing
// document at the same path yields docstore.ErrExists.
func (s *Service) SeedGlobal(ctx context.Context, filename string, data []byte) (*UploadResult, error) {
	path, err := docstore.PublicPath(filename)
	if err != nil {
		return nil, err
	}
	return s.store(context.WithoutCancel(ctx), path, "", data, true)
}

func (s *Service) store(ctx context.Context, path, uploader string, data []byte, global bool) (*UploadResult, error) {
	if err := s.files.Write(ctx, path, data); err != nil {
		return nil, fmt.Errorf("store %s: %w", path, err)
	}
	id, err := s.registry.RegisterDocument(ctx, path, uploader, global)
	if err != nil {
		if delErr := s.files.Delete(ctx, path); delErr != nil {
			s.logger.Error("failed to remove unregistered file", "source", path, "error", delErr)
		}
		return nil, err
	}
	doc, err := s.registry.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	out := &UploadResult{Document: doc}
	out.Ingest, err = s.ingest.IngestDocument(ctx, registry.DocumentRef{
		ID:         doc.ID,
		Path:       doc.Path,
		UploadedBy: doc.UploadedBy,
		IsGlobal:   doc.IsGlobal,
	})
	if err != nil {
		return out, err
	}
	s.logger.Info("document uploaded",
		"doc_id", doc.ID, "source", doc.Path, "global", global,
		"chunks", out.Ingest.ChunksWritten)
	return out, nil
}

// Share grants grantee access to a private document the actor owns.
func (s *Service) Share(ctx context.Context, actor string, docID int64, grantee string) error {
	doc, err := s.registry.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if doc.IsGlobal {
		return fmt.Errorf("%s is already visible to every tenant", doc.Path)
	}
	owns, err := s.registry.IsOwner(ctx, actor, docID)
	if err != nil {
		return err
	}
	if !owns {
		if err := s.requireAdmin(ctx, actor); err != nil {
			return err
		}
	}
	if err := s.registry.GrantAccess(ctx, grantee, docID); err != nil {
		return err
	}
	s.logger.Info("document shared", "doc_id", docID, "source", doc.Path, "actor", actor, "grantee", grantee)
	return nil
}

// Revoke removes the actor's ownership of a document. The last owner's
// revoke deletes the file and its chunks.
func (s *Service) Revoke(ctx context.Context, actor string, docID int64) (*deletion.Report, error) {
	return s.deletion.RevokeAndMaybePurge(context.WithoutCancel(ctx), actor, docID)
}

// Documents lists the documents visible to tenantID.
func (s *Service) Documents(ctx context.Context, tenantID string) ([]registry.DocumentRef, error) {
	return s.registry.DocumentsVisibleTo(ctx, tenantID)
}

// AllDocuments lists every document with its owners. Admin only.
func (s *Service) AllDocuments(ctx context.Context, actor string) ([]registry.DocumentOwners, error) {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}
	return s.registry.AllDocumentsWithOwners(ctx)
}

// IngestMine re-indexes every private document visible to tenantID.
func (s *Service) IngestMine(ctx context.Context, tenantID string) (ingest.BatchResult, error) {
	return s.ingest.IngestForTenant(context.WithoutCancel(ctx), tenantID)
}

// IngestGlobal re-indexes every global document. Admin only.
func (s *Service) IngestGlobal(ctx context.Context, actor string) (ingest.BatchResult, error) {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return ingest.BatchResult{}, err
	}
	return s.ingest.IngestGlobal(context.WithoutCancel(ctx))
}

// PurgeSource deletes every chunk whose source or file name is name,
// regardless of ownership. Files and registry rows are untouched. Admin
// only.
func (s *Service) PurgeSource(ctx context.Context, actor, name string) (int, error) {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return 0, err
	}
	return s.deletion.PurgeBySourceName(context.WithoutCancel(ctx), name)
}

// PurgeGlobal deletes a global document entirely. Admin only.
func (s *Service) PurgeGlobal(ctx context.Context, actor string, docID int64) (*deletion.Report, error) {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}
	return s.deletion.PurgeGlobal(context.WithoutCancel(ctx), docID)
}

// ClearIndex drops every document chunk. Admin only.
func (s *Service) ClearIndex(ctx context.Context, actor string) error {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return err
	}
	err := s.deletion.ClearIndex(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	// Recreate the empty collection so later ingestion needs no setup.
	return s.index.EnsureCollection(ctx, s.cfg.Index.Collection, s.embedder.Dimensions())
}

// IngestOne indexes a single registered document again. Owners and
// admins may ingest a private document; only admins may ingest a global
// one.
func (s *Service) IngestOne(ctx context.Context, actor string, docID int64) (ingest.Result, error) {
	doc, err := s.registry.GetDocument(ctx, docID)
	if err != nil {
		return ingest.Result{}, err
	}
	allowed := false
	if !doc.IsGlobal {
		if allowed, err = s.registry.IsOwner(ctx, actor, docID); err != nil {
			return ingest.Result{}, err
		}
	}
	if !allowed {
		if err := s.requireAdmin(ctx, actor); err != nil {
			return ingest.Result{}, err
		}
	}
	return s.ingest.IngestDocument(context.WithoutCancel(ctx), registry.DocumentRef{
		ID:         doc.ID,
		Path:       doc.Path,
		UploadedBy: doc.UploadedBy,
		IsGlobal:   doc.IsGlobal,
	})
}

// IndexedSources lists the sources present in the index. Admins see every
// source; other actors see public sources, their own uploads and the
// documents shared with them.
func (s *Service) IndexedSources(ctx context.Context, actor string) ([]deletion.Source, error) {
	admin, err := s.registry.IsAdmin(ctx, actor)
	if err != nil {
		return nil, err
	}
	sources, err := s.deletion.Sources(ctx)
	if err != nil || admin {
		return sources, err
	}
	visible, err := s.registry.DocumentsVisibleTo(ctx, actor)
	if err != nil {
		return nil, err
	}
	paths := make(map[string]bool, len(visible))
	for _, d := range visible {
		paths[d.Path] = true
	}
	out := sources[:0]
	for _, src := range sources {
		if src.OwnerScope == actor || src.OwnerScope == docstore.PublicScope || paths[src.Path] {
			out = append(out, src)
		}
	}
	return out, nil
}

// ClearChunksOf removes the index chunks of documents uploaded by owner.
// Files and ownership stay, so IngestMine restores them. Actors may clear
// their own chunks; admins may clear anyone's.
func (s *Service) ClearChunksOf(ctx context.Context, actor, owner string) (int, error) {
	if err := s.requireSelfOrAdmin(ctx, actor, owner); err != nil {
		return 0, err
	}
	return s.deletion.ClearChunksOf(context.WithoutCancel(ctx), owner)
}

// ClearMyChunks removes the index chunks of the actor's own uploads.
func (s *Service) ClearMyChunks(ctx context.Context, actor string) (int, error) {
	return s.ClearChunksOf(ctx, actor, actor)
}

// PurgeDocumentsOf revokes every document owner is associated with,
// deleting the ones left without owners. The account itself is kept.
// Admin only.
func (s *Service) PurgeDocumentsOf(ctx context.Context, actor, owner string) (*deletion.PurgeReport, error) {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}
	if _, err := s.registry.GetUser(ctx, owner); err != nil {
		return nil, fmt.Errorf("owner %s: %w", owner, err)
	}
	return s.deletion.PurgeAllForUser(context.WithoutCancel(ctx), owner)
}

// IsConflict reports whether err means the document path is already taken.
func IsConflict(err error) bool {
	return errors.Is(err, docstore.ErrExists) || errors.Is(err, registry.ErrAlreadyExists)
}
