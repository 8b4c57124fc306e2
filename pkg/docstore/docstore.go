// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package docstore persists raw uploaded document bytes under hierarchical
// paths. It performs no access checks; callers consult the ownership
// registry first.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/groundchat/memcore/pkg/provider"
)

var (
	// ErrNotFound is returned when no document exists at a path.
	ErrNotFound = errors.New("document not found")
	// ErrExists is returned when writing to a path that is already taken.
	ErrExists = errors.New("document already exists")
	// ErrInvalidPath is returned for paths that are absolute, empty, or that
	// try to escape the store root.
	ErrInvalidPath = errors.New("invalid document path")
)

// PublicScope is the top-level directory holding global documents.
const PublicScope = "public"

// Providers is the registry of document store backends.
// Import implementation packages with blank imports to register them:
//
//	import _ "github.com/groundchat/memcore/pkg/docstore/memory"
//	import _ "github.com/groundchat/memcore/pkg/docstore/filesystem"
//	import _ "github.com/groundchat/memcore/pkg/docstore/s3"
var Providers = provider.NewRegistry[Store]("document_store")

// Store is the interface implemented by document storage backends.
type Store interface {
	// Write stores data at p. It returns ErrExists if p is already taken.
	Write(ctx context.Context, p string, data []byte) error
	Read(ctx context.Context, p string) ([]byte, error)
	Delete(ctx context.Context, p string) error
	Exists(ctx context.Context, p string) (bool, error)
	// List returns every stored path under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Close(ctx context.Context) error
}

// PrivatePath returns the storage path of a tenant's private upload.
func PrivatePath(owner, filename string) (string, error) {
	if owner == "" || owner == "." || owner == ".." || owner == PublicScope || strings.ContainsAny(owner, `/\`) {
		return "", fmt.Errorf("%w: owner %q", ErrInvalidPath, owner)
	}
	return join(owner, filename)
}

// PublicPath returns the storage path of a global document.
func PublicPath(filename string) (string, error) {
	return join(PublicScope, filename)
}

func join(scope, filename string) (string, error) {
	if filename == "" || strings.ContainsAny(filename, `/\`) || filename == "." || filename == ".." {
		return "", fmt.Errorf("%w: filename %q", ErrInvalidPath, filename)
	}
	return scope + "/" + filename, nil
}

// ValidatePath checks that p is a clean, relative, slash-separated path.
func ValidatePath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	if path.Clean(p) != p {
		return fmt.Errorf("%w: %q is not clean", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." || seg == "." || seg == "" {
			return fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return nil
}

// Scope returns the first path segment: the owner id for private
// documents, PublicScope for global ones.
func Scope(p string) string {
	scope, _, _ := strings.Cut(p, "/")
	return scope
}

// Base returns the final path segment.
func Base(p string) string {
	return path.Base(p)
}
