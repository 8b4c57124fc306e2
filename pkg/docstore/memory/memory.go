// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/groundchat/memcore/pkg/docstore"
	"github.com/groundchat/memcore/pkg/provider"
)

func init() {
	docstore.Providers.Register("memory", func(_ context.Context, _ provider.Params) (docstore.Store, error) {
		return New(), nil
	})
}

// compile-time check
var _ docstore.Store = (*Store)(nil)

// Store keeps documents in a map. Contents are lost on exit.
type Store struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// New creates an empty in-memory document store.
func New() *Store {
	return &Store{docs: make(map[string][]byte)}
}

func (s *Store) Write(_ context.Context, p string, data []byte) error {
	if err := docstore.ValidatePath(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[p]; exists {
		return fmt.Errorf("%s: %w", p, docstore.ErrExists)
	}
	s.docs[p] = bytes.Clone(data)
	return nil
}

func (s *Store) Read(_ context.Context, p string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.docs[p]
	if !exists {
		return nil, fmt.Errorf("%s: %w", p, docstore.ErrNotFound)
	}
	return bytes.Clone(data), nil
}

func (s *Store) Delete(_ context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[p]; !exists {
		return fmt.Errorf("%s: %w", p, docstore.ErrNotFound)
	}
	delete(s.docs, p)
	return nil
}

func (s *Store) Exists(_ context.Context, p string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.docs[p]
	return exists, nil
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for p := range s.docs {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close(_ context.Context) error {
	return nil
}
