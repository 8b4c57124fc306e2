// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package provider implements a generic factory registry for pluggable backends.
//
// The document store, the similarity index and the embedder each own a typed
// Registry, and implementations self-register from init(). Activating a
// backend is a blank import followed by Registry.Open(name, params).
package provider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Params carries backend settings as strings, the way they arrive from YAML
// or the environment.
type Params map[string]string

// String returns the value for key, or def when the key is unset or empty.
func (p Params) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Int parses the value for key as an integer. Unset keys yield def.
func (p Params) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return n, nil
}

// Bool parses the value for key as a boolean. Unset keys yield def.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("param %s: %w", key, err)
	}
	return b, nil
}

// Factory builds a backend from its parameters. Implementations read the
// keys they understand and ignore the rest.
type Factory[T any] func(ctx context.Context, params Params) (T, error)

// Registry is a concurrency-safe set of named factories for one backend
// interface.
type Registry[T any] struct {
	subsystem string
	mu        sync.RWMutex
	factories map[string]Factory[T]
}

// NewRegistry creates a Registry. subsystem names the registry in error
// messages ("document_store", "index", ...).
func NewRegistry[T any](subsystem string) *Registry[T] {
	return &Registry[T]{
		subsystem: subsystem,
		factories: make(map[string]Factory[T]),
	}
}

// Register adds a named factory. It panics on duplicate names so that two
// packages claiming the same backend fail at startup.
func (r *Registry[T]) Register(name string, f Factory[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("provider: %s backend %q already registered", r.subsystem, name))
	}
	r.factories[name] = f
}

// Open instantiates the backend registered under name.
func (r *Registry[T]) Open(ctx context.Context, name string, params Params) (T, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("unknown %s provider: %q (available: %v)", r.subsystem, name, r.Available())
	}
	if params == nil {
		params = Params{}
	}
	return f(ctx, params)
}

// Available returns the registered backend names in sorted order.
func (r *Registry[T]) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
