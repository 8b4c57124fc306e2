// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package core wires the registry, document store, index, ingestion,
// deletion, memory and retrieval components into one Service. A request
// layer authenticates the caller and passes its user id as actor.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/groundchat/memcore/pkg/config"
	"github.com/groundchat/memcore/pkg/deletion"
	"github.com/groundchat/memcore/pkg/docstore"
	"github.com/groundchat/memcore/pkg/embedding"
	"github.com/groundchat/memcore/pkg/extract"
	"github.com/groundchat/memcore/pkg/generate"
	"github.com/groundchat/memcore/pkg/index"
	"github.com/groundchat/memcore/pkg/ingest"
	"github.com/groundchat/memcore/pkg/memory"
	"github.com/groundchat/memcore/pkg/memory/historycache"
	"github.com/groundchat/memcore/pkg/observability/logging"
	"github.com/groundchat/memcore/pkg/registry"
	"github.com/groundchat/memcore/pkg/retrieval"

	// Backends register themselves with their provider registries.
	_ "github.com/groundchat/memcore/pkg/docstore/filesystem"
	_ "github.com/groundchat/memcore/pkg/docstore/memory"
	_ "github.com/groundchat/memcore/pkg/docstore/s3"
	_ "github.com/groundchat/memcore/pkg/embedding/hash"
	_ "github.com/groundchat/memcore/pkg/embedding/openai"
	_ "github.com/groundchat/memcore/pkg/generate/openai"
	_ "github.com/groundchat/memcore/pkg/index/chromem"
	_ "github.com/groundchat/memcore/pkg/index/memory"
	_ "github.com/groundchat/memcore/pkg/index/milvus"
	_ "github.com/groundchat/memcore/pkg/index/qdrant"
)

// ErrAuthorizationDenied is returned when the actor may not perform an
// operation.
var ErrAuthorizationDenied = deletion.ErrAuthorizationDenied

// Generator answers an assembled prompt.
type Generator = generate.Generator

// Service owns every store for the lifetime of the process.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	registry  *registry.Store
	files     docstore.Store
	index     index.Index
	embedder  embedding.Embedder
	generator generate.Generator
	cache     *historycache.Cache

	ingest    *ingest.Pipeline
	deletion  *deletion.Engine
	memory    *memory.Store
	retrieval *retrieval.Orchestrator
}

// Open connects every backend named by cfg. On failure, backends opened so
// far are closed again.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Service, err error) {
	logger = logging.OrDiscard(logger)
	s := &Service{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			s.Close(context.WithoutCancel(ctx))
		}
	}()

	s.registry, err = registry.Open(ctx, registry.Options{
		Driver:     cfg.Registry.Driver,
		DSN:        cfg.Registry.DSN,
		BcryptCost: cfg.Registry.BcryptCost,
	})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	logger.Info("Initialized registry", "driver", cfg.Registry.Driver)

	s.files, err = docstore.Providers.Open(ctx, cfg.DocumentStore.Type, cfg.DocumentStoreParams())
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	logger.Info("Initialized document store", "type", cfg.DocumentStore.Type)

	s.embedder, err = embedding.Providers.Open(ctx, cfg.Embedding.Provider, cfg.EmbeddingParams())
	if err != nil {
		return nil, fmt.Errorf("open embedder: %w", err)
	}
	logger.Info("Initialized embedder", "provider", cfg.Embedding.Provider, "dimensions", s.embedder.Dimensions())

	s.index, err = index.Providers.Open(ctx, cfg.Index.Type, cfg.IndexParams())
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err = s.index.EnsureCollection(ctx, cfg.Index.Collection, s.embedder.Dimensions()); err != nil {
		return nil, fmt.Errorf("ensure collection %s: %w", cfg.Index.Collection, err)
	}
	logger.Info("Initialized index", "type", cfg.Index.Type, "collection", cfg.Index.Collection)

	s.generator, err = generate.Providers.Open(ctx, cfg.Generation.Provider, cfg.GenerationParams())
	if err != nil {
		return nil, fmt.Errorf("open generator: %w", err)
	}
	logger.Info("Initialized generator", "provider", cfg.Generation.Provider)

	memOpts := memory.Options{
		Limit:        cfg.Memory.Limit,
		ChunkSize:    cfg.Memory.ChunkSize,
		ChunkOverlap: cfg.Memory.ChunkOverlap,
		Logger:       logger,
	}
	if cfg.Memory.RedisAddr != "" {
		client, dialErr := historycache.Dial(ctx, cfg.Memory.RedisAddr, cfg.Memory.RedisPassword, cfg.Memory.RedisDB)
		if dialErr != nil {
			return nil, fmt.Errorf("open history cache: %w", dialErr)
		}
		s.cache = historycache.New(client, cfg.Memory.HistoryTTL)
		memOpts.Cache = s.cache
		logger.Info("Initialized history cache", "address", cfg.Memory.RedisAddr)
	}

	s.ingest = ingest.New(s.files, s.registry, extract.ByExtension{}, s.embedder, s.index, ingest.Options{
		Collection:   cfg.Index.Collection,
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
		BatchSize:    cfg.Ingest.BatchSize,
		Concurrency:  cfg.Ingest.Concurrency,
		Replace:      true,
		Logger:       logger,
	})
	s.deletion = deletion.New(s.registry, s.files, s.index, deletion.Options{
		Collection: cfg.Index.Collection,
		Logger:     logger,
	})
	s.memory = memory.New(s.index, s.embedder, memOpts)
	s.retrieval = retrieval.New(s.memory, s.registry, s.embedder, s.index, retrieval.Options{
		Collection: cfg.Index.Collection,
		Overfetch:  cfg.Retrieval.Overfetch,
		Logger:     logger,
	})
	return s, nil
}

// Close releases every backend. It is safe to call on a partially opened
// Service.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.index != nil {
		errs = append(errs, s.index.Close(ctx))
	}
	if s.files != nil {
		errs = append(errs, s.files.Close(ctx))
	}
	if s.registry != nil {
		errs = append(errs, s.registry.Close())
	}
	return errors.Join(errs...)
}

func (s *Service) requireAdmin(ctx context.Context, actor string) error {
	admin, err := s.registry.IsAdmin(ctx, actor)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("%s: %w", actor, ErrAuthorizationDenied)
		}
		return err
	}
	if !admin {
		return fmt.Errorf("%s is not an admin: %w", actor, ErrAuthorizationDenied)
	}
	return nil
}

// requireSelfOrAdmin allows actors to act on their own account.
func (s *Service) requireSelfOrAdmin(ctx context.Context, actor, subject string) error {
	if actor == subject {
		return nil
	}
	return s.requireAdmin(ctx, actor)
}
