// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"fmt"

	"github.com/groundchat/memcore/pkg/memory"
	"github.com/groundchat/memcore/pkg/retrieval"
)

// ChatResult is the outcome of one chat turn.
type ChatResult struct {
	Answer  string
	Prompt  string
	Context *retrieval.Context
	Memory  memory.AppendResult
}

// BuildContext retrieves the tenant's memory and the visible documents
// relevant to query, using the configured k values.
func (s *Service) BuildContext(ctx context.Context, tenantID, query string) (*retrieval.Context, error) {
	return s.retrieval.BuildContext(ctx, tenantID, query, s.cfg.Retrieval.KMemory, s.cfg.Retrieval.KDocs)
}

// Chat runs one turn: build the context, assemble the prompt, generate the
// answer, then record the user message in memory. Context is built before
// the message is stored, so a turn never retrieves itself. A nil gen uses
// the configured generator. The message is recorded only when generation
// succeeds.
func (s *Service) Chat(ctx context.Context, tenantID, message string, gen Generator) (*ChatResult, error) {
	if _, err := s.registry.GetUser(ctx, tenantID); err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
	}
	if gen == nil {
		gen = s.generator
	}

	rc, err := s.BuildContext(ctx, tenantID, message)
	if err != nil {
		return nil, err
	}
	prompt := retrieval.Prompt(rc, message)

	answer, err := gen.Generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	appended, err := s.memory.Append(context.WithoutCancel(ctx), tenantID, message)
	if err != nil {
		return nil, fmt.Errorf("record message: %w", err)
	}
	s.logger.Debug("chat turn",
		"tenant_id", tenantID,
		"memory_hits", len(rc.Memory),
		"document_hits", len(rc.Documents),
		"evicted", appended.Evicted)
	return &ChatResult{Answer: answer, Prompt: prompt, Context: rc, Memory: appended}, nil
}

// History returns the tenant's memory fragments, oldest first.
func (s *Service) History(ctx context.Context, actor, tenantID string) ([]memory.Fragment, error) {
	if err := s.requireSelfOrAdmin(ctx, actor, tenantID); err != nil {
		return nil, err
	}
	return s.memory.History(ctx, tenantID)
}

// ClearMemory forgets a tenant's conversation.
func (s *Service) ClearMemory(ctx context.Context, actor, tenantID string) error {
	if err := s.requireSelfOrAdmin(ctx, actor, tenantID); err != nil {
		return err
	}
	return s.memory.Clear(context.WithoutCancel(ctx), tenantID)
}

// ClearAllMemory forgets every tenant's conversation. Admin only.
func (s *Service) ClearAllMemory(ctx context.Context, actor string) error {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return err
	}
	return s.memory.ClearAll(context.WithoutCancel(ctx))
}

// MemoryTenants lists the tenants that have stored memory. Admin only.
func (s *Service) MemoryTenants(ctx context.Context, actor string) ([]string, error) {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}
	return s.memory.Tenants(ctx)
}
