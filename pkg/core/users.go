// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"fmt"

	"github.com/groundchat/memcore/pkg/deletion"
	"github.com/groundchat/memcore/pkg/registry"
)

// RegisterUser creates an account.
func (s *Service) RegisterUser(ctx context.Context, id, password string, isAdmin bool) error {
	if err := s.registry.CreateUser(ctx, id, password, isAdmin); err != nil {
		return err
	}
	s.logger.Info("user registered", "user_id", id, "admin", isAdmin)
	return nil
}

// Authenticate checks a password. Unknown users and wrong passwords both
// yield false without an error.
func (s *Service) Authenticate(ctx context.Context, id, password string) (bool, error) {
	return s.registry.Authenticate(ctx, id, password)
}

// ChangePassword replaces the caller's password.
func (s *Service) ChangePassword(ctx context.Context, actor, id, password string) error {
	if err := s.requireSelfOrAdmin(ctx, actor, id); err != nil {
		return err
	}
	return s.registry.UpdatePassword(ctx, id, password)
}

// Users lists every account. Admin only.
func (s *Service) Users(ctx context.Context, actor string) ([]registry.User, error) {
	if err := s.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}
	return s.registry.ListUsers(ctx)
}

// DeleteUser removes an account with everything only it owned: private
// documents nobody else shares, their chunks, and the user's conversation
// memory. Shared documents stay with their remaining owners. Failures in
// the cascade are collected in the report; the account row is removed
// regardless.
func (s *Service) DeleteUser(ctx context.Context, actor, id string) (*deletion.PurgeReport, error) {
	if err := s.requireSelfOrAdmin(ctx, actor, id); err != nil {
		return nil, err
	}
	if _, err := s.registry.GetUser(ctx, id); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)

	report, err := s.deletion.PurgeAllForUser(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("purge documents of %s: %w", id, err)
	}

	orphaned, err := s.registry.DeleteUser(ctx, id)
	if err != nil {
		return report, fmt.Errorf("delete user %s: %w", id, err)
	}
	// Documents granted to the user after the purge listed them.
	for _, doc := range orphaned {
		r, err := s.deletion.PurgeOrphan(ctx, doc)
		report.DeletedRegistryRows++
		if err != nil {
			report.Errors[doc.Path] = err
			continue
		}
		if st, ok := r.Step(deletion.StepFile); ok && st.Status == deletion.StepOK {
			report.DeletedFiles = append(report.DeletedFiles, doc.Path)
		}
	}

	if err := s.memory.Clear(ctx, id); err != nil {
		report.Errors["memory"] = err
	}
	s.logger.Info("user deleted",
		"user_id", id,
		"actor", actor,
		"deleted_files", len(report.DeletedFiles),
		"retained", len(report.RetainedFilesDueToSharing),
		"errors", len(report.Errors))
	return report, nil
}
