// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"
)

type userRow struct {
	ID           string `db:"id"`
	PasswordHash string `db:"password_hash"`
	IsAdmin      bool   `db:"is_admin"`
	CreatedAt    int64  `db:"created_at"`
}

func (r userRow) user() User {
	return User{
		ID:           r.ID,
		PasswordHash: r.PasswordHash,
		IsAdmin:      r.IsAdmin,
		CreatedAt:    unixTime(r.CreatedAt),
	}
}

const userColumns = `id, password_hash, is_admin, created_at`

// CreateUser stores a new user with a bcrypt hash of password.
func (s *Store) CreateUser(ctx context.Context, id, password string, isAdmin bool) error {
	if id == "" {
		return fmt.Errorf("user id must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO users (id, password_hash, is_admin, created_at) VALUES (?, ?, ?, ?)`),
		id, string(hash), isAdmin, time.Now().Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", id, ErrAlreadyExists)
		}
		return fmt.Errorf("insert user %s: %w", id, err)
	}
	return nil
}

// GetUser returns the user with the given id.
func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return row.user(), nil
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+userColumns+` FROM users ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]User, len(rows))
	for i, r := range rows {
		users[i] = r.user()
	}
	return users, nil
}

// Authenticate reports whether password matches the stored hash. Unknown
// users authenticate as false without an error.
func (s *Store) Authenticate(ctx context.Context, id, password string) (bool, error) {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

// IsAdmin reports whether the user has the admin flag.
func (s *Store) IsAdmin(ctx context.Context, id string) (bool, error) {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return false, err
	}
	return u.IsAdmin, nil
}

// UpdatePassword replaces the user's credential hash.
func (s *Store) UpdatePassword(ctx context.Context, id, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE users SET password_hash = ? WHERE id = ?`), string(hash), id)
	if err != nil {
		return fmt.Errorf("update password of %s: %w", id, err)
	}
	return expectAffected(res, "user "+id)
}

// DeleteUser removes the user, their associations, and their name from
// uploaded_by. Non-global documents left without any owner are removed from
// the registry in the same transaction and returned, so the caller can
// release their files and index entries. Callers normally purge the user's
// documents first, in which case nothing is returned.
func (s *Store) DeleteUser(ctx context.Context, id string) ([]DocumentRef, error) {
	var orphaned []DocumentRef
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var owned []documentRow
		err := tx.SelectContext(ctx, &owned, tx.Rebind(
			`SELECT `+documentColumns+` FROM documents
			 WHERE is_global = ? AND id IN (SELECT document_id FROM user_documents WHERE user_id = ?)
			 ORDER BY id`), false, id)
		if err != nil {
			return fmt.Errorf("list documents of %s: %w", id, err)
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM users WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("delete user %s: %w", id, err)
		}
		if err := expectAffected(res, "user "+id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM user_documents WHERE user_id = ?`), id); err != nil {
			return fmt.Errorf("delete associations of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE documents SET uploaded_by = NULL WHERE uploaded_by = ?`), id); err != nil {
			return fmt.Errorf("detach uploads of %s: %w", id, err)
		}

		for _, d := range owned {
			n, err := countOwners(ctx, tx, d.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM documents WHERE id = ?`), d.ID); err != nil {
				return fmt.Errorf("delete orphaned document %d: %w", d.ID, err)
			}
			orphaned = append(orphaned, d.ref())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orphaned, nil
}

func expectAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
