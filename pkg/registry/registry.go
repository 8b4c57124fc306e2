// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the relational source of truth for users, documents
// and the ownership associations between them.
//
// A non-global document is visible to the users associated with it; a
// global document is visible to everyone. The deletion engine relies on
// ReleaseAccess to move a document from shared to orphaned to removed
// inside a single transaction.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a user, document or association does not
	// exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a user or document whose
	// key is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// User is a registered account.
type User struct {
	ID           string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

// Document is a registered file. UploadedBy is empty for system-seeded
// documents.
type Document struct {
	ID         int64
	Path       string
	UploadedBy string
	IsGlobal   bool
	CreatedAt  time.Time
}

// DocumentRef is the part of a document the retrieval and ingestion paths
// need.
type DocumentRef struct {
	ID         int64
	Path       string
	UploadedBy string
	IsGlobal   bool
}

// DocumentOwners pairs a document with the users associated with it.
type DocumentOwners struct {
	Document
	Owners []string
}

// Release is the outcome of ReleaseAccess.
type Release struct {
	Document DocumentRef
	// Remaining is the number of owners left after the association was
	// removed.
	Remaining int
	// RowDeleted reports that the document row was removed because no
	// owner remained.
	RowDeleted bool
}

// Options configures Open.
type Options struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// DSN is a file path (or sqlite URI) for sqlite and a connection
	// string for postgres.
	DSN string
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// Store is the registry handle. It is safe for concurrent use.
type Store struct {
	db      *sqlx.DB
	dialect dialect
	cost    int
}

// Open connects to the database and creates the schema if needed.
func Open(ctx context.Context, opts Options) (*Store, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(d.driverName, d.dsn(opts.DSN))
	if err != nil {
		return nil, fmt.Errorf("%s open: %w", d.name, err)
	}
	if d.singleWriter {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s ping: %w", d.name, err)
	}

	cost := opts.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	s := &Store{db: db, dialect: d, cost: cost}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s create tables: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
