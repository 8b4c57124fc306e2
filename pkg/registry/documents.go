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
)

type documentRow struct {
	ID         int64          `db:"id"`
	Path       string         `db:"path"`
	UploadedBy sql.NullString `db:"uploaded_by"`
	IsGlobal   bool           `db:"is_global"`
	CreatedAt  int64          `db:"created_at"`
}

func (r documentRow) document() Document {
	return Document{
		ID:         r.ID,
		Path:       r.Path,
		UploadedBy: r.UploadedBy.String,
		IsGlobal:   r.IsGlobal,
		CreatedAt:  unixTime(r.CreatedAt),
	}
}

func (r documentRow) ref() DocumentRef {
	return DocumentRef{
		ID:         r.ID,
		Path:       r.Path,
		UploadedBy: r.UploadedBy.String,
		IsGlobal:   r.IsGlobal,
	}
}

func refs(rows []documentRow) []DocumentRef {
	out := make([]DocumentRef, len(rows))
	for i, r := range rows {
		out[i] = r.ref()
	}
	return out
}

const documentColumns = `id, path, uploaded_by, is_global, created_at`

// queryer is satisfied by *sqlx.DB and *sqlx.Tx.
type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Rebind(query string) string
}

// RegisterDocument records a document and returns its id. A non-global
// document with an uploader is associated with that uploader in the same
// transaction, so it never exists without an owner. uploader may be empty
// for system-seeded documents.
func (s *Store) RegisterDocument(ctx context.Context, path, uploader string, isGlobal bool) (int64, error) {
	if path == "" {
		return 0, fmt.Errorf("document path must not be empty")
	}
	if !isGlobal && uploader == "" {
		return 0, fmt.Errorf("document %s: a private document needs an uploader", path)
	}

	var id int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if uploader != "" {
			if err := userExists(ctx, tx, uploader); err != nil {
				return err
			}
		}
		uploadedBy := sql.NullString{String: uploader, Valid: uploader != ""}
		err := tx.GetContext(ctx, &id, tx.Rebind(
			`INSERT INTO documents (path, uploaded_by, is_global, created_at) VALUES (?, ?, ?, ?) RETURNING id`),
			path, uploadedBy, isGlobal, time.Now().Unix(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("document %s: %w", path, ErrAlreadyExists)
			}
			return fmt.Errorf("insert document %s: %w", path, err)
		}
		if !isGlobal {
			if _, err := tx.ExecContext(ctx, tx.Rebind(
				`INSERT INTO user_documents (user_id, document_id) VALUES (?, ?)`), uploader, id); err != nil {
				return fmt.Errorf("associate %s with %s: %w", uploader, path, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetDocument returns the document with the given id.
func (s *Store) GetDocument(ctx context.Context, id int64) (Document, error) {
	row, err := getDocument(ctx, s.db, id, "")
	if err != nil {
		return Document{}, err
	}
	return row.document(), nil
}

// DocumentByPath returns the document stored at path.
func (s *Store) DocumentByPath(ctx context.Context, path string) (Document, error) {
	var row documentRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+documentColumns+` FROM documents WHERE path = ?`), path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, fmt.Errorf("document %s: %w", path, ErrNotFound)
		}
		return Document{}, fmt.Errorf("get document %s: %w", path, err)
	}
	return row.document(), nil
}

// GrantAccess associates userID with docID. Granting an existing
// association is a no-op.
func (s *Store) GrantAccess(ctx context.Context, userID string, docID int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := userExists(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := getDocument(ctx, tx, docID, ""); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO user_documents (user_id, document_id) VALUES (?, ?) ON CONFLICT DO NOTHING`), userID, docID)
		if err != nil {
			return fmt.Errorf("grant %s on %d: %w", userID, docID, err)
		}
		return nil
	})
}

// RevokeAccess removes the association and returns the number of owners
// left. It never removes the document row; see ReleaseAccess.
func (s *Store) RevokeAccess(ctx context.Context, userID string, docID int64) (int, error) {
	var remaining int
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := deleteAssociation(ctx, tx, userID, docID); err != nil {
			return err
		}
		n, err := countOwners(ctx, tx, docID)
		remaining = n
		return err
	})
	return remaining, err
}

// ReleaseAccess removes the association and, when that leaves a non-global
// document without owners, deletes the document row, all in one
// transaction. On postgres the document row is locked first so that two
// owners releasing concurrently cannot both observe a remaining owner.
func (s *Store) ReleaseAccess(ctx context.Context, userID string, docID int64) (Release, error) {
	var rel Release
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		row, err := getDocument(ctx, tx, docID, s.dialect.lockRow)
		if err != nil {
			return err
		}
		rel.Document = row.ref()

		if err := deleteAssociation(ctx, tx, userID, docID); err != nil {
			return err
		}
		rel.Remaining, err = countOwners(ctx, tx, docID)
		if err != nil {
			return err
		}
		if rel.Remaining > 0 || row.IsGlobal {
			return nil
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM documents WHERE id = ?`), docID); err != nil {
			return fmt.Errorf("delete document %d: %w", docID, err)
		}
		rel.RowDeleted = true
		return nil
	})
	if err != nil {
		return Release{}, err
	}
	return rel, nil
}

// DeleteDocument removes the document row and all of its associations.
func (s *Store) DeleteDocument(ctx context.Context, docID int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM user_documents WHERE document_id = ?`), docID); err != nil {
			return fmt.Errorf("delete associations of %d: %w", docID, err)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM documents WHERE id = ?`), docID)
		if err != nil {
			return fmt.Errorf("delete document %d: %w", docID, err)
		}
		return expectAffected(res, fmt.Sprintf("document %d", docID))
	})
}

// Owners returns the ids of the users associated with docID, sorted.
func (s *Store) Owners(ctx context.Context, docID int64) ([]string, error) {
	var owners []string
	err := s.db.SelectContext(ctx, &owners, s.db.Rebind(
		`SELECT user_id FROM user_documents WHERE document_id = ? ORDER BY user_id`), docID)
	if err != nil {
		return nil, fmt.Errorf("owners of %d: %w", docID, err)
	}
	return owners, nil
}

// HasAccess reports whether userID may see docID.
func (s *Store) HasAccess(ctx context.Context, userID string, docID int64) (bool, error) {
	row, err := getDocument(ctx, s.db, docID, "")
	if err != nil {
		return false, err
	}
	if row.IsGlobal {
		return true, nil
	}
	return isOwner(ctx, s.db, userID, docID)
}

// IsOwner reports whether an association between userID and docID exists.
// Global documents are visible without one.
func (s *Store) IsOwner(ctx context.Context, userID string, docID int64) (bool, error) {
	return isOwner(ctx, s.db, userID, docID)
}

// DocumentsVisibleTo returns the user's private documents together with
// every global document, ordered by id.
func (s *Store) DocumentsVisibleTo(ctx context.Context, userID string) ([]DocumentRef, error) {
	var rows []documentRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+documentColumns+` FROM documents
		 WHERE is_global = ? OR id IN (SELECT document_id FROM user_documents WHERE user_id = ?)
		 ORDER BY id`), true, userID)
	if err != nil {
		return nil, fmt.Errorf("documents visible to %s: %w", userID, err)
	}
	return refs(rows), nil
}

// PrivateDocumentsOf returns the non-global documents associated with
// userID.
func (s *Store) PrivateDocumentsOf(ctx context.Context, userID string) ([]DocumentRef, error) {
	var rows []documentRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+documentColumns+` FROM documents
		 WHERE is_global = ? AND id IN (SELECT document_id FROM user_documents WHERE user_id = ?)
		 ORDER BY id`), false, userID)
	if err != nil {
		return nil, fmt.Errorf("private documents of %s: %w", userID, err)
	}
	return refs(rows), nil
}

// GlobalDocuments returns every global document.
func (s *Store) GlobalDocuments(ctx context.Context) ([]DocumentRef, error) {
	var rows []documentRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+documentColumns+` FROM documents WHERE is_global = ? ORDER BY id`), true)
	if err != nil {
		return nil, fmt.Errorf("global documents: %w", err)
	}
	return refs(rows), nil
}

// AllDocumentsWithOwners returns every document with its owners.
func (s *Store) AllDocumentsWithOwners(ctx context.Context) ([]DocumentOwners, error) {
	var rows []documentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+documentColumns+` FROM documents ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	var assoc []struct {
		UserID     string `db:"user_id"`
		DocumentID int64  `db:"document_id"`
	}
	if err := s.db.SelectContext(ctx, &assoc, `SELECT user_id, document_id FROM user_documents ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("list associations: %w", err)
	}

	owners := make(map[int64][]string, len(rows))
	for _, a := range assoc {
		owners[a.DocumentID] = append(owners[a.DocumentID], a.UserID)
	}
	out := make([]DocumentOwners, len(rows))
	for i, r := range rows {
		out[i] = DocumentOwners{Document: r.document(), Owners: owners[r.ID]}
	}
	return out, nil
}

func getDocument(ctx context.Context, q queryer, docID int64, suffix string) (documentRow, error) {
	var row documentRow
	err := q.GetContext(ctx, &row, q.Rebind(`SELECT `+documentColumns+` FROM documents WHERE id = ?`+suffix), docID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return documentRow{}, fmt.Errorf("document %d: %w", docID, ErrNotFound)
		}
		return documentRow{}, fmt.Errorf("get document %d: %w", docID, err)
	}
	return row, nil
}

func userExists(ctx context.Context, q queryer, userID string) error {
	var n int
	if err := q.GetContext(ctx, &n, q.Rebind(`SELECT COUNT(*) FROM users WHERE id = ?`), userID); err != nil {
		return fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if n == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}

func isOwner(ctx context.Context, q queryer, userID string, docID int64) (bool, error) {
	var n int
	err := q.GetContext(ctx, &n, q.Rebind(
		`SELECT COUNT(*) FROM user_documents WHERE user_id = ? AND document_id = ?`), userID, docID)
	if err != nil {
		return false, fmt.Errorf("lookup association %s/%d: %w", userID, docID, err)
	}
	return n > 0, nil
}

func countOwners(ctx context.Context, q queryer, docID int64) (int, error) {
	var n int
	if err := q.GetContext(ctx, &n, q.Rebind(`SELECT COUNT(*) FROM user_documents WHERE document_id = ?`), docID); err != nil {
		return 0, fmt.Errorf("count owners of %d: %w", docID, err)
	}
	return n, nil
}

func deleteAssociation(ctx context.Context, tx *sqlx.Tx, userID string, docID int64) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(
		`DELETE FROM user_documents WHERE user_id = ? AND document_id = ?`), userID, docID)
	if err != nil {
		return fmt.Errorf("revoke %s on %d: %w", userID, docID, err)
	}
	return expectAffected(res, fmt.Sprintf("association %s/%d", userID, docID))
}
