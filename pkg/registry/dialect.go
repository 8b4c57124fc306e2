// Copyright Memcore Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"strings"
)

type dialect struct {
	name       string
	driverName string
	// singleWriter limits the pool to one connection so writes serialize.
	singleWriter bool
	// lockRow is appended to a SELECT that must hold the row until commit.
	lockRow string
	schema  []string
	dsn     func(string) string
}

var sqliteDialect = dialect{
	name:         "sqlite",
	driverName:   "sqlite",
	singleWriter: true,
	dsn:          sqliteDSN,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			uploaded_by TEXT,
			is_global INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_documents (
			user_id TEXT NOT NULL,
			document_id INTEGER NOT NULL,
			PRIMARY KEY (user_id, document_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_documents_document ON user_documents(document_id)`,
	},
}

var postgresDialect = dialect{
	name:       "postgres",
	driverName: "pgx",
	lockRow:    " FOR UPDATE",
	dsn:        func(s string) string { return s },
	schema: []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			password_hash TEXT NOT NULL,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id BIGSERIAL PRIMARY KEY,
			path TEXT NOT NULL UNIQUE,
			uploaded_by TEXT,
			is_global BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_documents (
			user_id TEXT NOT NULL,
			document_id BIGINT NOT NULL,
			PRIMARY KEY (user_id, document_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_documents_document ON user_documents(document_id)`,
	},
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return sqliteDialect, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect, nil
	default:
		return dialect{}, fmt.Errorf("unknown registry driver: %q (available: [postgres sqlite])", driver)
	}
}

// sqliteDSN turns a bare path into a URI with WAL and a busy timeout.
// DSNs that already carry query parameters are used as given.
func sqliteDSN(path string) string {
	if path == "" {
		path = "memcore.db"
	}
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}
