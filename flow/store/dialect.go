package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// dialect captures the per-database differences the shared SQL core needs:
// placeholder style, row-locking clauses, schema DDL, and the named-lock
// binding.
//
// The core is written against MySQL-style "?" placeholders; Rebind
// converts to the backend's native style where needed.
type dialect interface {
	// Name returns the backend name ("sqlite", "mysql", "postgres").
	Name() string

	// Rebind converts "?" placeholders to the backend's native style.
	Rebind(query string) string

	// SkipLocked returns the locking clause appended to the grab query,
	// or "" when the backend serializes writers itself (SQLite).
	SkipLocked() string

	// ForUpdate returns the row-lock clause for the revision-bump
	// select, or "" for SQLite.
	ForUpdate() string

	// Schema returns the DDL statements that create the four tables and
	// their indexes.
	Schema() []string

	// ReturningID reports whether inserts must use a RETURNING clause to
	// surface generated IDs (PostgreSQL) instead of LastInsertId.
	ReturningID() bool

	// NamedLock runs fn while holding the (namespace, key) mutex.
	NamedLock(ctx context.Context, db *sql.DB, namespace, key string, fn func(context.Context) error) error
}

// rebindDollar converts "?" placeholders to "$1", "$2", ... for
// PostgreSQL. Placeholders never appear inside string literals in the
// core's queries, so a plain scan is sufficient.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
