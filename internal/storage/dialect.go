package storage

import (
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect captures the differences between the supported SQL backends.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Rebind rewrites ? placeholders into the dialect's native form.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// StepOrder is the ORDER BY clause that yields the total order of steps within a thread.
func (d Dialect) StepOrder() string {
	if d == Postgres {
		return "created_at_ns ASC, seq ASC"
	}
	return "created_at_ns ASC, rowid ASC"
}

// IsUniqueViolation reports whether err is a primary key or unique constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
