package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/issuesink/issuesink/internal/issuesink"
)

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to issuesink.ErrNotFound for consistent error handling at
// the call sites (grounded on internal/storage/sqlite/errors.go).
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, issuesink.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUniqueViolation reports whether err looks like a SQLite unique
// constraint failure. ncruces/go-sqlite3 surfaces these as *sqlite3.Error
// with ExtendedCode()==sqlite3.CONSTRAINT_UNIQUE; we match on the message
// text as well so the check is resilient to driver wrapping.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

func issueConflict(msg string) error {
	return fmt.Errorf("%s: %w", msg, issuesink.ErrConflict)
}
