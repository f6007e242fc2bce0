package sqlite

import (
	"context"
	"database/sql"
)

// execer is satisfied by both *sql.Conn and *sql.DB (grounded on
// internal/storage/sqlite/blocked_cache.go's execer interface).
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withImmediateTx runs fn inside a SQLite `BEGIN IMMEDIATE` transaction on a
// dedicated connection. BEGIN IMMEDIATE acquires the write lock up front
// instead of deferring it to the first write, so concurrent admissions of
// the same (application_id, message) serialize deterministically against
// SQLite's single-writer model — this is the store's chosen resolution of
// the admission race described in spec §4.2 ("implementers MUST pick one
// of: serializable admission... or advisory row-level locks").
func withImmediateTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx execer) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return err
	}

	if err := fn(ctx, conn); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	return nil
}
