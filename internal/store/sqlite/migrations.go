package sqlite

import "context"

// schema is applied with CREATE TABLE/INDEX IF NOT EXISTS, following the
// teacher's internal/storage/sqlite migrations convention of small,
// idempotent forward-only steps (internal/storage/sqlite/migrations.go).
var schema = []string{
	`PRAGMA foreign_keys = ON`,
	`CREATE TABLE IF NOT EXISTS issues (
		id              TEXT PRIMARY KEY,
		application_id  TEXT NOT NULL,
		dedup_key       TEXT NOT NULL,
		timestamp       TIMESTAMP NOT NULL,
		message         TEXT NOT NULL,
		context         TEXT NOT NULL DEFAULT '{}',
		screenshots     TEXT NOT NULL DEFAULT '[]',
		state           TEXT NOT NULL,
		reopen_count    INTEGER NOT NULL DEFAULT 0,
		plan            TEXT NOT NULL DEFAULT '',
		type            TEXT NOT NULL DEFAULT '',
		effort          TEXT NOT NULL DEFAULT '',
		llm_output      TEXT NOT NULL DEFAULT '',
		llm_message     TEXT NOT NULL DEFAULT '',
		git_commit      TEXT NOT NULL DEFAULT '',
		statistics      TEXT,
		revert_reason   TEXT NOT NULL DEFAULT '',
		started_at      TIMESTAMP,
		completed_at    TIMESTAMP,
		reopened_at     TIMESTAMP,
		reverted_at     TIMESTAMP,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL,
		embedding       BLOB,
		embedding_model TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_issues_app ON issues(application_id)`,
	`CREATE INDEX IF NOT EXISTS idx_issues_dedup ON issues(dedup_key, state)`,
	`CREATE INDEX IF NOT EXISTS idx_issues_state ON issues(application_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_issues_pending ON issues(state, created_at)`,

	`CREATE TABLE IF NOT EXISTS blacklist_patterns (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		pattern         TEXT NOT NULL,
		pattern_type    TEXT NOT NULL,
		application_id  TEXT NOT NULL DEFAULT '',
		reason          TEXT NOT NULL DEFAULT '',
		UNIQUE(pattern, application_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_blacklist_app ON blacklist_patterns(application_id)`,

	`CREATE TABLE IF NOT EXISTS duplicate_edges (
		original_log_id  TEXT NOT NULL,
		duplicate_log_id TEXT NOT NULL,
		similarity_score REAL NOT NULL,
		detected_at      TIMESTAMP NOT NULL,
		PRIMARY KEY (original_log_id, duplicate_log_id),
		FOREIGN KEY (original_log_id) REFERENCES issues(id) ON DELETE CASCADE,
		FOREIGN KEY (duplicate_log_id) REFERENCES issues(id) ON DELETE CASCADE
	)`,
}

func migrate(ctx context.Context, exec execer) error {
	for _, stmt := range schema {
		if _, err := exec.ExecContext(ctx, stmt); err != nil {
			return wrapDBError("migrate", err)
		}
	}
	return nil
}
