package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/issuesink/issuesink/internal/types"
)

const issueColumns = `id, application_id, dedup_key, timestamp, message, context, screenshots,
	state, reopen_count, plan, type, effort, llm_output, llm_message, git_commit,
	statistics, revert_reason, started_at, completed_at, reopened_at, reverted_at,
	created_at, updated_at, embedding, embedding_model`

type scanner interface {
	Scan(dest ...any) error
}

func scanIssue(row scanner) (*types.Issue, error) {
	var (
		iss                                            types.Issue
		ctxStr, screenshotsStr                         string
		typ, effort                                    string
		statistics                                     sql.NullString
		startedAt, completedAt, reopenedAt, revertedAt sql.NullTime
		embedding                                      []byte
	)

	if err := row.Scan(
		&iss.ID, &iss.ApplicationID, new(string), &iss.Timestamp, &iss.Message, &ctxStr, &screenshotsStr,
		&iss.State, &iss.ReopenCount, &iss.Plan, &typ, &effort, &iss.LLMOutput, &iss.LLMMessage, &iss.GitCommit,
		&statistics, &iss.RevertReason, &startedAt, &completedAt, &reopenedAt, &revertedAt,
		&iss.CreatedAt, &iss.UpdatedAt, &embedding, &iss.EmbeddingModel,
	); err != nil {
		return nil, err
	}

	iss.Type = types.IssueType(typ)
	iss.Effort = types.Effort(effort)

	var err error
	if iss.Context, err = decodeContext(ctxStr); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	if iss.Screenshots, err = decodeStrings(screenshotsStr); err != nil {
		return nil, fmt.Errorf("decode screenshots: %w", err)
	}
	if iss.Statistics, err = decodeStatistics(statistics); err != nil {
		return nil, fmt.Errorf("decode statistics: %w", err)
	}
	if startedAt.Valid {
		iss.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		iss.CompletedAt = &completedAt.Time
	}
	if reopenedAt.Valid {
		iss.ReopenedAt = &reopenedAt.Time
	}
	if revertedAt.Valid {
		iss.RevertedAt = &revertedAt.Time
	}
	iss.Embedding = decodeVector(embedding)

	return &iss, nil
}

func insertIssue(ctx context.Context, exec execer, iss *types.Issue) error {
	ctxStr, err := encodeContext(iss.Context)
	if err != nil {
		return err
	}
	screenshotsStr, err := encodeStrings(iss.Screenshots)
	if err != nil {
		return err
	}
	statistics, err := encodeStatistics(iss.Statistics)
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, `INSERT INTO issues (`+issueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		iss.ID, iss.ApplicationID, dedupKey(iss.ApplicationID, iss.Message, contextMessage(iss.Context)),
		iss.Timestamp, iss.Message, ctxStr, screenshotsStr,
		iss.State, iss.ReopenCount, iss.Plan, string(iss.Type), string(iss.Effort), iss.LLMOutput, iss.LLMMessage, iss.GitCommit,
		statistics, iss.RevertReason, iss.StartedAt, iss.CompletedAt, iss.ReopenedAt, iss.RevertedAt,
		iss.CreatedAt, iss.UpdatedAt, encodeVector(iss.Embedding), iss.EmbeddingModel,
	)
	return wrapDBError("insert issue", err)
}

func updateIssue(ctx context.Context, exec execer, iss *types.Issue) error {
	ctxStr, err := encodeContext(iss.Context)
	if err != nil {
		return err
	}
	screenshotsStr, err := encodeStrings(iss.Screenshots)
	if err != nil {
		return err
	}
	statistics, err := encodeStatistics(iss.Statistics)
	if err != nil {
		return err
	}

	_, err = exec.ExecContext(ctx, `UPDATE issues SET
		dedup_key=?, timestamp=?, message=?, context=?, screenshots=?, state=?, reopen_count=?,
		plan=?, type=?, effort=?, llm_output=?, llm_message=?, git_commit=?, statistics=?,
		revert_reason=?, started_at=?, completed_at=?, reopened_at=?, reverted_at=?,
		updated_at=?, embedding=?, embedding_model=?
		WHERE id=?`,
		dedupKey(iss.ApplicationID, iss.Message, contextMessage(iss.Context)),
		iss.Timestamp, iss.Message, ctxStr, screenshotsStr, iss.State, iss.ReopenCount,
		iss.Plan, string(iss.Type), string(iss.Effort), iss.LLMOutput, iss.LLMMessage, iss.GitCommit, statistics,
		iss.RevertReason, iss.StartedAt, iss.CompletedAt, iss.ReopenedAt, iss.RevertedAt,
		iss.UpdatedAt, encodeVector(iss.Embedding), iss.EmbeddingModel,
		iss.ID,
	)
	return wrapDBError("update issue", err)
}

func (s *Store) CreateIssue(ctx context.Context, iss *types.Issue) error {
	return withImmediateTx(ctx, s.db, func(ctx context.Context, tx execer) error {
		return insertIssue(ctx, tx, iss)
	})
}

func (s *Store) GetIssue(ctx context.Context, appID string, id types.ID) (*types.Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=? AND application_id=?`, id, appID)
	iss, err := scanIssue(row)
	if err != nil {
		return nil, wrapDBError("get issue", err)
	}
	return iss, nil
}

const listOrder = ` ORDER BY timestamp DESC, updated_at DESC, id DESC`

func (s *Store) queryIssues(ctx context.Context, query string, args ...any) ([]*types.Issue, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("list issues", err)
	}
	defer rows.Close()

	var out []*types.Issue
	for rows.Next() {
		iss, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		out = append(out, iss)
	}
	return out, rows.Err()
}

func (s *Store) ListAll(ctx context.Context, appID string) ([]*types.Issue, error) {
	return s.queryIssues(ctx, `SELECT `+issueColumns+` FROM issues WHERE application_id=?`+listOrder, appID)
}

func (s *Store) ListByState(ctx context.Context, appID string, state types.Status) ([]*types.Issue, error) {
	return s.queryIssues(ctx, `SELECT `+issueColumns+` FROM issues WHERE application_id=? AND state=?`+listOrder, appID, state)
}

// ListOpenView returns the union of `revert` and `open`, revert first, each
// ordered by descending timestamp (spec §4.1 "Listing open for worker
// consumption").
func (s *Store) ListOpenView(ctx context.Context, appID string) ([]*types.Issue, error) {
	reverts, err := s.ListByState(ctx, appID, types.StatusRevert)
	if err != nil {
		return nil, err
	}
	opens, err := s.ListByState(ctx, appID, types.StatusOpen)
	if err != nil {
		return nil, err
	}
	return append(reverts, opens...), nil
}

func (s *Store) ListPending(ctx context.Context, limit int, exclude []types.ID) ([]*types.Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM issues WHERE state=? AND embedding IS NULL`
	args := []any{types.StatusPending}
	for _, id := range exclude {
		query += ` AND id != ?`
		args = append(args, id)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)
	return s.queryIssues(ctx, query, args...)
}

func (s *Store) CountByState(ctx context.Context, appID string) (map[types.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM issues WHERE application_id=? GROUP BY state`, appID)
	if err != nil {
		return nil, wrapDBError("count by state", err)
	}
	defer rows.Close()

	out := make(map[types.Status]int)
	for rows.Next() {
		var st types.Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// Mutate loads the issue inside a BEGIN IMMEDIATE transaction, applies fn,
// and persists the result. fn is responsible for lifecycle guards (spec
// §4.1) and must bump nothing itself — UpdatedAt is set here.
func (s *Store) Mutate(ctx context.Context, appID string, id types.ID, fn func(*types.Issue) error) (*types.Issue, error) {
	var result *types.Issue
	err := withImmediateTx(ctx, s.db, func(ctx context.Context, tx execer) error {
		row := tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=? AND application_id=?`, id, appID)
		iss, err := scanIssue(row)
		if err != nil {
			return wrapDBError("mutate: load issue", err)
		}

		if err := fn(iss); err != nil {
			return err
		}

		iss.UpdatedAt = time.Now().UTC()
		if err := updateIssue(ctx, tx, iss); err != nil {
			return err
		}
		result = iss
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AdmitOrReopen implements spec §4.2 steps 4-5 atomically: BEGIN IMMEDIATE
// serializes this against every other admission in the system (tx.go), so
// two concurrent admissions of the same (application_id, message) against
// a `done` issue cannot both win the reopen race.
func (s *Store) AdmitOrReopen(ctx context.Context, candidate *types.Issue, mergeContext types.Context, mergeScreenshots []string) (*types.Issue, bool, error) {
	var (
		result   *types.Issue
		reopened bool
	)

	key := dedupKey(candidate.ApplicationID, candidate.Message, contextMessage(candidate.Context))

	err := withImmediateTx(ctx, s.db, func(ctx context.Context, tx execer) error {
		row := tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE dedup_key=? AND state=? LIMIT 1`,
			key, types.StatusDone)
		existing, err := scanIssue(row)
		if err == nil {
			existing.Context = types.MergeContext(existing.Context, mergeContext)
			existing.Screenshots = append(existing.Screenshots, mergeScreenshots...)
			existing.ReopenCount++
			existing.State = types.StatusOpen
			existing.Timestamp = candidate.Timestamp
			now := time.Now().UTC()
			existing.ReopenedAt = &now
			existing.UpdatedAt = now
			if err := updateIssue(ctx, tx, existing); err != nil {
				return err
			}
			result = existing
			reopened = true
			return nil
		}
		if !isNotFoundErr(err) {
			return wrapDBError("admit: probe existing", err)
		}

		if err := insertIssue(ctx, tx, candidate); err != nil {
			return err
		}
		result = candidate
		reopened = false
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, reopened, nil
}

func isNotFoundErr(err error) bool {
	return err == sql.ErrNoRows
}

// MergeIssues folds source into targetID: deep-merges contextPatch onto the
// target's context, appends source's screenshots (surviving issue owns the
// union, spec §3), increments reopen_count, records a DuplicateEdge, and
// deletes source (spec §4.1 pending-merge, §4.4e, §4.5 phase 1).
func (s *Store) MergeIssues(ctx context.Context, targetID types.ID, source *types.Issue, contextPatch types.Context, edgeScore float64) (*types.Issue, error) {
	var result *types.Issue
	err := withImmediateTx(ctx, s.db, func(ctx context.Context, tx execer) error {
		row := tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, targetID)
		target, err := scanIssue(row)
		if err != nil {
			return wrapDBError("merge: load target", err)
		}

		target.Context = types.MergeContext(target.Context, contextPatch)
		target.Screenshots = append(target.Screenshots, source.Screenshots...)
		target.ReopenCount++
		target.UpdatedAt = time.Now().UTC()
		if err := updateIssue(ctx, tx, target); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO duplicate_edges (original_log_id, duplicate_log_id, similarity_score, detected_at) VALUES (?,?,?,?)`,
			targetID, source.ID, edgeScore, time.Now().UTC())
		if err != nil {
			return wrapDBError("merge: insert edge", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE id=?`, source.ID); err != nil {
			return wrapDBError("merge: delete source", err)
		}

		result = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CloseIssue transitions id to `closed` from any state and returns the
// screenshot filenames it owned so the caller can garbage-collect them
// (spec §4.1 close). The issue's own screenshots list is cleared: a closed
// issue owns nothing for the orphan sweep to spare (§9 decision D.4).
func (s *Store) CloseIssue(ctx context.Context, appID string, id types.ID) (*types.Issue, []string, error) {
	var screenshots []string
	iss, err := s.Mutate(ctx, appID, id, func(iss *types.Issue) error {
		screenshots = iss.Screenshots
		iss.State = types.StatusClosed
		iss.Screenshots = nil
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return iss, screenshots, nil
}

func (s *Store) purgeWhere(ctx context.Context, appID, extraWhere string, args ...any) ([]string, error) {
	var screenshots []string
	err := withImmediateTx(ctx, s.db, func(ctx context.Context, tx execer) error {
		query := `SELECT id, screenshots FROM issues WHERE application_id=?` + extraWhere
		rows, err := tx.QueryContext(ctx, query, append([]any{appID}, args...)...)
		if err != nil {
			return wrapDBError("purge: select", err)
		}
		var ids []types.ID
		for rows.Next() {
			var id types.ID
			var s string
			if err := rows.Scan(&id, &s); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
			ss, err := decodeStrings(s)
			if err != nil {
				rows.Close()
				return err
			}
			screenshots = append(screenshots, ss...)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE id=?`, id); err != nil {
				return wrapDBError("purge: delete", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return screenshots, nil
}

func (s *Store) PurgeApplication(ctx context.Context, appID string) ([]string, error) {
	return s.purgeWhere(ctx, appID, "")
}

func (s *Store) PurgeClosed(ctx context.Context, appID string) ([]string, error) {
	return s.purgeWhere(ctx, appID, " AND state=?", types.StatusClosed)
}

// ExpireClosedOlderThan deletes every `closed` issue (any application)
// whose updated_at is older than cutoff (spec §4.5 phase 2).
func (s *Store) ExpireClosedOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	var screenshots []string
	err := withImmediateTx(ctx, s.db, func(ctx context.Context, tx execer) error {
		rows, err := tx.QueryContext(ctx, `SELECT id, screenshots FROM issues WHERE state=? AND updated_at < ?`,
			types.StatusClosed, cutoff)
		if err != nil {
			return wrapDBError("expire: select", err)
		}
		var ids []types.ID
		for rows.Next() {
			var id types.ID
			var s string
			if err := rows.Scan(&id, &s); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
			ss, err := decodeStrings(s)
			if err != nil {
				rows.Close()
				return err
			}
			screenshots = append(screenshots, ss...)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE id=?`, id); err != nil {
				return wrapDBError("expire: delete", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return screenshots, nil
}

// ReconciliationCandidates returns issues eligible for near-duplicate
// reconciliation: everything except `closed` and `pending` (spec §4.5
// phase 1).
func (s *Store) ReconciliationCandidates(ctx context.Context, appID string) ([]*types.Issue, error) {
	return s.queryIssues(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE application_id=? AND state NOT IN (?, ?)`+listOrder,
		appID, types.StatusClosed, types.StatusPending)
}

func (s *Store) ListApplications(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT application_id FROM issues`)
	if err != nil {
		return nil, wrapDBError("list applications", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AllScreenshotFilenames returns every screenshot filename referenced by any
// live issue, for the orphan-image sweep (spec §4.5 phase 3).
func (s *Store) AllScreenshotFilenames(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT screenshots FROM issues`)
	if err != nil {
		return nil, wrapDBError("all screenshots", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		names, err := decodeStrings(raw)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			out[n] = true
		}
	}
	return out, rows.Err()
}
