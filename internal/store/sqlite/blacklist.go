package sqlite

import (
	"context"
	"database/sql"

	"github.com/issuesink/issuesink/internal/types"
)

const blacklistColumns = `id, pattern, pattern_type, application_id, reason`

func scanBlacklist(row scanner) (*types.BlacklistPattern, error) {
	var (
		p     types.BlacklistPattern
		typ   string
		appID string
	)
	if err := row.Scan(&p.ID, &p.Pattern, &typ, &appID, &p.Reason); err != nil {
		return nil, err
	}
	p.PatternType = types.PatternType(typ)
	if appID != string(types.GlobalScope) {
		p.ApplicationID = &appID
	}
	return &p, nil
}

// appIDColumn converts a *string (nil meaning global) to the NOT NULL
// sentinel stored in application_id (migrations.go), so SQL UNIQUE treats
// two global patterns as a collision the same way it does two app-scoped
// ones (NULL would otherwise never equal NULL).
func appIDColumn(appID *string) string {
	if appID == nil {
		return string(types.GlobalScope)
	}
	return *appID
}

func (s *Store) ListBlacklist(ctx context.Context, applicationID string) ([]*types.BlacklistPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+blacklistColumns+` FROM blacklist_patterns WHERE application_id=? OR application_id=? ORDER BY id`,
		applicationID, string(types.GlobalScope))
	if err != nil {
		return nil, wrapDBError("list blacklist", err)
	}
	defer rows.Close()

	var out []*types.BlacklistPattern
	for rows.Next() {
		p, err := scanBlacklist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) GetBlacklist(ctx context.Context, id int64) (*types.BlacklistPattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+blacklistColumns+` FROM blacklist_patterns WHERE id=?`, id)
	p, err := scanBlacklist(row)
	if err != nil {
		return nil, wrapDBError("get blacklist", err)
	}
	return p, nil
}

func (s *Store) CreateBlacklist(ctx context.Context, p *types.BlacklistPattern) (*types.BlacklistPattern, error) {
	var created *types.BlacklistPattern
	err := withImmediateTx(ctx, s.db, func(ctx context.Context, tx execer) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO blacklist_patterns (pattern, pattern_type, application_id, reason) VALUES (?,?,?,?)`,
			p.Pattern, string(p.PatternType), appIDColumn(p.ApplicationID), p.Reason)
		if err != nil {
			if isUniqueViolation(err) {
				return issueConflict("blacklist pattern already exists")
			}
			return wrapDBError("create blacklist", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT `+blacklistColumns+` FROM blacklist_patterns WHERE id=?`, id)
		created, err = scanBlacklist(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) UpdateBlacklist(ctx context.Context, p *types.BlacklistPattern) (*types.BlacklistPattern, error) {
	var updated *types.BlacklistPattern
	err := withImmediateTx(ctx, s.db, func(ctx context.Context, tx execer) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE blacklist_patterns SET pattern=?, pattern_type=?, application_id=?, reason=? WHERE id=?`,
			p.Pattern, string(p.PatternType), appIDColumn(p.ApplicationID), p.Reason, p.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return issueConflict("blacklist pattern already exists")
			}
			return wrapDBError("update blacklist", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+blacklistColumns+` FROM blacklist_patterns WHERE id=?`, p.ID)
		updated, err = scanBlacklist(row)
		return wrapDBError("update blacklist: reload", err)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) DeleteBlacklist(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blacklist_patterns WHERE id=?`, id)
	if err != nil {
		return wrapDBError("delete blacklist", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return wrapDBError("delete blacklist", sql.ErrNoRows)
	}
	return nil
}

func (s *Store) ClearBlacklist(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blacklist_patterns`)
	return wrapDBError("clear blacklist", err)
}

func (s *Store) AllBlacklist(ctx context.Context) ([]*types.BlacklistPattern, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+blacklistColumns+` FROM blacklist_patterns ORDER BY id`)
	if err != nil {
		return nil, wrapDBError("all blacklist", err)
	}
	defer rows.Close()

	var out []*types.BlacklistPattern
	for rows.Next() {
		p, err := scanBlacklist(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
