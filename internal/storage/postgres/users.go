package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/bgm-collector/internal/collector"
)

const userColumns = `id, nid, sid, name, state, join_time, last_active, update_at, extra`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (collector.User, error) {
	var (
		u      collector.User
		state  string
		extra  []byte
		nid    *int64
		sid    *string
		joined *time.Time
		active *time.Time
	)
	if err := row.Scan(&u.ID, &nid, &sid, &u.Name, &state, &joined, &active, &u.UpdateAt, &extra); err != nil {
		return collector.User{}, err
	}
	parsed, err := collector.ParseUserState(state)
	if err != nil {
		return collector.User{}, err
	}
	u.State = parsed
	u.NID, u.SID, u.JoinTime, u.LastActive = nid, sid, joined, active
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &u.Extra); err != nil {
			return collector.User{}, fmt.Errorf("decode extra: %w", err)
		}
	}
	return u, nil
}

// FindByUID returns the user carrying uid.
func (s *Store) FindByUID(ctx context.Context, uid collector.UID) (collector.User, error) {
	var row pgx.Row
	if nid, ok := uid.NID(); ok {
		row = s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE nid = $1`, nid)
	} else if sid, ok := uid.SID(); ok {
		row = s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE sid = $1`, sid)
	} else {
		return collector.User{}, collector.ErrNotFound
	}
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return collector.User{}, collector.ErrNotFound
	}
	if err != nil {
		return collector.User{}, &collector.PersistenceError{Op: "find user " + uid.String(), Err: err}
	}
	return u, nil
}

// UpsertProfile merges rec into the row matching either of its identifiers or
// inserts a new row. An advisory lock per identifier, taken in UIDs order,
// serializes upserts that could insert the same person twice; candidate rows
// are also locked for the duration of the transaction.
func (s *Store) UpsertProfile(ctx context.Context, rec collector.ProfileRecord) (collector.User, error) {
	uids := rec.UIDs()
	if len(uids) == 0 {
		return collector.User{}, &collector.PersistenceError{Op: "upsert user", Err: errors.New("profile has no identifier")}
	}
	now := s.clock.Now()
	var out collector.User
	err := s.inTx(ctx, "upsert user", func(tx pgx.Tx) error {
		for _, uid := range uids {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, uid.Key()); err != nil {
				return &collector.PersistenceError{Op: "lock user " + uid.String(), Err: err}
			}
		}
		rows, err := tx.Query(ctx,
			`SELECT `+userColumns+` FROM users WHERE nid = $1 OR sid = $2 FOR UPDATE`,
			rec.NID, rec.SID,
		)
		if err != nil {
			return &collector.PersistenceError{Op: "select users", Err: err}
		}
		var candidates []collector.User
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				rows.Close()
				return &collector.PersistenceError{Op: "scan user", Err: err}
			}
			candidates = append(candidates, u)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return &collector.PersistenceError{Op: "select users", Err: err}
		}

		if target, ok := collector.MergeTarget(candidates, rec); ok {
			target.ApplyProfile(rec, now, collector.TakenBy(candidates, target.ID))
			out = target
			return s.updateUser(ctx, tx, target)
		}
		id, err := s.ids.NewID()
		if err != nil {
			return &collector.PersistenceError{Op: "new user id", Err: err}
		}
		out = collector.NewUser(id, rec, now)
		return s.insertUser(ctx, tx, out)
	})
	if err != nil {
		return collector.User{}, err
	}
	return out, nil
}

func (s *Store) insertUser(ctx context.Context, tx pgx.Tx, u collector.User) error {
	extra, err := json.Marshal(u.Extra)
	if err != nil {
		return &collector.PersistenceError{Op: "encode extra", Err: err}
	}
	_, err = tx.Exec(ctx, `
INSERT INTO users (id, nid, sid, name, state, join_time, last_active, update_at, extra)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.NID, u.SID, u.Name, string(u.State), u.JoinTime, u.LastActive, u.UpdateAt, extra,
	)
	if err != nil {
		return &collector.PersistenceError{Op: "insert user", Err: err}
	}
	return nil
}

func (s *Store) updateUser(ctx context.Context, tx pgx.Tx, u collector.User) error {
	extra, err := json.Marshal(u.Extra)
	if err != nil {
		return &collector.PersistenceError{Op: "encode extra", Err: err}
	}
	_, err = tx.Exec(ctx, `
UPDATE users
SET nid = $2, sid = $3, name = $4, state = $5, join_time = $6, last_active = $7, update_at = $8, extra = $9
WHERE id = $1`,
		u.ID, u.NID, u.SID, u.Name, string(u.State), u.JoinTime, u.LastActive, u.UpdateAt, extra,
	)
	if err != nil {
		return &collector.PersistenceError{Op: "update user", Err: err}
	}
	return nil
}

// MergeNameHistory folds update into the row with id under a row lock.
func (s *Store) MergeNameHistory(ctx context.Context, id string, update collector.NamesUpdate) (collector.User, error) {
	var out collector.User
	err := s.inTx(ctx, "merge name history", func(tx pgx.Tx) error {
		u, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("merge name history %s: %w", id, collector.ErrNotFound)
		}
		if err != nil {
			return &collector.PersistenceError{Op: "select user", Err: err}
		}
		u.Extra.MergeNames(update, s.clock.Now())
		extra, err := json.Marshal(u.Extra)
		if err != nil {
			return &collector.PersistenceError{Op: "encode extra", Err: err}
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET extra = $2 WHERE id = $1`, id, extra); err != nil {
			return &collector.PersistenceError{Op: "update name history", Err: err}
		}
		out = u
		return nil
	})
	if err != nil {
		return collector.User{}, err
	}
	return out, nil
}
