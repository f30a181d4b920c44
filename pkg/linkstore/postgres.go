package linkstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type pgStore struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

// NewPostgres constructs a PostgreSQL-backed link store. The pool is owned by
// the caller; Close is a no-op.
func NewPostgres(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Store {
	return &pgStore{dbPool: dbPool, log: log}
}

// EnsureSchema creates the link table if it does not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS link_records (
  handle text PRIMARY KEY,
  user_id text NOT NULL UNIQUE,
  username text NOT NULL DEFAULT '',
  backend_user_id text NOT NULL,
  base_url text NOT NULL DEFAULT '',
  origin text NOT NULL DEFAULT '',
  connect_token text NOT NULL,
  valid boolean NOT NULL DEFAULT true,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
ALTER TABLE link_records ADD COLUMN IF NOT EXISTS origin text NOT NULL DEFAULT '';
ALTER TABLE link_records ADD COLUMN IF NOT EXISTS base_url text NOT NULL DEFAULT '';
`)
	return err
}

func (p *pgStore) Get(ctx context.Context, handle string) (Record, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT `+recordColumns+` FROM link_records WHERE handle=$1`, handle)
	return scanPG(row)
}

func (p *pgStore) GetByUser(ctx context.Context, userID string) (Record, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT `+recordColumns+` FROM link_records WHERE user_id=$1`, userID)
	return scanPG(row)
}

// Upsert is a single INSERT ... ON CONFLICT so concurrent callbacks for one
// handle never produce two rows. xmax = 0 only on a freshly inserted tuple.
func (p *pgStore) Upsert(ctx context.Context, u Update) (Record, bool, error) {
	u = u.normalized()
	row := p.dbPool.QueryRow(ctx, `
INSERT INTO link_records(`+recordColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,true,$8,$8)
ON CONFLICT (handle) DO UPDATE SET
  username=EXCLUDED.username,
  backend_user_id=EXCLUDED.backend_user_id,
  base_url=EXCLUDED.base_url,
  origin=EXCLUDED.origin,
  connect_token=EXCLUDED.connect_token,
  valid=true,
  updated_at=EXCLUDED.updated_at
RETURNING `+recordColumns+`, (xmax = 0)`,
		u.UserID, u.Handle, u.Username, u.BackendUserID, u.BaseURL, u.Origin, u.ConnectToken, u.At)
	var rec Record
	var inserted bool
	if err := row.Scan(&rec.UserID, &rec.Handle, &rec.Username, &rec.BackendUserID, &rec.BaseURL,
		&rec.Origin, &rec.ConnectToken, &rec.Valid, &rec.CreatedAt, &rec.UpdatedAt, &inserted); err != nil {
		return Record{}, false, fmt.Errorf("upsert link %s: %w", u.Handle, err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, inserted, nil
}

func (p *pgStore) SetValid(ctx context.Context, handle string, valid bool) error {
	tag, err := p.dbPool.Exec(ctx, `UPDATE link_records SET valid=$2 WHERE handle=$1`, handle, valid)
	if err != nil {
		return fmt.Errorf("set validity %s: %w", handle, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgStore) List(ctx context.Context) ([]Record, error) {
	rows, err := p.dbPool.Query(ctx, `SELECT `+recordColumns+` FROM link_records ORDER BY handle`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *pgStore) Close() error { return nil }

func scanPG(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.UserID, &rec.Handle, &rec.Username, &rec.BackendUserID, &rec.BaseURL,
		&rec.Origin, &rec.ConnectToken, &rec.Valid, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}
