package linkstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

const recordColumns = `user_id, handle, username, backend_user_id, base_url, origin, connect_token, valid, created_at, updated_at`

type sqliteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a sqlite database file. Use ":memory:" for tests.
func NewSQLite(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer keeps ON CONFLICT upserts serialized per process
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Get(ctx context.Context, handle string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM link_records WHERE handle = ?`, handle)
	return scanSQLite(row)
}

func (s *sqliteStore) GetByUser(ctx context.Context, userID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM link_records WHERE user_id = ?`, userID)
	return scanSQLite(row)
}

func (s *sqliteStore) Upsert(ctx context.Context, u Update) (Record, bool, error) {
	u = u.normalized()
	at := u.At.UnixMilli()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO link_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET
			username = excluded.username,
			backend_user_id = excluded.backend_user_id,
			base_url = excluded.base_url,
			origin = excluded.origin,
			connect_token = excluded.connect_token,
			valid = 1,
			updated_at = excluded.updated_at
		RETURNING `+recordColumns,
		u.UserID, u.Handle, u.Username, u.BackendUserID, u.BaseURL, u.Origin, u.ConnectToken, at, at,
	)
	rec, err := scanSQLite(row)
	if err != nil {
		return Record{}, false, fmt.Errorf("upsert link %s: %w", u.Handle, err)
	}
	return rec, rec.UserID == u.UserID && rec.CreatedAt.Equal(rec.UpdatedAt), nil
}

func (s *sqliteStore) SetValid(ctx context.Context, handle string, valid bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE link_records SET valid = ? WHERE handle = ?`, valid, handle)
	if err != nil {
		return fmt.Errorf("set validity %s: %w", handle, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM link_records ORDER BY handle`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (Record, error) {
	var rec Record
	var valid int
	var createdAt, updatedAt int64
	err := row.Scan(&rec.UserID, &rec.Handle, &rec.Username, &rec.BackendUserID, &rec.BaseURL,
		&rec.Origin, &rec.ConnectToken, &valid, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.Valid = valid != 0
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}
