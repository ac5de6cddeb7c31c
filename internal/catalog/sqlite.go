package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/pddg/liveupdate/internal/errdefs"
)

const schema = `
CREATE TABLE IF NOT EXISTS bundles (
	id   TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens a SQLite backed catalog. Use ":memory:" in tests.
func OpenSQLite(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog.OpenSQLite: %w: %w", errdefs.ErrStorage, err)
	}
	// SQLite only allows one writer at a time. A single connection also keeps
	// an in-memory database alive across transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("catalog.OpenSQLite: %q: %w: %w", stmt, errdefs.ErrStorage, err)
		}
	}
	return &sqliteStore{db: db}, nil
}

// View shares the single connection with Update, so reads are serialized with writes.
func (s *sqliteStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, fn)
}

func (s *sqliteStore) Update(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, fn)
}

func (s *sqliteStore) run(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog.sqliteStore: failed to begin transaction: %w: %w", errdefs.ErrStorage, err)
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("catalog.sqliteStore: failed to commit: %w: %w", errdefs.ErrStorage, err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Record(id string) ([]byte, error) {
	var data []byte
	err := t.tx.QueryRowContext(t.ctx, "SELECT data FROM bundles WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog.Tx.Record: %s: %w", id, errdefs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog.Tx.Record: %w: %w", errdefs.ErrStorage, err)
	}
	return data, nil
}

func (t *sqliteTx) ForEachRecord(fn func(id string, data []byte) error) error {
	rows, err := t.tx.QueryContext(t.ctx, "SELECT id, data FROM bundles ORDER BY id")
	if err != nil {
		return fmt.Errorf("catalog.Tx.ForEachRecord: %w: %w", errdefs.ErrStorage, err)
	}
	defer rows.Close()
	type row struct {
		id   string
		data []byte
	}
	// Drain the cursor first so fn can issue statements on the same connection.
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.data); err != nil {
			return fmt.Errorf("catalog.Tx.ForEachRecord: %w: %w", errdefs.ErrStorage, err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("catalog.Tx.ForEachRecord: %w: %w", errdefs.ErrStorage, err)
	}
	rows.Close()
	for _, r := range all {
		if err := fn(r.id, r.data); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTx) PutRecord(id string, data []byte) error {
	if _, err := t.tx.ExecContext(t.ctx, "INSERT OR REPLACE INTO bundles (id, data) VALUES (?, ?)", id, data); err != nil {
		return fmt.Errorf("catalog.Tx.PutRecord: %w: %w", errdefs.ErrStorage, err)
	}
	return nil
}

func (t *sqliteTx) DeleteRecord(id string) error {
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM bundles WHERE id = ?", id); err != nil {
		return fmt.Errorf("catalog.Tx.DeleteRecord: %w: %w", errdefs.ErrStorage, err)
	}
	return nil
}

func (t *sqliteTx) Meta(key string) (string, error) {
	var value string
	err := t.tx.QueryRowContext(t.ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("catalog.Tx.Meta: %w: %w", errdefs.ErrStorage, err)
	}
	return value, nil
}

func (t *sqliteTx) PutMeta(key, value string) error {
	if _, err := t.tx.ExecContext(t.ctx, "INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)", key, value); err != nil {
		return fmt.Errorf("catalog.Tx.PutMeta: %w: %w", errdefs.ErrStorage, err)
	}
	return nil
}

func (t *sqliteTx) DeleteMeta(key string) error {
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM meta WHERE key = ?", key); err != nil {
		return fmt.Errorf("catalog.Tx.DeleteMeta: %w: %w", errdefs.ErrStorage, err)
	}
	return nil
}
