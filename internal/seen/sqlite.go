package seen

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const createSeenTable = `CREATE TABLE IF NOT EXISTS seen_items (
	id        TEXT PRIMARY KEY,
	last_seen INTEGER NOT NULL
)`

// SQLiteBackend keeps the seen map in a single-file SQLite database.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the database at path. A file that is not a
// SQLite database is moved aside to <path>.corrupt and replaced by a fresh one.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	b, err := openSQLite(path)
	if err == nil {
		return b, nil
	}
	if path == ":memory:" || !isNotADatabase(err) {
		return nil, err
	}

	aside := path + ".corrupt"
	log.Warn().Err(err).Str("path", path).Str("moved_to", aside).Msg("Seen database is corrupt, starting fresh")
	if renameErr := os.Rename(path, aside); renameErr != nil {
		return nil, fmt.Errorf("moving corrupt database aside: %w", renameErr)
	}
	return openSQLite(path)
}

func openSQLite(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(createSeenTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating seen_items table: %w", err)
	}

	return &SQLiteBackend{db: db, path: path}, nil
}

func isNotADatabase(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not a database") || strings.Contains(msg, "malformed")
}

func (b *SQLiteBackend) LoadAll(ctx context.Context) (map[string]time.Time, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT id, last_seen FROM seen_items")
	if err != nil {
		return nil, fmt.Errorf("querying seen items: %w", err)
	}
	defer rows.Close()

	items := make(map[string]time.Time)
	for rows.Next() {
		var (
			id       string
			lastSeen int64
		)
		if err := rows.Scan(&id, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning seen item: %w", err)
		}
		items[id] = time.Unix(0, lastSeen)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating seen items: %w", err)
	}
	return items, nil
}

// ReplaceAll rewrites the table in one transaction.
func (b *SQLiteBackend) ReplaceAll(ctx context.Context, items map[string]time.Time) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM seen_items"); err != nil {
		return fmt.Errorf("clearing seen items: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO seen_items (id, last_seen) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for id, ts := range items {
		if _, err := stmt.ExecContext(ctx, id, ts.UnixNano()); err != nil {
			return fmt.Errorf("inserting seen item %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing seen items: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
