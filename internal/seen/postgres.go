package seen

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend keeps the seen map in a PostgreSQL table, for deployments
// where the bot runs from ephemeral containers without a persistent disk.
type PostgresBackend struct {
	pool  *pgxpool.Pool
	table string
}

// OpenPostgres connects with dsn and ensures the table exists.
func OpenPostgres(ctx context.Context, dsn, table string) (*PostgresBackend, error) {
	if table == "" {
		table = "seen_items"
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	ident := pgx.Identifier{table}.Sanitize()
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id        TEXT PRIMARY KEY,
		last_seen TIMESTAMPTZ NOT NULL
	)`, ident)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating %s: %w", table, err)
	}

	return &PostgresBackend{pool: pool, table: table}, nil
}

func (b *PostgresBackend) LoadAll(ctx context.Context) (map[string]time.Time, error) {
	query := fmt.Sprintf("SELECT id, last_seen FROM %s", pgx.Identifier{b.table}.Sanitize())
	rows, err := b.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying seen items: %w", err)
	}
	defer rows.Close()

	items := make(map[string]time.Time)
	for rows.Next() {
		var (
			id       string
			lastSeen time.Time
		)
		if err := rows.Scan(&id, &lastSeen); err != nil {
			return nil, fmt.Errorf("scanning seen item: %w", err)
		}
		items[id] = lastSeen
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating seen items: %w", err)
	}
	return items, nil
}

// ReplaceAll truncates the table and copies the map back in one transaction.
func (b *PostgresBackend) ReplaceAll(ctx context.Context, items map[string]time.Time) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", pgx.Identifier{b.table}.Sanitize())); err != nil {
		return fmt.Errorf("clearing seen items: %w", err)
	}

	rows := make([][]any, 0, len(items))
	for id, ts := range items {
		rows = append(rows, []any{id, ts})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{b.table}, []string{"id", "last_seen"}, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copying seen items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing seen items: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
