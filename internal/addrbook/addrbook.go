// Package addrbook persists known peer addresses and their backoff
// state across restarts, so a node does not have to rediscover its
// entire peer set from DNS/HTTP seeds every time it starts. It selects
// between SQLite (single-node, default) and Postgres (shared,
// multi-instance deployments) based on config.DatabaseType, the same
// switch this module's ancestry used for its primary datastore.
package addrbook

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/blocksprint/spvnet/internal/config"
)

// Record is one persisted peer address.
type Record struct {
	Addr        string
	LastSeen    time.Time
	LastSuccess time.Time
	FailCount   int
}

// Book is the address book's storage handle. It wraps a plain
// database/sql.DB; the schema is small enough that no ORM or query
// builder earns its keep here.
type Book struct {
	db *sql.DB
}

// Open connects to the backend selected by cfg and ensures the schema
// exists.
func Open(ctx context.Context, cfg config.Config) (*Book, error) {
	var driver, dsn string
	switch cfg.DatabaseType {
	case config.DatabaseSQLite:
		driver, dsn = "sqlite3", cfg.DatabaseURL
	case config.DatabasePostgres:
		driver, dsn = "pgx", cfg.DatabaseURL
	default:
		return nil, fmt.Errorf("addrbook: unsupported database type %q", cfg.DatabaseType)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("addrbook: open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("addrbook: ping %s: %w", driver, err)
	}

	b := &Book{db: db}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Book) migrate(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS peer_addresses (
			addr         TEXT PRIMARY KEY,
			last_seen    TIMESTAMP,
			last_success TIMESTAMP,
			fail_count   INTEGER NOT NULL DEFAULT 0
		)
	`)
	return err
}

// Close releases the underlying database handle.
func (b *Book) Close() error { return b.db.Close() }

// Upsert records an address as seen, resetting its fail count if
// success is true.
func (b *Book) Upsert(ctx context.Context, addr net.Addr, success bool) error {
	now := time.Now().UTC()
	if success {
		_, err := b.db.ExecContext(ctx, `
			INSERT INTO peer_addresses (addr, last_seen, last_success, fail_count)
			VALUES (?, ?, ?, 0)
			ON CONFLICT(addr) DO UPDATE SET last_seen = excluded.last_seen, last_success = excluded.last_success, fail_count = 0
		`, addr.String(), now, now)
		return err
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO peer_addresses (addr, last_seen, fail_count)
		VALUES (?, ?, 1)
		ON CONFLICT(addr) DO UPDATE SET last_seen = excluded.last_seen, fail_count = peer_addresses.fail_count + 1
	`, addr.String(), now)
	return err
}

// Best returns up to limit addresses ordered by lowest fail count and
// most recent success, the set PeerGroup's connection driver should
// prefer when its discovery queue runs dry.
func (b *Book) Best(ctx context.Context, limit int) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT addr, last_seen, last_success, fail_count
		FROM peer_addresses
		ORDER BY fail_count ASC, last_success DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var lastSuccess sql.NullTime
		if err := rows.Scan(&r.Addr, &r.LastSeen, &lastSuccess, &r.FailCount); err != nil {
			return nil, err
		}
		if lastSuccess.Valid {
			r.LastSuccess = lastSuccess.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
