// Package store implements bpfmand's persistent key/value adapter:
// hierarchical ASCII keys, prefix scans, and a durable flush that every
// command-dispatcher mutation calls before replying to its caller.
//
// The backing engine is a WAL-mode SQLite database opened through
// modernc.org/sqlite, the pure-Go driver that lets bpfmand ship as a
// single static binary with no cgo toolchain requirement — a hard
// constraint for a privileged daemon that may run in a minimal initramfs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bpfman/bpfmand/internal/bpfmanerr"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// RetryConfig bounds the backoff used when opening the database races
// with another process (or this daemon's own previous instance) holding
// the file lock during shutdown. Values come from the [database] section
// of the TOML config.
type RetryConfig struct {
	MaxRetries     uint32
	MillisecDelay  uint64
}

// DefaultRetryConfig matches upstream's documented defaults.
var DefaultRetryConfig = RetryConfig{MaxRetries: 10, MillisecDelay: 100}

// Store is bpfmand's persistent key/value adapter.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, enables
// WAL journal mode, and applies the schema. path may be ":memory:" for
// tests, in which case every Store still behaves like a single-writer
// database since the connection pool is limited to one connection.
//
// Opening retries with the bounded backoff in cfg before surfacing
// bpfmanerr.KindStoreUnavailable, tolerating a simultaneous-open race
// with a process that has not yet released its lock on path.
func Open(ctx context.Context, path string, cfg RetryConfig) (*Store, error) {
	if cfg.MaxRetries == 0 {
		cfg = DefaultRetryConfig
	}

	var db *sql.DB
	var lastErr error
	for attempt := uint32(0); attempt < cfg.MaxRetries; attempt++ {
		db, lastErr = tryOpen(path)
		if lastErr == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, bpfmanerr.Wrap(bpfmanerr.KindStoreUnavailable, "store.Open", ctx.Err())
		case <-time.After(time.Duration(cfg.MillisecDelay) * time.Millisecond):
		}
	}
	if lastErr != nil {
		return nil, bpfmanerr.Wrap(bpfmanerr.KindStoreUnavailable, "store.Open", lastErr)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, bpfmanerr.Wrap(bpfmanerr.KindStoreCorrupt, "store.Open", fmt.Errorf("apply schema: %w", err))
	}

	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

func tryOpen(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}

	// SQLite permits exactly one writer; a single pooled connection
	// serialises every caller through it instead of surfacing
	// "database is locked" errors under concurrent access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA quick_check`); err != nil {
		db.Close()
		return nil, fmt.Errorf("quick_check: %w", err)
	}
	return db, nil
}

// Put writes value under key, overwriting any existing value.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindStoreUnavailable, "store.Put", err)
	}
	return nil
}

// Get reads the value stored at key. It returns (nil, nil) if key is
// absent — callers distinguish "absent" from "error" by checking err.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, bpfmanerr.Wrap(bpfmanerr.KindStoreUnavailable, "store.Get", err)
	}
	return value, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindStoreUnavailable, "store.Delete", err)
	}
	return nil
}

// Entry is one (key, value) pair returned by ScanPrefix.
type Entry struct {
	Key   string
	Value []byte
}

// ScanPrefix returns every entry whose key begins with prefix, ordered
// lexicographically by key. It is implemented as a half-open range scan
// ([prefix, successor(prefix))) rather than a LIKE query, so it can use
// the primary-key index directly.
func (s *Store) ScanPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	upper := prefixUpperBound(prefix)

	var rows *sql.Rows
	var err error
	if upper == "" {
		// prefix is all 0xFF bytes (or empty with no successor); fall
		// back to a simple >= scan with no upper bound.
		rows, err = s.db.QueryContext(ctx,
			`SELECT key, value FROM kv WHERE key >= ? ORDER BY key`, prefix)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`, prefix, upper)
	}
	if err != nil {
		return nil, bpfmanerr.Wrap(bpfmanerr.KindStoreUnavailable, "store.ScanPrefix", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, bpfmanerr.Wrap(bpfmanerr.KindStoreCorrupt, "store.ScanPrefix", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, bpfmanerr.Wrap(bpfmanerr.KindStoreUnavailable, "store.ScanPrefix", err)
	}
	return out, nil
}

// prefixUpperBound returns the lexicographically smallest string greater
// than every string with the given prefix, or "" if no such string
// exists in the ASCII key space (prefix is empty or all 0xFF).
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] != 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// Flush durably persists every write issued so far. Every mutation made
// by the command dispatcher is immediately followed by Flush before a
// success response is returned to the caller (spec.md §4.1).
func (s *Store) Flush(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return bpfmanerr.Wrap(bpfmanerr.KindStoreUnavailable, "store.Flush", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
