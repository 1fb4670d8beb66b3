package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at INTEGER
);
CREATE TABLE IF NOT EXISTS set_members (
	key    TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (key, member)
);
CREATE TABLE IF NOT EXISTS list_entries (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	key   TEXT NOT NULL,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_list_entries_key ON list_entries(key, id);
`

// SQLiteStore is a Store backed by a shared SQLite database, giving multiple
// driver processes a common view of dedup keys, waiting sets, and stack
// snapshots. Atomicity of the compound operations comes from transactions.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (and if needed initializes) the store at dbPath.
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("Shared store opened")

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Get returns the value for key, reporting presence.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM kv WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read key %s: %w", key, err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= time.Now().UnixMilli() {
		return "", false, nil
	}
	return value, true, nil
}

// Set writes key=value with an optional ttl.
func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?) "+
			"ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at",
		key, value, expiryMilli(ttl))
	if err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// SetNX writes key=value only if the key is absent or expired.
func (s *SQLiteStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Clear an expired row first so the insert below can claim the key.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM kv WHERE key = ? AND expires_at IS NOT NULL AND expires_at <= ?",
		key, time.Now().UnixMilli()); err != nil {
		return false, fmt.Errorf("failed to expire key %s: %w", key, err)
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING",
		key, value, expiryMilli(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to set key %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return affected > 0, nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// SetAdd adds members to the set at key.
func (s *SQLiteStore) SetAdd(ctx context.Context, key string, members ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, member := range members {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO set_members (key, member) VALUES (?, ?) ON CONFLICT DO NOTHING",
			key, member); err != nil {
			return fmt.Errorf("failed to add set member: %w", err)
		}
	}
	return tx.Commit()
}

// SetRemove removes one member and returns the remaining cardinality.
func (s *SQLiteStore) SetRemove(ctx context.Context, key, member string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM set_members WHERE key = ? AND member = ?", key, member); err != nil {
		return 0, fmt.Errorf("failed to remove set member: %w", err)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM set_members WHERE key = ?", key).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("failed to count set members: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return remaining, nil
}

// SetMembers returns all members of the set at key.
func (s *SQLiteStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT member FROM set_members WHERE key = ?", key)
	if err != nil {
		return nil, fmt.Errorf("failed to read set members: %w", err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, fmt.Errorf("failed to scan set member: %w", err)
		}
		members = append(members, member)
	}
	return members, rows.Err()
}

// ListAppend appends values to the list at key.
func (s *SQLiteStore) ListAppend(ctx context.Context, key string, values ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, value := range values {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO list_entries (key, value) VALUES (?, ?)", key, value); err != nil {
			return fmt.Errorf("failed to append list entry: %w", err)
		}
	}
	return tx.Commit()
}

// ListRange returns list elements in [start, stop]; stop=-1 means the end.
func (s *SQLiteStore) ListRange(ctx context.Context, key string, start, stop int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT value FROM list_entries WHERE key = ? ORDER BY id ASC", key)
	if err != nil {
		return nil, fmt.Errorf("failed to read list entries: %w", err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("failed to scan list entry: %w", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sliceRange(values, start, stop), nil
}

// Sweep removes expired kv rows.
func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?",
		time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired keys: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected > 0 {
		s.logger.Debug().Int64("dropped", affected).Msg("Swept expired keys")
	}
	return int(affected), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func expiryMilli(ttl time.Duration) interface{} {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl).UnixMilli()
}
