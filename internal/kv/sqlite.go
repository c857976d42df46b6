package kv

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hpungsan/codestream/internal/errors"
)

// CurrentSchemaVersion is the latest schema version of the sqlite backend.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// SQLiteStore is an embedded, writer-local Store backed by a single sqlite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) dir/codestream.db. poolSize bounds open connections.
func OpenSQLite(dir string, poolSize int) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	_ = os.Chmod(dir, 0700)

	dbPath := filepath.Join(dir, "codestream.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	_ = os.Chmod(dbPath, 0600)

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS kv (
		  key        TEXT PRIMARY KEY,
		  value      BLOB NOT NULL,
		  expires_at INTEGER
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

// Backend implements Store.
func (s *SQLiteStore) Backend() string { return "sqlite" }

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	var expires sql.NullInt64
	if ttl > 0 {
		expires = sql.NullInt64{Int64: s.now().Add(ttl).UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expires)
	return classifySQLite(err)
}

// Get implements Store. Expired rows read as absent.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	var (
		value   []byte
		expires sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv WHERE key = ?`, key).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifySQLite(err)
	}
	if expires.Valid && expires.Int64 <= s.now().UnixMilli() {
		return nil, false, nil
	}
	return value, true, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return classifySQLite(err)
}

// Scan implements Store with keyset pagination over the primary key index.
// The cursor is the last key of the previous page.
func (s *SQLiteStore) Scan(ctx context.Context, prefix, cursor string, count int) ([]string, string, error) {
	if count <= 0 {
		count = DefaultScanBatch
	}
	lower := prefix
	if cursor > lower {
		lower = cursor
	}

	query := `SELECT key FROM kv WHERE key >= ? AND key != ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{lower, cursor, s.now().UnixMilli()}
	if end := prefixEnd([]byte(prefix)); end != nil {
		query += ` AND key < ?`
		args = append(args, string(end))
	}
	query += ` ORDER BY key LIMIT ?`
	args = append(args, count)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", classifySQLite(err)
	}
	defer rows.Close()

	keys := make([]string, 0, count)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, "", classifySQLite(err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, "", classifySQLite(err)
	}

	if len(keys) < count {
		return keys, "", nil
	}
	return keys, keys[len(keys)-1], nil
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return classifySQLite(s.db.PingContext(ctx))
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// classifySQLite maps lock contention and closed handles to the retryable
// class; everything else is a protocol error.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, sql.ErrConnDone) || stderrors.Is(err, context.DeadlineExceeded) ||
		stderrors.Is(err, context.Canceled) {
		return errors.NewStoreUnavailable(err)
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is closed") {
		return errors.NewStoreUnavailable(err)
	}
	return errors.NewStoreProtocol(err)
}
