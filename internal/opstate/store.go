// Package opstate is a small namespaced key/value store on SQLite for
// operational state that has to survive restarts, such as the
// fingerprints of emails the bot already answered. Entries may carry an
// expiry; expired entries read as absent and are removed by Prune.
package opstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is safe for concurrent use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (creating if needed) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		expires_at TEXT,
		PRIMARY KEY (namespace, key)
	);
	`)
	return err
}

// timeLayout is fixed-width so timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

// Get returns the value for namespace/key. A missing or expired key
// yields "" and a nil error.
func (s *Store) Get(ctx context.Context, namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM operational_state
		 WHERE namespace = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		namespace, key, s.stamp(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Has reports whether a live entry exists for namespace/key.
func (s *Store) Has(ctx context.Context, namespace, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operational_state
		 WHERE namespace = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		namespace, key, s.stamp(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has %s/%s: %w", namespace, key, err)
	}
	return n > 0, nil
}

// Set upserts namespace/key with no expiry.
func (s *Store) Set(ctx context.Context, namespace, key, value string) error {
	return s.SetTTL(ctx, namespace, key, value, 0)
}

// SetTTL upserts namespace/key. A positive ttl makes the entry expire.
func (s *Store) SetTTL(ctx context.Context, namespace, key, value string, ttl time.Duration) error {
	var expires any
	if ttl > 0 {
		expires = s.now().Add(ttl).UTC().Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operational_state (namespace, key, value, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
		namespace, key, value, s.stamp(), expires,
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes namespace/key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM operational_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Count returns the number of live entries in a namespace.
func (s *Store) Count(ctx context.Context, namespace string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operational_state
		 WHERE namespace = ? AND (expires_at IS NULL OR expires_at > ?)`,
		namespace, s.stamp(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", namespace, err)
	}
	return n, nil
}

// Prune deletes expired entries in a namespace and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, namespace string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM operational_state
		 WHERE namespace = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		namespace, s.stamp(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", namespace, err)
	}
	return res.RowsAffected()
}
