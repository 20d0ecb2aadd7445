// Package store persists plugin-scoped keyed data (settings and storage)
// in SQLite via modernc.org/sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/deskforge/plugkit/pkg/plugin"
)

// ErrNewerSchema is returned when the database was created by a newer
// version of the runtime than the currently running binary.
var ErrNewerSchema = errors.New("database was created by a newer version of plugkit")

// Compile-time interface guard.
var _ plugin.Store = (*SQLiteStore)(nil)

// SQLiteStore implements plugin.Store backed by SQLite.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex // serialize schema setup
	once sync.Once  // ensure schema created once
}

// New opens (or creates) a SQLite database at the given path and applies
// recommended pragmas for WAL mode, foreign keys, and performance.
func New(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection. WAL enables concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// modernc.org/sqlite requires SQL statements, not DSN params.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get returns the value stored under (plugin, kind, key).
// Returns plugin.ErrNotFound for absent keys.
func (s *SQLiteStore) Get(ctx context.Context, pluginUUID uuid.UUID, kind plugin.DataKind, key string) ([]byte, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM plugin_data WHERE plugin_uuid = ? AND data_type = ? AND key = ?`,
		pluginUUID.String(), string(kind), key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, plugin.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plugin data %s/%s: %w", kind, key, err)
	}
	return value, nil
}

// Set upserts a value under (plugin, kind, key).
func (s *SQLiteStore) Set(ctx context.Context, pluginUUID uuid.UUID, kind plugin.DataKind, key string, value []byte) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_data (plugin_uuid, data_type, key, value, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (plugin_uuid, data_type, key)
		DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		pluginUUID.String(), string(kind), key, value,
	)
	if err != nil {
		return fmt.Errorf("set plugin data %s/%s: %w", kind, key, err)
	}
	return nil
}

// Delete removes the value under (plugin, kind, key). Deleting an absent
// key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, pluginUUID uuid.UUID, kind plugin.DataKind, key string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_data WHERE plugin_uuid = ? AND data_type = ? AND key = ?`,
		pluginUUID.String(), string(kind), key,
	)
	if err != nil {
		return fmt.Errorf("delete plugin data %s/%s: %w", kind, key, err)
	}
	return nil
}

// List returns all keys for a plugin and kind, sorted ascending.
func (s *SQLiteStore) List(ctx context.Context, pluginUUID uuid.UUID, kind plugin.DataKind) ([]string, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM plugin_data WHERE plugin_uuid = ? AND data_type = ? ORDER BY key ASC`,
		pluginUUID.String(), string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("list plugin data %s: %w", kind, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan plugin data key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// LogActivity records a plugin runtime activity row (load, error, ...).
// Best effort: callers treat failures as non-fatal.
func (s *SQLiteStore) LogActivity(ctx context.Context, pluginUUID uuid.UUID, action string, details []byte) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_activity (plugin_uuid, action, details, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		pluginUUID.String(), action, details,
	)
	if err != nil {
		return fmt.Errorf("log plugin activity %q: %w", action, err)
	}
	return nil
}

// CheckVersion compares the running binary version against the version
// stored in the database. An older binary refuses to open a database
// created by a newer version. The special version "dev" always passes.
func (s *SQLiteStore) CheckVersion(ctx context.Context, currentVersion string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}

	var stored string
	err := s.db.QueryRowContext(ctx,
		"SELECT app_version FROM _schema_meta WHERE id = 1",
	).Scan(&stored)

	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx,
			"INSERT INTO _schema_meta (id, app_version, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)",
			currentVersion,
		)
		if err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	if stored == "dev" || currentVersion == "dev" {
		return s.storeVersion(ctx, currentVersion)
	}

	cur := normalizeVersion(currentVersion)
	sto := normalizeVersion(stored)

	if semver.Compare(cur, sto) < 0 {
		return fmt.Errorf("%w: database=%s, binary=%s", ErrNewerSchema, stored, currentVersion)
	}
	if semver.Compare(cur, sto) > 0 {
		return s.storeVersion(ctx, currentVersion)
	}
	return nil
}

func (s *SQLiteStore) storeVersion(ctx context.Context, version string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE _schema_meta SET app_version = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1",
		version,
	)
	if err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	return nil
}

// ensureSchema creates the runtime's tables on first use.
func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err = s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS plugin_data (
				plugin_uuid TEXT     NOT NULL,
				data_type   TEXT     NOT NULL,
				key         TEXT     NOT NULL,
				value       BLOB,
				updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (plugin_uuid, data_type, key)
			);
			CREATE TABLE IF NOT EXISTS plugin_activity (
				id          INTEGER  PRIMARY KEY AUTOINCREMENT,
				plugin_uuid TEXT     NOT NULL,
				action      TEXT     NOT NULL,
				details     BLOB,
				created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE TABLE IF NOT EXISTS _schema_meta (
				id          INTEGER  PRIMARY KEY CHECK (id = 1),
				app_version TEXT     NOT NULL,
				updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
		`)
	})
	return err
}

// normalizeVersion ensures the version string has a "v" prefix for semver comparison.
func normalizeVersion(v string) string {
	if v != "" && v[0] != 'v' {
		return "v" + v
	}
	return v
}
