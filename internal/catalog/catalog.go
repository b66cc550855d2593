// Package catalog persists project records in an embedded SQLite database.
//
// The catalog is the relational side of reconciliation: one row per project
// directory ever discovered on the file share, keyed by a store-assigned id
// and carrying the identity token read from the project's sentinel file.
//
// Architecture:
//   - Database file: <file_server>/<database_path>, usually projects.db
//   - WAL mode: the dashboard and CLI read while the sync worker writes
//   - Schema: projects and settings tables
//   - Indexes: identity, path and status lookups used by every pass
//
// Identity uniqueness among active rows is intended but deliberately not
// enforced by the schema. Rows duplicated by a partial failure stay
// readable so the reconciler can report them.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ncruces/go-sqlite3"
	"github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/ext/unicode"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Config holds optional settings for OpenWithConfig.
type Config struct {
	// Now returns the timestamp written to created_at and modified_at.
	// Defaults to time.Now.
	Now func() time.Time

	// Logger receives warnings such as a failed WAL checkpoint on Close.
	// Defaults to a discarding logger.
	Logger *slog.Logger
}

// DB wraps the SQLite connection pool with catalog operations.
type DB struct {
	conn   *sql.DB
	path   string
	now    func() time.Time
	logger *slog.Logger
}

// Open creates or opens the catalog database at path.
//
// The parent directory is created if needed. The caller MUST call Close
// when done so the WAL is checkpointed.
//
// Example:
//
//	store, err := catalog.Open(filepath.Join(fileServer, "projects.db"))
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	return OpenWithConfig(path, Config{})
}

// OpenWithConfig opens the catalog database with custom settings.
//
// The special path ":memory:" opens a private in-memory database backed
// by a single connection.
func OpenWithConfig(path string, cfg Config) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	memory := path == ":memory:"
	connStr := ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := driver.Open(connStr, initConn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if memory {
		// Every connection to :memory: is a separate database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(8)
		conn.SetMaxIdleConns(4)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	db := &DB{
		conn:   conn,
		path:   path,
		now:    cfg.Now,
		logger: cfg.Logger,
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	if !memory {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}
	for _, pragma := range pragmas {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// initConn runs on every new connection. Project names are mostly
// Cyrillic, so lower() and upper() are replaced with Unicode-aware
// versions; the built-ins fold ASCII only.
func initConn(c *sqlite3.Conn) error {
	if err := unicode.Register(c); err != nil {
		return fmt.Errorf("failed to register unicode functions: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.path != ":memory:" {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			db.logger.Warn("failed to checkpoint WAL", slog.String("path", db.path), slog.Any("error", err))
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the catalog schema if it doesn't exist.
// This is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the catalog schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		modified_at TEXT NOT NULL
	);

	-- Single-row settings, relative to the file server root
	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		project_dir TEXT NOT NULL DEFAULT '',
		template_project_dir TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_projects_identity ON projects(identity);
	CREATE INDEX IF NOT EXISTS idx_projects_path ON projects(path);
	CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
	CREATE INDEX IF NOT EXISTS idx_projects_modified ON projects(modified_at);

	INSERT OR IGNORE INTO settings (id, project_dir, template_project_dir) VALUES (1, '', '');
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Stats summarises the catalog contents.
type Stats struct {
	Active  int `json:"active"`
	Deleted int `json:"deleted"`
}

// Total returns the number of rows regardless of status.
func (s Stats) Total() int {
	return s.Active + s.Deleted
}

// Stats returns per-status row counts.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	query := `
	SELECT
		COALESCE(SUM(CASE WHEN status != 'deleted' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'deleted' THEN 1 ELSE 0 END), 0)
	FROM projects
	`
	if err := db.conn.QueryRowContext(ctx, query).Scan(&stats.Active, &stats.Deleted); err != nil {
		return Stats{}, fmt.Errorf("failed to count projects: %w", err)
	}
	return stats, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// formatTime renders a timestamp the way it is stored.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime reads a stored timestamp.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		if t, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
